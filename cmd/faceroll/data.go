package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MrCodeEU/faceroll/pkg/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directories and both databases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		counts, err := newStore().EnsureSchema()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Profiles: %d (%s)\n", counts.Profiles, cfg.Storage.ProfileDB)
		fmt.Fprintf(cmd.OutOrStdout(), "Signs:    %d (%s)\n", counts.Signs, cfg.Storage.SignDB)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:       "list [profile|sign]",
	Short:     "Print every row of the profile or sign database",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(storage.ProfileTable), string(storage.SignTable)},
	RunE: func(cmd *cobra.Command, args []string) error {
		table := storage.ProfileTable
		if len(args) == 1 {
			table = storage.Table(args[0])
		}
		listing, err := newStore().ListAll(table)
		if err != nil {
			return err
		}
		printListing(cmd.OutOrStdout(), listing)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <stu_id>",
	Short: "Show the profile and sign-in state of one student",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := newStore()
		subject, err := store.FindSubject(args[0])
		if err != nil {
			if errors.Is(err, storage.ErrRecordNotFound) {
				return fmt.Errorf("student %s is not enrolled", args[0])
			}
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Student ID:  %s\n", subject.StuID)
		fmt.Fprintf(out, "Name:        %s\n", subject.Name)
		fmt.Fprintf(out, "Class:       %s\n", subject.Class)
		fmt.Fprintf(out, "Email:       %s\n", subject.Email)
		fmt.Fprintf(out, "Phone:       %s\n", subject.Phone)
		fmt.Fprintf(out, "Address:     %s\n", subject.Address)
		fmt.Fprintf(out, "Enrolled:    %s\n", subject.EnrolledAt.Format(storage.DateFormat))
		if subject.FaceID == storage.UnassignedFaceID {
			fmt.Fprintln(out, "Face ID:     not trained")
		} else {
			fmt.Fprintf(out, "Face ID:     %d\n", subject.FaceID)
		}

		samples, err := newTree().Samples(subject.StuID)
		if err == nil {
			fmt.Fprintf(out, "Samples:     %d\n", len(samples))
		}

		record, err := store.FindSignRecord(subject.StuID)
		switch {
		case err == nil && record.IsSigned():
			fmt.Fprintf(out, "Signed in:   %s\n", record.SignedTime)
		case err == nil:
			fmt.Fprintln(out, "Signed in:   no")
		default:
			fmt.Fprintln(out, "Signed in:   no sign record")
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <stu_id>",
	Short: "Delete a student from both databases and remove their samples",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stuID := args[0]
		res, dbErr := newStore().DeleteSubject(stuID)

		tree := newTree()
		fsErr := tree.Remove(stuID)
		if fsErr != nil {
			bus.Errorf("can not delete %s", tree.Dir(stuID))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Profile removed: %t\nSign record removed: %t\n", res.ProfileDeleted, res.SignDeleted)
		if res.ProfileDeleted {
			fmt.Fprintln(cmd.OutOrStdout(), "Run 'faceroll train' so the recognizer forgets this student.")
		}
		return errors.Join(dbErr, fsErr)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all sign-ins so a new class session can start",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newStore().ResetSigns()
		if err != nil {
			return err
		}
		bus.Successf("reset %d sign records.", n)
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %d sign records.\n", n)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that both databases and the trained model exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newStore().CheckReady(cfg.Recognition.ModelFile); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Ready to sign in.")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(initCmd, listCmd, showCmd, deleteCmd, resetCmd, checkCmd, configCmd)
}

// printListing writes a listing as an aligned table followed by the row count.
func printListing(out io.Writer, listing storage.Listing) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(listing.Columns, "\t")))
	for _, row := range listing.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\nTotal: %d row(s) in %s\n", listing.Count, listing.Table)
}
