package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MrCodeEU/faceroll/pkg/annotate"
	"github.com/MrCodeEU/faceroll/pkg/camera"
	"github.com/MrCodeEU/faceroll/pkg/enroll"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"github.com/MrCodeEU/faceroll/pkg/recognition"
	"github.com/MrCodeEU/faceroll/pkg/storage"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Capture face samples of a student and save the profile",
	Long: `Validate the student profile, capture face samples from the camera until
the quota is reached and save the profile to both databases.

Frames with no face or with more than one face are skipped. Interrupting the
capture keeps the samples already written; enrolling the same student again
appends to them.

Examples:
  faceroll enroll --stu-id 20231001 --name Li --class CS2023 \
    --email li2023@school.edu --phone 0086138000000 --address Dorm3

  # Save without asking once the quota is reached
  faceroll enroll --yes --stu-id 20231001 ...`,
	Args: cobra.NoArgs,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("stu-id", "", "Student ID, 8 digits")
	enrollCmd.Flags().String("name", "", "Student name")
	enrollCmd.Flags().String("class", "", "Class")
	enrollCmd.Flags().String("email", "", "Email address")
	enrollCmd.Flags().String("phone", "", "Phone number, 13 digits")
	enrollCmd.Flags().String("address", "", "Address")
	enrollCmd.Flags().Bool("yes", false, "Save the profile without confirmation")
	enrollCmd.Flags().Bool("preview", false, "Show the camera in a window")
}

func profileFromFlags(cmd *cobra.Command) storage.Profile {
	return storage.Profile{
		StuID:   mustGetString(cmd, "stu-id"),
		Name:    mustGetString(cmd, "name"),
		Class:   mustGetString(cmd, "class"),
		Email:   mustGetString(cmd, "email"),
		Phone:   mustGetString(cmd, "phone"),
		Address: mustGetString(cmd, "address"),
	}
}

func runEnroll(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	store := newStore()
	if _, err := store.EnsureSchema(); err != nil {
		return err
	}

	interval, err := cfg.Camera.Interval()
	if err != nil {
		return err
	}

	detector, err := recognition.NewCascadeDetector(cfg.Detection, recognition.WithDetectorEvents(bus))
	if err != nil {
		return err
	}
	defer func() { _ = detector.Close() }()

	opts := []enroll.Option{
		enroll.WithEvents(bus),
		enroll.WithMaxReadFailures(cfg.Camera.MaxReadFailures),
		enroll.WithAnnotator(annotate.NewOrFallback(cfg.Annotation)),
	}
	if preview := openPreview(cmd, "faceroll enroll"); preview != nil {
		defer func() { _ = preview.Close() }()
		opts = append(opts, enroll.WithFrameSink(preview))
	}

	collector := enroll.New(cfg.Enrollment, camera.New(cfg.Camera), detector, store, newTree(), opts...)
	defer func() { _ = collector.Close() }()

	if err := collector.SetProfile(profileFromFlags(cmd)); err != nil {
		return err
	}
	profile := collector.Profile()

	if err := collector.Start(ctx); err != nil {
		return err
	}

	bar := progressbar.NewOptions(cfg.Enrollment.Quota,
		progressbar.OptionSetDescription("Capturing "+profile.StuID),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for collector.State() == enroll.Capturing {
		select {
		case <-ctx.Done():
			kept := collector.Count()
			_ = bar.Exit()
			_ = collector.Cancel()
			fmt.Fprintf(cmd.OutOrStdout(), "\nCapture interrupted, %d images of %s kept.\n", kept, profile.StuID)
			return nil
		case <-ticker.C:
			res, err := collector.Tick(ctx)
			if errors.Is(err, enroll.ErrCameraStalled) {
				_ = bar.Exit()
				return err
			}
			if err != nil && !errors.Is(err, ctx.Err()) {
				logging.Component("enroll").WithError(err).Debug("Frame failed")
			}
			if res.Saved {
				_ = bar.Add(1)
			}
		}
	}
	_ = bar.Finish()

	if !mustGetBool(cmd, "yes") && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Save profile of %s (%s)?", profile.StuID, profile.Name)) {
		_ = collector.Cancel()
		fmt.Fprintln(cmd.OutOrStdout(), "Profile not saved. Captured images stay on disk.")
		return nil
	}

	res, err := collector.Commit()
	if err != nil {
		if res.Partial() {
			return fmt.Errorf("profile saved to only one database (profile=%t, sign=%t): %w", res.ProfileOK, res.SignOK, err)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Enrolled %s (%s). Run 'faceroll train' to update the recognizer.\n", profile.StuID, profile.Name)
	return nil
}

// confirm asks a yes/no question and defaults to no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
