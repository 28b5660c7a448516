package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/MrCodeEU/faceroll/pkg/recognition"
	"github.com/MrCodeEU/faceroll/pkg/training"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the recognizer over all captured samples",
	Long: `Train the recognizer over every subject directory in the dataset, replace
the model file and assign face IDs in directory order.

Directories without a matching profile are trained but reported as ignored.`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	model, err := recognition.NewModel(cfg.Recognition)
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()

	tree := newTree()
	total := -1
	if subjects, err := tree.Subjects(); err == nil {
		total = len(subjects)
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Loading samples"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("subjects"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	trainer := training.New(tree, newStore(), model, newArtifact(),
		training.WithEvents(bus),
		training.WithProgress(func(p training.Progress) {
			bar.Describe("Loaded " + p.StuID)
			_ = bar.Add(1)
		}),
	)

	res, err := trainer.Train(ctx)
	_ = bar.Finish()
	if len(res.Assignments) == 0 {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout())
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STU_ID\tFACE_ID\tSAMPLES\tNOTE")
	for _, a := range res.Assignments {
		note := ""
		if a.Ignored {
			note = "no profile"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", a.StuID, a.FaceID, a.Samples, note)
	}
	_ = w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nTrained %d subjects on %d samples into %s\n", len(res.Assignments), res.Samples, cfg.Recognition.ModelFile)

	return err
}
