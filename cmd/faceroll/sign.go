package main

import (
	"fmt"

	"github.com/MrCodeEU/faceroll/pkg/annotate"
	"github.com/MrCodeEU/faceroll/pkg/camera"
	"github.com/MrCodeEU/faceroll/pkg/recognition"
	"github.com/MrCodeEU/faceroll/pkg/signin"
	"github.com/spf13/cobra"
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Run the sign-in loop until interrupted",
	Long: `Recognize faces in front of the camera and sign each recognized student in
once per session. Press Ctrl+C to stop.

The databases and a trained model must exist; see 'faceroll check'.`,
	Args: cobra.NoArgs,
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().Bool("preview", false, "Show the annotated camera in a window")
}

func runSign(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	store := newStore()
	if err := store.CheckReady(cfg.Recognition.ModelFile); err != nil {
		return err
	}

	settings, err := signin.SettingsFromConfig(cfg)
	if err != nil {
		return err
	}

	detector, err := recognition.NewCascadeDetector(cfg.Detection, recognition.WithDetectorEvents(bus))
	if err != nil {
		return err
	}
	defer func() { _ = detector.Close() }()

	model, err := recognition.NewModel(cfg.Recognition)
	if err != nil {
		return err
	}

	opts := []signin.Option{
		signin.WithEvents(bus),
		signin.WithAnnotator(annotate.NewOrFallback(cfg.Annotation)),
	}
	if preview := openPreview(cmd, "faceroll sign"); preview != nil {
		defer func() { _ = preview.Close() }()
		opts = append(opts, signin.WithFrameSink(preview))
	}

	loop := signin.New(settings, camera.New(cfg.Camera), detector, model, newArtifact(), store, opts...)
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s running, press Ctrl+C to stop.\n", loop.Session())

	if err := loop.Run(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Session %s ended, %d signed in.\n", loop.Session(), loop.SignedCount())
	return nil
}
