package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/faceroll/pkg/artifact"
	"github.com/MrCodeEU/faceroll/pkg/camera"
	"github.com/MrCodeEU/faceroll/pkg/dataset"
	"github.com/MrCodeEU/faceroll/pkg/storage"
	"github.com/spf13/cobra"
)

func newStore() *storage.Store {
	return storage.New(cfg.Storage.ProfileDB, cfg.Storage.SignDB, storage.WithEvents(bus))
}

func newTree() *dataset.Tree {
	return dataset.New(cfg.Storage.DatasetDir, cfg.Storage.SubjectPrefix)
}

func newArtifact() *artifact.Store {
	return artifact.New(cfg.Recognition.ModelFile, artifact.WithEncryption(cfg.Storage.EncryptionEnabled))
}

// previewEnabled resolves the --preview flag against the configured default.
func previewEnabled(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("preview") {
		return mustGetBool(cmd, "preview")
	}
	return cfg.Camera.Preview
}

// openPreview returns a window, or nil when previews are off.
func openPreview(cmd *cobra.Command, title string) *camera.Preview {
	if !previewEnabled(cmd) {
		return nil
	}
	return camera.NewPreview(title)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
