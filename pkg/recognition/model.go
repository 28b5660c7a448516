// Package recognition provides face detection and the trainable recognition models.
// Detection uses an OpenCV Haar cascade through gocv. Recognition is either an
// OpenCV LBPH recognizer or a dlib descriptor classifier through go-face.
package recognition

import (
	"fmt"

	"github.com/MrCodeEU/faceroll/pkg/config"
	"github.com/MrCodeEU/faceroll/pkg/face"
)

// NewModel returns an untrained model for the configured backend.
func NewModel(cfg config.RecognitionConfig) (face.Model, error) {
	switch cfg.Backend {
	case config.BackendLBPH, "":
		return NewLBPHModel(), nil
	case config.BackendDlib:
		return NewDlibModel(cfg.DlibModelDir), nil
	default:
		return nil, fmt.Errorf("unknown recognition backend %q", cfg.Backend)
	}
}
