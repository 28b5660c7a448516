package recognition

import (
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/MrCodeEU/faceroll/pkg/face"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"gocv.io/x/gocv"
	"gocv.io/x/gocv/contrib"
)

// LBPHModel is a local binary patterns histogram recognizer. Its confidence is
// the histogram distance reported by OpenCV.
type LBPHModel struct {
	mu      sync.Mutex
	rec     *contrib.LBPHFaceRecognizer
	trained bool
}

// NewLBPHModel creates an untrained LBPH model.
func NewLBPHModel() *LBPHModel {
	return &LBPHModel{rec: contrib.NewLBPHFaceRecognizer()}
}

// Train fits the model over all samples, replacing any previous state.
func (m *LBPHModel) Train(samples []face.Sample) error {
	if len(samples) == 0 {
		// OpenCV aborts the process on an empty training set.
		return face.ErrEmptyTrainingSet
	}

	mats := make([]gocv.Mat, 0, len(samples))
	labels := make([]int, 0, len(samples))
	defer func() {
		for _, mat := range mats {
			_ = mat.Close()
		}
	}()

	for i, s := range samples {
		if s.Image == nil || s.Image.Bounds().Empty() {
			return fmt.Errorf("sample %d has no image data", i)
		}
		mat, err := gocv.ImageGrayToMatGray(face.ToGray(s.Image))
		if err != nil {
			return fmt.Errorf("failed to convert sample %d: %w", i, err)
		}
		mats = append(mats, mat)
		labels = append(labels, s.Label)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rec.Train(mats, labels)
	m.trained = true

	logging.Debugf("LBPH model trained on %d samples", len(samples))
	return nil
}

// Predict returns the closest label and its distance.
func (m *LBPHModel) Predict(img *image.Gray) (face.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.trained {
		return face.Prediction{}, face.ErrModelNotTrained
	}

	mat, err := gocv.ImageGrayToMatGray(face.ToGray(img))
	if err != nil {
		return face.Prediction{}, fmt.Errorf("failed to convert probe: %w", err)
	}
	defer func() { _ = mat.Close() }()

	resp := m.rec.PredictExtendedResponse(mat)
	return face.Prediction{
		Label:      int(resp.Label),
		Confidence: float64(resp.Confidence),
	}, nil
}

// MarshalArtifact serializes the model in OpenCV's YAML format.
func (m *LBPHModel) MarshalArtifact() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.trained {
		return nil, face.ErrModelNotTrained
	}

	path, cleanup, err := scratchFile()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	m.rec.SaveFile(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read saved model: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("model serialization produced no data")
	}
	return data, nil
}

// UnmarshalArtifact restores a model written by MarshalArtifact.
func (m *LBPHModel) UnmarshalArtifact(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty model artifact")
	}

	path, cleanup, err := scratchFile()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to stage model: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rec.LoadFile(path)
	m.trained = true
	return nil
}

// Close drops the recognizer.
func (m *LBPHModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trained = false
	return nil
}

// scratchFile reserves a temporary .yml path; OpenCV picks the format from the extension.
func scratchFile() (string, func(), error) {
	f, err := os.CreateTemp("", "faceroll-lbph-*.yml")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	return path, func() { _ = os.Remove(path) }, nil
}
