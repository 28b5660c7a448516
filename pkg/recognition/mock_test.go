package recognition

import (
	"image"

	goface "github.com/Kagami/go-face"
)

type MockFaceEngine struct {
	RecognizeFunc func(data []byte) ([]goface.Face, error)
	CloseFunc     func()
}

func (m *MockFaceEngine) Recognize(data []byte) ([]goface.Face, error) {
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(data)
	}
	return nil, nil
}

func (m *MockFaceEngine) Close() {
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

type MockClassifier struct {
	DetectMultiScaleFunc func(gray *image.Gray) ([]image.Rectangle, *image.Gray, error)
	CloseFunc            func() error
}

func (m *MockClassifier) DetectMultiScale(gray *image.Gray) ([]image.Rectangle, *image.Gray, error) {
	if m.DetectMultiScaleFunc != nil {
		return m.DetectMultiScaleFunc(gray)
	}
	return nil, gray, nil
}

func (m *MockClassifier) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
