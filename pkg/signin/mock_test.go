package signin

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/MrCodeEU/faceroll/pkg/events"
	"github.com/MrCodeEU/faceroll/pkg/face"
	"github.com/MrCodeEU/faceroll/pkg/storage"
)

// MockCamera implements Camera for testing
type MockCamera struct {
	OpenFunc  func(ctx context.Context) error
	ReadFunc  func() (image.Image, error)
	CloseFunc func() error
}

func (m *MockCamera) Open(ctx context.Context) error {
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx)
	}
	return nil
}

func (m *MockCamera) Read() (image.Image, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc()
	}
	return image.NewRGBA(image.Rect(0, 0, 640, 480)), nil
}

func (m *MockCamera) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// MockDetector implements face.Detector for testing
type MockDetector struct {
	DetectFunc func(frame image.Image) (*face.Face, error)
}

func (m *MockDetector) Detect(frame image.Image) (*face.Face, error) {
	if m.DetectFunc != nil {
		return m.DetectFunc(frame)
	}
	return &face.Face{Region: image.Rect(200, 100, 400, 300), Gray: image.NewGray(image.Rect(0, 0, 200, 200))}, nil
}

func (m *MockDetector) Close() error { return nil }

// MockModel implements face.Model for testing
type MockModel struct {
	PredictFunc    func(img *image.Gray) (face.Prediction, error)
	UnmarshalFunc  func(data []byte) error
	predictCalls   int
	unmarshalCalls int
}

func (m *MockModel) Train([]face.Sample) error { return nil }

func (m *MockModel) Predict(img *image.Gray) (face.Prediction, error) {
	m.predictCalls++
	if m.PredictFunc != nil {
		return m.PredictFunc(img)
	}
	return face.Prediction{Label: 1, Confidence: 80}, nil
}

func (m *MockModel) MarshalArtifact() ([]byte, error) { return nil, nil }

func (m *MockModel) UnmarshalArtifact(data []byte) error {
	m.unmarshalCalls++
	if m.UnmarshalFunc != nil {
		return m.UnmarshalFunc(data)
	}
	return nil
}

func (m *MockModel) Close() error { return nil }

// MockArtifact implements ArtifactReader for testing
type MockArtifact struct {
	ReadFunc func() ([]byte, error)
}

func (m *MockArtifact) Read() ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc()
	}
	return []byte("model"), nil
}

// MockStore implements Store for testing
type MockStore struct {
	FindSubjectByFaceIDFunc func(faceID int) (*storage.Subject, error)
	RecordSignFunc          func(stuID string) error
	lookups                 int
	signs                   []string
}

func (m *MockStore) FindSubjectByFaceID(faceID int) (*storage.Subject, error) {
	m.lookups++
	if m.FindSubjectByFaceIDFunc != nil {
		return m.FindSubjectByFaceIDFunc(faceID)
	}
	return &storage.Subject{StuID: "20231001", FaceID: faceID, Name: "Li"}, nil
}

func (m *MockStore) RecordSign(stuID string) error {
	m.signs = append(m.signs, stuID)
	if m.RecordSignFunc != nil {
		return m.RecordSignFunc(stuID)
	}
	return nil
}

type eventLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, e.String())
}

func (l *eventLog) Successf(format string, args ...interface{}) {
	l.Publish(events.Event{Severity: events.Success, Message: fmt.Sprintf(format, args...)})
}

func (l *eventLog) Errorf(format string, args ...interface{}) {
	l.Publish(events.Event{Severity: events.Error, Message: fmt.Sprintf(format, args...)})
}

func (l *eventLog) Infof(format string, args ...interface{}) {
	l.Publish(events.Event{Severity: events.Info, Message: fmt.Sprintf(format, args...)})
}

func (l *eventLog) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}
