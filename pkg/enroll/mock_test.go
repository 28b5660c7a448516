package enroll

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
	CloseFunc  func() error
}

func (m *MockDetector) Detect(frame image.Image) (*face.Face, error) {
	if m.DetectFunc != nil {
		return m.DetectFunc(frame)
	}
	return singleFace(), nil
}

func (m *MockDetector) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// MockStore implements Store for testing
type MockStore struct {
	UpsertSubjectFunc func(p storage.Profile) (storage.UpsertResult, error)
}

func (m *MockStore) UpsertSubject(p storage.Profile) (storage.UpsertResult, error) {
	if m.UpsertSubjectFunc != nil {
		return m.UpsertSubjectFunc(p)
	}
	return storage.UpsertResult{ProfileOK: true, SignOK: true}, nil
}

// MockSamples implements Samples for testing
type MockSamples struct {
	NextIndexFunc   func(stuID string) (int, error)
	WriteSampleFunc func(stuID string, n int, img image.Image) (string, error)
}

func (m *MockSamples) NextIndex(stuID string) (int, error) {
	if m.NextIndexFunc != nil {
		return m.NextIndexFunc(stuID)
	}
	return 1, nil
}

func (m *MockSamples) WriteSample(stuID string, n int, img image.Image) (string, error) {
	if m.WriteSampleFunc != nil {
		return m.WriteSampleFunc(stuID, n, img)
	}
	return fmt.Sprintf("stu_%s/img.%d.jpg", stuID, n), nil
}

type sinkRecorder struct {
	frames int
}

func (s *sinkRecorder) Show(image.Image) { s.frames++ }

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

func (l *eventLog) matching(substr string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}

func singleFace() *face.Face {
	gray := image.NewGray(image.Rect(0, 0, 120, 120))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i % 251)
	}
	return &face.Face{Region: image.Rect(100, 100, 220, 220), Gray: gray}
}
