// Package signin runs the live recognition loop that records attendance.
package signin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/MrCodeEU/faceroll/pkg/annotate"
	"github.com/MrCodeEU/faceroll/pkg/config"
	"github.com/MrCodeEU/faceroll/pkg/events"
	"github.com/MrCodeEU/faceroll/pkg/face"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"github.com/MrCodeEU/faceroll/pkg/storage"
	"github.com/google/uuid"
)

// Outcome classifies a processed frame.
type Outcome int

const (
	// NoFace means the frame held no face.
	NoFace Outcome = iota
	// Disturbance means the frame held more than one face.
	Disturbance
	// Unknown means the face was below threshold or did not resolve to a subject.
	Unknown
	// Recognized means a subject that already signed in this session was seen again.
	Recognized
	// Signed means a subject signed in for the first time this session.
	Signed
	// SignFailed means the subject was recognized but the sign-in could not be stored.
	SignFailed
)

// DefaultMaxReadFailures is used when Settings.MaxReadFailures is not positive.
const DefaultMaxReadFailures = 100

// ErrCameraStalled is returned when the camera stops delivering frames.
var ErrCameraStalled = errors.New("camera stalled")

func (o Outcome) String() string {
	switch o {
	case NoFace:
		return "no-face"
	case Disturbance:
		return "disturbance"
	case Unknown:
		return "unknown"
	case Recognized:
		return "recognized"
	case Signed:
		return "signed"
	case SignFailed:
		return "sign-failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Camera is the capture device used by the loop.
type Camera interface {
	Open(ctx context.Context) error
	Read() (image.Image, error)
	Close() error
}

// Store resolves face IDs and records sign-ins.
type Store interface {
	FindSubjectByFaceID(faceID int) (*storage.Subject, error)
	RecordSign(stuID string) error
}

// ArtifactReader reads the trained model.
type ArtifactReader interface {
	Read() ([]byte, error)
}

// FrameSink receives every processed frame.
type FrameSink interface {
	Show(img image.Image)
}

// Settings are the loop parameters.
type Settings struct {
	// Threshold gates the accepted branch: a prediction is trusted only when its
	// confidence is strictly greater than Threshold.
	Threshold  float64
	SampleSize int
	Interval   time.Duration
	// MaxReadFailures is the number of consecutive failed reads after which
	// the camera is considered stalled.
	MaxReadFailures int
}

// SettingsFromConfig reads the loop parameters from cfg.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	interval, err := cfg.Camera.Interval()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Threshold:       cfg.Recognition.ConfidenceThreshold,
		SampleSize:      cfg.Enrollment.SampleSize,
		Interval:        interval,
		MaxReadFailures: cfg.Camera.MaxReadFailures,
	}, nil
}

// TickResult describes one processed frame.
type TickResult struct {
	Outcome    Outcome
	StuID      string
	Name       string
	FaceID     int
	Confidence float64
	Frame      image.Image
}

// Loop matches live frames against the trained model. Each subject is signed
// at most once per Loop instance; a failed write is not retried.
type Loop struct {
	mu sync.Mutex

	settings  Settings
	camera    Camera
	detector  face.Detector
	model     face.Model
	artifact  ArtifactReader
	store     Store
	annotator *annotate.Annotator
	sink      FrameSink
	events    events.Publisher

	session      string
	log          *logging.Entry
	loaded       bool
	readFailures int

	// signed maps every stu_id attempted this session to whether the write succeeded.
	signed map[string]bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithEvents sets the publisher for operator events.
func WithEvents(pub events.Publisher) Option {
	return func(l *Loop) { l.events = pub }
}

// WithFrameSink sets where processed frames are shown.
func WithFrameSink(sink FrameSink) Option {
	return func(l *Loop) { l.sink = sink }
}

// WithAnnotator sets the annotator for boxes and captions.
func WithAnnotator(a *annotate.Annotator) Option {
	return func(l *Loop) { l.annotator = a }
}

// New creates a loop with a fresh session.
func New(settings Settings, cam Camera, det face.Detector, model face.Model, art ArtifactReader, store Store, opts ...Option) *Loop {
	session := uuid.NewString()
	l := &Loop{
		settings: settings,
		camera:   cam,
		detector: det,
		model:    model,
		artifact: art,
		store:    store,
		events:   events.Discard,
		session:  session,
		log:      logging.Component("signin").WithField("session", session),
		signed:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Session returns the session ID of this loop.
func (l *Loop) Session() string {
	return l.session
}

// SignedCount returns the number of subjects signed in this session.
func (l *Loop) SignedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ok := range l.signed {
		if ok {
			n++
		}
	}
	return n
}

// Open opens the camera.
func (l *Loop) Open(ctx context.Context) error {
	if err := l.camera.Open(ctx); err != nil {
		l.events.Errorf("can not open camera, please check it.")
		return err
	}
	l.events.Successf("camera opened, start the timer.")
	l.events.Infof("sign-in session %s started.", l.session)
	l.log.Info("Sign-in session started")
	return nil
}

// Tick processes one frame. In-flight processing always runs to completion.
func (l *Loop) Tick(ctx context.Context) (TickResult, error) {
	if err := ctx.Err(); err != nil {
		return TickResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	frame, err := l.camera.Read()
	if err != nil {
		l.readFailures++
		if l.readFailures >= l.maxReadFailures() {
			l.events.Errorf("camera stopped delivering frames, sign-in stopped.")
			return TickResult{}, fmt.Errorf("%w after %d failed reads: %v", ErrCameraStalled, l.readFailures, err)
		}
		return TickResult{}, err
	}
	l.readFailures = 0

	res := TickResult{Outcome: NoFace, Frame: frame}
	f, err := l.detector.Detect(frame)
	switch {
	case errors.Is(err, face.ErrNoFaceDetected):
		l.show(res.Frame)
		return res, nil
	case errors.Is(err, face.ErrMultipleFaces):
		res.Outcome = Disturbance
		l.show(res.Frame)
		return res, nil
	case err != nil:
		l.show(res.Frame)
		return res, err
	}

	if err := l.loadModel(); err != nil {
		l.show(res.Frame)
		return res, err
	}

	pred, err := l.model.Predict(face.Resize(f.Gray, l.settings.SampleSize))
	if err != nil {
		l.show(res.Frame)
		if errors.Is(err, face.ErrNoFaceDetected) || errors.Is(err, face.ErrMultipleFaces) {
			return res, nil
		}
		return res, fmt.Errorf("prediction failed: %w", err)
	}
	res.FaceID = pred.Label
	res.Confidence = pred.Confidence

	if l.annotator != nil {
		res.Frame = l.annotator.Box(res.Frame, f.Region, annotate.DetectColor, 1)
	}
	origin := image.Pt(f.Region.Max.X+5, f.Region.Min.Y)

	res.Outcome = Unknown
	var tickErr error
	if pred.Confidence > l.settings.Threshold {
		tickErr = l.accept(&res)
	}

	if l.annotator != nil {
		switch res.Outcome {
		case Unknown:
			res.Frame = l.annotator.Labels(res.Frame, origin, []string{"Unknown"}, annotate.UnknownColor)
		case SignFailed:
			res.Frame = l.annotator.Labels(res.Frame, origin, subjectLines(res, "sign in failed"), annotate.UnknownColor)
		default:
			res.Frame = l.annotator.Labels(res.Frame, origin, subjectLines(res, "signed in"), annotate.KnownColor)
		}
	}
	l.show(res.Frame)
	return res, tickErr
}

// accept resolves an accepted prediction and signs the subject once.
func (l *Loop) accept(res *TickResult) error {
	subject, err := l.store.FindSubjectByFaceID(res.FaceID)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			l.log.WithField("face_id", res.FaceID).Debug("Face ID does not resolve to a subject")
			return nil
		}
		return err
	}

	res.StuID = subject.StuID
	res.Name = subject.Name
	res.Outcome = Recognized

	if ok, done := l.signed[subject.StuID]; done {
		if !ok {
			res.Outcome = SignFailed
		}
		return nil
	}
	l.signed[subject.StuID] = false

	if err := l.store.RecordSign(subject.StuID); err != nil {
		res.Outcome = SignFailed
		l.log.WithError(err).WithField("stu_id", subject.StuID).Warn("Failed to record sign-in")
		return err
	}

	l.signed[subject.StuID] = true
	res.Outcome = Signed
	l.events.Successf("signed successfully , can go away !")
	l.log.WithFields(logging.Fields{
		"stu_id":     subject.StuID,
		"face_id":    res.FaceID,
		"confidence": res.Confidence,
	}).Info("Subject signed in")
	return nil
}

func (l *Loop) loadModel() error {
	if l.loaded {
		return nil
	}
	data, err := l.artifact.Read()
	if err != nil {
		l.events.Errorf("can not found training database, please train first.")
		return err
	}
	if err := l.model.UnmarshalArtifact(data); err != nil {
		l.events.Errorf("can not load training database.")
		return err
	}
	l.loaded = true
	l.log.Debug("Recognition model loaded")
	return nil
}

// Run opens the camera and processes a frame per interval until ctx is done.
// Frame failures are reported and the loop continues. The camera is released on return.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Open(ctx); err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	ticker := time.NewTicker(l.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.events.Infof("sign-in session %s stopped, %d signed.", l.session, l.SignedCount())
			l.log.Info("Sign-in session stopped")
			return nil
		case <-ticker.C:
			err := l.safeTick(ctx)
			if errors.Is(err, ErrCameraStalled) {
				l.events.Infof("sign-in session %s stopped, %d signed.", l.session, l.SignedCount())
				l.log.WithError(err).Warn("Sign-in session aborted")
				return err
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				l.log.WithError(err).Debug("Frame failed")
			}
		}
	}
}

// safeTick converts a panic while processing a frame into an error event.
func (l *Loop) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("frame processing panicked: %v", r)
			l.events.Errorf("%v", err)
		}
	}()
	_, err = l.Tick(ctx)
	return err
}

// Close releases the camera and the model.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	camErr := l.camera.Close()
	modelErr := l.model.Close()
	l.loaded = false
	return errors.Join(camErr, modelErr)
}

func (l *Loop) maxReadFailures() int {
	if l.settings.MaxReadFailures > 0 {
		return l.settings.MaxReadFailures
	}
	return DefaultMaxReadFailures
}

func subjectLines(res TickResult, caption string) []string {
	return []string{
		"stu_id: " + res.StuID,
		fmt.Sprintf("face_id: %d", res.FaceID),
		"name: " + res.Name,
		caption,
	}
}

func (l *Loop) show(frame image.Image) {
	if l.sink != nil && frame != nil {
		l.sink.Show(frame)
	}
}
