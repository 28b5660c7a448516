// Package enroll drives the capture of face samples for one subject at a time.
//
// A Collector moves through AwaitingInfo, InfoReady, Capturing, QuotaReached and
// Committed. The profile is validated and cached on SetProfile, samples are
// written on Tick while capturing, and the profile is persisted on Commit.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/MrCodeEU/faceroll/pkg/annotate"
	"github.com/MrCodeEU/faceroll/pkg/config"
	"github.com/MrCodeEU/faceroll/pkg/events"
	"github.com/MrCodeEU/faceroll/pkg/face"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"github.com/MrCodeEU/faceroll/pkg/storage"
)

// State is the enrollment state.
type State int

// Collector states, in lifecycle order.
const (
	AwaitingInfo State = iota
	InfoReady
	Capturing
	QuotaReached
	Committed
)

func (s State) String() string {
	switch s {
	case AwaitingInfo:
		return "awaiting-info"
	case InfoReady:
		return "info-ready"
	case Capturing:
		return "capturing"
	case QuotaReached:
		return "quota-reached"
	case Committed:
		return "committed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState is returned when an operation is not allowed in the current state.
var ErrInvalidState = errors.New("operation not allowed in current state")

// ErrCameraStalled is returned when the camera stops delivering frames.
var ErrCameraStalled = errors.New("camera stalled")

// progressEvery is the number of samples between progress events.
const progressEvery = 10

// DefaultMaxReadFailures is the number of consecutive failed reads after which
// capture stops.
const DefaultMaxReadFailures = 100

// Camera is the capture device used while collecting.
type Camera interface {
	Open(ctx context.Context) error
	Read() (image.Image, error)
	Close() error
}

// Store persists committed profiles.
type Store interface {
	UpsertSubject(p storage.Profile) (storage.UpsertResult, error)
}

// Samples is the on-disk sample tree.
type Samples interface {
	NextIndex(stuID string) (int, error)
	WriteSample(stuID string, n int, img image.Image) (string, error)
}

// FrameSink receives every frame pulled while capturing.
type FrameSink interface {
	Show(img image.Image)
}

// TickResult describes one processed frame.
type TickResult struct {
	State State
	Count int
	Quota int
	// Saved is set when the frame produced a sample, written to Path.
	Saved bool
	Path  string
	Frame image.Image
}

// Collector captures the sample set of one subject.
type Collector struct {
	mu sync.Mutex

	state   State
	profile storage.Profile
	count   int
	next    int

	quota           int
	sampleSize      int
	maxReadFailures int
	readFailures    int

	camera    Camera
	detector  face.Detector
	store     Store
	samples   Samples
	validator *Validator
	annotator *annotate.Annotator
	sink      FrameSink
	events    events.Publisher
	log       *logging.Entry
}

// Option configures a Collector.
type Option func(*Collector)

// WithEvents sets the publisher for operator events.
func WithEvents(pub events.Publisher) Option {
	return func(c *Collector) { c.events = pub }
}

// WithFrameSink sets where captured frames are shown.
func WithFrameSink(sink FrameSink) Option {
	return func(c *Collector) { c.sink = sink }
}

// WithMaxReadFailures sets how many consecutive failed reads stop the capture.
// Values below one keep the default.
func WithMaxReadFailures(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxReadFailures = n
		}
	}
}

// WithAnnotator sets the annotator used to mark detected faces.
func WithAnnotator(a *annotate.Annotator) Option {
	return func(c *Collector) { c.annotator = a }
}

// New creates a collector in AwaitingInfo.
func New(cfg config.EnrollmentConfig, cam Camera, det face.Detector, store Store, samples Samples, opts ...Option) *Collector {
	c := &Collector{
		state:      AwaitingInfo,
		quota:           cfg.Quota,
		sampleSize:      cfg.SampleSize,
		maxReadFailures: DefaultMaxReadFailures,
		camera:          cam,
		detector:        det,
		store:           store,
		samples:         samples,
		validator:       NewValidator(),
		events:          events.Discard,
		log:             logging.Component("enroll"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Count returns the number of samples written for the current subject.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Profile returns the cached profile.
func (c *Collector) Profile() storage.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// SetProfile validates and caches the subject's profile. It starts a new enrollment
// when called after Commit.
func (c *Collector) SetProfile(p storage.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case AwaitingInfo, InfoReady, Committed:
	default:
		return fmt.Errorf("%w: cannot change profile while %s", ErrInvalidState, c.state)
	}

	normalized, err := c.validator.Validate(p)
	if err != nil {
		c.events.Errorf("%v", err)
		return err
	}

	c.profile = normalized
	c.count = 0
	c.state = InfoReady
	c.log.WithField("stu_id", normalized.StuID).Debug("Profile ready")
	return nil
}

// Start opens the camera and begins capturing. Calling it while capturing
// resumes the current count.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Capturing, QuotaReached:
		return c.camera.Open(ctx)
	case InfoReady:
	default:
		return fmt.Errorf("%w: cannot start capture while %s", ErrInvalidState, c.state)
	}

	if err := c.camera.Open(ctx); err != nil {
		c.events.Errorf("can not open camera, please check it.")
		return err
	}

	next, err := c.samples.NextIndex(c.profile.StuID)
	if err != nil {
		_ = c.camera.Close()
		c.events.Errorf("can not read sample directory of %s.", c.profile.StuID)
		return err
	}

	c.next = next
	c.count = 0
	c.readFailures = 0
	c.state = Capturing
	c.events.Successf("camera opened, start the timer.")
	c.log.WithFields(logging.Fields{"stu_id": c.profile.StuID, "first_index": next}).Info("Capture started")
	return nil
}

// Tick pulls one frame. While capturing, a frame with exactly one face is written
// as the next sample. At quota, frames are only shown.
func (c *Collector) Tick(ctx context.Context) (TickResult, error) {
	if err := ctx.Err(); err != nil {
		return TickResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Capturing && c.state != QuotaReached {
		return TickResult{State: c.state}, fmt.Errorf("%w: not capturing", ErrInvalidState)
	}

	frame, err := c.camera.Read()
	if err != nil {
		return c.readFailed(err)
	}
	c.readFailures = 0

	if c.state == QuotaReached {
		c.show(frame)
		return c.result(frame), nil
	}

	f, err := c.detector.Detect(frame)
	if err != nil {
		c.show(frame)
		if errors.Is(err, face.ErrNoFaceDetected) || errors.Is(err, face.ErrMultipleFaces) {
			return c.result(frame), nil
		}
		return c.result(frame), err
	}

	sample := face.Resize(f.Gray, c.sampleSize)
	path, err := c.samples.WriteSample(c.profile.StuID, c.next, sample)
	if err != nil {
		c.events.Errorf("cant write images .")
		c.show(frame)
		return c.result(frame), err
	}

	if c.count%progressEvery == 0 {
		c.events.Infof("collect %d images, %d are need.", c.count+1, c.quota)
	}
	c.count++
	c.next++

	if c.annotator != nil {
		box := image.Rect(f.Region.Min.X-5, f.Region.Min.Y-5, f.Region.Max.X+10, f.Region.Max.Y+10)
		frame = c.annotator.Box(frame, box, annotate.CaptureColor, 2)
	}
	c.show(frame)

	if c.count >= c.quota {
		c.state = QuotaReached
		c.events.Successf("collected %d images of %s, confirm to save.", c.count, c.profile.StuID)
		c.log.WithField("stu_id", c.profile.StuID).Info("Sample quota reached")
	}

	res := c.result(frame)
	res.Saved = true
	res.Path = path
	return res, nil
}

// Commit persists the cached profile. On success the count and profile are
// cleared and the samples stay on disk for training.
func (c *Collector) Commit() (storage.UpsertResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != QuotaReached {
		return storage.UpsertResult{}, fmt.Errorf("%w: cannot commit while %s", ErrInvalidState, c.state)
	}

	res, err := c.store.UpsertSubject(c.profile)
	if err != nil || !res.OK() {
		if err == nil {
			err = fmt.Errorf("failed to save %s", c.profile.StuID)
		}
		return res, err
	}

	if res.Existed {
		c.events.Infof("record %s already existed and was overwritten.", c.profile.StuID)
	}
	c.events.Successf("%s added/updated to database, face data of %s collected.", c.profile.StuID, c.profile.Name)
	c.log.WithFields(logging.Fields{"stu_id": c.profile.StuID, "samples": c.count}).Info("Enrollment committed")

	c.profile = storage.Profile{}
	c.count = 0
	c.next = 0
	c.state = Committed
	return res, nil
}

// Cancel stops capturing and releases the camera. Samples already written stay.
func (c *Collector) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.camera.Close()
	if c.state == Capturing || c.state == QuotaReached {
		c.log.WithFields(logging.Fields{"stu_id": c.profile.StuID, "samples": c.count}).Info("Capture canceled")
		c.events.Infof("capture of %s canceled after %d images.", c.profile.StuID, c.count)
		c.count = 0
		c.state = InfoReady
	}
	return err
}

// Close releases the camera.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera.Close()
}

// readFailed counts a failed read. The first failure of a run is reported; once
// the limit is reached the camera is released and capture stops. A stalled
// camera before the quota returns the collector to InfoReady.
func (c *Collector) readFailed(err error) (TickResult, error) {
	c.readFailures++
	if c.readFailures == 1 {
		c.events.Errorf("can not read frame from camera.")
	}
	if c.readFailures < c.maxReadFailures {
		return c.result(nil), err
	}

	n := c.readFailures
	c.readFailures = 0
	_ = c.camera.Close()
	c.events.Errorf("camera stopped delivering frames, capture of %s stopped after %d images.", c.profile.StuID, c.count)
	c.log.WithError(err).WithField("stu_id", c.profile.StuID).Warn("Camera stalled")
	if c.state == Capturing {
		c.count = 0
		c.state = InfoReady
	}
	return c.result(nil), fmt.Errorf("%w after %d failed reads: %v", ErrCameraStalled, n, err)
}

func (c *Collector) show(frame image.Image) {
	if c.sink != nil && frame != nil {
		c.sink.Show(frame)
	}
}

func (c *Collector) result(frame image.Image) TickResult {
	return TickResult{State: c.state, Count: c.count, Quota: c.quota, Frame: frame}
}
