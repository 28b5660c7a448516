// Package training fits the recognition model over every enrolled sample and
// assigns face IDs to subjects.
package training

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/MrCodeEU/faceroll/pkg/dataset"
	"github.com/MrCodeEU/faceroll/pkg/events"
	"github.com/MrCodeEU/faceroll/pkg/face"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"github.com/MrCodeEU/faceroll/pkg/storage"
)

// ErrDatasetMissing is returned when the sample root directory does not exist.
var ErrDatasetMissing = errors.New("dataset directory missing")

// ErrTrainingFailed is returned when the model cannot be fitted or written.
var ErrTrainingFailed = errors.New("training failed")

// Dataset is the sample tree read during training.
type Dataset interface {
	Root() string
	Subjects() ([]dataset.Subject, error)
	Load(stuID string) ([]*image.Gray, error)
}

// Store receives face ID assignments.
type Store interface {
	ClearFaceIDs(keep []string) (int64, error)
	AssignFaceID(stuID string, faceID int) error
}

// ArtifactWriter replaces the model artifact.
type ArtifactWriter interface {
	Path() string
	Write(data []byte) error
}

// Progress is reported after each subject directory has been loaded.
type Progress struct {
	StuID   string
	Samples int
	Done    int
	Total   int
}

// Assignment is the face ID given to one subject directory.
type Assignment struct {
	StuID   string
	FaceID  int
	Samples int
	// Ignored is set when no profile exists for the subject.
	Ignored bool
}

// Result summarizes a successful training run.
type Result struct {
	Assignments []Assignment
	Samples     int
}

// Trainer fits one model over the whole dataset.
type Trainer struct {
	samples  Dataset
	store    Store
	model    face.Model
	artifact ArtifactWriter
	events   events.Publisher
	progress func(Progress)
	log      *logging.Entry
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithEvents sets the publisher for operator events.
func WithEvents(pub events.Publisher) Option {
	return func(t *Trainer) { t.events = pub }
}

// WithProgress sets a callback invoked after each subject is loaded.
func WithProgress(fn func(Progress)) Option {
	return func(t *Trainer) { t.progress = fn }
}

// New creates a trainer.
func New(samples Dataset, store Store, model face.Model, artifact ArtifactWriter, opts ...Option) *Trainer {
	t := &Trainer{
		samples:  samples,
		store:    store,
		model:    model,
		artifact: artifact,
		events:   events.Discard,
		log:      logging.Component("training"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Train assigns face IDs 1..n to subject directories in listing order, fits the
// model over all samples and replaces the artifact. Face IDs are written to the
// store only after the artifact, including for subjects without usable samples.
// Subjects without a directory lose their face ID.
// Nothing is written when loading or fitting fails.
func (t *Trainer) Train(ctx context.Context) (Result, error) {
	subjects, err := t.samples.Subjects()
	if err != nil {
		if errors.Is(err, dataset.ErrMissing) {
			t.events.Errorf("can not found face data dir %s", t.samples.Root())
			return Result{}, fmt.Errorf("%w: %s", ErrDatasetMissing, t.samples.Root())
		}
		t.events.Errorf("failed to train.")
		return Result{}, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}

	var result Result
	var training []face.Sample
	for i, subj := range subjects {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		faceID := i + 1
		images, err := t.samples.Load(subj.StuID)
		if err != nil {
			t.events.Errorf("failed to train.")
			return Result{}, fmt.Errorf("%w: loading %s: %v", ErrTrainingFailed, subj.StuID, err)
		}
		for _, img := range images {
			training = append(training, face.Sample{Label: faceID, Image: img})
		}

		result.Assignments = append(result.Assignments, Assignment{StuID: subj.StuID, FaceID: faceID, Samples: len(images)})
		result.Samples += len(images)

		t.log.WithFields(logging.Fields{"stu_id": subj.StuID, "face_id": faceID, "samples": len(images)}).Debug("Subject loaded")
		if t.progress != nil {
			t.progress(Progress{StuID: subj.StuID, Samples: len(images), Done: i + 1, Total: len(subjects)})
		}
	}

	if err := t.fit(training); err != nil {
		t.events.Errorf("failed to train.")
		return Result{}, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}

	var assignErrs []error
	keep := make([]string, len(result.Assignments))
	for i, a := range result.Assignments {
		keep[i] = a.StuID
	}
	if cleared, err := t.store.ClearFaceIDs(keep); err != nil {
		assignErrs = append(assignErrs, err)
	} else if cleared > 0 {
		t.events.Infof("%d subjects without face data are no longer recognized.", cleared)
	}

	for i := range result.Assignments {
		a := &result.Assignments[i]
		err := t.store.AssignFaceID(a.StuID, a.FaceID)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrRecordNotFound):
			a.Ignored = true
			t.events.Infof("found %s face data from %s, however ignore.", a.StuID, t.samples.Root())
		default:
			assignErrs = append(assignErrs, fmt.Errorf("assigning face id %d to %s: %w", a.FaceID, a.StuID, err))
		}
	}

	t.events.Successf("train finished successful.")
	t.log.WithFields(logging.Fields{
		"subjects": len(result.Assignments),
		"samples":  result.Samples,
		"artifact": t.artifact.Path(),
	}).Info("Training finished")

	return result, errors.Join(assignErrs...)
}

func (t *Trainer) fit(samples []face.Sample) error {
	if err := t.model.Train(samples); err != nil {
		return err
	}
	data, err := t.model.MarshalArtifact()
	if err != nil {
		return err
	}
	return t.artifact.Write(data)
}
