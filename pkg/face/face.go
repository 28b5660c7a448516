// Package face holds the types shared by detection, enrollment, training and
// sign-in. It has no native dependencies so callers can be tested without OpenCV.
package face

import (
	"errors"
	"image"
)

// ErrNoFaceDetected is returned when no face is found in a frame.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrMultipleFaces is returned when more than one face is found in a frame.
var ErrMultipleFaces = errors.New("multiple faces detected")

// ErrModelNotTrained is returned by Predict before Train or UnmarshalArtifact.
var ErrModelNotTrained = errors.New("recognition model not trained")

// ErrEmptyTrainingSet is returned when Train is called without samples.
var ErrEmptyTrainingSet = errors.New("no training samples")

// Face is a single detected face.
type Face struct {
	// Region is the bounding box in frame coordinates.
	Region image.Rectangle
	// Gray is the equalized grayscale crop of Region.
	Gray *image.Gray
}

// Sample is one labelled training image.
type Sample struct {
	Label int
	Image *image.Gray
}

// Prediction is the model output for one face.
type Prediction struct {
	Label      int
	Confidence float64
}

// Detector finds at most one face in a frame.
type Detector interface {
	Detect(frame image.Image) (*Face, error)
	Close() error
}

// Model is a trainable face classifier whose state can be written to a single artifact.
type Model interface {
	Train(samples []Sample) error
	Predict(img *image.Gray) (Prediction, error)
	MarshalArtifact() ([]byte, error)
	UnmarshalArtifact(data []byte) error
	Close() error
}
