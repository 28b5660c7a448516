package recognition

import (
	"fmt"
	"image"

	"github.com/MrCodeEU/faceroll/pkg/config"
	"github.com/MrCodeEU/faceroll/pkg/events"
	"github.com/MrCodeEU/faceroll/pkg/face"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"gocv.io/x/gocv"
)

// Classifier finds candidate face rectangles in a grayscale frame. It returns
// the histogram-equalized frame the rectangles refer to.
type Classifier interface {
	DetectMultiScale(gray *image.Gray) ([]image.Rectangle, *image.Gray, error)
	Close() error
}

// CascadeDetector accepts frames with exactly one face.
type CascadeDetector struct {
	classifier Classifier
	events     events.Publisher
}

// DetectorOption configures a CascadeDetector.
type DetectorOption func(*CascadeDetector)

// WithDetectorEvents reports rejected multi-face frames to pub.
func WithDetectorEvents(pub events.Publisher) DetectorOption {
	return func(d *CascadeDetector) { d.events = pub }
}

// NewCascadeDetector loads the Haar cascade named in cfg.
func NewCascadeDetector(cfg config.DetectionConfig, opts ...DetectorOption) (*CascadeDetector, error) {
	c, err := newHaarClassifier(cfg)
	if err != nil {
		return nil, err
	}
	return newDetector(c, opts...), nil
}

func newDetector(c Classifier, opts ...DetectorOption) *CascadeDetector {
	d := &CascadeDetector{classifier: c, events: events.Discard}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns the single face in frame. It returns face.ErrNoFaceDetected
// when there is none and face.ErrMultipleFaces when there is more than one.
func (d *CascadeDetector) Detect(frame image.Image) (*face.Face, error) {
	rects, equalized, err := d.classifier.DetectMultiScale(face.ToGray(frame))
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	switch len(rects) {
	case 0:
		return nil, face.ErrNoFaceDetected
	case 1:
	default:
		logging.Debugf("Rejecting frame with %d faces", len(rects))
		d.events.Errorf("detect more than one face, please try again.")
		return nil, face.ErrMultipleFaces
	}

	// Rectangles are relative to the frame origin; the equalized image starts at 0,0.
	region := rects[0].Add(frame.Bounds().Min)
	return &face.Face{
		Region: region,
		Gray:   face.Crop(equalized, rects[0]),
	}, nil
}

// Close releases the classifier.
func (d *CascadeDetector) Close() error {
	return d.classifier.Close()
}

type haarClassifier struct {
	cascade      gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	minSize      image.Point
}

func newHaarClassifier(cfg config.DetectionConfig) (*haarClassifier, error) {
	cascade := gocv.NewCascadeClassifier()
	if !cascade.Load(cfg.CascadePath) {
		_ = cascade.Close()
		return nil, fmt.Errorf("failed to load face cascade classifier: %s", cfg.CascadePath)
	}

	logging.Debugf("Loaded cascade %s (scale %.2f, neighbors %d, min size %d)",
		cfg.CascadePath, cfg.ScaleFactor, cfg.MinNeighbors, cfg.MinSize)

	return &haarClassifier{
		cascade:      cascade,
		scaleFactor:  cfg.ScaleFactor,
		minNeighbors: cfg.MinNeighbors,
		minSize:      image.Pt(cfg.MinSize, cfg.MinSize),
	}, nil
}

func (h *haarClassifier) DetectMultiScale(gray *image.Gray) ([]image.Rectangle, *image.Gray, error) {
	src, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = src.Close() }()

	equalized := gocv.NewMat()
	defer func() { _ = equalized.Close() }()
	gocv.EqualizeHist(src, &equalized)

	rects := h.cascade.DetectMultiScaleWithParams(equalized, h.scaleFactor, h.minNeighbors, 0, h.minSize, image.Point{})

	img, err := equalized.ToImage()
	if err != nil {
		return nil, nil, err
	}
	return rects, face.ToGray(img), nil
}

func (h *haarClassifier) Close() error {
	return h.cascade.Close()
}
