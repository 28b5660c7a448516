package recognition

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	goface "github.com/Kagami/go-face"
	"github.com/MrCodeEU/faceroll/pkg/face"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Descriptor is a 128-dimensional face descriptor from dlib.
type Descriptor = goface.Descriptor

// ErrModelNotLoaded is returned when the dlib model files are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// FaceEngine is the part of go-face the dlib backend uses.
type FaceEngine interface {
	Recognize(data []byte) ([]goface.Face, error)
	Close()
}

const dlibArtifactVersion = 1

// DlibModelFiles are the files go-face loads from the model directory.
var DlibModelFiles = []string{
	"shape_predictor_5_face_landmarks.dat",
	"dlib_face_recognition_resnet_model_v1.dat",
	"mmod_human_face_detector.dat",
}

// MissingDlibFiles returns the entries of DlibModelFiles absent from dir.
func MissingDlibFiles(dir string) []string {
	var missing []string
	for _, name := range DlibModelFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// DlibModel classifies faces by the nearest per-label mean dlib descriptor.
// Confidence is a similarity, (1 - distance) * 100, so larger is better.
type DlibModel struct {
	mu       sync.RWMutex
	engine   FaceEngine
	modelDir string
	factory  func(dir string) (FaceEngine, error)
	classes  []class
}

type class struct {
	Label    int
	Centroid Descriptor
}

type dlibArtifact struct {
	Backend string          `yaml:"backend"`
	Version int             `yaml:"version"`
	Classes []artifactClass `yaml:"classes"`
}

type artifactClass struct {
	Label    int       `yaml:"label"`
	Centroid []float32 `yaml:"centroid,flow"`
}

// NewDlibModel creates a model that loads its dlib files from modelDir on first use.
// The directory must contain shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and mmod_human_face_detector.dat
// ('faceroll models' downloads them).
func NewDlibModel(modelDir string) *DlibModel {
	return &DlibModel{
		modelDir: modelDir,
		factory: func(dir string) (FaceEngine, error) {
			if missing := MissingDlibFiles(dir); len(missing) > 0 {
				return nil, fmt.Errorf("missing %s in %s", strings.Join(missing, ", "), dir)
			}
			rec, err := goface.NewRecognizer(dir)
			if err != nil {
				return nil, err
			}
			return rec, nil
		},
	}
}

func (m *DlibModel) loadEngine() error {
	if m.engine != nil {
		return nil
	}

	logging.Infof("Loading face recognition models from: %s", m.modelDir)
	engine, err := m.factory(m.modelDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelNotLoaded, err)
	}
	m.engine = engine
	return nil
}

func (m *DlibModel) describe(img *image.Gray) (Descriptor, error) {
	data, err := face.JPEGBytes(img)
	if err != nil {
		return Descriptor{}, err
	}

	faces, err := m.engine.Recognize(data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("face description failed: %w", err)
	}
	switch len(faces) {
	case 0:
		return Descriptor{}, face.ErrNoFaceDetected
	case 1:
		return faces[0].Descriptor, nil
	default:
		return Descriptor{}, face.ErrMultipleFaces
	}
}

// Train computes one mean descriptor per label. Samples dlib cannot describe are skipped.
func (m *DlibModel) Train(samples []face.Sample) error {
	if len(samples) == 0 {
		return face.ErrEmptyTrainingSet
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadEngine(); err != nil {
		return err
	}

	byLabel := make(map[int][]Descriptor)
	skipped := 0
	for _, s := range samples {
		d, err := m.describe(s.Image)
		if err != nil {
			skipped++
			logging.Debugf("Skipping sample of label %d: %v", s.Label, err)
			continue
		}
		byLabel[s.Label] = append(byLabel[s.Label], d)
	}
	if len(byLabel) == 0 {
		return fmt.Errorf("no usable samples among %d", len(samples))
	}

	classes := make([]class, 0, len(byLabel))
	for label, descriptors := range byLabel {
		classes = append(classes, class{Label: label, Centroid: AverageDescriptor(descriptors)})
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Label < classes[j].Label })
	m.classes = classes

	logging.Debugf("dlib model trained: %d labels, %d samples skipped", len(classes), skipped)
	return nil
}

// Predict returns the label of the nearest class mean.
func (m *DlibModel) Predict(img *image.Gray) (face.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.classes) == 0 {
		return face.Prediction{}, face.ErrModelNotTrained
	}
	if err := m.loadEngine(); err != nil {
		return face.Prediction{}, err
	}

	probe, err := m.describe(img)
	if err != nil {
		return face.Prediction{}, err
	}

	gallery := make([]Descriptor, len(m.classes))
	for i, c := range m.classes {
		gallery[i] = c.Centroid
	}
	idx, dist := FindBestMatch(probe, gallery)
	return face.Prediction{
		Label:      m.classes[idx].Label,
		Confidence: Similarity(dist),
	}, nil
}

// MarshalArtifact serializes the class means as YAML.
func (m *DlibModel) MarshalArtifact() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.classes) == 0 {
		return nil, face.ErrModelNotTrained
	}

	art := dlibArtifact{Backend: "dlib", Version: dlibArtifactVersion}
	for _, c := range m.classes {
		art.Classes = append(art.Classes, artifactClass{Label: c.Label, Centroid: append([]float32(nil), c.Centroid[:]...)})
	}
	return yaml.Marshal(art)
}

// UnmarshalArtifact restores class means written by MarshalArtifact.
func (m *DlibModel) UnmarshalArtifact(data []byte) error {
	var art dlibArtifact
	if err := yaml.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("failed to parse dlib artifact: %w", err)
	}
	if art.Backend != "dlib" {
		return fmt.Errorf("artifact was trained with backend %q", art.Backend)
	}
	if len(art.Classes) == 0 {
		return face.ErrModelNotTrained
	}

	classes := make([]class, len(art.Classes))
	for i, c := range art.Classes {
		if len(c.Centroid) != len(Descriptor{}) {
			return fmt.Errorf("label %d: descriptor has %d values", c.Label, len(c.Centroid))
		}
		classes[i].Label = c.Label
		copy(classes[i].Centroid[:], c.Centroid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = classes
	return nil
}

// Close releases the dlib engine.
func (m *DlibModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil {
		m.engine.Close()
		m.engine = nil
	}
	return nil
}

// EuclideanDistance calculates the Euclidean distance between two descriptors.
func EuclideanDistance(d1, d2 Descriptor) float64 {
	var sum float64
	for i := range d1 {
		diff := float64(d1[i] - d2[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// Similarity maps a descriptor distance onto 0..100, larger meaning closer.
func Similarity(distance float64) float64 {
	s := (1 - distance) * 100
	if s < 0 {
		return 0
	}
	return s
}

// FindBestMatch returns the index of the closest descriptor and its distance.
// It returns -1 for an empty gallery.
func FindBestMatch(probe Descriptor, gallery []Descriptor) (int, float64) {
	if len(gallery) == 0 {
		return -1, math.MaxFloat64
	}

	bestIdx := 0
	bestDist := math.MaxFloat64
	for i, d := range gallery {
		dist := EuclideanDistance(probe, d)
		if dist < bestDist {
			bestDist = dist
			bestIdx = i
		}
	}
	return bestIdx, bestDist
}

// AverageDescriptor computes the component-wise mean of descriptors.
func AverageDescriptor(descriptors []Descriptor) Descriptor {
	var avg Descriptor
	if len(descriptors) == 0 {
		return avg
	}

	for _, d := range descriptors {
		for i, v := range d {
			avg[i] += v
		}
	}
	count := float32(len(descriptors))
	for i := range avg {
		avg[i] /= count
	}
	return avg
}
