// Package dataset manages the on-disk face sample tree.
//
// Layout:
//
//	<root>/<prefix><stu_id>/img.<n>.jpg
//
// Sample directories are append-only: a new sample always takes the next free index.
package dataset

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MrCodeEU/faceroll/pkg/face"
	"github.com/MrCodeEU/faceroll/pkg/logging"
)

// ErrMissing is returned when the dataset root does not exist.
var ErrMissing = errors.New("dataset directory does not exist")

const (
	samplePrefix = "img."
	sampleExt    = ".jpg"
)

// Tree is a sample root directory.
type Tree struct {
	root   string
	prefix string
}

// Subject is one subject directory found under the root.
type Subject struct {
	StuID string
	Dir   string
}

// New returns a Tree rooted at root whose subject directories start with prefix.
func New(root, prefix string) *Tree {
	return &Tree{root: root, prefix: prefix}
}

// Root returns the sample root directory.
func (t *Tree) Root() string {
	return t.root
}

// Dir returns the sample directory of a subject.
func (t *Tree) Dir(stuID string) string {
	return filepath.Join(t.root, t.prefix+stuID)
}

// Subjects lists subject directories in directory-listing (name) order.
func (t *Tree) Subjects() ([]Subject, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, t.root)
		}
		return nil, fmt.Errorf("failed to list dataset: %w", err)
	}

	var subjects []Subject
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, t.prefix) {
			continue
		}
		stuID := strings.TrimPrefix(name, t.prefix)
		if stuID == "" {
			continue
		}
		subjects = append(subjects, Subject{StuID: stuID, Dir: filepath.Join(t.root, name)})
	}
	return subjects, nil
}

// SampleName returns the file name of sample n.
func SampleName(n int) string {
	return samplePrefix + strconv.Itoa(n) + sampleExt
}

// ParseSampleName returns the index encoded in a sample file name.
func ParseSampleName(name string) (int, bool) {
	if !strings.HasPrefix(name, samplePrefix) || !strings.HasSuffix(name, sampleExt) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, samplePrefix), sampleExt))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Samples returns the sample paths of a subject ordered by index.
// A subject without a directory has no samples.
func (t *Tree) Samples(stuID string) ([]string, error) {
	dir := t.Dir(stuID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list samples of %s: %w", stuID, err)
	}

	type indexed struct {
		n    int
		path string
	}
	var found []indexed
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, ok := ParseSampleName(entry.Name())
		if !ok {
			continue
		}
		found = append(found, indexed{n, filepath.Join(dir, entry.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// NextIndex returns the index the next sample of a subject will be written with.
func (t *Tree) NextIndex(stuID string) (int, error) {
	paths, err := t.Samples(stuID)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 1, nil
	}
	last, _ := ParseSampleName(filepath.Base(paths[len(paths)-1]))
	return last + 1, nil
}

// WriteSample writes img as sample n of a subject. Existing samples are never overwritten.
func (t *Tree) WriteSample(stuID string, n int, img image.Image) (string, error) {
	dir := t.Dir(stuID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create sample directory: %w", err)
	}

	path := filepath.Join(dir, SampleName(n))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create sample %s: %w", path, err)
	}

	if err := face.EncodeJPEG(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to encode sample %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write sample %s: %w", path, err)
	}
	return path, nil
}

// Load reads every sample of a subject as grayscale. Unreadable files are
// skipped with a warning.
func (t *Tree) Load(stuID string) ([]*image.Gray, error) {
	paths, err := t.Samples(stuID)
	if err != nil {
		return nil, err
	}

	images := make([]*image.Gray, 0, len(paths))
	for _, path := range paths {
		img, err := loadGray(path)
		if err != nil {
			logging.Warnf("Skipping sample %s: %v", path, err)
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

func loadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return face.DecodeGray(f)
}

// Remove deletes the sample directory of a subject.
func (t *Tree) Remove(stuID string) error {
	if err := os.RemoveAll(t.Dir(stuID)); err != nil {
		return fmt.Errorf("failed to remove samples of %s: %w", stuID, err)
	}
	return nil
}
