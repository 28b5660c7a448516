// Package annotate draws detection boxes and captions onto camera frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/MrCodeEU/faceroll/pkg/config"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

// Colors used for frame decoration.
var (
	DetectColor  = color.RGBA{R: 30, G: 138, B: 232, A: 255}
	CaptureColor = color.RGBA{R: 255, A: 255}
	KnownColor   = color.RGBA{B: 255, A: 255}
	UnknownColor = color.RGBA{R: 255, A: 255}
)

// LineSpacing is the vertical distance between caption lines relative to the font height.
const LineSpacing = 1.25

// Annotator draws onto copies of frames. The frame passed in is never modified.
type Annotator struct {
	face font.Face
}

// New loads the configured TrueType font. An empty font path selects the built-in
// bitmap font, which cannot render CJK names.
func New(cfg config.AnnotationConfig) (*Annotator, error) {
	if cfg.FontPath == "" {
		return &Annotator{face: basicfont.Face7x13}, nil
	}

	face, err := loadFontFace(cfg.FontPath, cfg.FontSize)
	if err != nil {
		return nil, err
	}
	return &Annotator{face: face}, nil
}

// NewOrFallback is New, falling back to the built-in font when the font cannot be loaded.
func NewOrFallback(cfg config.AnnotationConfig) *Annotator {
	a, err := New(cfg)
	if err != nil {
		logging.Warnf("Using built-in font: %v", err)
		return &Annotator{face: basicfont.Face7x13}
	}
	return a
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read font file: %w", err)
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	return truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}

// Box returns img with an outline around r.
func (a *Annotator) Box(img image.Image, r image.Rectangle, c color.Color, width float64) image.Image {
	dc := gg.NewContextForImage(img)
	b := img.Bounds()
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X-b.Min.X), float64(r.Min.Y-b.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
	return dc.Image()
}

// Labels returns img with lines drawn top-down starting at origin.
func (a *Annotator) Labels(img image.Image, origin image.Point, lines []string, c color.Color) image.Image {
	if len(lines) == 0 {
		return img
	}

	dc := gg.NewContextForImage(img)
	dc.SetFontFace(a.face)
	dc.SetColor(c)

	b := img.Bounds()
	height := dc.FontHeight()
	x := float64(origin.X - b.Min.X)
	y := float64(origin.Y-b.Min.Y) + height
	for _, line := range lines {
		dc.DrawString(line, x, y)
		y += height * LineSpacing
	}
	return dc.Image()
}
