package camera

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Preview shows frames in an OpenCV window. It satisfies the frame sinks of
// enrollment and sign-in.
type Preview struct {
	mu     sync.Mutex
	window *gocv.Window
	closed bool
}

// NewPreview opens a window with the given title.
func NewPreview(title string) *Preview {
	return &Preview{window: gocv.NewWindow(title)}
}

// Show renders img. Frames after Close are ignored.
func (p *Preview) Show(img image.Image) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return
	}
	defer mat.Close()

	p.window.IMShow(mat)
	p.window.WaitKey(1)
}

// Close destroys the window.
func (p *Preview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.window.Close()
}
