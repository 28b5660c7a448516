// Package camera provides access to the capture device and an optional preview window.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/MrCodeEU/faceroll/pkg/config"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"gocv.io/x/gocv"
)

// ErrCameraNotFound is returned when the camera device cannot be opened or delivers no frame.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraNotOpen is returned when trying to capture from a closed camera.
var ErrCameraNotOpen = errors.New("camera not open")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")

// Device is an opened capture handle.
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// Opener opens the capture device with the given index and resolution.
type Opener func(id, width, height int) (Device, error)

// Camera owns a single capture handle. Open is idempotent and Close is always safe.
type Camera struct {
	mu      sync.Mutex
	cfg     config.CameraConfig
	factory Opener
	dev     Device
}

// New creates a closed camera for the configured device.
func New(cfg config.CameraConfig) *Camera {
	return &Camera{cfg: cfg, factory: openVideoCapture}
}

// Open opens the device if it is not open yet. The first frame must be readable,
// otherwise the handle is released and ErrCameraNotFound is returned.
func (c *Camera) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev != nil {
		return nil
	}

	logging.Debugf("Opening camera %d at %dx%d", c.cfg.DeviceID, c.cfg.Width, c.cfg.Height)
	dev, err := c.factory(c.cfg.DeviceID, c.cfg.Width, c.cfg.Height)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCameraNotFound, err)
	}

	if _, err := dev.Read(); err != nil {
		_ = dev.Close()
		return fmt.Errorf("%w: first read failed: %v", ErrCameraNotFound, err)
	}

	c.dev = dev
	logging.Infof("Camera %d opened", c.cfg.DeviceID)
	return nil
}

// IsOpen reports whether the device is held.
func (c *Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev != nil
}

// Read captures one frame.
func (c *Camera) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return nil, ErrCameraNotOpen
	}
	return c.dev.Read()
}

// Close releases the device. Closing a closed camera is a no-op.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	logging.Debugf("Camera %d released", c.cfg.DeviceID)
	return err
}

type videoCapture struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func openVideoCapture(id, width, height int) (Device, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("device %d is not available", id)
	}
	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return &videoCapture{vc: vc, mat: gocv.NewMat()}, nil
}

func (v *videoCapture) Read() (image.Image, error) {
	if ok := v.vc.Read(&v.mat); !ok || v.mat.Empty() {
		return nil, ErrNoFrame
	}
	img, err := v.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	return img, nil
}

func (v *videoCapture) Close() error {
	_ = v.mat.Close()
	return v.vc.Close()
}
