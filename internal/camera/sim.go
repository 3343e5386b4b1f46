package camera

import (
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// SimulatedDriver satisfies Driver with a synthetic scene: dark frames with
// a bright blob falling through the frame at the configured rate. It lets
// the full pipeline run end to end without camera hardware.
//
// Like the real SDK, it rejects concurrent RetrieveFrame calls with the
// concurrent-wait fault.
type SimulatedDriver struct {
	width  int
	height int
	fps    float64

	open       atomic.Bool
	acquiring  atomic.Bool
	retrieving atomic.Bool

	frameIdx int64
	lastEmit time.Time
}

// NewSimulatedDriver builds a simulated driver producing width x height
// frames.
func NewSimulatedDriver(width, height int) *SimulatedDriver {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &SimulatedDriver{width: width, height: height, fps: 60}
}

// EnumerateDevices reports the one simulated camera.
func (d *SimulatedDriver) EnumerateDevices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "sim0", Model: "simulated-area-scan", Serial: "SIM-0001"}}, nil
}

// Open claims the simulated device.
func (d *SimulatedDriver) Open(id string) error {
	if id != "sim0" {
		return errors.New("camera: unknown simulated device " + id)
	}
	d.open.Store(true)
	return nil
}

// Configure applies the frame rate; zero keeps the current one.
func (d *SimulatedDriver) Configure(p Params) error {
	if !d.open.Load() {
		return errors.New("camera: device not open")
	}
	if p.FPS > 0 {
		d.fps = p.FPS
	}
	if p.Width > 0 {
		d.width = p.Width
	}
	if p.Height > 0 {
		d.height = p.Height
	}
	return nil
}

// StartAcquisition begins emitting frames.
func (d *SimulatedDriver) StartAcquisition() error {
	if !d.open.Load() {
		return errors.New("camera: device not open")
	}
	d.acquiring.Store(true)
	d.lastEmit = time.Time{}
	return nil
}

// RetrieveFrame paces to the configured fps and synthesizes the next frame.
func (d *SimulatedDriver) RetrieveFrame(timeout time.Duration) (gocv.Mat, error) {
	if !d.retrieving.CompareAndSwap(false, true) {
		return gocv.Mat{}, ErrConcurrentWait
	}
	defer d.retrieving.Store(false)

	if !d.acquiring.Load() {
		return gocv.Mat{}, ErrTimeout
	}

	interval := time.Duration(float64(time.Second) / d.fps)
	if !d.lastEmit.IsZero() {
		wait := interval - time.Since(d.lastEmit)
		if wait > timeout {
			time.Sleep(timeout)
			return gocv.Mat{}, ErrTimeout
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
	d.lastEmit = time.Now()
	d.frameIdx++
	return d.render(), nil
}

// render draws the falling blob for the current frame index.
func (d *SimulatedDriver) render() gocv.Mat {
	img := gocv.NewMatWithSize(d.height, d.width, gocv.MatTypeCV8UC3)

	// One blob cycles top to bottom every 120 frames.
	cycle := int(d.frameIdx % 120)
	y := cycle * d.height / 120
	x := d.width / 2
	blob := image.Rect(x-12, y-12, x+12, y+12).Intersect(image.Rect(0, 0, d.width, d.height))
	if !blob.Empty() {
		gocv.Rectangle(&img, blob, color.RGBA{230, 230, 230, 0}, -1)
	}
	return img
}

// StopAcquisition halts frame emission; the device stays open.
func (d *SimulatedDriver) StopAcquisition() error {
	d.acquiring.Store(false)
	return nil
}

// Close releases the simulated device.
func (d *SimulatedDriver) Close() error {
	d.acquiring.Store(false)
	d.open.Store(false)
	return nil
}
