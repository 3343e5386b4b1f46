// Package camera owns the live capture path: the driver contract consumed
// from the camera SDK, the single-threaded capture loop, the latest-frame
// cache and the bounded frame queue.
package camera

import (
	"errors"
	"time"

	"gocv.io/x/gocv"
)

// ErrTimeout is returned by RetrieveFrame when no frame arrived within the
// timeout. Timeouts are an expected idle condition, not an error.
var ErrTimeout = errors.New("camera: frame retrieve timed out")

// ErrConcurrentWait is the driver's distinguished fault for two threads
// calling RetrieveFrame simultaneously. The capture architecture guarantees
// a single dedicated capture goroutine, so this fault indicates a
// structural violation and is fatal to the session.
var ErrConcurrentWait = errors.New("camera: concurrent frame wait detected")

// DeviceInfo describes one enumerable camera.
type DeviceInfo struct {
	ID     string
	Model  string
	Serial string
}

// Params configures an opened device before acquisition starts.
type Params struct {
	Width  int
	Height int
	FPS    float64
}

// Driver is the call contract of the camera SDK. Implementations are not
// required to be safe for concurrent RetrieveFrame calls; the frame source
// guarantees a single caller.
type Driver interface {
	// EnumerateDevices lists the cameras visible to the SDK.
	EnumerateDevices() ([]DeviceInfo, error)

	// Open claims the device with the given ID.
	Open(id string) error

	// Configure applies acquisition parameters to the opened device.
	Configure(p Params) error

	// StartAcquisition begins streaming on the opened device.
	StartAcquisition() error

	// RetrieveFrame blocks up to timeout for the next frame. The returned
	// Mat is owned by the caller. Returns ErrTimeout when no frame arrived
	// and ErrConcurrentWait on a structural double-reader fault.
	RetrieveFrame(timeout time.Duration) (gocv.Mat, error)

	// StopAcquisition halts streaming; the device stays open.
	StopAcquisition() error

	// Close releases the device.
	Close() error
}
