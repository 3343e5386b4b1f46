// Package frame defines the pixel frame passed between pipeline stages and
// the bounded drop-oldest queues the stages communicate through.
//
// Ownership contract: a Frame entering a queue or cache is always a deep
// copy. No goroutine ever retains a reference into a Mat owned by another
// goroutine. Whoever pops a Frame is responsible for releasing it.
package frame

import (
	"time"

	"gocv.io/x/gocv"
)

// Origin tags which producer a frame came from.
type Origin string

const (
	// OriginCamera marks frames produced by the live capture loop.
	OriginCamera Origin = "camera"
	// OriginFile marks frames produced by the playback pump.
	OriginFile Origin = "file"
)

// Frame is one captured or replayed image plus its identity metadata.
type Frame struct {
	// Image holds the pixel buffer. Must be released by the final consumer
	// to avoid leaking native memory.
	Image gocv.Mat

	// Number is a monotonically increasing index assigned by the producer,
	// starting from 1.
	Number int64

	// Timestamp is the capture time for camera frames and the nominal
	// playback time for file frames.
	Timestamp time.Time

	// Origin records which producer created the frame.
	Origin Origin
}

// Meta is the copy-free identity of a frame, safe to retain after the pixel
// buffer has been released.
type Meta struct {
	Number    int64
	Timestamp time.Time
	Origin    Origin
}

// Meta returns the frame's identity without the pixel buffer.
func (f Frame) Meta() Meta {
	return Meta{Number: f.Number, Timestamp: f.Timestamp, Origin: f.Origin}
}

// Clone deep-copies the frame, pixel buffer included.
func (f Frame) Clone() Frame {
	return Frame{
		Image:     f.Image.Clone(),
		Number:    f.Number,
		Timestamp: f.Timestamp,
		Origin:    f.Origin,
	}
}

// Release frees the pixel buffer. Must be called exactly once by the final
// consumer of the frame.
func (f *Frame) Release() {
	if !f.Image.Empty() {
		f.Image.Close()
	}
}
