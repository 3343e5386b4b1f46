// Package playback feeds recorded files into the detection pipeline through
// the same submission path the live capture uses.
package playback

import (
	"fmt"
	"io"

	"gocv.io/x/gocv"
)

// Info is the metadata of an opened recording.
type Info struct {
	TotalFrames int64
	FPS         float64
	Width       int
	Height      int
}

// Source is the contract for reading a recorded stream. ReadNext returns
// io.EOF at end of stream.
type Source interface {
	Open(path string) (Info, error)
	ReadNext() (gocv.Mat, error)
	Seek(frameNumber int64) error
	Close() error
}

// FileSource reads a video file through OpenCV.
type FileSource struct {
	cap *gocv.VideoCapture
}

// NewFileSource returns an unopened file source.
func NewFileSource() *FileSource { return &FileSource{} }

// Open opens path and reads its metadata. Metadata plausibility is the
// pump's concern; Open reports what the container claims.
func (s *FileSource) Open(path string) (Info, error) {
	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("open playback file: %w", err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return Info{}, fmt.Errorf("playback file %q did not open", path)
	}
	s.cap = cap
	return Info{
		TotalFrames: int64(cap.Get(gocv.VideoCaptureFrameCount)),
		FPS:         cap.Get(gocv.VideoCaptureFPS),
		Width:       int(cap.Get(gocv.VideoCaptureFrameWidth)),
		Height:      int(cap.Get(gocv.VideoCaptureFrameHeight)),
	}, nil
}

// ReadNext decodes the next frame. The returned Mat is owned by the caller.
func (s *FileSource) ReadNext() (gocv.Mat, error) {
	img := gocv.NewMat()
	if !s.cap.Read(&img) {
		img.Close()
		return gocv.Mat{}, io.EOF
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, io.EOF
	}
	return img, nil
}

// Seek repositions the read cursor to frameNumber.
func (s *FileSource) Seek(frameNumber int64) error {
	if !s.cap.Set(gocv.VideoCapturePosFrames, float64(frameNumber)) {
		return fmt.Errorf("seek to frame %d failed", frameNumber)
	}
	return nil
}

// Close releases the underlying capture.
func (s *FileSource) Close() error {
	if s.cap != nil {
		err := s.cap.Close()
		s.cap = nil
		return err
	}
	return nil
}
