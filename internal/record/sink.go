// Package record persists decimated capture streams to disk for later
// replay through the playback pump.
package record

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ivelkov/crossing-counter/internal/frame"
)

// fourCC selects the container codec. MJPG keeps per-frame independence so
// a recording survives truncation on crash.
const fourCC = "MJPG"

// Summary describes a finished recording.
type Summary struct {
	Path          string
	FramesWritten int64
	Duration      time.Duration
}

// Sink writes frames to a file. Start and Stop bracket one recording;
// WriteFrame between them appends a frame. All methods are safe for
// concurrent use with the capture loop.
type Sink interface {
	Start(path string, size image.Point, fps float64) error
	WriteFrame(f frame.Frame) bool
	Stop() (Summary, bool)
	Active() bool
}

// VideoSink records to a video file through OpenCV's writer.
type VideoSink struct {
	logger *slog.Logger

	mu      sync.Mutex
	writer  *gocv.VideoWriter
	path    string
	started time.Time
	written int64
	errors  int64
}

// NewVideoSink builds an idle sink.
func NewVideoSink(logger *slog.Logger) *VideoSink {
	return &VideoSink{logger: logger}
}

// Start opens path for writing at the given frame size and rate. Fails if
// a recording is already in progress.
func (s *VideoSink) Start(path string, size image.Point, fps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return fmt.Errorf("record: already recording to %s", s.path)
	}
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("record: invalid frame size %dx%d", size.X, size.Y)
	}
	if fps <= 0 {
		fps = 30
	}

	w, err := gocv.VideoWriterFile(path, fourCC, fps, size.X, size.Y, true)
	if err != nil {
		return fmt.Errorf("record: opening %s: %w", path, err)
	}
	if !w.IsOpened() {
		w.Close()
		return fmt.Errorf("record: writer for %s did not open", path)
	}

	s.writer = w
	s.path = path
	s.started = time.Now()
	s.written = 0
	s.errors = 0
	s.logger.Info("Recording started", "path", path, "fps", fps,
		"size", []int{size.X, size.Y})
	return nil
}

// WriteFrame appends one frame to the active recording. Returns false when
// no recording is active or the write failed; the frame is never retained.
func (s *VideoSink) WriteFrame(f frame.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return false
	}
	if err := s.writer.Write(f.Image); err != nil {
		s.errors++
		if s.errors == 1 {
			s.logger.Warn("Recording write failed", "path", s.path, "error", err)
		}
		return false
	}
	s.written++
	return true
}

// Stop closes the active recording and returns its summary. The second
// return is false when nothing was recording.
func (s *VideoSink) Stop() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return Summary{}, false
	}

	if err := s.writer.Close(); err != nil {
		s.logger.Warn("Closing recording failed", "path", s.path, "error", err)
	}
	sum := Summary{
		Path:          s.path,
		FramesWritten: s.written,
		Duration:      time.Since(s.started),
	}
	s.writer = nil
	s.path = ""
	s.logger.Info("Recording stopped",
		"path", sum.Path,
		"frames", sum.FramesWritten,
		"duration", sum.Duration,
		"write_errors", s.errors)
	return sum, true
}

// Active reports whether a recording is in progress.
func (s *VideoSink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer != nil
}
