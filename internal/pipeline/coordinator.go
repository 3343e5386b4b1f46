// Package pipeline wires the producers, the detection pool and the
// recording sink together and owns the operating-mode state machine.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ivelkov/crossing-counter/internal/camera"
	"github.com/ivelkov/crossing-counter/internal/playback"
	"github.com/ivelkov/crossing-counter/internal/record"
)

// Mode selects which producer feeds the detection pool.
type Mode int

const (
	// Live runs the camera into detection without recording intent.
	Live Mode = iota
	// Recording is Live plus operator intent to persist the stream.
	Recording
	// Playback replays a loaded file instead of the camera.
	Playback
)

// String implements fmt.Stringer for Mode.
func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Recording:
		return "recording"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// faultPollInterval paces the driver-fault monitor.
const faultPollInterval = 250 * time.Millisecond

// Pool is the detection-pool surface the coordinator drives.
type Pool interface {
	Start()
	Stop()
}

// Coordinator owns the mode state machine. Exactly one producer thread
// (camera capture or playback pump) feeds the pool at any instant; every
// transition settles the previous producer before enabling the next.
type Coordinator struct {
	logger *slog.Logger
	clk    clock.Clock

	src  *camera.FrameSource
	pump *playback.Pump
	pool Pool
	sink record.Sink

	mu      sync.Mutex
	mode    Mode
	running bool

	stopMon chan struct{}
	monDone chan struct{}

	failed atomic.Bool
}

// New builds a coordinator over the fully constructed components.
func New(src *camera.FrameSource, pump *playback.Pump, pool Pool, sink record.Sink, logger *slog.Logger) *Coordinator {
	return NewWithClock(src, pump, pool, sink, logger, clock.New())
}

// NewWithClock injects the clock driving the fault monitor, for tests.
func NewWithClock(src *camera.FrameSource, pump *playback.Pump, pool Pool, sink record.Sink, logger *slog.Logger, clk clock.Clock) *Coordinator {
	return &Coordinator{
		logger: logger,
		clk:    clk,
		src:    src,
		pump:   pump,
		pool:   pool,
		sink:   sink,
		mode:   Live,
	}
}

// Start brings up the detection pool and the driver-fault monitor. The
// initial mode is Live; capture itself starts on the first SetMode or
// StartCapture call so a coordinator can come up before the camera is
// connected.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.pool.Start()
	c.stopMon = make(chan struct{})
	c.monDone = make(chan struct{})
	go c.monitorFaults(c.stopMon, c.monDone)
	c.logger.Info("Pipeline started", "mode", c.mode.String())
}

// Stop tears the whole pipeline down. Unlike a mode switch, full shutdown
// does close an in-progress recording.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopMon)
	<-c.monDone

	c.src.StopCapture()
	c.pump.Stop()
	if sum, ok := c.stopRecordingLocked(); ok {
		c.logger.Info("Recording closed at shutdown",
			"path", sum.Path, "frames", sum.FramesWritten)
	}
	c.pool.Stop()
	c.logger.Info("Pipeline stopped")
}

// Mode returns the current operating mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode performs one of the six directed transitions. Entering Playback
// stops camera capture; leaving Playback pauses the pump without unloading
// its file, so the operator can resume without reloading. An in-progress
// recording is never implicitly stopped by a mode switch.
func (c *Coordinator) SetMode(to Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return errors.New("pipeline: not started")
	}
	if c.failed.Load() {
		return errors.New("pipeline: session failed, reconnect required")
	}
	from := c.mode
	if from == to {
		return nil
	}

	switch to {
	case Live, Recording:
		if from == Playback {
			// Pause retains position and file state for resume.
			c.pump.Pause()
		}
		if c.src.State() == camera.Connected && !c.src.StartCapture() {
			return fmt.Errorf("pipeline: capture did not start entering %s", to)
		}
	case Playback:
		// StopCapture settles the capture thread before the pump may run.
		c.src.StopCapture()
	default:
		return fmt.Errorf("pipeline: unknown mode %d", to)
	}

	c.mode = to
	c.logger.Info("Mode changed", "from", from.String(), "to", to.String())
	return nil
}

// StartCapture starts the camera producer in Live or Recording mode.
func (c *Coordinator) StartCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Playback {
		return errors.New("pipeline: cannot capture in playback mode")
	}
	if c.failed.Load() {
		return errors.New("pipeline: session failed, reconnect required")
	}
	if !c.src.StartCapture() {
		return errors.New("pipeline: capture refused to start")
	}
	return nil
}

// StopCapture stops the camera producer without changing mode.
func (c *Coordinator) StopCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.src.StopCapture()
}

// StartRecording opens a recording at path sized from the most recent
// captured frame and routes decimated frames into it. Independent of the
// mode state machine.
func (c *Coordinator) StartRecording(path string, fps float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.src.LatestFrame()
	if !ok {
		return errors.New("pipeline: no captured frame to size the recording")
	}
	size := image.Pt(f.Image.Cols(), f.Image.Rows())
	f.Release()

	if err := c.sink.Start(path, size, fps); err != nil {
		return err
	}
	c.src.SetRecordingSink(c.sink)
	return nil
}

// StopRecording closes the active recording, if any. This is the only
// path that ends a recording short of full pipeline shutdown.
func (c *Coordinator) StopRecording() (record.Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRecordingLocked()
}

func (c *Coordinator) stopRecordingLocked() (record.Summary, bool) {
	if !c.sink.Active() {
		return record.Summary{}, false
	}
	c.src.SetRecordingSink(nil)
	return c.sink.Stop()
}

// Recording reports whether a recording is in progress.
func (c *Coordinator) Recording() bool { return c.sink.Active() }

// Play starts or resumes file playback. Refused outside Playback mode so
// the single-producer invariant holds.
func (c *Coordinator) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Playback {
		return fmt.Errorf("pipeline: playback refused in %s mode", c.mode)
	}
	if !c.pump.Play() {
		return errors.New("pipeline: pump refused to play")
	}
	return nil
}

// PausePlayback suspends the pump, keeping its position.
func (c *Coordinator) PausePlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pump.Pause()
}

// Seek jumps playback to frameNumber.
func (c *Coordinator) Seek(frameNumber int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Playback {
		return fmt.Errorf("pipeline: seek refused in %s mode", c.mode)
	}
	return c.pump.Seek(frameNumber)
}

// Failed reports whether a driver fault ended the capture session. A
// failed session requires an explicit camera reconnect to clear.
func (c *Coordinator) Failed() bool { return c.failed.Load() }

// ClearFault resets the session-failure latch after the operator has
// reconnected the camera.
func (c *Coordinator) ClearFault() {
	c.failed.Store(false)
}

// monitorFaults polls the frame source's fault flag and surfaces a fault
// as a session-level failure.
func (c *Coordinator) monitorFaults(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := c.clk.Ticker(faultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !c.src.Faulted() || c.failed.Load() {
			continue
		}

		c.failed.Store(true)
		c.logger.Error("Driver fault, session failed; reconnect the camera")
		if err := c.src.Disconnect(); err != nil {
			c.logger.Warn("Disconnect after fault failed", "error", err)
		}
	}
}
