package camera

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivelkov/crossing-counter/internal/config"
	"github.com/ivelkov/crossing-counter/internal/frame"
	"github.com/ivelkov/crossing-counter/internal/stats"
)

// State is the frame source lifecycle state.
type State int32

const (
	// Disconnected means no device is open.
	Disconnected State = iota
	// Connected means the device is open and configured but not grabbing.
	Connected
	// Grabbing means the capture goroutine is running.
	Grabbing
	// Stopping means a stop is in progress.
	Stopping
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Grabbing:
		return "grabbing"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	// retrieveTimeout bounds one driver wait so the stop token is checked
	// regularly.
	retrieveTimeout = 100 * time.Millisecond
	// queueCapacity bounds the historical frame queue.
	queueCapacity = 32
	// maxConsecutiveErrors forces capture shutdown once exceeded.
	maxConsecutiveErrors = 10
	// baseBackoff and maxBackoff bound the error retry delay.
	baseBackoff = 10 * time.Millisecond
	maxBackoff  = 2 * time.Second
	// joinTimeout bounds how long StopCapture waits for the loop to exit.
	joinTimeout = 3 * time.Second
	// drainBudget bounds queue draining during StopCapture.
	drainBudget = 500 * time.Millisecond
)

// Consumer receives captured frames without blocking; the detection pool
// satisfies it. SubmitFrame copies the frame, the source keeps ownership.
type Consumer interface {
	SubmitFrame(f frame.Frame) bool
}

// RecordingSink receives decimated frame copies while recording is active.
// WriteFrame must not retain the frame past the call.
type RecordingSink interface {
	WriteFrame(f frame.Frame) bool
}

// FrameSource owns the single capture goroutine for one camera, the
// latest-frame cache and the bounded frame queue. The capture loop never
// blocks on downstream consumers: every hand-off is a non-blocking copy.
type FrameSource struct {
	driver Driver
	cfg    config.Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}

	queue *frame.Queue
	cache frame.Cache
	fps   *stats.RateEstimator

	consumer atomic.Pointer[consumerBox]
	sink     atomic.Pointer[sinkBox]

	frameNum atomic.Int64
	faulted  atomic.Bool
	errors   atomic.Int64
}

type consumerBox struct{ c Consumer }
type sinkBox struct{ s RecordingSink }

// NewFrameSource builds a frame source over driver.
func NewFrameSource(driver Driver, cfg config.Config, logger *slog.Logger) *FrameSource {
	return &FrameSource{
		driver: driver,
		cfg:    cfg,
		logger: logger,
		state:  Disconnected,
		queue:  frame.NewQueue(queueCapacity),
		fps:    stats.NewRateEstimator(),
	}
}

// SetConsumer routes captured frames to c. Pass nil to detach.
func (s *FrameSource) SetConsumer(c Consumer) {
	if c == nil {
		s.consumer.Store(nil)
		return
	}
	s.consumer.Store(&consumerBox{c: c})
}

// SetRecordingSink enables decimated recording into sink. Pass nil to
// disable. Recording state is independent of capture start/stop.
func (s *FrameSource) SetRecordingSink(sink RecordingSink) {
	if sink == nil {
		s.sink.Store(nil)
		return
	}
	s.sink.Store(&sinkBox{s: sink})
}

// Connect enumerates, opens and configures the device with the given ID
// (empty means the first device found).
func (s *FrameSource) Connect(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Disconnected {
		return errors.New("camera: already connected")
	}

	devices, err := s.driver.EnumerateDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("camera: no devices found")
	}
	target := devices[0]
	if deviceID != "" {
		found := false
		for _, d := range devices {
			if d.ID == deviceID {
				target, found = d, true
				break
			}
		}
		if !found {
			return errors.New("camera: device " + deviceID + " not found")
		}
	}

	if err := s.driver.Open(target.ID); err != nil {
		return err
	}
	if err := s.driver.Configure(Params{FPS: s.cfg.TargetFPS}); err != nil {
		s.driver.Close()
		return err
	}

	s.state = Connected
	s.faulted.Store(false)
	s.logger.Info("Camera connected",
		"device", target.ID,
		"model", target.Model,
		"target_fps", s.cfg.TargetFPS)
	return nil
}

// Disconnect stops capture if needed and closes the device. This is the
// reconnect path after a driver fault.
func (s *FrameSource) Disconnect() error {
	s.StopCapture()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return nil
	}
	err := s.driver.Close()
	s.state = Disconnected
	s.logger.Info("Camera disconnected")
	return err
}

// reconcileLocked folds the state machine forward when the capture loop
// exited on its own after a fatal fault. Without it the source would keep
// claiming Grabbing with no goroutine alive behind it. Caller holds s.mu.
func (s *FrameSource) reconcileLocked() {
	if s.state != Grabbing || !s.faulted.Load() {
		return
	}
	select {
	case <-s.done:
		drained := s.queue.Drain(drainBudget)
		s.cache.Clear()
		s.state = Connected
		s.logger.Warn("Capture loop exited on fault", "drained_frames", drained)
	default:
	}
}

// StartCapture spawns the single capture goroutine. It is idempotent: on an
// already-grabbing source it is a no-op returning true. It only proceeds
// from the Connected state, and never from a faulted session; a fault is
// cleared only by a full reconnect. The lock guarantees a start is never
// attempted before a previous stop has fully settled.
func (s *FrameSource) StartCapture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()

	if s.faulted.Load() {
		s.logger.Warn("StartCapture refused, session faulted; reconnect the camera")
		return false
	}

	switch s.state {
	case Grabbing:
		return true
	case Connected:
	default:
		s.logger.Warn("StartCapture refused", "state", s.state.String())
		return false
	}

	if err := s.driver.StartAcquisition(); err != nil {
		s.logger.Error("Failed to start acquisition", "error", err)
		return false
	}

	s.state = Grabbing
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.fps.Reset()
	go s.captureLoop(s.stop, s.done)

	s.logger.Info("Capture started")
	return true
}

// StopCapture signals the capture loop, asks the driver to stop, joins the
// loop with a bounded timeout, drains the frame queue and clears the
// latest-frame cache. A missed join is logged, not escalated.
func (s *FrameSource) StopCapture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()

	if s.state != Grabbing {
		return true
	}
	s.state = Stopping
	close(s.stop)

	if err := s.driver.StopAcquisition(); err != nil {
		s.logger.Warn("StopAcquisition failed", "error", err)
	}

	select {
	case <-s.done:
	case <-time.After(joinTimeout):
		s.logger.Warn("Capture loop join timeout", "timeout", joinTimeout)
	}

	drained := s.queue.Drain(drainBudget)
	s.cache.Clear()
	s.state = Connected
	s.logger.Info("Capture stopped", "drained_frames", drained)
	return true
}

// captureLoop is the body of the single capture goroutine. Timeouts are
// silent; transient errors back off exponentially up to a cap; exceeding
// the consecutive-error threshold or seeing the driver's concurrent-wait
// fault forces shutdown and raises the fault flag for the coordinator.
func (s *FrameSource) captureLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	consecutive := 0
	backoff := baseBackoff

	for {
		select {
		case <-stop:
			return
		default:
		}

		img, err := s.driver.RetrieveFrame(retrieveTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if errors.Is(err, ErrConcurrentWait) {
				// The single-capture-thread invariant was structurally
				// violated; the session cannot be trusted anymore.
				s.faulted.Store(true)
				s.logger.Error("Concurrent frame wait reported by driver, forcing capture shutdown")
				return
			}

			s.errors.Add(1)
			consecutive++
			if consecutive > maxConsecutiveErrors {
				s.faulted.Store(true)
				s.logger.Error("Too many consecutive capture errors, forcing shutdown",
					"consecutive", consecutive,
					"error", err)
				return
			}
			s.logger.Debug("Transient capture error",
				"consecutive", consecutive,
				"backoff", backoff,
				"error", err)
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		consecutive = 0
		backoff = baseBackoff

		f := frame.Frame{
			Image:     img,
			Number:    s.frameNum.Add(1),
			Timestamp: time.Now(),
			Origin:    frame.OriginCamera,
		}

		s.cache.Set(f)
		s.queue.TryPush(f.Clone())
		if box := s.consumer.Load(); box != nil {
			box.c.SubmitFrame(f)
		}
		if box := s.sink.Load(); box != nil && f.Number%int64(s.cfg.RecordEveryK) == 0 {
			box.s.WriteFrame(f)
		}
		s.fps.Tick()
		f.Release()
	}
}

// LatestFrame returns a copy of the most recent captured frame, or false if
// none has arrived yet. Never blocks.
func (s *FrameSource) LatestFrame() (frame.Frame, bool) {
	return s.cache.Get()
}

// Frames exposes the bounded historical frame queue.
func (s *FrameSource) Frames() *frame.Queue { return s.queue }

// CaptureFPS returns the sliding-window capture rate estimate.
func (s *FrameSource) CaptureFPS() float64 { return s.fps.Rate() }

// Faulted reports whether the capture session hit a fatal driver fault and
// needs a full reconnect.
func (s *FrameSource) Faulted() bool { return s.faulted.Load() }

// State returns the current lifecycle state.
func (s *FrameSource) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()
	return s.state
}
