package playback

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/ivelkov/crossing-counter/internal/config"
	"github.com/ivelkov/crossing-counter/internal/frame"
)

// State is the pump lifecycle state.
type State int

const (
	// Unloaded means no file is open.
	Unloaded State = iota
	// Loaded means a file is open and positioned but not playing.
	Loaded
	// Playing means the pump goroutine is emitting frames.
	Playing
	// Paused means playback is suspended with the position retained.
	Paused
	// Stopped means playback ran to completion or was stopped; the file
	// stays loaded so playback can resume without reloading.
	Stopped
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// fallbackFPS replaces implausible file metadata so garbage never reaches
// the pacing math.
const fallbackFPS = 30.0

// maxPlausibleFileFPS is far above any physical camera this system records.
const maxPlausibleFileFPS = 2000.0

// FinishedInfo reports end of playback with both the file-nominal duration
// and the wall time actually spent, for pacing accuracy diagnostics.
type FinishedInfo struct {
	FramesEmitted  int64
	NominalElapsed time.Duration
	ActualElapsed  time.Duration
}

// Consumer receives pumped frames without blocking; the detection pool
// satisfies it.
type Consumer interface {
	SubmitFrame(f frame.Frame) bool
}

// Pump replays a recorded file into the pipeline, either paced to the
// file's own clock (scaled by the playback speed) or unthrottled for
// maximum detection throughput. The pacing mode is switchable at runtime.
type Pump struct {
	src      Source
	clk      clock.Clock
	logger   *slog.Logger
	consumer Consumer

	mu    sync.Mutex
	state State
	info  Info
	stop  chan struct{}
	done  chan struct{}

	pos         atomic.Int64 // next frame number to emit
	speed       atomic.Value // float64
	unthrottled atomic.Bool
	loop        atomic.Bool
	completed   atomic.Bool // pump goroutine ran to end of stream

	finished chan FinishedInfo
}

// NewPump builds a pump over src on the real clock.
func NewPump(src Source, cfg config.Config, consumer Consumer, logger *slog.Logger) *Pump {
	return NewPumpWithClock(src, cfg, consumer, logger, clock.New())
}

// NewPumpWithClock builds a pump on the given clock, letting tests drive
// pacing deterministically.
func NewPumpWithClock(src Source, cfg config.Config, consumer Consumer, logger *slog.Logger, clk clock.Clock) *Pump {
	p := &Pump{
		src:      src,
		clk:      clk,
		logger:   logger,
		consumer: consumer,
		state:    Unloaded,
		finished: make(chan FinishedInfo, 1),
	}
	p.speed.Store(cfg.PlaybackSpeed)
	p.unthrottled.Store(cfg.PlaybackUnthrottled)
	p.loop.Store(cfg.PlaybackLoop)
	return p
}

// Load opens path and validates its metadata. Implausible frame rates fall
// back to a default instead of propagating downstream.
func (p *Pump) Load(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Playing {
		return errors.New("playback: cannot load while playing")
	}
	if p.state != Unloaded {
		if err := p.src.Close(); err != nil {
			p.logger.Warn("Closing previous playback file failed", "error", err)
		}
		p.state = Unloaded
	}

	info, err := p.src.Open(path)
	if err != nil {
		return err
	}
	if info.FPS <= 0 || info.FPS > maxPlausibleFileFPS {
		p.logger.Warn("Implausible file fps, using fallback",
			"file_fps", info.FPS,
			"fallback", fallbackFPS)
		info.FPS = fallbackFPS
	}
	if info.TotalFrames < 0 {
		info.TotalFrames = 0
	}

	p.info = info
	p.pos.Store(0)
	p.state = Loaded
	p.logger.Info("Playback file loaded",
		"path", path,
		"frames", info.TotalFrames,
		"fps", info.FPS,
		"size", []int{info.Width, info.Height})
	return nil
}

// Info returns the loaded file metadata.
func (p *Pump) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Play starts or resumes emission from the current position. Playing after
// a completed run restarts from the beginning.
func (p *Pump) Play() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconcileLocked()
	switch p.state {
	case Playing:
		return true
	case Stopped:
		if err := p.src.Seek(0); err != nil {
			p.logger.Warn("Rewind failed", "error", err)
			return false
		}
		p.pos.Store(0)
	case Loaded, Paused:
	default:
		p.logger.Warn("Play refused", "state", p.state.String())
		return false
	}

	p.state = Playing
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.pumpLoop(p.stop, p.done)
	p.logger.Info("Playback started",
		"position", p.pos.Load(),
		"unthrottled", p.unthrottled.Load(),
		"speed", p.speed.Load())
	return true
}

// Pause suspends emission, retaining the position for resume.
func (p *Pump) Pause() bool {
	return p.halt(Paused)
}

// Stop ends emission. The file stays loaded so playback can restart
// without reloading.
func (p *Pump) Stop() bool {
	return p.halt(Stopped)
}

func (p *Pump) halt(to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconcileLocked()
	if p.state != Playing {
		if p.state == Loaded || p.state == Paused || p.state == Stopped {
			p.state = to
			return true
		}
		return false
	}
	close(p.stop)
	<-p.done
	p.state = to
	p.logger.Info("Playback halted", "state", to.String(), "position", p.pos.Load())
	return true
}

// Unload stops playback and closes the file.
func (p *Pump) Unload() error {
	p.halt(Stopped)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Unloaded {
		return nil
	}
	err := p.src.Close()
	p.state = Unloaded
	p.info = Info{}
	p.pos.Store(0)
	return err
}

// Seek clamps frameNumber to the valid range, repositions the read cursor
// and synchronously emits exactly one frame at the new position. If the
// pump is playing it resumes from the new position afterwards.
func (p *Pump) Seek(frameNumber int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconcileLocked()
	if p.state == Unloaded {
		return errors.New("playback: no file loaded")
	}

	wasPlaying := p.state == Playing
	if wasPlaying {
		close(p.stop)
		<-p.done
	}

	if frameNumber < 0 {
		frameNumber = 0
	}
	if p.info.TotalFrames > 0 && frameNumber >= p.info.TotalFrames {
		frameNumber = p.info.TotalFrames - 1
	}
	if err := p.src.Seek(frameNumber); err != nil {
		if wasPlaying {
			p.state = Paused
		}
		return err
	}
	p.pos.Store(frameNumber)

	img, err := p.src.ReadNext()
	if err == nil {
		p.emit(img, frameNumber, p.clk.Now())
		p.pos.Store(frameNumber + 1)
	} else if !errors.Is(err, io.EOF) {
		p.logger.Warn("Seek read failed", "frame", frameNumber, "error", err)
	}

	if wasPlaying {
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.pumpLoop(p.stop, p.done)
	}
	return nil
}

// SeekProgress seeks to a fraction of the file in [0,1].
func (p *Pump) SeekProgress(fraction float64) error {
	p.mu.Lock()
	total := p.info.TotalFrames
	p.mu.Unlock()
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return p.Seek(int64(fraction * float64(total)))
}

// SetUnthrottled switches pacing mode at runtime.
func (p *Pump) SetUnthrottled(v bool) { p.unthrottled.Store(v) }

// SetSpeed changes the playback speed multiplier at runtime. Non-positive
// values are ignored.
func (p *Pump) SetSpeed(speed float64) {
	if speed > 0 {
		p.speed.Store(speed)
	}
}

// Progress returns the next frame number and the completed fraction.
func (p *Pump) Progress() (int64, float64) {
	pos := p.pos.Load()
	p.mu.Lock()
	total := p.info.TotalFrames
	p.mu.Unlock()
	if total <= 0 {
		return pos, 0
	}
	return pos, float64(pos) / float64(total)
}

// Finished delivers one FinishedInfo per playback run that reaches end of
// stream without looping.
func (p *Pump) Finished() <-chan FinishedInfo { return p.finished }

// State returns the pump lifecycle state.
func (p *Pump) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconcileLocked()
	return p.state
}

// reconcileLocked folds a natural end of stream into the state machine.
// The pump goroutine cannot take p.mu itself because halt holds it while
// joining, so completion is signalled through a flag and absorbed here.
func (p *Pump) reconcileLocked() {
	if p.completed.CompareAndSwap(true, false) && p.state == Playing {
		p.state = Stopped
	}
}

// pumpLoop emits frames until stopped or end of stream. In time-accurate
// mode each frame's wall-clock deadline is computed from the file's
// timestamp and the playback speed, and the loop sleeps until it is
// reached; unthrottled mode pushes as fast as the downstream accepts.
func (p *Pump) pumpLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	fps := p.info.FPS
	start := p.clk.Now()
	var emitted int64

	for {
		select {
		case <-stop:
			return
		default:
		}

		img, err := p.src.ReadNext()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("Playback read failed", "error", err)
				p.finish(emitted, fps, start)
				return
			}
			if p.loop.Load() {
				if err := p.src.Seek(0); err != nil {
					p.logger.Warn("Loop rewind failed", "error", err)
					p.finish(emitted, fps, start)
					return
				}
				p.pos.Store(0)
				start = p.clk.Now()
				emitted = 0
				continue
			}
			p.finish(emitted, fps, start)
			return
		}

		num := p.pos.Add(1) - 1
		emitted++

		speed, _ := p.speed.Load().(float64)
		if speed <= 0 {
			speed = 1
		}
		nominal := time.Duration(float64(emitted) * float64(time.Second) / (fps * speed))
		timestamp := start.Add(nominal)

		if !p.unthrottled.Load() {
			if wait := timestamp.Sub(p.clk.Now()); wait > 0 {
				select {
				case <-stop:
					img.Close()
					return
				case <-p.clk.After(wait):
				}
			}
		}

		p.emit(img, num, timestamp)
	}
}

// emit wraps img into a frame, offers it downstream and releases the local
// copy. Takes ownership of img.
func (p *Pump) emit(img gocv.Mat, num int64, timestamp time.Time) {
	f := frame.Frame{
		Image:     img,
		Number:    num + 1,
		Timestamp: timestamp,
		Origin:    frame.OriginFile,
	}
	if p.consumer != nil {
		p.consumer.SubmitFrame(f)
	}
	f.Release()
}

// finish records end of playback and flips the state to Stopped.
func (p *Pump) finish(emitted int64, fps float64, start time.Time) {
	actual := p.clk.Now().Sub(start)
	speed, _ := p.speed.Load().(float64)
	if speed <= 0 {
		speed = 1
	}
	nominal := time.Duration(float64(emitted) * float64(time.Second) / (fps * speed))

	info := FinishedInfo{
		FramesEmitted:  emitted,
		NominalElapsed: nominal,
		ActualElapsed:  actual,
	}
	select {
	case p.finished <- info:
	default:
	}

	p.completed.Store(true)
	p.logger.Info("Playback finished",
		"frames", emitted,
		"nominal_elapsed", nominal,
		"actual_elapsed", actual)
}
