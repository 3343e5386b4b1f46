package playback

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/ivelkov/crossing-counter/internal/config"
	"github.com/ivelkov/crossing-counter/internal/frame"
)

// fakeSource serves a fixed number of synthetic frames.
type fakeSource struct {
	info    Info
	pos     int64
	reads   atomic.Int64
	openErr error
	seekErr error
}

func (s *fakeSource) Open(string) (Info, error) {
	if s.openErr != nil {
		return Info{}, s.openErr
	}
	s.pos = 0
	return s.info, nil
}

func (s *fakeSource) ReadNext() (gocv.Mat, error) {
	if s.pos >= s.info.TotalFrames {
		return gocv.Mat{}, io.EOF
	}
	s.pos++
	s.reads.Add(1)
	return gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC1), nil
}

func (s *fakeSource) Seek(frameNumber int64) error {
	if s.seekErr != nil {
		return s.seekErr
	}
	s.pos = frameNumber
	return nil
}

func (s *fakeSource) Close() error { return nil }

// countingConsumer records submitted frame numbers without retaining pixels.
type countingConsumer struct {
	count   atomic.Int64
	lastNum atomic.Int64
}

func (c *countingConsumer) SubmitFrame(f frame.Frame) bool {
	c.count.Add(1)
	c.lastNum.Store(f.Number)
	return true
}

func testPump(t *testing.T, frames int64, fps float64, mut func(*config.Config)) (*Pump, *fakeSource, *countingConsumer, *clock.Mock) {
	t.Helper()
	src := &fakeSource{info: Info{TotalFrames: frames, FPS: fps, Width: 8, Height: 8}}
	cons := &countingConsumer{}
	mock := clock.NewMock()
	cfg := config.Default()
	if mut != nil {
		mut(&cfg)
	}
	p := NewPumpWithClock(src, cfg, cons, slog.New(slog.NewTextHandler(testWriter{t}, nil)), mock)
	if err := p.Load("fake.avi"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p, src, cons, mock
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// advanceUntil steps the mock clock until cond holds or the real deadline
// passes, yielding between steps so the pump goroutine can run.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		mock.Add(step)
		time.Sleep(time.Millisecond)
	}
}

func TestPumpEmitsAllFramesAtFileRate(t *testing.T) {
	p, _, cons, mock := testPump(t, 20, 10, nil)

	if !p.Play() {
		t.Fatal("Play refused")
	}
	var done FinishedInfo
	finished := false
	advanceUntil(t, mock, 100*time.Millisecond, func() bool {
		select {
		case done = <-p.Finished():
			finished = true
		default:
		}
		return finished
	})

	if cons.count.Load() != 20 {
		t.Fatalf("emitted %d frames, want 20", cons.count.Load())
	}
	if done.FramesEmitted != 20 {
		t.Fatalf("FramesEmitted = %d, want 20", done.FramesEmitted)
	}
	if done.NominalElapsed != 2*time.Second {
		t.Fatalf("NominalElapsed = %v, want 2s", done.NominalElapsed)
	}
	if got := p.State(); got != Stopped {
		t.Fatalf("state after completion = %v, want stopped", got)
	}
}

func TestPumpSpeedScalesPacing(t *testing.T) {
	p, _, cons, mock := testPump(t, 10, 10, func(c *config.Config) {
		c.PlaybackSpeed = 2.0
	})

	start := mock.Now()
	p.Play()
	// At 2x a 10 fps file needs 50ms per frame.
	advanceUntil(t, mock, 50*time.Millisecond, func() bool {
		return cons.count.Load() == 10
	})
	if elapsed := mock.Now().Sub(start); elapsed > 600*time.Millisecond {
		t.Fatalf("10 frames at 2x took %v of file time, want about 500ms", elapsed)
	}
	p.Stop()
}

func TestPumpUnthrottledIgnoresClock(t *testing.T) {
	p, _, cons, _ := testPump(t, 50, 10, func(c *config.Config) {
		c.PlaybackUnthrottled = true
	})

	p.Play()
	deadline := time.Now().Add(5 * time.Second)
	for cons.count.Load() != 50 {
		if time.Now().After(deadline) {
			t.Fatalf("unthrottled run stalled at %d frames", cons.count.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoadFallsBackOnImplausibleFPS(t *testing.T) {
	for _, fps := range []float64{0, -3, 100000} {
		src := &fakeSource{info: Info{TotalFrames: 5, FPS: fps}}
		p := NewPumpWithClock(src, config.Default(), &countingConsumer{},
			slog.New(slog.NewTextHandler(testWriter{t}, nil)), clock.NewMock())
		if err := p.Load("x.avi"); err != nil {
			t.Fatalf("Load(fps=%v): %v", fps, err)
		}
		if got := p.Info().FPS; got != fallbackFPS {
			t.Fatalf("fps=%v: Info().FPS = %v, want %v", fps, got, fallbackFPS)
		}
	}
}

func TestSeekClampsAndEmitsOneFrame(t *testing.T) {
	p, src, cons, _ := testPump(t, 10, 10, nil)

	if err := p.Seek(50); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if cons.count.Load() != 1 {
		t.Fatalf("seek emitted %d frames, want 1", cons.count.Load())
	}
	// Clamped to the last frame; Number is 1-based.
	if got := cons.lastNum.Load(); got != 10 {
		t.Fatalf("seek emitted frame %d, want 10", got)
	}
	if got := p.State(); got != Loaded {
		t.Fatalf("state after paused seek = %v, want loaded", got)
	}

	if err := p.Seek(-5); err != nil {
		t.Fatalf("Seek negative: %v", err)
	}
	if got := cons.lastNum.Load(); got != 1 {
		t.Fatalf("negative seek emitted frame %d, want 1", got)
	}
	if src.pos != 1 {
		t.Fatalf("source cursor = %d, want 1", src.pos)
	}
}

func TestSeekWithoutFileFails(t *testing.T) {
	src := &fakeSource{info: Info{TotalFrames: 5, FPS: 10}}
	p := NewPumpWithClock(src, config.Default(), &countingConsumer{},
		slog.New(slog.NewTextHandler(testWriter{t}, nil)), clock.NewMock())
	if err := p.Seek(0); err == nil {
		t.Fatal("Seek on unloaded pump succeeded")
	}
}

func TestPauseRetainsPosition(t *testing.T) {
	p, _, cons, mock := testPump(t, 10, 10, nil)

	p.Play()
	advanceUntil(t, mock, 100*time.Millisecond, func() bool {
		return cons.count.Load() >= 3
	})
	if !p.Pause() {
		t.Fatal("Pause refused")
	}
	atPause := cons.count.Load()
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	if cons.count.Load() != atPause {
		t.Fatalf("frames emitted while paused: %d -> %d", atPause, cons.count.Load())
	}

	p.Play()
	advanceUntil(t, mock, 100*time.Millisecond, func() bool {
		return cons.count.Load() == 10
	})
}

func TestPlayAfterCompletionRestarts(t *testing.T) {
	p, _, cons, _ := testPump(t, 5, 10, func(c *config.Config) {
		c.PlaybackUnthrottled = true
	})

	p.Play()
	<-p.Finished()
	waitCount(t, cons, 5)

	if !p.Play() {
		t.Fatal("replay refused")
	}
	<-p.Finished()
	waitCount(t, cons, 10)
}

func TestLoopRestartsWithoutFinishing(t *testing.T) {
	p, _, cons, _ := testPump(t, 5, 10, func(c *config.Config) {
		c.PlaybackLoop = true
		c.PlaybackUnthrottled = true
	})

	p.Play()
	waitCount(t, cons, 12)
	select {
	case <-p.Finished():
		t.Fatal("looping playback reported finished")
	default:
	}
	p.Stop()
}

func TestPlayWithoutFileRefused(t *testing.T) {
	src := &fakeSource{info: Info{TotalFrames: 5, FPS: 10}}
	p := NewPumpWithClock(src, config.Default(), &countingConsumer{},
		slog.New(slog.NewTextHandler(testWriter{t}, nil)), clock.NewMock())
	if p.Play() {
		t.Fatal("Play on unloaded pump succeeded")
	}
}

func waitCount(t *testing.T, cons *countingConsumer, atLeast int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for cons.count.Load() < atLeast {
		if time.Now().After(deadline) {
			t.Fatalf("stalled at %d frames, want >= %d", cons.count.Load(), atLeast)
		}
		time.Sleep(time.Millisecond)
	}
}
