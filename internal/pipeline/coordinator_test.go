package pipeline

import (
	"image"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/ivelkov/crossing-counter/internal/camera"
	"github.com/ivelkov/crossing-counter/internal/config"
	"github.com/ivelkov/crossing-counter/internal/frame"
	"github.com/ivelkov/crossing-counter/internal/playback"
	"github.com/ivelkov/crossing-counter/internal/record"
)

type fakeDriver struct {
	failWith atomic.Pointer[error]
}

func (d *fakeDriver) failNow(err error) { d.failWith.Store(&err) }

func (d *fakeDriver) EnumerateDevices() ([]camera.DeviceInfo, error) {
	return []camera.DeviceInfo{{ID: "fake0", Model: "fake"}}, nil
}
func (d *fakeDriver) Open(string) error { return nil }
func (d *fakeDriver) Configure(camera.Params) error { return nil }
func (d *fakeDriver) StartAcquisition() error { return nil }
func (d *fakeDriver) StopAcquisition() error { return nil }
func (d *fakeDriver) Close() error { return nil }
func (d *fakeDriver) RetrieveFrame(timeout time.Duration) (gocv.Mat, error) {
	if errp := d.failWith.Load(); errp != nil {
		return gocv.Mat{}, *errp
	}
	time.Sleep(time.Millisecond)
	return gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC1), nil
}

type fakeFileSource struct {
	frames int64
	pos    int64
}

func (s *fakeFileSource) Open(string) (playback.Info, error) {
	return playback.Info{TotalFrames: s.frames, FPS: 30, Width: 32, Height: 32}, nil
}
func (s *fakeFileSource) ReadNext() (gocv.Mat, error) {
	if s.pos >= s.frames {
		return gocv.Mat{}, io.EOF
	}
	s.pos++
	return gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC1), nil
}
func (s *fakeFileSource) Seek(n int64) error { s.pos = n; return nil }
func (s *fakeFileSource) Close() error { return nil }

type fakePool struct {
	started atomic.Int64
	stopped atomic.Int64
}

func (p *fakePool) Start() { p.started.Add(1) }
func (p *fakePool) Stop() { p.stopped.Add(1) }
func (p *fakePool) SubmitFrame(f frame.Frame) bool { return true }

type fakeSink struct {
	active atomic.Bool
	writes atomic.Int64
}

func (s *fakeSink) Start(string, image.Point, float64) error {
	s.active.Store(true)
	return nil
}
func (s *fakeSink) WriteFrame(frame.Frame) bool {
	if !s.active.Load() {
		return false
	}
	s.writes.Add(1)
	return true
}
func (s *fakeSink) Stop() (record.Summary, bool) {
	if !s.active.Swap(false) {
		return record.Summary{}, false
	}
	return record.Summary{FramesWritten: s.writes.Load()}, true
}
func (s *fakeSink) Active() bool { return s.active.Load() }

type testEnv struct {
	coord *Coordinator
	src   *camera.FrameSource
	pump  *playback.Pump
	pool  *fakePool
	sink  *fakeSink
	drv   *fakeDriver
	clk   *clock.Mock
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	// Paced playback: the 1000-frame fake file at 30 fps outlives every
	// test, so a running pump is always observable.
	cfg := config.Default()

	drv := &fakeDriver{}
	src := camera.NewFrameSource(drv, cfg, logger)
	pool := &fakePool{}
	src.SetConsumer(pool)
	pump := playback.NewPump(&fakeFileSource{frames: 1000}, cfg, pool, logger)
	sink := &fakeSink{}
	mock := clock.NewMock()

	coord := NewWithClock(src, pump, pool, sink, logger, mock)
	t.Cleanup(coord.Stop)
	return &testEnv{coord: coord, src: src, pump: pump, pool: pool, sink: sink, drv: drv, clk: mock}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSingleProducerAcrossTransitions(t *testing.T) {
	env := newEnv(t)
	env.coord.Start()
	if err := env.src.Connect("fake0"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := env.coord.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if env.src.State() != camera.Grabbing {
		t.Fatalf("camera state = %v, want grabbing", env.src.State())
	}

	if err := env.pump.Load("fake.avi"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := env.coord.SetMode(Playback); err != nil {
		t.Fatalf("SetMode(Playback): %v", err)
	}
	// Capture thread must be fully settled before the pump may run.
	if env.src.State() == camera.Grabbing {
		t.Fatal("camera still grabbing in playback mode")
	}
	if err := env.coord.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, "pump playing", func() bool { return env.pump.State() == playback.Playing })

	if err := env.coord.SetMode(Live); err != nil {
		t.Fatalf("SetMode(Live): %v", err)
	}
	if st := env.pump.State(); st != playback.Paused {
		t.Fatalf("pump state after leaving playback = %v, want paused", st)
	}
	if env.src.State() != camera.Grabbing {
		t.Fatalf("camera state = %v, want grabbing after returning to live", env.src.State())
	}
}

func TestLeavingPlaybackKeepsFileLoaded(t *testing.T) {
	env := newEnv(t)
	env.coord.Start()
	if err := env.pump.Load("fake.avi"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := env.coord.SetMode(Playback); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := env.coord.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := env.coord.SetMode(Live); err != nil {
		t.Fatalf("SetMode(Live): %v", err)
	}

	// Back into playback: resume without reloading.
	if err := env.coord.SetMode(Playback); err != nil {
		t.Fatalf("SetMode(Playback): %v", err)
	}
	if err := env.coord.Play(); err != nil {
		t.Fatalf("resume Play: %v", err)
	}
	if info := env.pump.Info(); info.TotalFrames != 1000 {
		t.Fatalf("file metadata lost across mode switches: %+v", info)
	}
}

func TestPlaybackRefusedOutsidePlaybackMode(t *testing.T) {
	env := newEnv(t)
	env.coord.Start()
	if err := env.pump.Load("fake.avi"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := env.coord.Play(); err == nil {
		t.Fatal("Play succeeded in live mode")
	}
	if err := env.coord.Seek(5); err == nil {
		t.Fatal("Seek succeeded in live mode")
	}
}

func TestRecordingSurvivesModeSwitch(t *testing.T) {
	env := newEnv(t)
	env.coord.Start()
	if err := env.src.Connect("fake0"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := env.coord.SetMode(Recording); err != nil {
		t.Fatalf("SetMode(Recording): %v", err)
	}
	waitFor(t, "first frame", func() bool {
		_, ok := env.src.LatestFrame()
		return ok
	})
	if err := env.coord.StartRecording("out.avi", 30); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	if err := env.coord.SetMode(Playback); err != nil {
		t.Fatalf("SetMode(Playback): %v", err)
	}
	if !env.coord.Recording() {
		t.Fatal("mode switch implicitly stopped the recording")
	}

	if _, ok := env.coord.StopRecording(); !ok {
		t.Fatal("StopRecording found nothing active")
	}
	if env.coord.Recording() {
		t.Fatal("recording still active after StopRecording")
	}
}

func TestStopClosesRecording(t *testing.T) {
	env := newEnv(t)
	env.coord.Start()
	if err := env.src.Connect("fake0"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := env.coord.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitFor(t, "first frame", func() bool {
		_, ok := env.src.LatestFrame()
		return ok
	})
	if err := env.coord.StartRecording("out.avi", 30); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	env.coord.Stop()
	if env.sink.Active() {
		t.Fatal("shutdown left the recording open")
	}
	if env.pool.stopped.Load() == 0 {
		t.Fatal("shutdown did not stop the pool")
	}
}

func TestDriverFaultFailsSession(t *testing.T) {
	env := newEnv(t)
	env.coord.Start()
	if err := env.src.Connect("fake0"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := env.coord.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitFor(t, "capture running", func() bool {
		_, ok := env.src.LatestFrame()
		return ok
	})

	env.drv.failNow(camera.ErrConcurrentWait)
	waitFor(t, "fault flag", env.src.Faulted)

	// Drive the monitor until it latches the failure.
	waitFor(t, "session failure", func() bool {
		env.clk.Add(faultPollInterval)
		return env.coord.Failed()
	})
	if env.src.State() != camera.Disconnected {
		t.Fatalf("camera state after fault = %v, want disconnected", env.src.State())
	}
	if err := env.coord.SetMode(Playback); err == nil {
		t.Fatal("mode change accepted on a failed session")
	}

	env.coord.ClearFault()
	if env.coord.Failed() {
		t.Fatal("fault latch did not clear")
	}
}
