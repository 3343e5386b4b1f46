package stats

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestRateEstimatorSteadyStream(t *testing.T) {
	mock := clock.NewMock()
	r := NewRateEstimatorWithClock(mock)

	// 100 events at 50 fps.
	for i := 0; i < 100; i++ {
		r.Tick()
		mock.Add(20 * time.Millisecond)
	}

	got := r.Rate()
	if got < 49 || got > 51 {
		t.Errorf("Rate() = %.2f, want ~50", got)
	}
}

func TestRateEstimatorTooFewEvents(t *testing.T) {
	r := NewRateEstimator()
	if got := r.Rate(); got != 0 {
		t.Errorf("Rate() with no events = %.2f, want 0", got)
	}
	r.Tick()
	if got := r.Rate(); got != 0 {
		t.Errorf("Rate() with one event = %.2f, want 0", got)
	}
}

func TestRateEstimatorSpikeGuard(t *testing.T) {
	mock := clock.NewMock()
	r := NewRateEstimatorWithClock(mock)

	// A long plausible run at 100 fps...
	for i := 0; i < 70; i++ {
		r.Tick()
		mock.Add(10 * time.Millisecond)
	}
	// ...then a burst of near-simultaneous events that would make the
	// narrow window report an absurd rate.
	for i := 0; i < 30; i++ {
		r.Tick()
		mock.Add(time.Microsecond)
	}

	got := r.Rate()
	if got > 2000 {
		t.Errorf("Rate() = %.2f, spike guard should cap implausible values", got)
	}
}

func TestRateEstimatorReset(t *testing.T) {
	mock := clock.NewMock()
	r := NewRateEstimatorWithClock(mock)
	for i := 0; i < 10; i++ {
		r.Tick()
		mock.Add(10 * time.Millisecond)
	}
	r.Reset()
	if got := r.Rate(); got != 0 {
		t.Errorf("Rate() after Reset = %.2f, want 0", got)
	}
}
