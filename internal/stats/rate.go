// Package stats provides the sliding-window rate estimator shared by the
// capture loop (camera fps) and the detection pool (detection fps).
package stats

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gonum.org/v1/gonum/stat"
)

const (
	// narrowWindow is the number of recent timestamps used for the fast
	// estimate; wideWindow is used when the fast estimate is implausible.
	narrowWindow = 30
	wideWindow   = 100

	// maxPlausibleFPS guards against spurious spikes from clustered
	// timestamps (scheduler hiccups, queue bursts). Anything above it is
	// recomputed over the wide window instead of being reported.
	maxPlausibleFPS = 2000.0
)

// RateEstimator derives an events-per-second estimate from a sliding window
// of event timestamps. Safe for concurrent use.
type RateEstimator struct {
	mu    sync.Mutex
	clk   clock.Clock
	times []time.Time
}

// NewRateEstimator builds an estimator on the real clock.
func NewRateEstimator() *RateEstimator {
	return NewRateEstimatorWithClock(clock.New())
}

// NewRateEstimatorWithClock builds an estimator on the given clock, letting
// tests drive time deterministically.
func NewRateEstimatorWithClock(clk clock.Clock) *RateEstimator {
	return &RateEstimator{clk: clk}
}

// Tick records one event at the current clock time.
func (r *RateEstimator) Tick() {
	r.mu.Lock()
	r.times = append(r.times, r.clk.Now())
	if len(r.times) > wideWindow {
		r.times = r.times[len(r.times)-wideWindow:]
	}
	r.mu.Unlock()
}

// Rate returns the estimated events per second, or 0 before enough events
// have been observed. An implausible narrow-window spike is answered with
// the wide-window estimate rather than reported.
func (r *RateEstimator) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.times) < 2 {
		return 0
	}

	n := narrowWindow
	if len(r.times) < n {
		n = len(r.times)
	}
	rate := r.rateOver(n)
	if rate > maxPlausibleFPS {
		rate = r.rateOver(len(r.times))
		if rate > maxPlausibleFPS {
			rate = maxPlausibleFPS
		}
	}
	return rate
}

// rateOver computes the rate from the mean inter-event interval of the last
// n timestamps. Caller holds the lock.
func (r *RateEstimator) rateOver(n int) float64 {
	window := r.times[len(r.times)-n:]
	intervals := make([]float64, 0, n-1)
	for i := 1; i < len(window); i++ {
		intervals = append(intervals, window[i].Sub(window[i-1]).Seconds())
	}
	mean := stat.Mean(intervals, nil)
	if mean <= 0 {
		return 0
	}
	return 1.0 / mean
}

// Reset forgets all recorded events.
func (r *RateEstimator) Reset() {
	r.mu.Lock()
	r.times = nil
	r.mu.Unlock()
}
