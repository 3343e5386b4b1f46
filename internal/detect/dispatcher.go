package detect

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ivelkov/crossing-counter/internal/config"
)

// Subscription is one bounded result channel registered with the
// dispatcher.
type Subscription struct {
	name  string
	ch    chan Result
	drops atomic.Int64
}

// C returns the receive side of the subscription.
func (s *Subscription) C() <-chan Result { return s.ch }

// Name returns the subscription's registered name.
func (s *Subscription) Name() string { return s.name }

// Drops returns how many results were dropped because this subscriber's
// channel was full.
func (s *Subscription) Drops() int64 { return s.drops.Load() }

// dispatcher forwards results from the pool's output queue to subscribers
// under a debounce policy: the first result and every result carrying
// detections are always forwarded; empty results go out only every Nth or
// after a minimum elapsed time, bounding notification overhead
// independently of raw throughput.
type dispatcher struct {
	cfg    config.Config
	logger *slog.Logger
	clk    clock.Clock

	mu   sync.Mutex
	subs []*Subscription

	forwardedAny bool
	sinceForward int
	lastForward  time.Time
	forwarded    atomic.Int64
	suppressed   atomic.Int64
}

func newDispatcher(cfg config.Config, logger *slog.Logger, clk clock.Clock) *dispatcher {
	return &dispatcher{cfg: cfg, logger: logger, clk: clk}
}

func (d *dispatcher) subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{name: name, ch: make(chan Result, buffer)}
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return s
}

func (d *dispatcher) unsubscribe(s *Subscription) {
	d.mu.Lock()
	for i, sub := range d.subs {
		if sub == s {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			close(s.ch)
			break
		}
	}
	d.mu.Unlock()
}

// run is the dispatcher goroutine body.
func (d *dispatcher) run(stop <-chan struct{}, results <-chan Result, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			d.logger.Debug("Result dispatcher stopped",
				"forwarded", d.forwarded.Load(),
				"suppressed", d.suppressed.Load())
			return
		case r := <-results:
			if d.shouldForward(r) {
				d.fanOut(r)
			} else {
				d.suppressed.Add(1)
			}
		}
	}
}

func (d *dispatcher) shouldForward(r Result) bool {
	if !d.forwardedAny {
		d.forwardedAny = true
		return true
	}
	if r.ObjectCount > 0 {
		return true
	}
	d.sinceForward++
	if d.sinceForward >= d.cfg.ForwardEveryN {
		return true
	}
	return d.clk.Since(d.lastForward) >= d.cfg.MinForwardInterval
}

// fanOut sends r to every subscriber without blocking. A full subscriber
// channel drops the result for that subscriber only. The lock is held
// across the sends so unsubscribe can never close a channel mid-send; the
// sends cannot block, so the hold is brief.
func (d *dispatcher) fanOut(r Result) {
	d.sinceForward = 0
	d.lastForward = d.clk.Now()
	d.forwarded.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		select {
		case s.ch <- r:
		default:
			s.drops.Add(1)
		}
	}
}
