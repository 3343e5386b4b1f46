package detect

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"
	"golang.org/x/sync/semaphore"

	"github.com/ivelkov/crossing-counter/internal/config"
	"github.com/ivelkov/crossing-counter/internal/frame"
	"github.com/ivelkov/crossing-counter/internal/stats"
	"github.com/ivelkov/crossing-counter/internal/track"
)

const (
	// inputPerWorker sizes the input queue at workers*inputPerWorker.
	inputPerWorker = 8
	// resultCapacity bounds the result queue.
	resultCapacity = 50
	// popTimeout bounds a worker's wait for a frame so the stop flag is
	// checked periodically.
	popTimeout = 100 * time.Millisecond
	// joinTimeout bounds how long Stop waits for workers to exit.
	joinTimeout = 5 * time.Second
	// drainBudget bounds queue draining during Stop.
	drainBudget = time.Second
)

// Processor is the per-frame detection stage the workers invoke. It must be
// safe for concurrent use; track.Tracker satisfies it.
type Processor interface {
	Process(img gocv.Mat) (objects []track.DetectedObject, newCrossings int, total int64)
}

// Pool consumes frames from whichever producer is active and runs them
// through the processor on a fixed set of workers.
//
// Submission never blocks the producer: under sustained overload frames are
// silently dropped, favoring a live view over completeness. Results are
// published through a bounded drop-oldest queue and forwarded to subscribers
// by a single dispatcher goroutine under a debounce policy.
type Pool struct {
	cfg    config.Config
	proc   Processor
	logger *slog.Logger

	workers  int
	input    *frame.Queue
	results  chan Result
	sem      *semaphore.Weighted
	syncMode bool

	detRate   *stats.RateEstimator
	processed atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64

	dispatcher *dispatcher

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPool builds a pool for cfg around proc. Worker count follows
// cfg.WorkerCount (CPU-derived, clamped to [2,4] unless overridden).
func NewPool(cfg config.Config, proc Processor, logger *slog.Logger) *Pool {
	workers := cfg.WorkerCount()
	capacity := workers * inputPerWorker
	return &Pool{
		cfg:        cfg,
		proc:       proc,
		logger:     logger,
		workers:    workers,
		input:      frame.NewQueue(capacity),
		results:    make(chan Result, resultCapacity),
		sem:        semaphore.NewWeighted(int64(capacity)),
		syncMode:   cfg.SyncSubmit,
		detRate:    stats.NewRateEstimator(),
		dispatcher: newDispatcher(cfg, logger, clock.New()),
	}
}

// Start spawns the worker goroutines and the result dispatcher. Calling
// Start on a running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.wg.Add(1)
	go p.dispatcher.run(p.stop, p.results, &p.wg)

	p.logger.Info("Detection pool started",
		"workers", p.workers,
		"input_capacity", p.input.Cap(),
		"result_capacity", resultCapacity,
		"sync_submit", p.syncMode,
		"mode", p.cfg.Mode().String())
}

// Stop signals all goroutines, joins them with a bounded timeout and clears
// both queues. A timed-out join is logged as a warning, not escalated.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		p.logger.Warn("Detection pool join timeout, workers may still be running",
			"timeout", joinTimeout)
	}

	drained := p.input.Drain(drainBudget)
	if p.syncMode && drained > 0 {
		// Every queued frame still holds one admission permit. Give them
		// back so a restarted pool is not permanently down on capacity.
		p.sem.Release(int64(drained))
	}
	for {
		select {
		case <-p.results:
		default:
			p.logger.Debug("Detection pool stopped",
				"drained_frames", drained,
				"processed", p.processed.Load())
			return
		}
	}
}

// SubmitFrame offers f to the pool without blocking, copying it into the
// input queue. The caller keeps ownership of f. A false return is an
// expected backpressure signal, never an error.
func (p *Pool) SubmitFrame(f frame.Frame) bool {
	if p.syncMode {
		if !p.sem.TryAcquire(1) {
			p.dropped.Add(1)
			return false
		}
		if !p.input.Offer(f.Clone()) {
			// Queue raced full despite the semaphore.
			p.sem.Release(1)
			p.dropped.Add(1)
			return false
		}
		return true
	}

	if !p.input.Offer(f.Clone()) {
		p.dropped.Add(1)
		return false
	}
	return true
}

// workerLoop pops frames and runs detection until the stop flag is set. A
// failure inside one iteration is logged and the loop continues; semaphore
// release and frame cleanup always execute so a single bad frame can never
// deadlock the pool.
func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			p.logger.Debug("Detection worker stopped", "worker", id)
			return
		default:
		}

		f, ok := p.input.PopWait(popTimeout)
		if !ok {
			continue
		}
		p.processOne(id, f)
	}
}

func (p *Pool) processOne(id int, f frame.Frame) {
	defer func() {
		f.Release()
		if p.syncMode {
			p.sem.Release(1)
		}
		if r := recover(); r != nil {
			p.errors.Add(1)
			p.logger.Error("Detection worker recovered",
				"worker", id,
				"frame", f.Number,
				"panic", r)
		}
	}()

	delay := time.Since(f.Timestamp)
	start := time.Now()
	objects, crossings, total := p.proc.Process(f.Image)
	elapsed := time.Since(start)

	p.detRate.Tick()
	processed := p.processed.Add(1)

	p.publish(Result{
		Frame:         f.Meta(),
		Objects:       objects,
		ObjectCount:   len(objects),
		NewCrossings:  crossings,
		CrossingTotal: total,
		DetectionTime: elapsed,
		QueueDelay:    delay,
		Processed:     processed,
	})
}

// publish pushes r into the bounded result queue, dropping the oldest
// pending result when full.
func (p *Pool) publish(r Result) {
	select {
	case p.results <- r:
		return
	default:
	}
	select {
	case <-p.results:
	default:
	}
	select {
	case p.results <- r:
	default:
	}
}

// Subscribe registers a bounded result channel under name. One slow
// subscriber can never stall the dispatcher: sends are non-blocking and
// overflow is counted per subscriber.
func (p *Pool) Subscribe(name string, buffer int) *Subscription {
	return p.dispatcher.subscribe(name, buffer)
}

// Unsubscribe removes a subscription and closes its channel.
func (p *Pool) Unsubscribe(s *Subscription) {
	p.dispatcher.unsubscribe(s)
}

// DetectionFPS returns the sliding-window detection throughput.
func (p *Pool) DetectionFPS() float64 { return p.detRate.Rate() }

// Stats is a snapshot of the pool's operational counters.
type Stats struct {
	Processed    int64
	Dropped      int64
	Errors       int64
	QueueLen     int
	QueueDropped int64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Dropped:      p.dropped.Load(),
		Errors:       p.errors.Load(),
		QueueLen:     p.input.Len(),
		QueueDropped: p.input.Dropped(),
	}
}
