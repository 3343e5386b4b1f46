package db

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ivelkov/crossing-counter/internal/detect"
)

// Journal drains a detection-result subscription into the database on its
// own goroutine. Results arrive through the dispatcher's bounded channel,
// so when the disk falls behind the dispatcher drops results instead of
// the journal exerting backpressure on detection.
type Journal struct {
	db      *DB
	logger  *slog.Logger
	results <-chan detect.Result
	session uuid.UUID

	done     chan struct{}
	written  atomic.Int64
	failures atomic.Int64
	lastTot  atomic.Int64
}

// NewJournal opens a session in mode and starts draining results, normally
// a dispatcher subscription's channel. Call Stop to close the session.
func NewJournal(database *DB, results <-chan detect.Result, mode string, logger *slog.Logger) (*Journal, error) {
	session, err := database.StartSession(mode)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		db:      database,
		logger:  logger,
		results: results,
		session: session,
		done:    make(chan struct{}),
	}
	go j.run()
	logger.Info("Crossing journal started", "session", session.String(), "mode", mode)
	return j, nil
}

// Session returns the journal's session identity.
func (j *Journal) Session() uuid.UUID { return j.session }

// Written returns how many crossing events have been journaled.
func (j *Journal) Written() int64 { return j.written.Load() }

// run consumes the result channel until it closes. Only results that
// carry new crossings produce rows.
func (j *Journal) run() {
	defer close(j.done)
	for res := range j.results {
		j.lastTot.Store(res.CrossingTotal)
		if res.NewCrossings == 0 {
			continue
		}
		err := j.db.RecordCrossing(j.session, res.Frame.Number,
			res.ObjectCount, res.CrossingTotal, res.Frame.Timestamp)
		if err != nil {
			if j.failures.Add(1) == 1 {
				j.logger.Warn("Journal write failed", "error", err)
			}
			continue
		}
		j.written.Add(1)
	}
}

// Stop waits for the drain goroutine and closes the session with the last
// observed crossing total. The result channel must be closed (normally by
// unsubscribing) before calling Stop.
func (j *Journal) Stop() error {
	<-j.done
	if err := j.db.EndSession(j.session, j.lastTot.Load()); err != nil {
		return err
	}
	j.logger.Info("Crossing journal stopped",
		"session", j.session.String(),
		"events", j.written.Load(),
		"write_failures", j.failures.Load())
	return nil
}
