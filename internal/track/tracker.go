package track

import (
	"gocv.io/x/gocv"

	"github.com/ivelkov/crossing-counter/internal/config"
)

// Tracker bundles the ROI detector and the crossing counter into the single
// stateful unit the detection workers invoke per frame.
type Tracker struct {
	det     *Detector
	counter *Counter
}

// NewTracker builds a tracker for cfg.
func NewTracker(cfg config.Config) *Tracker {
	return &Tracker{
		det:     NewDetector(cfg),
		counter: NewCounter(cfg),
	}
}

// Process runs detection and tracking on one frame. It returns the detected
// objects, the number of crossings newly counted for this frame, and the
// running crossing total. img remains owned by the caller.
func (t *Tracker) Process(img gocv.Mat) ([]DetectedObject, int, int64) {
	objects := t.det.Detect(img)
	counted := t.counter.Observe(objects)
	return objects, counted, t.counter.Count()
}

// Count returns the monotonic crossing counter.
func (t *Tracker) Count() int64 { return t.counter.Count() }

// ActiveTracks returns the current track table size.
func (t *Tracker) ActiveTracks() int { return t.counter.ActiveTracks() }

// ResetCrossingCount atomically zeroes the counter, track table and dedup
// history.
func (t *Tracker) ResetCrossingCount() { t.counter.Reset() }

// SetConfig applies updated ROI and tracking parameters.
func (t *Tracker) SetConfig(cfg config.Config) {
	t.det.SetConfig(cfg)
	t.counter.SetConfig(cfg)
}

// Close releases the detector's native resources.
func (t *Tracker) Close() { t.det.Close() }
