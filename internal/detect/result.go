// Package detect runs frames through a bounded parallel detection stage and
// publishes debounced results to subscribers.
package detect

import (
	"time"

	"github.com/ivelkov/crossing-counter/internal/frame"
	"github.com/ivelkov/crossing-counter/internal/track"
)

// Result is the outcome of detecting one frame. Created by a worker and
// consumed once by the dispatcher; pixel data is already released by then.
type Result struct {
	// Frame identifies the processed frame.
	Frame frame.Meta

	// Objects are the detections in full-frame coordinates.
	Objects []track.DetectedObject

	// ObjectCount is len(Objects), kept explicit for subscribers that only
	// need the number.
	ObjectCount int

	// NewCrossings is how many crossings this frame added to the counter.
	NewCrossings int

	// CrossingTotal is the running crossing counter after this frame.
	CrossingTotal int64

	// DetectionTime is how long detection plus tracking took.
	DetectionTime time.Duration

	// QueueDelay is the time between the frame's capture timestamp and the
	// moment a worker dequeued it.
	QueueDelay time.Duration

	// Processed is the pool's cumulative processed-frame counter at the
	// time this result was produced.
	Processed int64
}
