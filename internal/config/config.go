// Package config holds the typed pipeline configuration, its defaults, and
// validated partial updates for runtime tuning.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Mode selects the detection regime. It is derived from the configured
// target frame rate rather than set directly.
type Mode int

const (
	// ModeStandard runs full shape filtering and per-object tracking.
	ModeStandard Mode = iota
	// ModeHighSpeed skips shape filtering (and optionally tracking) to keep
	// up with high-frame-rate streams.
	ModeHighSpeed
)

// String implements fmt.Stringer for Mode.
func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModeHighSpeed:
		return "high-speed"
	default:
		return "unknown"
	}
}

// highSpeedThreshold is the target fps above which the pipeline switches to
// the high-speed regime.
const highSpeedThreshold = 120.0

// Config is the full pipeline configuration. A validated Config never
// changes in place; runtime tuning goes through Apply.
type Config struct {
	// TargetFPS is the frame rate the camera is configured for. It selects
	// the standard or high-speed detection regime.
	TargetFPS float64

	// Workers is the detection worker count. Zero means derive from the
	// CPU count, clamped to [2,4].
	Workers int

	// SyncSubmit selects semaphore-gated frame submission instead of a bare
	// non-blocking enqueue.
	SyncSubmit bool

	// ROIOffset is the vertical pixel offset of the counting band from the
	// top of the frame.
	ROIOffset int
	// ROIHeight is the height of the counting band in pixels.
	ROIHeight int

	// MinArea and MaxArea bound the connected-component pixel area accepted
	// as a detected object.
	MinArea float64
	MaxArea float64

	// MinTrackFrames is how many frames a track must be observed before it
	// is eligible to be counted.
	MinTrackFrames int
	// MinVerticalTravel is the minimum max_y-min_y pixel travel a track
	// must show before it is counted.
	MinVerticalTravel int
	// MatchToleranceX and MatchToleranceY are the per-axis pixel distances
	// within which a detection matches an existing track.
	MatchToleranceX int
	MatchToleranceY int
	// TrackLifetime is the number of unseen frames after which a track is
	// evicted.
	TrackLifetime int

	// DedupDistance is the pixel radius within which a new crossing is
	// considered a duplicate of a recently counted one. Deliberately a
	// fixed pixel value independent of object scale.
	DedupDistance float64
	// DedupHistorySize bounds the recently-counted-positions FIFO.
	DedupHistorySize int

	// RawCountHighSpeed makes high-speed mode add the raw per-frame
	// detection count to the crossing counter instead of tracking objects.
	// This is a coarser counting semantic, kept as an explicit flag.
	RawCountHighSpeed bool

	// RecordEveryK forwards every Kth captured frame to the recording sink
	// to bound recording overhead.
	RecordEveryK int

	// PlaybackSpeed scales file playback pacing (1.0 = file rate).
	PlaybackSpeed float64
	// PlaybackLoop restarts playback from frame 0 at end of stream instead
	// of emitting a finished signal.
	PlaybackLoop bool
	// PlaybackUnthrottled pushes file frames as fast as the pipeline
	// accepts them instead of pacing to the file clock.
	PlaybackUnthrottled bool

	// ForwardEveryN is the dispatcher debounce stride for empty results.
	ForwardEveryN int
	// MinForwardInterval forwards an empty result anyway once this much
	// time has passed since the last forward.
	MinForwardInterval time.Duration
}

// Default returns the configuration used when no overrides are given.
func Default() Config {
	return Config{
		TargetFPS:           60,
		Workers:             0,
		SyncSubmit:          false,
		ROIOffset:           200,
		ROIHeight:           120,
		MinArea:             40,
		MaxArea:             12000,
		MinTrackFrames:      3,
		MinVerticalTravel:   12,
		MatchToleranceX:     48,
		MatchToleranceY:     64,
		TrackLifetime:       15,
		DedupDistance:       30,
		DedupHistorySize:    20,
		RawCountHighSpeed:   false,
		RecordEveryK:        2,
		PlaybackSpeed:       1.0,
		PlaybackLoop:        false,
		PlaybackUnthrottled: false,
		ForwardEveryN:       5,
		MinForwardInterval:  200 * time.Millisecond,
	}
}

// Mode returns the detection regime implied by the target frame rate.
func (c Config) Mode() Mode {
	if c.TargetFPS > highSpeedThreshold {
		return ModeHighSpeed
	}
	return ModeStandard
}

// WorkerCount resolves the effective detection worker count: the configured
// value, or CPU-derived and clamped to [2,4] when unset.
func (c Config) WorkerCount() int {
	n := c.Workers
	if n <= 0 {
		n = runtime.NumCPU() / 2
	}
	if n < 2 {
		n = 2
	}
	if n > 4 {
		n = 4
	}
	return n
}

// Validate checks every field and reports the first violation.
func (c Config) Validate() error {
	if c.TargetFPS <= 0 || c.TargetFPS > 10000 {
		return fmt.Errorf("target fps %.1f out of range (0, 10000]", c.TargetFPS)
	}
	if c.Workers < 0 || c.Workers > 64 {
		return fmt.Errorf("workers %d out of range [0, 64]", c.Workers)
	}
	if c.ROIOffset < 0 {
		return fmt.Errorf("roi offset %d must be non-negative", c.ROIOffset)
	}
	if c.ROIHeight < 1 {
		return fmt.Errorf("roi height %d must be positive", c.ROIHeight)
	}
	if c.MinArea <= 0 || c.MaxArea <= c.MinArea {
		return fmt.Errorf("area bounds [%.0f, %.0f] invalid", c.MinArea, c.MaxArea)
	}
	if c.MinTrackFrames < 1 {
		return fmt.Errorf("min track frames %d must be positive", c.MinTrackFrames)
	}
	if c.MinVerticalTravel < 0 {
		return fmt.Errorf("min vertical travel %d must be non-negative", c.MinVerticalTravel)
	}
	if c.MatchToleranceX < 1 || c.MatchToleranceY < 1 {
		return fmt.Errorf("match tolerances (%d, %d) must be positive", c.MatchToleranceX, c.MatchToleranceY)
	}
	if c.TrackLifetime < 1 {
		return fmt.Errorf("track lifetime %d must be positive", c.TrackLifetime)
	}
	if c.DedupDistance < 0 {
		return fmt.Errorf("dedup distance %.1f must be non-negative", c.DedupDistance)
	}
	if c.DedupHistorySize < 1 {
		return fmt.Errorf("dedup history size %d must be positive", c.DedupHistorySize)
	}
	if c.RecordEveryK < 1 {
		return fmt.Errorf("record every-k %d must be positive", c.RecordEveryK)
	}
	if c.PlaybackSpeed <= 0 || c.PlaybackSpeed > 32 {
		return fmt.Errorf("playback speed %.2f out of range (0, 32]", c.PlaybackSpeed)
	}
	if c.ForwardEveryN < 1 {
		return fmt.Errorf("forward every-n %d must be positive", c.ForwardEveryN)
	}
	if c.MinForwardInterval < 0 {
		return fmt.Errorf("min forward interval %v must be non-negative", c.MinForwardInterval)
	}
	return nil
}
