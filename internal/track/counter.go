package track

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ivelkov/crossing-counter/internal/config"
)

// maxHistory bounds a track's stored position history.
const maxHistory = 64

// Track is the evolving record of one physical object's detected positions
// across consecutive observations.
type Track struct {
	// ID identifies the track for its whole lifetime.
	ID uuid.UUID
	// Position is the most recent matched centroid.
	Position image.Point
	// FirstSeen and LastSeen are observation indices.
	FirstSeen int64
	LastSeen  int64
	// History holds recent matched positions, oldest first.
	History []image.Point
	// Counted marks that this track has already incremented the crossing
	// counter. A track is counted at most once.
	Counted bool
	// MaxY and MinY record the extreme vertical positions seen.
	MaxY int
	MinY int
	// Frames is how many observations matched this track.
	Frames int
}

func (t *Track) extend(p image.Point, idx int64) {
	t.Position = p
	t.LastSeen = idx
	t.Frames++
	if p.Y > t.MaxY {
		t.MaxY = p.Y
	}
	if p.Y < t.MinY {
		t.MinY = p.Y
	}
	t.History = append(t.History, p)
	if len(t.History) > maxHistory {
		t.History = t.History[1:]
	}
}

// verticalTravel is the total vertical span the track has covered.
func (t *Track) verticalTravel() int { return t.MaxY - t.MinY }

// Counter converts per-observation detections into tracks and a monotonic
// crossing count. It is safe for concurrent use by the detection workers.
//
// The counter never errors: all tracking logic is heuristic, and a noisy
// observation at worst delays or skips a single match.
type Counter struct {
	mu     sync.Mutex
	cfg    config.Config
	raw    bool // high-speed raw per-frame counting, no tracks
	tracks map[uuid.UUID]*Track
	dedup  []image.Point
	obs    int64
	count  atomic.Int64
}

// NewCounter builds a counter for cfg. With RawCountHighSpeed set and the
// high-speed regime active, per-object tracking is skipped entirely and the
// raw per-observation detection count feeds the counter directly, a
// deliberately coarser semantic than tracked crossings.
func NewCounter(cfg config.Config) *Counter {
	return &Counter{
		cfg:    cfg,
		raw:    cfg.RawCountHighSpeed && cfg.Mode() == config.ModeHighSpeed,
		tracks: make(map[uuid.UUID]*Track),
	}
}

// SetConfig applies updated tracking thresholds to future observations.
func (c *Counter) SetConfig(cfg config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.raw = cfg.RawCountHighSpeed && cfg.Mode() == config.ModeHighSpeed
	c.mu.Unlock()
}

// Observe ingests the detections of one frame and returns how many new
// crossings were counted for it.
func (c *Counter) Observe(objects []DetectedObject) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.obs++
	idx := c.obs

	if c.raw {
		n := len(objects)
		if n > 0 {
			c.count.Add(int64(n))
		}
		return n
	}

	c.match(objects, idx)
	counted := c.finalizeCrossings()
	c.evict(idx)
	return counted
}

// match greedily pairs detections with the nearest existing track within the
// per-axis tolerances; unmatched detections start new tracks.
func (c *Counter) match(objects []DetectedObject, idx int64) {
	claimed := make(map[uuid.UUID]bool, len(objects))
	for _, obj := range objects {
		p := obj.Centroid
		var best *Track
		bestDist := int(^uint(0) >> 1)
		for _, t := range c.tracks {
			if claimed[t.ID] {
				continue
			}
			dx := abs(p.X - t.Position.X)
			dy := abs(p.Y - t.Position.Y)
			if dx > c.cfg.MatchToleranceX || dy > c.cfg.MatchToleranceY {
				continue
			}
			dist := dx*dx + dy*dy
			if dist < bestDist {
				best, bestDist = t, dist
			}
		}
		if best != nil {
			claimed[best.ID] = true
			best.extend(p, idx)
			continue
		}
		t := &Track{
			ID:        uuid.New(),
			Position:  p,
			FirstSeen: idx,
			LastSeen:  idx,
			History:   []image.Point{p},
			MaxY:      p.Y,
			MinY:      p.Y,
			Frames:    1,
		}
		claimed[t.ID] = true
		c.tracks[t.ID] = t
	}
}

// finalizeCrossings transitions eligible tracks to counted, exactly once per
// track, and returns how many transitions happened.
func (c *Counter) finalizeCrossings() int {
	counted := 0
	for _, t := range c.tracks {
		if t.Counted {
			continue
		}
		if t.Frames < c.cfg.MinTrackFrames {
			continue
		}
		if t.verticalTravel() < c.cfg.MinVerticalTravel {
			continue
		}
		if c.nearRecentCrossing(t.Position) {
			continue
		}
		t.Counted = true
		c.rememberCrossing(t.Position)
		c.count.Add(1)
		counted++
	}
	return counted
}

// nearRecentCrossing reports whether p falls within the dedup distance of a
// recently counted position. The distance is a fixed pixel radius,
// independent of object scale, kept as a tunable.
func (c *Counter) nearRecentCrossing(p image.Point) bool {
	limit := c.cfg.DedupDistance * c.cfg.DedupDistance
	for _, q := range c.dedup {
		dx := float64(p.X - q.X)
		dy := float64(p.Y - q.Y)
		if dx*dx+dy*dy <= limit {
			return true
		}
	}
	return false
}

func (c *Counter) rememberCrossing(p image.Point) {
	c.dedup = append(c.dedup, p)
	if len(c.dedup) > c.cfg.DedupHistorySize {
		c.dedup = c.dedup[1:]
	}
}

// evict drops tracks unseen for longer than the configured lifetime.
func (c *Counter) evict(idx int64) {
	for id, t := range c.tracks {
		if idx-t.LastSeen > int64(c.cfg.TrackLifetime) {
			delete(c.tracks, id)
		}
	}
}

// Count returns the monotonic crossing counter.
func (c *Counter) Count() int64 { return c.count.Load() }

// ActiveTracks returns the current track table size.
func (c *Counter) ActiveTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

// Reset atomically zeroes the crossing counter, the track table and the
// dedup history together.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count.Store(0)
	c.tracks = make(map[uuid.UUID]*Track)
	c.dedup = nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
