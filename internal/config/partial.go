package config

import "time"

// Partial carries an explicit set of runtime-tunable fields. Nil fields are
// left untouched by Apply.
type Partial struct {
	TargetFPS           *float64
	ROIOffset           *int
	ROIHeight           *int
	MinArea             *float64
	MaxArea             *float64
	MinTrackFrames      *int
	MinVerticalTravel   *int
	MatchToleranceX     *int
	MatchToleranceY     *int
	TrackLifetime       *int
	DedupDistance       *float64
	DedupHistorySize    *int
	RawCountHighSpeed   *bool
	PlaybackSpeed       *float64
	PlaybackLoop        *bool
	PlaybackUnthrottled *bool
	ForwardEveryN       *int
	MinForwardInterval  *time.Duration
}

// Apply returns a copy of c with the non-nil fields of p applied, after
// validating the result. On any violation the update is rejected as a whole
// and c is returned unchanged alongside the error.
func (c Config) Apply(p Partial) (Config, error) {
	next := c
	if p.TargetFPS != nil {
		next.TargetFPS = *p.TargetFPS
	}
	if p.ROIOffset != nil {
		next.ROIOffset = *p.ROIOffset
	}
	if p.ROIHeight != nil {
		next.ROIHeight = *p.ROIHeight
	}
	if p.MinArea != nil {
		next.MinArea = *p.MinArea
	}
	if p.MaxArea != nil {
		next.MaxArea = *p.MaxArea
	}
	if p.MinTrackFrames != nil {
		next.MinTrackFrames = *p.MinTrackFrames
	}
	if p.MinVerticalTravel != nil {
		next.MinVerticalTravel = *p.MinVerticalTravel
	}
	if p.MatchToleranceX != nil {
		next.MatchToleranceX = *p.MatchToleranceX
	}
	if p.MatchToleranceY != nil {
		next.MatchToleranceY = *p.MatchToleranceY
	}
	if p.TrackLifetime != nil {
		next.TrackLifetime = *p.TrackLifetime
	}
	if p.DedupDistance != nil {
		next.DedupDistance = *p.DedupDistance
	}
	if p.DedupHistorySize != nil {
		next.DedupHistorySize = *p.DedupHistorySize
	}
	if p.RawCountHighSpeed != nil {
		next.RawCountHighSpeed = *p.RawCountHighSpeed
	}
	if p.PlaybackSpeed != nil {
		next.PlaybackSpeed = *p.PlaybackSpeed
	}
	if p.PlaybackLoop != nil {
		next.PlaybackLoop = *p.PlaybackLoop
	}
	if p.PlaybackUnthrottled != nil {
		next.PlaybackUnthrottled = *p.PlaybackUnthrottled
	}
	if p.ForwardEveryN != nil {
		next.ForwardEveryN = *p.ForwardEveryN
	}
	if p.MinForwardInterval != nil {
		next.MinForwardInterval = *p.MinForwardInterval
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}
