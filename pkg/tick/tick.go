// Package tick runs the per sync group snapshot loops. Each group gets an
// independent drift corrected timer; a failed capture for one group never
// stalls another.
package tick

import (
	"time"
)

// GroupConfig describes one sync group's tick schedule and retention.
type GroupConfig struct {
	Name             string
	TickRateMs       int
	MaxBufferedTicks int
}

func (g GroupConfig) Interval() time.Duration {
	if g.TickRateMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(g.TickRateMs) * time.Millisecond
}

// RetentionWindow is how far back tick rows are kept, relative to the
// current tick's start time.
func (g GroupConfig) RetentionWindow() time.Duration {
	buffered := g.MaxBufferedTicks
	if buffered <= 0 {
		buffered = 20
	}
	return time.Duration(buffered) * g.Interval()
}

// Tick is one finalized snapshot cycle.
type Tick struct {
	ID              string
	SyncGroup       string
	Number          int64
	StartTime       time.Time
	EndTime         time.Time
	DurationMs      int64
	TimeSinceLastMs int64
	StatesProcessed int
	IsDelayed       bool
	HeadroomMs      int64
}
