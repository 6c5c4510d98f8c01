package tick

import (
	"context"
	"log"
	"sync"
	"time"

	"worldsync/pkg/metrics"
)

// Engine drives one capture loop per sync group.
type Engine struct {
	Store   Store
	Groups  []GroupConfig
	Metrics *metrics.Registry
	// OnTick observes each finalized tick. The gateway uses it to push
	// snapshot events to connected clients.
	OnTick func(Tick)

	now func() time.Time
}

func NewEngine(store Store, groups []GroupConfig) *Engine {
	return &Engine{Store: store, Groups: groups, now: time.Now}
}

// Run starts every group loop and blocks until ctx is cancelled and all
// loops have drained.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, g := range e.Groups {
		wg.Add(1)
		go func(g GroupConfig) {
			defer wg.Done()
			e.runGroup(ctx, g)
		}(g)
	}
	wg.Wait()
}

// runGroup keeps the long run tick rate at 1/interval by accumulating the
// difference between actual elapsed time and the target interval, then
// shrinking the next sleep by that drift. A stall larger than twice the
// interval resets the accumulator so recovery never turns into a burst of
// catch-up ticks.
func (e *Engine) runGroup(ctx context.Context, g GroupConfig) {
	interval := g.Interval()
	var drift time.Duration
	var lastStart time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		start := e.now()
		if !lastStart.IsZero() {
			drift += start.Sub(lastStart) - interval
			if drift > 2*interval || drift < -2*interval {
				drift = 0
			}
		}
		lastStart = start

		e.tickOnce(ctx, g, start)

		delay := interval - drift
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *Engine) tickOnce(ctx context.Context, g GroupConfig, start time.Time) {
	t, err := e.Store.Capture(ctx, g, start)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("tick %s: capture: %v", g.Name, err)
		}
		return
	}
	end := e.now()
	t.EndTime = end
	t.DurationMs = end.Sub(start).Milliseconds()
	t.IsDelayed = t.DurationMs > int64(g.TickRateMs) && g.TickRateMs > 0
	t.HeadroomMs = int64(g.TickRateMs) - t.DurationMs
	if err := e.Store.Finalize(ctx, t); err != nil {
		if ctx.Err() == nil {
			log.Printf("tick %s: finalize %d: %v", g.Name, t.Number, err)
		}
		return
	}
	if e.Metrics != nil {
		e.Metrics.IncTick(g.Name, t.IsDelayed)
		e.Metrics.ObserveTickDuration(g.Name, end.Sub(start))
	}
	if e.OnTick != nil {
		e.OnTick(t)
	}
}
