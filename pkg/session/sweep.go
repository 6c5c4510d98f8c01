package session

import (
	"context"
	"log"
	"time"
)

// Close codes sent when the registry evicts a connection.
const (
	CloseHeartbeatTimeout = 4008
	CloseSessionExpired   = 4000
)

// Validity answers whether a session id is still live in the external store.
type Validity interface {
	SessionValid(ctx context.Context, sessionID string) (bool, error)
}

// SweepConfig tunes the liveness sweep.
type SweepConfig struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	IdleAfter        time.Duration
}

func (c *SweepConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 10 * time.Second
	}
}

// Sweep runs the liveness loop until ctx is cancelled. Each cycle evicts
// sessions whose heartbeat has timed out, marks quiet ones idle, and checks
// store validity. A store error logs and skips the validity check for that
// cycle instead of evicting speculatively.
func (r *Registry) Sweep(ctx context.Context, validity Validity, cfg SweepConfig) {
	cfg.applyDefaults()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx, validity, cfg)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context, validity Validity, cfg SweepConfig) {
	now := r.now().UTC()
	for _, s := range r.Snapshot() {
		age := now.Sub(s.LastHeartbeat)
		if age > cfg.HeartbeatTimeout {
			log.Printf("session sweep: %s heartbeat timeout after %s", s.ID, age.Truncate(time.Millisecond))
			r.Remove(s.ID, CloseHeartbeatTimeout, "heartbeat timeout")
			continue
		}
		if age > cfg.IdleAfter {
			r.MarkIdle(s.ID)
		}
		if validity == nil {
			continue
		}
		valid, err := validity.SessionValid(ctx, s.ID)
		if err != nil {
			log.Printf("session sweep: validity check for %s: %v", s.ID, err)
			continue
		}
		if !valid {
			log.Printf("session sweep: %s expired in store", s.ID)
			r.Remove(s.ID, CloseSessionExpired, "session expired")
		}
	}
}
