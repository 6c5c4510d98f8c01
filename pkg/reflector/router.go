// Package reflector implements the ephemeral broadcast path. Messages fan
// out to currently connected sessions whose agent can read the target sync
// group; nothing is persisted and nothing is retried.
package reflector

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"worldsync/pkg/metrics"
	"worldsync/pkg/ratelimit"
	"worldsync/pkg/session"
	"worldsync/pkg/wire"
)

var (
	ErrUnauthorized    = errors.New("agent cannot read sync group")
	ErrRateLimited     = errors.New("publish rate limit exceeded")
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
)

// Directory is the slice of the session registry the router needs.
type Directory interface {
	Snapshot() []session.Session
}

// Authorizer answers current read permission. Checks happen per recipient at
// delivery time, so a revocation between publishes takes effect immediately.
type Authorizer interface {
	CanRead(agentID, syncGroup string) bool
}

// Router fans published messages out to authorized recipients.
type Router struct {
	Sessions        Directory
	ACL             Authorizer
	Limiter         ratelimit.Limiter
	Metrics         *metrics.Registry
	PublishLimit    int
	MaxPayloadBytes int
}

const (
	defaultPublishLimit    = 120
	defaultMaxPayloadBytes = 64 * 1024
)

// Publish broadcasts one message. The recipient set is a snapshot of the
// registry at call time; the publishing session never receives its own
// message. Per recipient send failures are swallowed and only reduce the
// delivered count.
func (r *Router) Publish(ctx context.Context, from session.Session, syncGroup, channel string, payload json.RawMessage) (int, error) {
	if !r.ACL.CanRead(from.AgentID, syncGroup) {
		if r.Metrics != nil {
			r.Metrics.IncUnauthorizedPublish()
		}
		return 0, ErrUnauthorized
	}
	maxPayload := r.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadBytes
	}
	if len(payload) > maxPayload {
		return 0, ErrPayloadTooLarge
	}
	if r.Limiter != nil {
		limit := r.PublishLimit
		if limit <= 0 {
			limit = defaultPublishLimit
		}
		if d := r.Limiter.Allow("publish:"+from.ID, limit); !d.Allowed {
			return 0, ErrRateLimited
		}
	}
	if r.Metrics != nil {
		r.Metrics.IncPublish(syncGroup)
	}

	env, err := wire.NewEnvelope(wire.KindReflectDelivery, wire.NewDelivery(syncGroup, channel, from.ID, payload))
	if err != nil {
		return 0, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, s := range r.Sessions.Snapshot() {
		if s.ID == from.ID {
			continue
		}
		if s.Conn == nil {
			continue
		}
		if !r.ACL.CanRead(s.AgentID, syncGroup) {
			continue
		}
		if err := s.Conn.Send(ctx, frame); err != nil {
			log.Printf("reflect: deliver to %s: %v", s.ID, err)
			if r.Metrics != nil {
				r.Metrics.IncDeliveryFailure()
			}
			continue
		}
		delivered++
	}
	if r.Metrics != nil {
		r.Metrics.AddDelivered(syncGroup, delivered)
	}
	return delivered, nil
}
