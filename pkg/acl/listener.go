package acl

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyConn is one dedicated notification connection. pgx provides the real
// one; tests substitute fakes.
type NotifyConn interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Dialer opens a fresh notification connection. The listener redials through
// it whenever the transport drops.
type Dialer func(ctx context.Context) (NotifyConn, error)

// Listener subscribes to role change notifications for the lifetime of the
// process and reconnects with backoff on transport loss.
type Listener struct {
	Dial       Dialer
	Channel    string
	OnChange   func(ctx context.Context, agentID string)
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewListener(dial Dialer, onChange func(ctx context.Context, agentID string)) *Listener {
	return &Listener{
		Dial:       dial,
		Channel:    "role_changes",
		OnChange:   onChange,
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

// Run blocks until ctx is cancelled. Connection failures never stop the
// loop; each failure closes the connection and redials after a backoff that
// doubles up to MaxBackoff and resets on a received notification.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := l.Dial(ctx)
		if err != nil {
			log.Printf("acl listener: dial: %v", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.MaxBackoff)
			continue
		}
		if err := conn.Listen(ctx, l.Channel); err != nil {
			log.Printf("acl listener: listen %s: %v", l.Channel, err)
			_ = conn.Close(ctx)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.MaxBackoff)
			continue
		}
		for {
			payload, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					_ = conn.Close(ctx)
					return
				}
				log.Printf("acl listener: wait: %v", err)
				_ = conn.Close(ctx)
				break
			}
			backoff = l.MinBackoff
			if agentID := parseRoleChange(payload); agentID != "" {
				l.OnChange(ctx, agentID)
			}
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, l.MaxBackoff)
	}
}

// parseRoleChange accepts either a bare agent id or a JSON object carrying
// an agent_id field.
func parseRoleChange(payload string) string {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return ""
	}
	if strings.HasPrefix(payload, "{") {
		var evt struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			log.Printf("acl listener: decode payload: %v", err)
			return ""
		}
		return strings.TrimSpace(evt.AgentID)
	}
	return payload
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// PGNotifyConn adapts a raw pgx connection to NotifyConn.
type PGNotifyConn struct {
	Conn *pgx.Conn
}

func (c *PGNotifyConn) Listen(ctx context.Context, channel string) error {
	_, err := c.Conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (c *PGNotifyConn) WaitForNotification(ctx context.Context) (string, error) {
	n, err := c.Conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (c *PGNotifyConn) Close(ctx context.Context) error {
	return c.Conn.Close(ctx)
}

// PGDialer returns a Dialer that opens dedicated notification connections to
// the given database URL.
func PGDialer(url string) Dialer {
	return func(ctx context.Context) (NotifyConn, error) {
		conn, err := pgx.Connect(ctx, url)
		if err != nil {
			return nil, err
		}
		return &PGNotifyConn{Conn: conn}, nil
	}
}
