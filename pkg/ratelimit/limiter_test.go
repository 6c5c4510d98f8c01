package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryAllowWithinLimit(t *testing.T) {
	t.Parallel()

	l := NewInMemory(time.Minute)
	for i := 1; i <= 3; i++ {
		d := l.Allow("agent-1", 3)
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if d.Count != i {
			t.Fatalf("expected count %d, got %d", i, d.Count)
		}
	}
	d := l.Allow("agent-1", 3)
	if d.Allowed {
		t.Fatal("fourth call should be blocked")
	}
	if d.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", d.Remaining)
	}
}

func TestInMemoryKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := NewInMemory(time.Minute)
	_ = l.Allow("a", 1)
	if d := l.Allow("b", 1); !d.Allowed {
		t.Fatal("different key should not share a window")
	}
}

func TestInMemoryWindowReset(t *testing.T) {
	t.Parallel()

	l := NewInMemory(10 * time.Millisecond)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("first call should pass")
	}
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatal("second call should be blocked")
	}
	time.Sleep(20 * time.Millisecond)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("expected fresh window after expiry")
	}
}

func TestRedisLimiter(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	l := NewRedis(client, time.Minute)
	if d := l.Allow("agent-1", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("unexpected first decision %+v", d)
	}
	if d := l.Allow("agent-1", 2); !d.Allowed || d.Count != 2 {
		t.Fatalf("unexpected second decision %+v", d)
	}
	if d := l.Allow("agent-1", 2); d.Allowed {
		t.Fatal("third call should be blocked")
	}
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond})
	defer client.Close()

	l := NewRedis(client, time.Minute)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("fallback first call should pass")
	}
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatal("fallback should still enforce the limit")
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	t.Parallel()

	l := NewRedis(nil, 0)
	if l.Window != time.Minute {
		t.Fatalf("expected default window, got %v", l.Window)
	}
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("nil client should use fallback")
	}
}
