// Package acl caches per-agent, per-sync-group permission projections so
// fanout authorization never hits the store on the hot path.
package acl

import (
	"context"
	"fmt"
	"sync"
)

// Perms is one agent's access to one sync group.
type Perms struct {
	Read   bool
	Write  bool
	Update bool
}

// Loader reads an agent's full permission projection across all sync groups.
type Loader interface {
	Load(ctx context.Context, agentID string) (map[string]Perms, error)
}

type entry struct {
	mu    sync.RWMutex
	perms map[string]Perms
}

// Cache holds warmed projections keyed by agent. Reads default closed-world:
// an agent never warmed has no access. Locking is per agent so invalidating
// one agent never blocks checks for another.
type Cache struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	loader  Loader
	rewarm  bool
	onError func(agentID string, err error)
}

type Option func(*Cache)

// WithRewarmOnChange reloads an agent's projection on role change instead of
// only evicting it. The next check then sees fresh permissions without
// paying the warm round-trip.
func WithRewarmOnChange() Option {
	return func(c *Cache) { c.rewarm = true }
}

// WithErrorHook observes load failures from background re-warms.
func WithErrorHook(fn func(agentID string, err error)) Option {
	return func(c *Cache) { c.onError = fn }
}

func NewCache(loader Loader, opts ...Option) *Cache {
	c := &Cache{agents: map[string]*entry{}, loader: loader}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Warm loads and caches the agent's projection. Idempotent: a warmed agent
// is not reloaded, so calling it on every new connection costs at most one
// store query per agent.
func (c *Cache) Warm(ctx context.Context, agentID string) error {
	c.mu.RLock()
	_, warmed := c.agents[agentID]
	c.mu.RUnlock()
	if warmed {
		return nil
	}
	return c.load(ctx, agentID)
}

func (c *Cache) load(ctx context.Context, agentID string) error {
	perms, err := c.loader.Load(ctx, agentID)
	if err != nil {
		return fmt.Errorf("warm acl for %s: %w", agentID, err)
	}
	if perms == nil {
		perms = map[string]Perms{}
	}
	c.mu.Lock()
	e, ok := c.agents[agentID]
	if !ok {
		e = &entry{}
		c.agents[agentID] = e
	}
	c.mu.Unlock()
	e.mu.Lock()
	e.perms = perms
	e.mu.Unlock()
	return nil
}

func (c *Cache) IsWarmed(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.agents[agentID]
	return ok
}

// Evict drops the agent's projection. The next check returns false until a
// new Warm completes.
func (c *Cache) Evict(agentID string) {
	c.mu.Lock()
	delete(c.agents, agentID)
	c.mu.Unlock()
}

// OnRoleChange is invoked by the store change listener. It either evicts or,
// when configured, reloads the agent's projection in place.
func (c *Cache) OnRoleChange(ctx context.Context, agentID string) {
	if !c.rewarm {
		c.Evict(agentID)
		return
	}
	c.mu.RLock()
	_, warmed := c.agents[agentID]
	c.mu.RUnlock()
	if !warmed {
		return
	}
	if err := c.load(ctx, agentID); err != nil {
		// Stale permissions are worse than closed-world. Fall back to evict.
		c.Evict(agentID)
		if c.onError != nil {
			c.onError(agentID, err)
		}
	}
}

func (c *Cache) get(agentID, syncGroup string) Perms {
	c.mu.RLock()
	e, ok := c.agents[agentID]
	c.mu.RUnlock()
	if !ok {
		return Perms{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.perms[syncGroup]
}

func (c *Cache) CanRead(agentID, syncGroup string) bool   { return c.get(agentID, syncGroup).Read }
func (c *Cache) CanWrite(agentID, syncGroup string) bool  { return c.get(agentID, syncGroup).Write }
func (c *Cache) CanUpdate(agentID, syncGroup string) bool { return c.get(agentID, syncGroup).Update }
