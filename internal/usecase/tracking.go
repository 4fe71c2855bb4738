// Package usecase contains application business logic.
package usecase

import (
	"sync"
	"time"
)

// ActiveFileSet tracks absolute paths currently queued or being processed.
// A path appears at most once; insertion is test-and-set.
type ActiveFileSet struct {
	m sync.Map
}

// NewActiveFileSet creates an empty set.
func NewActiveFileSet() *ActiveFileSet {
	return &ActiveFileSet{}
}

// TryAdd atomically inserts the path. Returns false if already present.
func (s *ActiveFileSet) TryAdd(path string) bool {
	_, loaded := s.m.LoadOrStore(path, struct{}{})
	return !loaded
}

// Remove releases the path so later events can re-admit it.
func (s *ActiveFileSet) Remove(path string) {
	s.m.Delete(path)
}

// Contains reports whether the path is active.
func (s *ActiveFileSet) Contains(path string) bool {
	_, ok := s.m.Load(path)
	return ok
}

// Len returns the number of active paths.
func (s *ActiveFileSet) Len() int {
	n := 0
	s.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CooldownMap records per-path completion times. A path completed within
// the horizon is suppressed from automatic re-admission; entries older
// than twice the horizon are garbage-collected on each polling tick.
type CooldownMap struct {
	m       sync.Map // path -> time.Time (UTC completion)
	horizon time.Duration
}

// NewCooldownMap creates a cooldown map with the given horizon.
func NewCooldownMap(horizon time.Duration) *CooldownMap {
	return &CooldownMap{horizon: horizon}
}

// Record marks the path as completed at t.
func (c *CooldownMap) Record(path string, t time.Time) {
	c.m.Store(path, t.UTC())
}

// InCooldown reports whether the path completed within the horizon.
func (c *CooldownMap) InCooldown(path string, now time.Time) bool {
	v, ok := c.m.Load(path)
	if !ok {
		return false
	}
	return now.UTC().Sub(v.(time.Time)) < c.horizon
}

// GC drops entries older than twice the horizon.
func (c *CooldownMap) GC(now time.Time) {
	limit := 2 * c.horizon
	c.m.Range(func(k, v any) bool {
		if now.UTC().Sub(v.(time.Time)) >= limit {
			c.m.Delete(k)
		}
		return true
	})
}

// Len returns the number of tracked paths.
func (c *CooldownMap) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
