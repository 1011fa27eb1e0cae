// Package timesync keeps an edge node's clock consistent with the
// cloud-authoritative time: a Clock holding the current offset and a
// background Service that refreshes it at a fixed interval.
package timesync

import (
	"sync"
	"time"
)

// DefaultStaleAfter is how long a sync result stays fresh.
const DefaultStaleAfter = 5 * time.Minute

// Clock tracks the offset between the local clock and authoritative
// time. Safe for concurrent use; only the sync service mutates it.
type Clock struct {
	mu         sync.RWMutex
	offset     time.Duration
	lastSync   time.Time
	staleAfter time.Duration

	now func() time.Time
}

// NewClock creates a clock that considers itself stale after the given
// duration without a successful sync. staleAfter <= 0 selects the
// default.
func NewClock(staleAfter time.Duration) *Clock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Clock{staleAfter: staleAfter, now: time.Now}
}

// Now returns the local time corrected by the synced offset.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset)
}

// Offset returns the current correction.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// LastSync returns when the clock last synced successfully, zero if
// never.
func (c *Clock) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// NeedsSync reports whether staleness since the last successful sync
// exceeds the threshold. A never-synced clock always needs sync.
func (c *Clock) NeedsSync() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastSync.IsZero() {
		return true
	}
	return c.now().Sub(c.lastSync) > c.staleAfter
}

// Apply records a successful sync: the new offset takes effect and the
// sync time is noted.
func (c *Clock) Apply(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	c.lastSync = c.now()
}
