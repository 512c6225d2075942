package executor

import (
	"sync"
	"time"
)

// Dedup suppresses repeat executions of the same key within a cooldown
// window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // key -> last admitted time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given cooldown. now may be nil.
func NewDedup(ttl time.Duration, now func() time.Time) *Dedup {
	if now == nil {
		now = time.Now
	}
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  now,
	}
}

// IsDuplicate reports whether key was admitted within the cooldown. A key
// that is not a duplicate is recorded as admitted now.
func (d *Dedup) IsDuplicate(key string) bool {
	if d.ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget drops key so the next attempt is admitted.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Cleanup removes expired entries and returns how many were dropped.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
