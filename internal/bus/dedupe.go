package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL-based deduplication cache for inbound messages.
//
// IsDuplicate() returns true if the key has been seen before.
// Entries expire after TTL and are pruned lazily on each check.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]int64 // key → unix millis
	ttl     time.Duration
	maxSize int
}

// Dedup window defaults: entries live 20 minutes, at most 5000 keys.
const (
	DefaultDedupeTTL     = 20 * time.Minute
	DefaultDedupeMaxSize = 5000
)

// NewDedupeCache creates a new dedup cache.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultDedupeMaxSize
	}
	return &DedupeCache{
		entries: make(map[string]int64, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// IsDuplicate returns true if key was already seen within the TTL window.
// If not a duplicate, records the key for future checks.
func (d *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now().UnixMilli()
	cutoff := now - d.ttl.Milliseconds()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Check if key exists and is still valid
	if ts, ok := d.entries[key]; ok && ts >= cutoff {
		return true
	}

	// Prune expired entries
	d.cleanup(cutoff)

	// Record this key
	d.entries[key] = now
	return false
}

// Record stores a key without checking for duplication. Used by warm-up
// passes that must observe existing backlog without dispatching it.
func (d *DedupeCache) Record(key string) {
	now := time.Now().UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cleanup(now - d.ttl.Milliseconds())
	d.entries[key] = now
}

// Len returns the number of live entries (expired entries may be counted
// until the next cleanup).
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// cleanup removes expired entries and evicts oldest if over maxSize.
// Must be called with d.mu held.
func (d *DedupeCache) cleanup(cutoff int64) {
	// Remove expired
	for k, ts := range d.entries {
		if ts < cutoff {
			delete(d.entries, k)
		}
	}

	// Evict if still over max (map iteration is random, but sufficient)
	if d.maxSize > 0 && len(d.entries) >= d.maxSize {
		excess := len(d.entries) - d.maxSize + 1
		for k := range d.entries {
			if excess <= 0 {
				break
			}
			delete(d.entries, k)
			excess--
		}
	}
}
