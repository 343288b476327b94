// Package dedup implements the request deduplication cache (C4): a
// bounded, TTL-expiring record of in-flight and completed req_ids, grounded
// on the original's RequestDeduplicator (deduplication.py) and restated
// atop hashicorp/golang-lru/v2 the way the teacher's corpus builds bounded
// in-memory caches, plus the single-flight begin/finish contract from
// infigaming-com-go-common's subscription dedupeCache.
package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// State is the outcome of a Check call.
type State int

const (
	// Fresh means the req_id has never been seen; the caller should Begin it.
	Fresh State = iota
	// Processing means another goroutine already has this req_id in flight.
	Processing
	// Completed means a cached result is available; Result returns it.
	Completed
	// Conflict means the req_id is known but was issued for a different
	// device/action pair. Check does not reject it, but Begin still refuses
	// to claim a req_id whose entry has not expired.
	Conflict
)

// record is the per-req_id cache entry.
type record struct {
	deviceID   string
	action     string
	processing bool
	failed     bool
	result     any
	errMsg     string
	expiresAt  time.Time
}

// Cache is a bounded, TTL-based, single-flight request deduplicator.
// Safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache *lru.Cache[string, *record]
}

// New builds a Cache holding at most capacity entries, each valid for ttl
// past its completion. An entry still processing has no expiry; only LRU
// eviction at capacity removes it.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	c, err := lru.New[string, *record](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{ttl: ttl, cache: c}, nil
}

func (c *Cache) expired(r *record) bool {
	return !r.expiresAt.IsZero() && time.Now().After(r.expiresAt)
}

// Check reports the current state of reqID for the given device/action pair
// without mutating it. Call Begin to claim a Fresh req_id for processing.
func (c *Cache) Check(reqID, deviceID, action string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.cache.Get(reqID)
	if !ok || c.expired(r) {
		return Fresh
	}
	if r.deviceID != deviceID || r.action != action {
		return Conflict
	}
	if r.processing {
		return Processing
	}
	return Completed
}

// Begin atomically claims reqID for processing. It returns false if another
// goroutine has already claimed it (Fresh -> Processing transition), mirroring
// mark_processing's test-and-set semantics.
func (c *Cache) Begin(reqID, deviceID, action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.cache.Get(reqID); ok && !c.expired(r) {
		return false
	}
	c.cache.Add(reqID, &record{deviceID: deviceID, action: action, processing: true})
	return true
}

// FinishOK records a successful result for reqID and starts its TTL clock.
// A no-op once the entry is already resolved (not processing), mirroring the
// store's idempotent-terminal check so the loser of an ack-vs-timeout race
// cannot clobber the winner's cached outcome.
func (c *Cache) FinishOK(reqID string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.cache.Get(reqID)
	if !ok || !r.processing {
		return
	}
	r.processing = false
	r.failed = false
	r.result = result
	r.expiresAt = time.Now().Add(c.ttl)
}

// FinishErr records a failed attempt for reqID, so a retry with the same
// req_id surfaces the earlier failure rather than replaying full processing.
// A no-op once the entry is already resolved, for the same reason as FinishOK.
func (c *Cache) FinishErr(reqID string, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.cache.Get(reqID)
	if !ok || !r.processing {
		return
	}
	r.processing = false
	r.failed = true
	r.errMsg = errMsg
	r.expiresAt = time.Now().Add(c.ttl)
}

// Result returns the cached outcome for a Completed req_id.
func (c *Cache) Result(reqID string) (result any, failed bool, errMsg string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, exists := c.cache.Get(reqID)
	if !exists || c.expired(r) || r.processing {
		return nil, false, "", false
	}
	return r.result, r.failed, r.errMsg, true
}

// Len reports the number of entries currently tracked, for diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
