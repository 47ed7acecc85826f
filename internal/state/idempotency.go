package state

import (
	"container/list"
	"context"
	"fmt"

	"fassetbots/internal/observability"
)

// IdempotencyChecker implements two-tier deduplication of applied events
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU of event_type:tx_hash:log_index keys
	lru *IdempotencyLRU

	// Tier 2: event archive (injected via interface, optional)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for the archive dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// KeySource lists the composite keys of recently applied events, oldest first.
type KeySource interface {
	RecentKeys(ctx context.Context, limit int) ([]string, error)
}

// NewIdempotencyChecker creates the checker. metrics may be nil.
func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate checks if the event has been applied (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate("lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// archive unavailable: fall through and let the state guards decide
			if ic.metrics != nil {
				ic.metrics.IdempotencyArchiveErrors.Inc()
			}
			return false
		}
		if isDup {
			ic.recordDuplicate("archive")
			ic.add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful application
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.add(compositeKey(eventType, idempotencyKey))
}

// Warm loads composite keys, oldest first, into the LRU.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.add(key)
	}
}

// Reset forgets the LRU tier; used when tracked state is rebuilt from chain.
func (ic *IdempotencyChecker) Reset() {
	ic.lru = NewIdempotencyLRU(ic.lru.capacity)
	if ic.metrics != nil {
		ic.metrics.IdempotencyKeys.Set(0)
	}
}

func (ic *IdempotencyChecker) add(key string) {
	evicted := ic.lru.Add(key)
	if ic.metrics == nil {
		return
	}
	if evicted {
		ic.metrics.IdempotencyEvictions.Inc()
	}
	ic.metrics.IdempotencyKeys.Set(float64(ic.lru.Len()))
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyHits.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; guarded by the TrackedState apply lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists) and reports whether the oldest
// key was evicted to make room.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() <= lru.capacity {
		return false
	}
	elem := lru.lruList.Back()
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	return true
}

func (lru *IdempotencyLRU) Len() int {
	return lru.lruList.Len()
}
