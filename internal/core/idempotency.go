package core

import (
	"CTFLedger/internal/event"
	"CTFLedger/internal/observability"
	"container/list"
	"context"
	"fmt"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	metrics *observability.Metrics
}

// AppliedLookup is the store-side (tier 2) dedup lookup. The engine passes
// the event's own transaction so the answer is consistent with the writes.
type AppliedLookup interface {
	IsApplied(ctx context.Context, id event.EventID) (bool, error)
}

func NewIdempotencyChecker(capacity int, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		metrics: metrics,
	}
}

// SeenRecently is the tier 1 check only.
func (ic *IdempotencyChecker) SeenRecently(evt event.Event) bool {
	if ic.lru.Contains(evt.IdempotencyKey()) {
		ic.recordDuplicate(evt.EventType(), "lru")
		return true
	}
	return false
}

// IsDuplicate checks if event has been processed (two-tier lookup).
// Unlike the LRU, a store error is returned: guessing "not a duplicate"
// would apply the event twice.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, store AppliedLookup, evt event.Event) (bool, error) {
	if ic.SeenRecently(evt) {
		return true, nil
	}

	if store == nil {
		return false, nil
	}

	isDup, err := store.IsApplied(ctx, evt.Source().ID())
	if err != nil {
		return false, fmt.Errorf("idempotency lookup %s: %w", evt.IdempotencyKey(), err)
	}
	if isDup {
		ic.recordDuplicate(evt.EventType(), "store")
		// Add to LRU so we don't hit the store again
		ic.remember(evt.IdempotencyKey())
	}
	return isDup, nil
}

// MarkProcessed adds key to LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(idempotencyKey string) {
	ic.remember(idempotencyKey)
}

func (ic *IdempotencyChecker) remember(key string) {
	evicted := ic.lru.Add(key)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Reset forgets every hot key, then warms the LRU with keys that are still
// logged. Used after a rewind removed part of the log.
func (ic *IdempotencyChecker) Reset(keys []string) {
	ic.lru = NewIdempotencyLRU(ic.lru.capacity)
	ic.lru.WarmFromKeys(keys)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType event.EventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType.String(), tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; only accessed from the engine's writer goroutine.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
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

// Add inserts a key (or promotes if exists) and reports whether the
// oldest key was evicted to make room.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		return lru.evictOldest()
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() bool {
	elem := lru.lruList.Back()
	if elem == nil {
		return false
	}
	lru.lruList.Remove(elem)
	entry := elem.Value.(*lruEntry)
	delete(lru.cache, entry.key)
	return true
}

// WarmFromKeys loads keys in log order; the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}
