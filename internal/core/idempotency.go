package core

import (
	"ConfidentialPerp/internal/observability"
	"container/list"
	"context"
)

// IdempotencyChecker implements two-tier request deduplication: an
// in-memory LRU in front of the persisted event log.
// Not thread-safe; the Dispatcher serializes access.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics

	tier2Errors int64
}

// DBIdempotencyChecker looks a request id up in the event log
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate checks whether a request has already been applied. A DB
// error counts as "not a duplicate" so that a Postgres outage does not
// block command processing.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, command CommandType, requestID string) bool {
	if ic.lru.Contains(requestID) {
		ic.recordDuplicate(command, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ctx, requestID)
		if err != nil {
			ic.tier2Errors++
			return false
		}
		if isDup {
			ic.recordDuplicate(command, "postgres")
			ic.lru.Add(requestID)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(requestID string) {
	ic.lru.Add(requestID)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Warm loads recently applied request ids, e.g. from the event log on start
func (ic *IdempotencyChecker) Warm(requestIDs []string) {
	ic.lru.WarmFromKeys(requestIDs)
}

func (ic *IdempotencyChecker) Tier2Errors() int64 {
	return ic.tier2Errors
}

func (ic *IdempotencyChecker) recordDuplicate(command CommandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(string(command), tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of request ids.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
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

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys oldest first, so the newest end up most recent
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
