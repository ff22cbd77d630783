package core

import (
	"container/list"
	"fmt"
	"time"

	"marginledger/internal/observability"
)

// OpDeduper implements two-tier operation deduplication keyed by the
// client-supplied operation ID.
type OpDeduper struct {
	// Tier 1: In-memory LRU
	lru *dedupLRU

	// Tier 2: Postgres (injected via interface). Nil until the startup
	// replay finishes: every logged event reads as already processed, so the
	// event-log tier must stay detached while the log is fed back through
	// the engine.
	dbChecker DBDedupChecker

	metrics           *observability.Metrics
	reportedEvictions int64
}

// DBDedupChecker is the interface for the Postgres dedup lookup.
type DBDedupChecker interface {
	IsDuplicate(opKind string, opID string) (bool, error)
}

func NewOpDeduper(capacity int, dbChecker DBDedupChecker, metrics *observability.Metrics) *OpDeduper {
	return &OpDeduper{
		lru:       newDedupLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// AttachDB plugs in the Postgres tier. Called once startup replay has
// re-applied the logged events.
func (d *OpDeduper) AttachDB(dbChecker DBDedupChecker) {
	d.dbChecker = dbChecker
}

// IsDuplicate checks if the operation has been processed (two-tier lookup).
func (d *OpDeduper) IsDuplicate(opKind string, opID string) bool {
	compositeKey := fmt.Sprintf("%s:%s", opKind, opID)

	// Tier 1: LRU check (hot path)
	if d.lru.Contains(compositeKey) {
		if d.metrics != nil {
			d.metrics.DedupDuplicates.WithLabelValues(opKind, "lru").Inc()
		}
		return true
	}

	// Tier 2: Postgres check (cold path)
	if d.dbChecker != nil {
		start := time.Now()
		isDup, err := d.dbChecker.IsDuplicate(opKind, opID)
		if d.metrics != nil {
			d.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			// Conservative: a DB issue must not block operation processing,
			// so assume not duplicate.
			return false
		}

		if isDup {
			// Add to LRU so we don't hit the DB again
			d.lru.Add(compositeKey)
			if d.metrics != nil {
				d.metrics.DedupDuplicates.WithLabelValues(opKind, "postgres").Inc()
			}
			return true
		}
	}

	return false
}

// MarkProcessed adds the operation to the LRU after successful processing.
func (d *OpDeduper) MarkProcessed(opKind string, opID string) {
	compositeKey := fmt.Sprintf("%s:%s", opKind, opID)
	d.lru.Add(compositeKey)

	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
		if delta := d.lru.Evictions() - d.reportedEvictions; delta > 0 {
			d.metrics.DedupLRUEvictions.Add(float64(delta))
			d.reportedEvictions = d.lru.Evictions()
		}
	}
}

// Warm loads a batch of composite keys into the LRU (startup recovery,
// avoids cold-path DB lookups for recently processed operations).
func (d *OpDeduper) Warm(keys []string) {
	d.lru.Warm(keys)
}

// Keys returns the current LRU contents (for snapshots).
func (d *OpDeduper) Keys() []string {
	return d.lru.Keys()
}

// Size returns the current LRU occupancy.
func (d *OpDeduper) Size() int {
	return d.lru.Size()
}

// --- LRU Implementation ---

// dedupLRU is an LRU cache for operation keys.
// Not thread-safe; only accessed from the single-threaded engine.
type dedupLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *dedupLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *dedupLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *dedupLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Warm loads keys without promoting existing entries.
func (lru *dedupLRU) Warm(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		entry := &lruEntry{key: key}
		elem := lru.lruList.PushFront(entry)
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// Keys returns all cached composite keys, most recent first.
func (lru *dedupLRU) Keys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for elem := lru.lruList.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}

// Size returns current number of entries
func (lru *dedupLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *dedupLRU) Evictions() int64 {
	return lru.evictions
}
