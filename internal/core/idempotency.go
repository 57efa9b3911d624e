package core

import (
	"EqualisLedger/internal/observability"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
)

// DBIdempotencyChecker looks a key up in the persisted event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker answers "was this command already sequenced?" from a
// bounded in-memory cache first and the event log second. Keys are scoped
// by event type, so two commands of different kinds may share a key.
type IdempotencyChecker struct {
	recent    *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:    NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    observability.NewLogger("idempotency"),
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the command was already sequenced.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)
	if ic.recent.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	seen, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	switch {
	case err != nil:
		// The unique index on the event log still catches a real duplicate
		// at persist time.
		ic.logger.Warn().Err(err).Str("key", key).Msg("event log dedup lookup failed")
		return false
	case seen:
		ic.recordDuplicate(eventType, "postgres")
		ic.recent.Add(key)
		return true
	}
	return false
}

// MarkProcessed remembers a sequenced command.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.recent.Add(compositeKey(eventType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// IdempotencyLRU is a bounded set of composite keys. It is not safe for
// concurrent use; only the core goroutine touches it.
type IdempotencyLRU struct {
	cache     *simplelru.LRU[string, struct{}]
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	l := &IdempotencyLRU{}
	// NewLRU only fails on a non-positive size.
	l.cache, _ = simplelru.NewLRU[string, struct{}](capacity, func(string, struct{}) { l.evictions++ })
	return l
}

// Contains reports membership and marks the key as recently used.
func (l *IdempotencyLRU) Contains(key string) bool {
	_, ok := l.cache.Get(key)
	return ok
}

// Add inserts or refreshes key, evicting the least recently used entry
// when full.
func (l *IdempotencyLRU) Add(key string) {
	l.cache.Add(key, struct{}{})
}

// WarmFromKeys loads keys oldest first, so the newest survive eviction.
func (l *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		l.cache.Add(key, struct{}{})
	}
}

// Keys lists cached keys oldest to newest, the order WarmFromKeys expects.
func (l *IdempotencyLRU) Keys() []string {
	return l.cache.Keys()
}

func (l *IdempotencyLRU) Size() int {
	return l.cache.Len()
}

func (l *IdempotencyLRU) Evictions() int64 {
	return l.evictions
}
