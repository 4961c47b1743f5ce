package ingest

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultDedupeSize = 100000

// DedupeCache remembers keys for ttl so at-least-once sources do not count
// a redelivered message twice. At most size keys are held; the least
// recently seen key is evicted first.
type DedupeCache struct {
	ttl   time.Duration
	items *expirable.LRU[string, time.Time]
}

func NewDedupeCache(ttl time.Duration, size int) *DedupeCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if size <= 0 {
		size = defaultDedupeSize
	}
	return &DedupeCache{ttl: ttl, items: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

// Seen reports whether key was recorded within ttl of now, and records it
// otherwise.
func (d *DedupeCache) Seen(key string, now time.Time) bool {
	if ts, ok := d.items.Get(key); ok && now.Sub(ts) <= d.ttl {
		return true
	}
	d.items.Add(key, now)
	return false
}

func (d *DedupeCache) Len() int {
	return d.items.Len()
}
