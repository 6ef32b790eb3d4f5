package queue

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MetricsCache holds recent metrics snapshots keyed by queue id.
// It is bounded in size and every entry expires after ttl.
type MetricsCache struct {
	lru *expirable.LRU[string, Metrics]
}

func NewMetricsCache(size int, ttl time.Duration) *MetricsCache {
	return &MetricsCache{
		lru: expirable.NewLRU[string, Metrics](size, nil, ttl),
	}
}

func (mc *MetricsCache) Get(queueId string) (Metrics, bool) {
	return mc.lru.Get(queueId)
}

func (mc *MetricsCache) Add(queueId string, m Metrics) {
	mc.lru.Add(queueId, m)
}
