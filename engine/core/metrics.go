package core

import (
	"fmt"
	"sync/atomic"
)

// CacheMetrics counts what the descriptor cache did. All fields are safe for
// concurrent use.
type CacheMetrics struct {
	LayoutHits       atomic.Uint64
	LayoutMisses     atomic.Uint64
	SetHits          atomic.Uint64
	SetMisses        atomic.Uint64
	PoolsCreated     atomic.Uint64
	AllocRetries     atomic.Uint64
	SetsEvicted      atomic.Uint64
	DescriptorWrites atomic.Uint64
}

type MetricsSnapshot struct {
	LayoutHits       uint64
	LayoutMisses     uint64
	SetHits          uint64
	SetMisses        uint64
	PoolsCreated     uint64
	AllocRetries     uint64
	SetsEvicted      uint64
	DescriptorWrites uint64
}

func (m *CacheMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		LayoutHits:       m.LayoutHits.Load(),
		LayoutMisses:     m.LayoutMisses.Load(),
		SetHits:          m.SetHits.Load(),
		SetMisses:        m.SetMisses.Load(),
		PoolsCreated:     m.PoolsCreated.Load(),
		AllocRetries:     m.AllocRetries.Load(),
		SetsEvicted:      m.SetsEvicted.Load(),
		DescriptorWrites: m.DescriptorWrites.Load(),
	}
}

// SetHitRate is the fraction of set requests served from the cache.
func (s MetricsSnapshot) SetHitRate() float64 {
	total := s.SetHits + s.SetMisses
	if total == 0 {
		return 0
	}
	return float64(s.SetHits) / float64(total)
}

func (s MetricsSnapshot) String() string {
	return fmt.Sprintf("layouts hit/miss=%d/%d sets hit/miss=%d/%d (%.1f%%) pools=%d retries=%d evicted=%d writes=%d",
		s.LayoutHits, s.LayoutMisses, s.SetHits, s.SetMisses, s.SetHitRate()*100,
		s.PoolsCreated, s.AllocRetries, s.SetsEvicted, s.DescriptorWrites)
}
