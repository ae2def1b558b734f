package cache

import (
	"sync/atomic"
)

// HitRecorder receives every lookup outcome, labelled by cache name.
type HitRecorder interface {
	RecordCacheHit(cacheType string, hit bool)
}

type Metrics struct {
	name     string
	recorder HitRecorder
	hits     atomic.Uint64
	misses   atomic.Uint64
}

func NewMetrics(name string, recorder HitRecorder) *Metrics {
	return &Metrics{name: name, recorder: recorder}
}

func (m *Metrics) RecordHit() {
	m.hits.Add(1)
	if m.recorder != nil {
		m.recorder.RecordCacheHit(m.name, true)
	}
}

func (m *Metrics) RecordMiss() {
	m.misses.Add(1)
	if m.recorder != nil {
		m.recorder.RecordCacheHit(m.name, false)
	}
}

func (m *Metrics) GetStats() (hits, misses uint64, hitRate float64) {
	h := m.hits.Load()
	miss := m.misses.Load()
	total := h + miss

	if total == 0 {
		return h, miss, 0.0
	}

	return h, miss, float64(h) / float64(total)
}
