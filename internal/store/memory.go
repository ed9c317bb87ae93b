package store

import (
	"context"
	"slices"
	"sync"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/model"
)

// MemoryMirror implements Mirror with in-memory maps. Used for testing
// and development.
type MemoryMirror struct {
	mu     sync.RWMutex
	shards map[string]*History
}

// NewMemoryMirror creates an empty in-memory mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{shards: make(map[string]*History)}
}

func (m *MemoryMirror) Append(_ context.Context, shard string, records map[itemstring.ItemString]model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.shards[shard]
	if !ok {
		h = NewHistory()
		m.shards[shard] = h
	}
	// Each record is merged under its own timestamp.
	for item, r := range records {
		h.Merge(map[itemstring.ItemString]model.Record{item: r}, r.Timestamp)
	}
	return nil
}

func (m *MemoryMirror) Series(_ context.Context, shard string, item itemstring.ItemString) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.shards[shard]
	if !ok {
		return nil, nil
	}
	return slices.Clone(h.series[item]), nil
}
