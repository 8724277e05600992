package vectordb

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

type collection struct {
	Dimension int               `json:"dimension"`
	Records   map[string]Record `json:"records"`
}

func newCollection(dim int) *collection {
	return &collection{Dimension: dim, Records: make(map[string]Record)}
}

func (c *collection) upsert(name string, records []Record) error {
	for i := range records {
		if len(records[i].Vector) != c.Dimension {
			return fmt.Errorf(
				"%w: collection %s record %s has %d components, want %d",
				knowledge.ErrDimensionMismatch, name, records[i].ID, len(records[i].Vector), c.Dimension,
			)
		}
	}
	for i := range records {
		rec := records[i]
		rec.Vector = append([]float32(nil), rec.Vector...)
		c.Records[rec.ID] = rec
	}
	return nil
}

func (c *collection) search(name string, query []float32, opts SearchOptions) ([]Match, error) {
	if len(query) != c.Dimension {
		return nil, fmt.Errorf(
			"%w: collection %s query has %d components, want %d",
			knowledge.ErrDimensionMismatch, name, len(query), c.Dimension,
		)
	}
	matches := make([]Match, 0, len(c.Records))
	for id := range c.Records {
		rec := c.Records[id]
		if !matchesFilters(&rec, opts.Filters) {
			continue
		}
		score := cosine(query, rec.Vector)
		rec.Vector = nil
		matches = append(matches, Match{Record: rec, Score: score})
	}
	sortMatches(matches)
	if opts.TopK > 0 && len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}
	return matches, nil
}

func (c *collection) delete(filter Filter) int {
	ids := idSet(filter.IDs)
	removed := 0
	for id := range c.Records {
		rec := c.Records[id]
		if matchesDelete(&rec, filter, ids) {
			delete(c.Records, id)
			removed++
		}
	}
	return removed
}

// MemoryBackend keeps every collection in process memory.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]*collection)}
}

func (m *MemoryBackend) EnsureCollection(_ context.Context, name string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		return checkDimension(name, c.Dimension, dim)
	}
	m.collections[name] = newCollection(dim)
	return nil
}

func (m *MemoryBackend) Dimension(_ context.Context, name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[name]; ok {
		return c.Dimension, nil
	}
	return 0, nil
}

func (m *MemoryBackend) Upsert(_ context.Context, name string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("memory: collection %s does not exist", name)
	}
	return c.upsert(name, records)
}

func (m *MemoryBackend) Search(_ context.Context, name string, query []float32, opts SearchOptions) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, nil
	}
	return c.search(name, query, opts)
}

func (m *MemoryBackend) Delete(_ context.Context, name string, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		c.delete(filter)
	}
	return nil
}

func (m *MemoryBackend) Count(_ context.Context, name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[name]; ok {
		return len(c.Records), nil
	}
	return 0, nil
}

func (m *MemoryBackend) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryBackend) Close(context.Context) error {
	return nil
}

func checkDimension(name string, have, want int) error {
	if have == want {
		return nil
	}
	return fmt.Errorf(
		"%w: collection %s has dimension %d, got %d",
		knowledge.ErrDimensionMismatch, name, have, want,
	)
}
