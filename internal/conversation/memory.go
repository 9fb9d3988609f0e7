package conversation

import (
	"context"
	"sort"
	"sync"
)

// Lister is implemented by repositories that can enumerate contexts.
type Lister interface {
	List(ctx context.Context) ([]*Context, error)
}

// MemoryRepository keeps contexts in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]*Context
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*Context)}
}

func (r *MemoryRepository) Load(_ context.Context, id string) (*Context, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

func (r *MemoryRepository) Save(_ context.Context, c *Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[c.ID] = c.Clone()
	return nil
}

// List returns copies of all contexts ordered by id.
func (r *MemoryRepository) List(_ context.Context) ([]*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountByMode tallies contexts per mode.
func CountByMode(ctx context.Context, l Lister) (map[Mode]int, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[Mode]int{}
	for _, c := range all {
		counts[c.Mode]++
	}
	return counts, nil
}
