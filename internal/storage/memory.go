package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"unitrade/internal/model"
)

type memoryStore struct {
	mu       sync.RWMutex
	products map[string]model.Product
}

// NewMemory returns a process-local store. Counters are lost on restart.
func NewMemory() Store {
	return &memoryStore{products: make(map[string]model.Product)}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Ping(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

func (m *memoryStore) CreateProduct(_ context.Context, p model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = nowUTC()
	}
	m.products[p.ID] = p
	return nil
}

func (m *memoryStore) GetProduct(_ context.Context, id string) (model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryStore) ListProducts(_ context.Context, filter ProductFilter) ([]model.Product, error) {
	m.mu.RLock()
	out := make([]model.Product, 0, len(m.products))
	for _, p := range m.products {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) CountProducts(context.Context) (model.ProductCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c model.ProductCounts
	for _, p := range m.products {
		c.Count++
		if p.Sold {
			c.Sold++
		}
	}
	c.Available = c.Count - c.Sold
	return c, nil
}

func (m *memoryStore) Locations(context.Context) ([]string, error) {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for _, p := range m.products {
		if p.Sold {
			continue
		}
		if loc := strings.TrimSpace(p.Location); loc != "" {
			seen[loc] = struct{}{}
		}
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for loc := range seen {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) SetSold(_ context.Context, id string, sold bool) (model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	p.Sold = sold
	m.products[id] = p
	return p, nil
}

func (m *memoryStore) DeleteProduct(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return ErrNotFound
	}
	delete(m.products, id)
	return nil
}

func (m *memoryStore) GetViews(_ context.Context, id string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return 0, ErrNotFound
	}
	return p.Views, nil
}

func (m *memoryStore) IncrementViews(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return 0, ErrNotFound
	}
	p.Views++
	m.products[id] = p
	return p.Views, nil
}
