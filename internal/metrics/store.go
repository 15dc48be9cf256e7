package metrics

import (
	"sort"
	"sync"
	"time"

	"unitrade/internal/model"
)

// Store keeps per-product counted/suppressed tallies since process start.
type Store struct {
	mu        sync.RWMutex
	byProduct map[string]*model.ViewStats
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byProduct: make(map[string]*model.ViewStats),
		limit:     limit,
	}
}

func (s *Store) RecordCounted(productID string) {
	s.record(productID, true)
}

func (s *Store) RecordSuppressed(productID string) {
	s.record(productID, false)
}

func (s *Store) record(productID string, counted bool) {
	if productID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byProduct[productID]
	if !ok {
		st = &model.ViewStats{ProductID: productID}
		s.byProduct[productID] = st
	}
	if counted {
		st.Counted++
	} else {
		st.Suppressed++
	}
	st.UpdatedAt = time.Now().UTC()
	if len(s.byProduct) > s.limit {
		s.evictOldest(productID)
	}
}

func (s *Store) Get(productID string) (model.ViewStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byProduct[productID]
	if !ok {
		return model.ViewStats{}, false
	}
	return *st, true
}

// GetAll returns every tally, most recently updated first.
func (s *Store) GetAll() []model.ViewStats {
	s.mu.RLock()
	out := make([]model.ViewStats, 0, len(s.byProduct))
	for _, st := range s.byProduct {
		out = append(out, *st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// evictOldest drops the least recently updated product other than keep.
func (s *Store) evictOldest(keep string) {
	var oldestID string
	var oldest time.Time
	for id, st := range s.byProduct {
		if id == keep {
			continue
		}
		if oldestID == "" || st.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = st.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.byProduct, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byProduct = make(map[string]*model.ViewStats)
}
