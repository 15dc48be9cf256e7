package activity

import (
	"sync"
	"time"

	"unitrade/internal/model"
)

// Store is a bounded ring of the most recent counted views.
type Store struct {
	mu    sync.RWMutex
	buf   []model.ViewEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.ViewEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

// List returns up to limit of the newest events, oldest first.
func (s *Store) List(limit int) []model.ViewEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.ViewEvent, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.ViewEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ViewEvent, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) ForProduct(productID string, limit int) []model.ViewEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ViewEvent, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].ProductID != productID {
			continue
		}
		out = append(out, s.buf[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
