package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/commune/realtime/internal/delivery"
)

// MemoryStore is an in-memory Store used in tests and single-node
// development. It mirrors the Postgres store's semantics, including the
// conditional status update.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	nextSeq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create inserts the record and assigns the next sequence number.
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	rec.Seq = s.nextSeq
	if rec.Status == "" {
		rec.Status = delivery.StatusSent
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

// Get returns a copy of the record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// UpdateStatus performs a compare-and-set on the record's status.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to delivery.Status) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != from {
		return nil, ErrStatusConflict
	}
	rec.Status = to
	rec.UpdatedAt = time.Now()
	clone := *rec
	return &clone, nil
}

// ListSince returns channel records with Seq > cursor in ascending order.
func (s *MemoryStore) ListSince(_ context.Context, channelID string, cursor int64, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range s.records {
		if rec.Channel == channelID && rec.Seq > cursor {
			out = append(out, *rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
