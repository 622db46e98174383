package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/laoshu133/html2image-cdp/internal/storage"
)

// ShotStore keeps shot records in memory.
type ShotStore struct {
	mu    sync.RWMutex
	shots map[string]storage.ShotRecord
	order []string
}

// NewShotStore constructs a ShotStore.
func NewShotStore() *ShotStore {
	return &ShotStore{shots: make(map[string]storage.ShotRecord)}
}

// StoreShot saves rec. Ids are unique.
func (s *ShotStore) StoreShot(_ context.Context, rec storage.ShotRecord) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.shots[rec.ID]; exists {
		return errors.New("shot already exists")
	}
	s.shots[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

// Shot returns the record stored under id.
func (s *ShotStore) Shot(id string) (storage.ShotRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.shots[id]
	return rec, ok
}

// Shots returns every record in insertion order.
func (s *ShotStore) Shots() []storage.ShotRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.ShotRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.shots[id])
	}
	return out
}
