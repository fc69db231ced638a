package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldproof/firesync/internal/causal"
	"github.com/fieldproof/firesync/internal/cursor"
	"github.com/fieldproof/firesync/internal/document"
)

// MemoryStore keeps everything in process. It backs the dev profile and
// the test suites; semantics match the Postgres backend.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*document.Document
	idempotency map[string]IdempotencyRecord
	buildings   map[string]Building
	devices     map[string][]Device
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    map[string]*document.Document{},
		idempotency: map[string]IdempotencyRecord{},
		buildings:   map[string]Building{},
		devices:     map[string][]Device{},
	}
}

// SeedBuilding registers reference entities. Dev and test only; the
// production fixture data lives in the relational store.
func (s *MemoryStore) SeedBuilding(building Building, devices ...Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildings[building.ID] = building
	for _, device := range devices {
		device.BuildingID = building.ID
		s.devices[building.ID] = append(s.devices[building.ID], device)
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, doc *document.Document) error {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[doc.ID]; exists {
		return ErrAlreadyExists
	}
	s.sessions[doc.ID] = doc.Copy()
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Copy(), nil
}

func (s *MemoryStore) CompareAndSwapSession(ctx context.Context, id string, expected causal.Clock, doc *document.Document) (bool, error) {
	if doc == nil {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if current.Clock.Compare(expected) != causal.Equal {
		return false, nil
	}
	s.sessions[id] = doc.Copy()
	return true, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, buildingID string, after *cursor.Position, limit int) ([]*document.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*document.Document, 0, len(s.sessions))
	for _, doc := range s.sessions {
		if buildingID != "" && doc.BuildingID != buildingID {
			continue
		}
		if after != nil && !after.After(doc.CreatedAt, doc.ID) {
			continue
		}
		matched = append(matched, doc)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*document.Document, 0, len(matched))
	for _, doc := range matched {
		out = append(out, doc.Copy())
	}
	return out, nil
}

func (s *MemoryStore) ReserveIdempotency(ctx context.Context, key string, ttl time.Duration, now time.Time) (*IdempotencyRecord, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.idempotency[key]; ok && !record.Expired(now) {
		copied := record
		copied.Result = append([]byte(nil), record.Result...)
		return &copied, false, nil
	}
	s.idempotency[key] = IdempotencyRecord{
		Key:       key,
		Pending:   true,
		ExpiresAt: now.Add(ttl),
	}
	return nil, true, nil
}

func (s *MemoryStore) CompleteIdempotency(ctx context.Context, key string, result []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.idempotency[key]
	if !ok {
		return ErrNotFound
	}
	record.Pending = false
	record.Result = append([]byte(nil), result...)
	s.idempotency[key] = record
	return nil
}

func (s *MemoryStore) ReleaseIdempotency(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.idempotency[key]
	if !ok {
		return nil
	}
	if record.Pending {
		delete(s.idempotency, key)
	}
	return nil
}

func (s *MemoryStore) SweepIdempotency(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for key, record := range s.idempotency {
		if record.Expired(now) {
			delete(s.idempotency, key)
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) GetBuilding(ctx context.Context, id string) (Building, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	building, ok := s.buildings[id]
	if !ok {
		return Building{}, ErrNotFound
	}
	return building, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, buildingID string) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := s.devices[buildingID]
	out := make([]Device, len(devices))
	copy(out, devices)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
