package token

import (
	"sync"
	"time"
)

// MemoryStore keeps token records in-memory. It is safe for concurrent use
// and primarily intended for development or single-instance deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]Record
	byVerifier map[string]string
}

// NewMemoryStore constructs an in-memory store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]Record),
		byVerifier: make(map[string]string),
	}
}

// Insert stores a new token record.
func (s *MemoryStore) Insert(record Record) error {
	s.mu.Lock()
	s.records[record.ID] = record
	s.byVerifier[record.Verifier] = record.ID
	s.mu.Unlock()
	return nil
}

// Update replaces a stored token record.
func (s *MemoryStore) Update(record Record) error {
	s.mu.Lock()
	if existing, ok := s.records[record.ID]; ok && existing.Verifier != record.Verifier {
		delete(s.byVerifier, existing.Verifier)
	}
	s.records[record.ID] = record
	s.byVerifier[record.Verifier] = record.ID
	s.mu.Unlock()
	return nil
}

// Delete removes a token record by ID.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	if record, ok := s.records[id]; ok {
		delete(s.byVerifier, record.Verifier)
		delete(s.records, id)
	}
	s.mu.Unlock()
	return nil
}

// GetByID fetches a token record by ID.
func (s *MemoryStore) GetByID(id string) (Record, bool, error) {
	s.mu.RLock()
	record, ok := s.records[id]
	s.mu.RUnlock()
	return record, ok, nil
}

// GetByVerifier fetches a token record by its secret digest.
func (s *MemoryStore) GetByVerifier(verifier string) (Record, bool, error) {
	s.mu.RLock()
	id, ok := s.byVerifier[verifier]
	var record Record
	if ok {
		record, ok = s.records[id]
	}
	s.mu.RUnlock()
	return record, ok, nil
}

// ListByOwner returns every token owned by the user.
func (s *MemoryStore) ListByOwner(ownerID string) ([]Record, error) {
	s.mu.RLock()
	records := make([]Record, 0)
	for _, record := range s.records {
		if record.OwnerID == ownerID {
			records = append(records, record)
		}
	}
	s.mu.RUnlock()
	return records, nil
}

// PurgeExpired removes tokens whose expiry has passed.
func (s *MemoryStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for id, record := range s.records {
		if record.ExpiresAt != nil && now.After(*record.ExpiresAt) {
			delete(s.byVerifier, record.Verifier)
			delete(s.records, id)
		}
	}
	s.mu.Unlock()
	return nil
}
