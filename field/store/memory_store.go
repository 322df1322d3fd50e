// Package store provides envelope persistence backends.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/types"
)

// MemoryStore is an in-memory envelope store for tests and single-process
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	envelopes map[string]*types.StoredEnvelope
}

// NewMemoryStore creates an empty in-memory envelope store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		envelopes: make(map[string]*types.StoredEnvelope),
	}
}

var _ interfaces.EnvelopeStore = (*MemoryStore)(nil)

// Save inserts or replaces a stored envelope.
func (s *MemoryStore) Save(_ context.Context, env *types.StoredEnvelope) error {
	if env == nil || env.ID == "" || env.Envelope == nil {
		return fmt.Errorf("stored envelope requires an ID and payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *env
	payload := *env.Envelope
	clone.Envelope = &payload
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = time.Now().UTC()
	}
	s.envelopes[env.ID] = &clone
	return nil
}

// Get retrieves a stored envelope by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*types.StoredEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envelopes[id]
	if !ok {
		return nil, fmt.Errorf("envelope %s: %w", id, types.ErrNotFound)
	}

	clone := *env
	payload := *env.Envelope
	clone.Envelope = &payload
	return &clone, nil
}

// ListByKeyVersion streams envelopes referencing a key version in ID order,
// starting after afterID.
func (s *MemoryStore) ListByKeyVersion(_ context.Context, fieldPath, versionID, afterID string, batchSize int) ([]*types.StoredEnvelope, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}

	s.mu.RLock()
	matching := make([]*types.StoredEnvelope, 0)
	for _, env := range s.envelopes {
		if env.Envelope.FieldPath != fieldPath || env.Envelope.KeyVersion != versionID {
			continue
		}
		if env.ID <= afterID {
			continue
		}
		clone := *env
		payload := *env.Envelope
		clone.Envelope = &payload
		matching = append(matching, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(matching, func(i, j int) bool { return matching[i].ID < matching[j].ID })
	if len(matching) > batchSize {
		matching = matching[:batchSize]
	}
	return matching, nil
}

// CountByKeyVersion counts envelopes referencing a key version.
func (s *MemoryStore) CountByKeyVersion(_ context.Context, fieldPath, versionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, env := range s.envelopes {
		if env.Envelope.FieldPath == fieldPath && env.Envelope.KeyVersion == versionID {
			count++
		}
	}
	return count, nil
}

// Replace supersedes a stored envelope's payload.
func (s *MemoryStore) Replace(_ context.Context, id string, env *types.EncryptedFieldEnvelope) error {
	if env == nil {
		return fmt.Errorf("replacement envelope is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.envelopes[id]
	if !ok {
		return fmt.Errorf("envelope %s: %w", id, types.ErrNotFound)
	}

	payload := *env
	stored.Envelope = &payload
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes a stored envelope.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.envelopes[id]; !ok {
		return fmt.Errorf("envelope %s: %w", id, types.ErrNotFound)
	}
	delete(s.envelopes, id)
	return nil
}
