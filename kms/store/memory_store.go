// Package store provides key version persistence backends.
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

// MemoryStore is an in-memory key version store for tests and single-process
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]map[string]*types.KeyVersion // fieldPath -> versionID -> version
}

// NewMemoryStore creates an empty in-memory key version store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]map[string]*types.KeyVersion),
	}
}

var _ interfaces.KeyVersionStore = (*MemoryStore)(nil)

// Save inserts or replaces a key version.
func (s *MemoryStore) Save(_ context.Context, version *types.KeyVersion) error {
	if version == nil || version.ID == "" || version.FieldPath == "" {
		return fmt.Errorf("key version requires an ID and field path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	field, ok := s.versions[version.FieldPath]
	if !ok {
		field = make(map[string]*types.KeyVersion)
		s.versions[version.FieldPath] = field
	}

	clone := *version
	field[version.ID] = &clone
	return nil
}

// Get retrieves a version by field path and version ID.
func (s *MemoryStore) Get(_ context.Context, fieldPath, versionID string) (*types.KeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if field, ok := s.versions[fieldPath]; ok {
		if version, ok := field[versionID]; ok {
			clone := *version
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("version %s for field %s: %w", versionID, fieldPath, types.ErrKeyVersionNotFound)
}

// GetActive retrieves the active version for a field. When more than one
// version is momentarily active during a swap, the highest sequence wins.
func (s *MemoryStore) GetActive(_ context.Context, fieldPath string) (*types.KeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active *types.KeyVersion
	for _, version := range s.versions[fieldPath] {
		if version.Status != types.KeyStatusActive {
			continue
		}
		if active == nil || version.Sequence > active.Sequence {
			active = version
		}
	}
	if active == nil {
		return nil, fmt.Errorf("no active version for field %s: %w", fieldPath, types.ErrKeyVersionNotFound)
	}

	clone := *active
	return &clone, nil
}

// List returns all versions for a field, newest first.
func (s *MemoryStore) List(_ context.Context, fieldPath string) ([]*types.KeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.KeyVersion, 0, len(s.versions[fieldPath]))
	for _, version := range s.versions[fieldPath] {
		clone := *version
		result = append(result, &clone)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence > result[j].Sequence
	})
	return result, nil
}

// UpdateStatus transitions a version's lifecycle status.
func (s *MemoryStore) UpdateStatus(_ context.Context, fieldPath, versionID string, status types.KeyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	field, ok := s.versions[fieldPath]
	if !ok {
		return fmt.Errorf("version %s for field %s: %w", versionID, fieldPath, types.ErrKeyVersionNotFound)
	}
	version, ok := field[versionID]
	if !ok {
		return fmt.Errorf("version %s for field %s: %w", versionID, fieldPath, types.ErrKeyVersionNotFound)
	}

	version.Status = status
	switch status {
	case types.KeyStatusRetired, types.KeyStatusRolledBack:
		version.RetiredAt = time.Now().UTC()
	case types.KeyStatusActive:
		version.ActivatedAt = time.Now().UTC()
	}
	return nil
}
