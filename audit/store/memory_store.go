// Package store provides audit event persistence backends.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/types"
)

// MemoryStore implements interfaces.AuditStore in memory. Used for tests and
// as the durable-enough fallback in single-process deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	events       map[string]*types.AuditEvent
	order        []string
	archive      []*types.AuditEvent
	correlations map[string]*types.CorrelationNode
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:       make(map[string]*types.AuditEvent),
		correlations: make(map[string]*types.CorrelationNode),
	}
}

// InsertEvents persists a batch of events.
func (s *MemoryStore) InsertEvents(ctx context.Context, events []*types.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range events {
		if _, exists := s.events[event.ID]; exists {
			continue // events are immutable once stored
		}
		clone := *event
		s.events[event.ID] = &clone
		s.order = append(s.order, event.ID)
	}
	return nil
}

// GetEvent retrieves one event by ID.
func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*types.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	clone := *event
	return &clone, nil
}

// QueryEvents retrieves events matching the filter, capture-ordered.
func (s *MemoryStore) QueryEvents(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.AuditEvent
	for _, id := range s.order {
		event := s.events[id]
		if !matches(event, filter) {
			continue
		}
		clone := *event
		out = append(out, &clone)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func matches(event *types.AuditEvent, filter types.AuditFilter) bool {
	if filter.CorrelationID != "" && event.CorrelationID != filter.CorrelationID {
		return false
	}
	if filter.EventType != "" && event.EventType != filter.EventType {
		return false
	}
	if filter.ActorID != "" && event.ActorID != filter.ActorID {
		return false
	}
	if filter.ResourceID != "" && event.ResourceID != filter.ResourceID {
		return false
	}
	if filter.MinRiskScore > 0 && event.RiskScore < filter.MinRiskScore {
		return false
	}
	if !filter.From.IsZero() && event.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && event.Timestamp.After(filter.To) {
		return false
	}
	return true
}

// UpsertCorrelation creates or updates a correlation node.
func (s *MemoryStore) UpsertCorrelation(ctx context.Context, node *types.CorrelationNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *node
	s.correlations[node.ID] = &clone
	return nil
}

// GetCorrelation retrieves a correlation node.
func (s *MemoryStore) GetCorrelation(ctx context.Context, id string) (*types.CorrelationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.correlations[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	clone := *node
	return &clone, nil
}

// ListCorrelationsByActor finds correlations touched by an actor within a
// time window.
func (s *MemoryStore) ListCorrelationsByActor(ctx context.Context, actorID string, from, to time.Time) ([]*types.CorrelationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.CorrelationNode
	for _, node := range s.correlations {
		if node.LastEvent.Before(from) || node.FirstEvent.After(to) {
			continue
		}
		for _, actor := range node.Actors {
			if actor == actorID {
				clone := *node
				out = append(out, &clone)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstEvent.Before(out[j].FirstEvent)
	})
	return out, nil
}

// ArchiveEvents moves events past their retention window into the archive.
// Held resources are skipped. Events are never deleted.
func (s *MemoryStore) ArchiveEvents(ctx context.Context, now time.Time, held func(resourceID string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived := 0
	remaining := s.order[:0]
	for _, id := range s.order {
		event := s.events[id]
		cutoff := event.Timestamp.AddDate(0, 0, event.Classification.RetentionDays)
		if now.Before(cutoff) || (held != nil && held(event.ResourceID)) {
			remaining = append(remaining, id)
			continue
		}
		event.State = types.EventArchived
		s.archive = append(s.archive, event)
		delete(s.events, id)
		archived++
	}
	s.order = remaining
	return archived, nil
}

// ArchivedCount reports how many events have been archived.
func (s *MemoryStore) ArchivedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.archive)
}

var _ interfaces.AuditStore = (*MemoryStore)(nil)
