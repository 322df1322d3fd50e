package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/types"
)

// defaultRateLimit is the sustained event rate per correlation above which
// the correlation is flagged as suspicious.
const (
	defaultRateLimit = rate.Limit(50) // events per second
	defaultRateBurst = 100
)

// CorrelationTracker maintains the correlation tree. Nodes reference their
// parent by ID only; traversal for analysis is read-only and reconstructed
// on demand. Updates follow a single-writer-per-correlation discipline via
// the tracker mutex; readers work on copies.
type CorrelationTracker struct {
	mu       sync.RWMutex
	nodes    map[string]*types.CorrelationNode
	limiters map[string]*rate.Limiter
	flagged  map[string][]types.Anomaly
	store    interfaces.AuditStore
	limit    rate.Limit
	burst    int
}

// NewCorrelationTracker creates a tracker backed by the given store.
func NewCorrelationTracker(store interfaces.AuditStore) *CorrelationTracker {
	return &CorrelationTracker{
		nodes:    make(map[string]*types.CorrelationNode),
		limiters: make(map[string]*rate.Limiter),
		flagged:  make(map[string][]types.Anomaly),
		store:    store,
		limit:    defaultRateLimit,
		burst:    defaultRateBurst,
	}
}

// Begin registers the start of an operation and returns its correlation ID.
// If parentID is empty a fresh root is created, otherwise the new node
// becomes a child of the parent.
func (t *CorrelationTracker) Begin(ctx context.Context, parentID, operation string) string {
	id := uuid.New().String()
	now := time.Now().UTC()
	node := &types.CorrelationNode{
		ID:         id,
		ParentID:   parentID,
		Operation:  operation,
		FirstEvent: now,
		LastEvent:  now,
	}

	t.mu.Lock()
	t.nodes[id] = node
	t.limiters[id] = rate.NewLimiter(t.limit, t.burst)
	t.mu.Unlock()

	if t.store != nil {
		_ = t.store.UpsertCorrelation(ctx, node)
	}
	return id
}

// Record threads one event onto its correlation node, creating the node on
// demand for externally supplied correlation IDs.
func (t *CorrelationTracker) Record(ctx context.Context, event *types.AuditEvent) {
	now := event.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	t.mu.Lock()
	node, ok := t.nodes[event.CorrelationID]
	if !ok {
		node = &types.CorrelationNode{
			ID:         event.CorrelationID,
			Operation:  event.EventType,
			FirstEvent: now,
		}
		t.nodes[event.CorrelationID] = node
		t.limiters[event.CorrelationID] = rate.NewLimiter(t.limit, t.burst)
	}
	node.EventCount++
	if now.After(node.LastEvent) {
		node.LastEvent = now
	}
	if event.ActorID != "" && !containsString(node.Actors, event.ActorID) {
		node.Actors = append(node.Actors, event.ActorID)
		if len(node.Actors) > 1 {
			t.flagLocked(event.CorrelationID, types.AnomalyMultipleActors,
				fmt.Sprintf("%d distinct actors within one correlation", len(node.Actors)))
		}
	}
	if limiter := t.limiters[event.CorrelationID]; limiter != nil && !limiter.Allow() {
		t.flagLocked(event.CorrelationID, types.AnomalyEventRate,
			"event rate above threshold within correlation span")
	}
	snapshot := *node
	t.mu.Unlock()

	if t.store != nil {
		_ = t.store.UpsertCorrelation(ctx, &snapshot)
	}
}

func (t *CorrelationTracker) flagLocked(correlationID, kind, detail string) {
	for _, a := range t.flagged[correlationID] {
		if a.Kind == kind {
			return
		}
	}
	t.flagged[correlationID] = append(t.flagged[correlationID], types.Anomaly{
		CorrelationID: correlationID,
		Kind:          kind,
		Detail:        detail,
		DetectedAt:    time.Now().UTC(),
	})
}

// Node returns a copy of a correlation node.
func (t *CorrelationTracker) Node(ctx context.Context, id string) (*types.CorrelationNode, error) {
	t.mu.RLock()
	node, ok := t.nodes[id]
	if ok {
		snapshot := *node
		t.mu.RUnlock()
		return &snapshot, nil
	}
	t.mu.RUnlock()

	if t.store != nil {
		return t.store.GetCorrelation(ctx, id)
	}
	return nil, types.ErrNotFound
}

// Anomalies returns the anomalies flagged for a correlation.
func (t *CorrelationTracker) Anomalies(id string) []*types.Anomaly {
	t.mu.RLock()
	defer t.mu.RUnlock()
	flagged := t.flagged[id]
	out := make([]*types.Anomaly, 0, len(flagged))
	for i := range flagged {
		a := flagged[i]
		out = append(out, &a)
	}
	return out
}

// Related finds correlations sharing the given actor within the window
// ending now.
func (t *CorrelationTracker) Related(ctx context.Context, actorID string, window time.Duration) ([]*types.CorrelationNode, error) {
	to := time.Now().UTC()
	from := to.Add(-window)
	if t.store != nil {
		return t.store.ListCorrelationsByActor(ctx, actorID, from, to)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*types.CorrelationNode
	for _, node := range t.nodes {
		if node.LastEvent.Before(from) || node.FirstEvent.After(to) {
			continue
		}
		if containsString(node.Actors, actorID) {
			snapshot := *node
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
