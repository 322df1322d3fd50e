package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/client-data-module-encryption/audit/store"
	"github.com/root-sector/client-data-module-encryption/types"
)

type capturedAlerts struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (c *capturedAlerts) Alert(event *types.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturedAlerts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *capturedAlerts) {
	t.Helper()

	backing := store.NewMemoryStore()
	alerts := &capturedAlerts{}
	engine := NewEngine(EngineConfig{
		QueueSize:     128,
		Workers:       1,
		BatchSize:     8,
		FlushInterval: 20 * time.Millisecond,
	}, backing, NewRiskScorer(nil, nil), alerts, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, engine.Close(ctx))
	})
	return engine, backing, alerts
}

func TestEnginePipelineStoresClassifiedEvents(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	actor := &types.ActorContext{ActorID: "agent-1", Roles: []string{"support-agent"}}
	event := NewEvent(EventTypeAccessDenied, actor)
	event = WithField(event, "person.taxId")
	event = WithReason(event, "role not permitted")
	require.NoError(t, engine.Submit(ctx, event))

	events, err := engine.Query(ctx, types.AuditFilter{ActorID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	stored := events[0]
	assert.Equal(t, types.EventStored, stored.State)
	assert.Equal(t, "authorization", stored.Classification.Category)
	assert.Equal(t, types.SeverityMedium, stored.Classification.Severity)
	assert.Positive(t, stored.RiskScore)
	assert.Equal(t, "person.taxId", stored.Context[string(KeyFieldPath)])
	require.NoError(t, VerifyIntegrityHash(stored))
}

func TestEngineRejectsUnknownEventType(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	event := NewEvent(EventTypeDecrypt, nil)
	event.EventType = "billing.invoice.created"
	err := engine.Submit(context.Background(), event)
	assert.ErrorIs(t, err, types.ErrUnknownEventType)
}

func TestEngineReconstructKeepsCaptureOrder(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	correlationID := engine.Tracker().Begin(ctx, "", "decrypt_record")
	actor := &types.ActorContext{ActorID: "officer-1", CorrelationID: correlationID}

	sequence := []string{EventTypeAccessGranted, EventTypeKeyAccess, EventTypeDecrypt}
	for i, eventType := range sequence {
		event := NewEvent(eventType, actor)
		event.Timestamp = event.Timestamp.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, engine.Submit(ctx, event))
	}

	trail, err := engine.Reconstruct(ctx, correlationID)
	require.NoError(t, err)
	require.Len(t, trail, len(sequence))
	for i, event := range trail {
		assert.Equal(t, sequence[i], event.EventType)
	}
}

func TestEngineHighRiskEventAlerts(t *testing.T) {
	engine, _, alerts := newTestEngine(t)
	ctx := context.Background()

	event := NewEvent(EventTypeIntegrityFailure, &types.ActorContext{ActorID: "unknown-actor"})
	event = WithField(event, "person.taxId")
	require.NoError(t, engine.Submit(ctx, event))
	require.NoError(t, engine.Flush(ctx))

	require.Eventually(t, func() bool { return alerts.count() > 0 },
		2*time.Second, 10*time.Millisecond, "critical event must raise an alert")

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	assert.GreaterOrEqual(t, alerts.events[0].RiskScore, AlertThreshold)
}

func TestEngineVerifyIntegrityEscalatesTampering(t *testing.T) {
	engine, backing, _ := newTestEngine(t)
	ctx := context.Background()

	// An event whose stored hash does not match its content, as if it had
	// been edited after the fact.
	tampered := NewEvent(EventTypeDecrypt, &types.ActorContext{ActorID: "officer-1"})
	tampered.Classification, _ = engine.Taxonomy().Classify(EventTypeDecrypt)
	tampered.State = types.EventStored
	tampered.IntegrityHash = ComputeIntegrityHash(tampered)
	tampered.ActorID = "someone-else"
	require.NoError(t, backing.InsertEvents(ctx, []*types.AuditEvent{tampered}))

	err := engine.VerifyIntegrity(ctx, tampered.ID)
	require.ErrorIs(t, err, types.ErrIntegrityViolation)

	// The mismatch itself lands in the trail as a tampering event.
	events, err := engine.Query(ctx, types.AuditFilter{EventType: EventTypeTamperingDetected})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, tampered.ID, events[0].ResourceID)
	assert.Equal(t, tampered.CorrelationID, events[0].CorrelationID)
}

func TestEngineVerifyIntegrityPassesForUntouchedEvents(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	event := NewEvent(EventTypeEncrypt, &types.ActorContext{ActorID: "officer-1"})
	require.NoError(t, engine.Submit(ctx, event))
	require.NoError(t, engine.Flush(ctx))

	assert.NoError(t, engine.VerifyIntegrity(ctx, event.ID))
}

func TestEngineDetectAnomaliesAcrossActors(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	correlationID := engine.Tracker().Begin(ctx, "", "support_lookup")
	for _, actorID := range []string{"agent-1", "agent-2"} {
		event := NewEvent(EventTypeAccessDenied, &types.ActorContext{
			ActorID: actorID, CorrelationID: correlationID,
		})
		event = WithField(event, "person.taxId")
		require.NoError(t, engine.Submit(ctx, event))
	}

	anomalies, err := engine.DetectAnomalies(ctx, correlationID)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, types.AnomalyMultipleActors, anomalies[0].Kind)
}

func TestEngineRelatedCorrelations(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for _, op := range []string{"decrypt_record", "encrypt_record"} {
		id := engine.Tracker().Begin(ctx, "", op)
		ids = append(ids, id)
		event := NewEvent(EventTypeDecrypt, &types.ActorContext{
			ActorID: "officer-1", CorrelationID: id,
		})
		require.NoError(t, engine.Submit(ctx, event))
	}
	require.NoError(t, engine.Flush(ctx))

	related, err := engine.RelatedCorrelations(ctx, "officer-1", time.Hour)
	require.NoError(t, err)
	require.Len(t, related, 2)
	assert.ElementsMatch(t, ids, []string{related[0].ID, related[1].ID})
}
