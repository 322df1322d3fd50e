package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/client-data-module-encryption/types"
)

func storedEvent(id, eventType, actorID string, ts time.Time) *types.AuditEvent {
	return &types.AuditEvent{
		ID:            id,
		Timestamp:     ts,
		EventType:     eventType,
		CorrelationID: "corr-1",
		ActorID:       actorID,
		State:         types.EventStored,
		Classification: types.Classification{
			Category: "encryption", RetentionDays: 365,
		},
		Context: map[string]string{},
	}
}

func TestMemoryStoreInsertAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	event := storedEvent("evt-1", "encryption.decrypt", "officer-1", now)
	require.NoError(t, s.InsertEvents(ctx, []*types.AuditEvent{event}))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "encryption.decrypt", got.EventType)

	// Stored events are immutable; a second insert with the same ID is a
	// no-op rather than an overwrite.
	dupe := storedEvent("evt-1", "encryption.encrypt", "someone-else", now)
	require.NoError(t, s.InsertEvents(ctx, []*types.AuditEvent{dupe}))
	got, err = s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "encryption.decrypt", got.EventType)

	_, err = s.GetEvent(ctx, "evt-404")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	events := []*types.AuditEvent{
		storedEvent("evt-1", "encryption.decrypt", "officer-1", base),
		storedEvent("evt-2", "authz.access.denied", "agent-1", base.Add(time.Minute)),
		storedEvent("evt-3", "encryption.decrypt", "agent-1", base.Add(2*time.Minute)),
	}
	events[1].RiskScore = 80
	require.NoError(t, s.InsertEvents(ctx, events))

	byActor, err := s.QueryEvents(ctx, types.AuditFilter{ActorID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byType, err := s.QueryEvents(ctx, types.AuditFilter{EventType: "authz.access.denied"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "evt-2", byType[0].ID)

	byRisk, err := s.QueryEvents(ctx, types.AuditFilter{MinRiskScore: 75})
	require.NoError(t, err)
	require.Len(t, byRisk, 1)
	assert.Equal(t, "evt-2", byRisk[0].ID)

	windowed, err := s.QueryEvents(ctx, types.AuditFilter{
		From: base.Add(30 * time.Second),
		To:   base.Add(90 * time.Second),
	})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "evt-2", windowed[0].ID)

	limited, err := s.QueryEvents(ctx, types.AuditFilter{CorrelationID: "corr-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStoreQueryOrderedByTimestamp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// Inserted out of order on purpose.
	require.NoError(t, s.InsertEvents(ctx, []*types.AuditEvent{
		storedEvent("evt-3", "encryption.decrypt", "officer-1", base.Add(2*time.Minute)),
		storedEvent("evt-1", "encryption.decrypt", "officer-1", base),
		storedEvent("evt-2", "encryption.decrypt", "officer-1", base.Add(time.Minute)),
	}))

	out, err := s.QueryEvents(ctx, types.AuditFilter{CorrelationID: "corr-1"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, id := range []string{"evt-1", "evt-2", "evt-3"} {
		assert.Equal(t, id, out[i].ID)
	}
}

func TestMemoryStoreCorrelations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	node := &types.CorrelationNode{
		ID:         "corr-1",
		Operation:  "decrypt_record",
		FirstEvent: now.Add(-time.Minute),
		LastEvent:  now,
		EventCount: 3,
		Actors:     []string{"officer-1"},
	}
	require.NoError(t, s.UpsertCorrelation(ctx, node))

	got, err := s.GetCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.EventCount)

	listed, err := s.ListCorrelationsByActor(ctx, "officer-1", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	outside, err := s.ListCorrelationsByActor(ctx, "officer-1", now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, outside)

	_, err = s.GetCorrelation(ctx, "corr-404")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryStoreArchiveRespectsRetentionAndHolds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	expired := storedEvent("evt-old", "encryption.decrypt", "officer-1", now.AddDate(-2, 0, 0))
	expired.Classification.RetentionDays = 365
	expired.ResourceID = "person/1001"

	heldBack := storedEvent("evt-held", "encryption.decrypt", "officer-1", now.AddDate(-2, 0, 0))
	heldBack.Classification.RetentionDays = 365
	heldBack.ResourceID = "person/2002"

	fresh := storedEvent("evt-new", "encryption.decrypt", "officer-1", now)
	require.NoError(t, s.InsertEvents(ctx, []*types.AuditEvent{expired, heldBack, fresh}))

	archived, err := s.ArchiveEvents(ctx, now, func(resourceID string) bool {
		return resourceID == "person/2002"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	assert.Equal(t, 1, s.ArchivedCount())

	// Archived events leave the active set; held and fresh ones stay.
	_, err = s.GetEvent(ctx, "evt-old")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.GetEvent(ctx, "evt-held")
	assert.NoError(t, err)
	_, err = s.GetEvent(ctx, "evt-new")
	assert.NoError(t, err)
}

func TestMemoryStoreSurvivesLargeBatches(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	batch := make([]*types.AuditEvent, 0, 500)
	for i := 0; i < 500; i++ {
		batch = append(batch, storedEvent(
			fmt.Sprintf("evt-%04d", i), "encryption.encrypt", "officer-1",
			base.Add(time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, s.InsertEvents(ctx, batch))

	out, err := s.QueryEvents(ctx, types.AuditFilter{ActorID: "officer-1"})
	require.NoError(t, err)
	assert.Len(t, out, 500)
}
