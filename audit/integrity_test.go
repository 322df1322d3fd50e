package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/client-data-module-encryption/types"
)

func hashableEvent() *types.AuditEvent {
	return &types.AuditEvent{
		ID:            "evt-1",
		Timestamp:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		EventType:     EventTypeDecrypt,
		CorrelationID: "corr-1",
		ActorID:       "officer-1",
		ResourceType:  "field",
		ResourceID:    "person/1001",
		Classification: types.Classification{
			Category: "encryption", Subcategory: "decrypt",
			Severity: types.SeverityLow, ComplianceRelevant: true,
			RetentionDays: 365, PrivacyImpact: PrivacyImpactMedium,
		},
		RiskScore: 42,
		Context: map[string]string{
			"fieldPath":  "person.taxId",
			"keyVersion": "v-1",
		},
		References: []string{"evt-0"},
	}
}

func TestIntegrityHashDeterministic(t *testing.T) {
	event := hashableEvent()
	first := ComputeIntegrityHash(event)
	assert.Equal(t, first, ComputeIntegrityHash(event))
	assert.Len(t, first, 64)

	// Context map iteration order must not affect the hash.
	other := hashableEvent()
	other.Context = map[string]string{
		"keyVersion": "v-1",
		"fieldPath":  "person.taxId",
	}
	assert.Equal(t, first, ComputeIntegrityHash(other))
}

func TestIntegrityHashCoversEveryField(t *testing.T) {
	base := ComputeIntegrityHash(hashableEvent())

	mutations := map[string]func(*types.AuditEvent){
		"id":         func(e *types.AuditEvent) { e.ID = "evt-2" },
		"timestamp":  func(e *types.AuditEvent) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) },
		"event type": func(e *types.AuditEvent) { e.EventType = EventTypeEncrypt },
		"actor":      func(e *types.AuditEvent) { e.ActorID = "intruder" },
		"resource":   func(e *types.AuditEvent) { e.ResourceID = "person/9999" },
		"risk score": func(e *types.AuditEvent) { e.RiskScore = 0 },
		"severity": func(e *types.AuditEvent) {
			e.Classification.Severity = types.SeverityInfo
		},
		"context value": func(e *types.AuditEvent) {
			e.Context["fieldPath"] = "person.email"
		},
		"reference": func(e *types.AuditEvent) { e.References[0] = "evt-9" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			event := hashableEvent()
			mutate(event)
			assert.NotEqual(t, base, ComputeIntegrityHash(event))
		})
	}
}

func TestVerifyIntegrityHash(t *testing.T) {
	event := hashableEvent()
	event.IntegrityHash = ComputeIntegrityHash(event)
	require.NoError(t, VerifyIntegrityHash(event))

	event.ActorID = "intruder"
	assert.ErrorIs(t, VerifyIntegrityHash(event), types.ErrIntegrityViolation)
}
