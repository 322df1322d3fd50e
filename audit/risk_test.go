package audit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/root-sector/client-data-module-encryption/types"
)

func classifiedEvent(category string, severity types.Severity, actorID, origin string) *types.AuditEvent {
	event := &types.AuditEvent{
		EventType: category + ".test",
		ActorID:   actorID,
		Classification: types.Classification{
			Category: category,
			Severity: severity,
		},
		Context: make(map[string]string),
	}
	if origin != "" {
		event.Context[string(KeyOrigin)] = origin
	}
	return event
}

func TestScoreNewActorScoresHigher(t *testing.T) {
	scorer := NewRiskScorer(nil, []string{"10.0.0.1"})

	fresh := scorer.Score(classifiedEvent("encryption", types.SeverityLow, "actor-1", "10.0.0.1"), nil)

	// Build history past the trust threshold.
	for i := 0; i < 10; i++ {
		scorer.Score(classifiedEvent("encryption", types.SeverityLow, "actor-1", "10.0.0.1"), nil)
	}
	established := scorer.Score(classifiedEvent("encryption", types.SeverityLow, "actor-1", "10.0.0.1"), nil)

	assert.Greater(t, fresh, established)
}

func TestScorePrivilegedRoleAdjustment(t *testing.T) {
	scorer := NewRiskScorer([]string{"compliance-officer"}, []string{"10.0.0.1"})

	event := classifiedEvent("data_access", types.SeverityInfo, "", "10.0.0.1")
	plain := scorer.Score(event, []string{"support-agent"})
	privileged := scorer.Score(event, []string{"compliance-officer"})

	assert.Equal(t, plain+adjustPrivilegedActor, privileged)
}

func TestScoreUnknownOriginAdjustment(t *testing.T) {
	scorer := NewRiskScorer(nil, []string{"10.0.0.1"})

	known := scorer.Score(classifiedEvent("system", types.SeverityMedium, "", "10.0.0.1"), nil)
	unknown := scorer.Score(classifiedEvent("system", types.SeverityMedium, "", "203.0.113.9"), nil)
	missing := scorer.Score(classifiedEvent("system", types.SeverityMedium, "", ""), nil)

	assert.Equal(t, known+adjustUnknownOrigin, unknown)
	assert.Equal(t, unknown, missing)
}

func TestScoreCriticalSecurityEventsAlert(t *testing.T) {
	scorer := NewRiskScorer(nil, nil)

	event := classifiedEvent("security", types.SeverityCritical, "actor-1", "")
	score := scorer.Score(event, nil)

	assert.GreaterOrEqual(t, score, AlertThreshold,
		"critical security events must cross the alert threshold")
}

func TestScoreStaysWithinBounds(t *testing.T) {
	scorer := NewRiskScorer([]string{"admin"}, nil)

	for _, severity := range []types.Severity{
		types.SeverityInfo, types.SeverityLow, types.SeverityMedium,
		types.SeverityHigh, types.SeverityCritical,
	} {
		for category := range categoryBaseScores {
			event := classifiedEvent(category, severity, fmt.Sprintf("actor-%s", category), "")
			score := scorer.Score(event, []string{"admin"})
			assert.GreaterOrEqual(t, score, 0)
			assert.LessOrEqual(t, score, 100)
		}
	}
}
