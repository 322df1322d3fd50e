package audit

import (
	"sync"

	"github.com/root-sector/client-data-module-encryption/types"
)

// AlertThreshold is the risk score at or above which an immediate alert is
// raised.
const AlertThreshold = 75

var categoryBaseScores = map[string]int{
	"authentication": 20,
	"authorization":  30,
	"data_access":    25,
	"encryption":     20,
	"privacy":        35,
	"security":       60,
	"system":         25,
}

var severityMultipliers = map[types.Severity]float64{
	types.SeverityInfo:     0.5,
	types.SeverityLow:      0.8,
	types.SeverityMedium:   1.2,
	types.SeverityHigh:     1.6,
	types.SeverityCritical: 2.0,
}

// Adjustment weights applied on top of the base score.
const (
	adjustNewActor          = 15
	adjustPrivilegedActor   = 10
	adjustUnknownOrigin     = 12
	minActorHistoryForTrust = 5
)

// RiskScorer computes a 0-100 risk score from a category base score, a
// severity multiplier, an actor-risk adjustment and a context-risk
// adjustment. Actor history is tracked in memory per process; a cold start
// scores conservatively high, which is the safe direction.
type RiskScorer struct {
	mu              sync.Mutex
	actorSeen       map[string]int
	privilegedRoles map[string]bool
	knownOrigins    map[string]bool
}

// NewRiskScorer creates a scorer. privilegedRoles marks roles whose
// activity always scores higher; knownOrigins lists recognized request
// origins.
func NewRiskScorer(privilegedRoles, knownOrigins []string) *RiskScorer {
	s := &RiskScorer{
		actorSeen:       make(map[string]int),
		privilegedRoles: make(map[string]bool, len(privilegedRoles)),
		knownOrigins:    make(map[string]bool, len(knownOrigins)),
	}
	for _, r := range privilegedRoles {
		s.privilegedRoles[r] = true
	}
	for _, o := range knownOrigins {
		s.knownOrigins[o] = true
	}
	return s
}

// Score computes the risk score for a classified event. roles carries the
// acting roles when known.
func (s *RiskScorer) Score(event *types.AuditEvent, roles []string) int {
	base := categoryBaseScores[event.Classification.Category]
	mult, ok := severityMultipliers[event.Classification.Severity]
	if !ok {
		mult = 1.0
	}
	score := int(float64(base) * mult)

	s.mu.Lock()
	if event.ActorID != "" {
		seen := s.actorSeen[event.ActorID]
		s.actorSeen[event.ActorID] = seen + 1
		if seen < minActorHistoryForTrust {
			score += adjustNewActor
		}
	}
	s.mu.Unlock()

	for _, role := range roles {
		if s.privilegedRoles[role] {
			score += adjustPrivilegedActor
			break
		}
	}

	origin := event.Context[string(KeyOrigin)]
	if origin == "" || !s.knownOrigins[origin] {
		score += adjustUnknownOrigin
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
