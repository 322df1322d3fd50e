package types

import (
	"time"
)

// Severity grades how security-significant an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EventState is the one-directional lifecycle of an audit event. An event
// that reached Stored never returns to an earlier state; corrections are new
// events referencing the original.
type EventState string

const (
	EventCaptured   EventState = "captured"
	EventEnriched   EventState = "enriched"
	EventClassified EventState = "classified"
	EventStored     EventState = "stored"
	EventAnalyzed   EventState = "analyzed"
	EventArchived   EventState = "archived"
)

// Classification is the static categorization attached to every event,
// looked up from the taxonomy table by event type.
type Classification struct {
	Category           string   `json:"category" bson:"category"`
	Subcategory        string   `json:"subcategory" bson:"subcategory"`
	Severity           Severity `json:"severity" bson:"severity"`
	ComplianceRelevant bool     `json:"complianceRelevant" bson:"complianceRelevant"`
	RetentionDays      int      `json:"retentionDays" bson:"retentionDays"`
	PrivacyImpact      string   `json:"privacyImpact" bson:"privacyImpact"`
}

// AuditEvent is one immutable record of a cryptographic or access-control
// decision. The persisted JSON shape is stable: {eventId, timestamp,
// correlationId, eventType, actorId?, resourceType?, resourceId?,
// classification{...}, riskScore, integrityHash}.
type AuditEvent struct {
	ID             string         `json:"eventId" bson:"_id"`
	Timestamp      time.Time      `json:"timestamp" bson:"timestamp"`
	EventType      string         `json:"eventType" bson:"eventType"`
	CorrelationID  string         `json:"correlationId" bson:"correlationId"`
	ActorID        string         `json:"actorId,omitempty" bson:"actorId,omitempty"`
	ResourceType   string         `json:"resourceType,omitempty" bson:"resourceType,omitempty"`
	ResourceID     string         `json:"resourceId,omitempty" bson:"resourceId,omitempty"`
	Classification Classification `json:"classification" bson:"classification"`
	RiskScore      int            `json:"riskScore" bson:"riskScore"`
	IntegrityHash  string         `json:"integrityHash" bson:"integrityHash"`
	State          EventState     `json:"state" bson:"state"`

	// Context carries operation-specific key/value detail (field path,
	// key version, error reason).
	Context map[string]string `json:"context,omitempty" bson:"context,omitempty"`

	// References holds IDs of earlier events this one corrects or
	// escalates; stored events are never mutated.
	References []string `json:"references,omitempty" bson:"references,omitempty"`
}

// AuditFilter narrows audit trail queries.
type AuditFilter struct {
	CorrelationID string
	EventType     string
	ActorID       string
	ResourceID    string
	MinRiskScore  int
	From          time.Time
	To            time.Time
	Limit         int
}
