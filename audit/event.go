package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/root-sector/client-data-module-encryption/types"
)

// NewEvent creates a captured audit event for the given type, threading in
// the actor context when present. Classification, risk score and integrity
// hash are filled by the engine pipeline.
func NewEvent(eventType string, actor *types.ActorContext) *types.AuditEvent {
	event := &types.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		State:     types.EventCaptured,
		Context:   make(map[string]string),
	}
	if actor != nil {
		event.ActorID = actor.ActorID
		event.CorrelationID = actor.CorrelationID
		if actor.Origin != "" {
			event.Context[string(KeyOrigin)] = actor.Origin
		}
		if actor.SessionID != "" {
			event.Context[string(KeySessionID)] = actor.SessionID
		}
	}
	if event.CorrelationID == "" {
		// Root of a fresh correlation tree
		event.CorrelationID = uuid.New().String()
	}
	return event
}

// WithResource attaches the resource the event concerns.
func WithResource(event *types.AuditEvent, resourceType, resourceID string) *types.AuditEvent {
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	return event
}

// WithField records the field path an operation touched.
func WithField(event *types.AuditEvent, fieldPath string) *types.AuditEvent {
	event.Context[string(KeyFieldPath)] = fieldPath
	return event
}

// WithKeyVersion records the key version an operation used.
func WithKeyVersion(event *types.AuditEvent, versionID string) *types.AuditEvent {
	event.Context[string(KeyKeyVersion)] = versionID
	return event
}

// WithCipher records the cipher suite an operation used.
func WithCipher(event *types.AuditEvent, cipher string) *types.AuditEvent {
	event.Context[string(KeyCipher)] = cipher
	return event
}

// WithError records a failure reason.
func WithError(event *types.AuditEvent, err error) *types.AuditEvent {
	if err != nil {
		event.Context[string(KeyError)] = err.Error()
	}
	return event
}

// WithReason records a short machine-readable reason.
func WithReason(event *types.AuditEvent, reason string) *types.AuditEvent {
	event.Context[string(KeyReason)] = reason
	return event
}
