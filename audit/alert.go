package audit

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/client-data-module-encryption/types"
)

// LogAlerter writes alerts to the operational log. Suitable as a default;
// production deployments plug in a pager or webhook implementation.
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter creates an alerter scoped to the audit component.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: log.With().Str("component", "audit_alerts").Logger()}
}

// Alert logs the high-risk event.
func (a *LogAlerter) Alert(event *types.AuditEvent) {
	a.logger.Warn().
		Str("eventId", event.ID).
		Str("eventType", event.EventType).
		Str("correlationId", event.CorrelationID).
		Str("actorId", event.ActorID).
		Int("riskScore", event.RiskScore).
		Str("severity", string(event.Classification.Severity)).
		Msg("High-risk audit event")
}

// FuncAlerter adapts a function to the Alerter interface.
type FuncAlerter func(event *types.AuditEvent)

// Alert invokes the wrapped function.
func (f FuncAlerter) Alert(event *types.AuditEvent) {
	f(event)
}
