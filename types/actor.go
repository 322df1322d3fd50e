package types

// ActorContext identifies who is asking for a cryptographic or access
// operation and under which correlation it runs. A nil ActorContext denotes
// a system-initiated operation.
type ActorContext struct {
	ActorID       string   `json:"actorId"`
	Roles         []string `json:"roles"`
	SessionID     string   `json:"sessionId,omitempty"`
	Origin        string   `json:"origin,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

// SystemActor is the actor context used for engine-internal operations such
// as scheduled key rotation.
func SystemActor(correlationID string) *ActorContext {
	return &ActorContext{
		ActorID:       "",
		Roles:         []string{"system"},
		Origin:        "internal",
		CorrelationID: correlationID,
	}
}

// HasRole reports whether the context carries the given role.
func (a *ActorContext) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
