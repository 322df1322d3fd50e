// Package audit captures, classifies, scores and correlates every
// cryptographic and access-control decision made by the engine.
package audit

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// Context keys threaded through encryption operations
const (
	// Core context keys
	KeyCorrelationID ContextKey = "correlationId" // correlation tree node for this operation
	KeyFieldPath     ContextKey = "fieldPath"     // field being operated on
	KeyKeyVersion    ContextKey = "keyVersion"    // key version involved
	KeyCipher        ContextKey = "cipher"        // cipher suite used
	KeyResourceType  ContextKey = "resourceType"  // resource type if applicable
	KeyResourceID    ContextKey = "resourceId"    // resource identifier
	KeyError         ContextKey = "error"         // error message if operation failed
	KeyReason        ContextKey = "reason"        // short machine-readable reason

	// Actor context keys
	KeyActorID   ContextKey = "actorId"   // actor identifier
	KeySessionID ContextKey = "sessionId" // actor session
	KeyOrigin    ContextKey = "origin"    // request origin
	KeyOperation ContextKey = "operation" // operation being performed
)

// GetContextKey returns the ContextKey type for a given string
func GetContextKey(key string) ContextKey {
	return ContextKey(key)
}
