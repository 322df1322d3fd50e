package types

import "errors"

var (
	// ErrPolicyNotFound is returned when a field path has no registered
	// policy. Unclassified fields are never silently treated as public.
	ErrPolicyNotFound = errors.New("field policy not found")

	// ErrPermissionDenied is returned when the actor's roles do not cover
	// the field. The caller gets a redacted result; the denial is audited.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrIntegrityViolation is returned when an authentication tag check
	// fails. Treated as a tampering signal and escalated, never retried.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrKeyUnavailable is returned when a key is mid-rotation or the KMS
	// is unreachable. Transient; retryable with backoff.
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrKeyVersionNotFound is returned when an envelope references a key
	// version that does not exist for its field.
	ErrKeyVersionNotFound = errors.New("key version not found")

	// ErrKeyVersionDestroyed is returned when a rollback targets a version
	// that has been permanently destroyed.
	ErrKeyVersionDestroyed = errors.New("key version destroyed")

	// ErrRotationFailed indicates a rotation that was rolled back.
	ErrRotationFailed = errors.New("rotation failed")

	// ErrRotationInProgress indicates a rotation is already running for
	// the field.
	ErrRotationInProgress = errors.New("rotation already in progress")

	// ErrRollbackFailed indicates a rollback that could not complete and
	// requires operator escalation.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrAuditWriteFailed indicates the audit pipeline could not persist
	// an event through its primary store.
	ErrAuditWriteFailed = errors.New("audit write failed")

	// ErrAuditQueueFull indicates the audit submit queue is saturated.
	ErrAuditQueueFull = errors.New("audit queue full")

	// ErrLegalHold is returned when archival or destruction touches a
	// resource under legal hold.
	ErrLegalHold = errors.New("resource under legal hold")

	// ErrUnknownEventType is returned for event types outside the closed
	// taxonomy.
	ErrUnknownEventType = errors.New("unknown audit event type")
)
