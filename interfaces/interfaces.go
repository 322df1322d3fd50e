// Package interfaces defines all service interfaces for the encryption
// engine.
// IMPORTANT: This is the single source of truth for service interfaces.
// Do not define interfaces in other files.
package interfaces

import (
	"context"
	"time"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"

	"github.com/root-sector/client-data-module-encryption/types"
)

// Policy Interfaces

// PolicyRegistry resolves field paths to their protection policies. Unknown
// field paths are a hard error; callers must never default unclassified
// fields to public.
type PolicyRegistry interface {
	// Resolve returns the policy for a field path or types.ErrPolicyNotFound
	Resolve(fieldPath string) (*types.FieldPolicy, error)

	// Policies returns all registered policies
	Policies() []*types.FieldPolicy

	// AccessibleFields returns the set of field paths the given roles may
	// read unmasked
	AccessibleFields(roles []string) []string

	// Update replaces a policy via the audited administrative path and
	// bumps the registry generation
	Update(ctx context.Context, policy *types.FieldPolicy, actor *types.ActorContext) error

	// Generation returns a counter incremented on every policy change,
	// used by caches to drop decisions derived from stale policies
	Generation() uint64
}

// KMS Interfaces

// KeyManager derives, caches and manages per-field encryption keys under a
// sensitivity-scoped hierarchy rooted in the KMS-held root key.
type KeyManager interface {
	// GetKey returns the active key version's material for the field,
	// cache-first. Returns types.ErrKeyUnavailable while the field is
	// mid-rotation beyond the bounded wait.
	GetKey(ctx context.Context, fieldPath string) (*types.KeyHandle, error)

	// GetKeyVersion returns material for the exact version an envelope
	// references; retired versions remain fetchable for historical data.
	GetKeyVersion(ctx context.Context, fieldPath, versionID string) (*types.KeyHandle, error)

	// ActiveVersion returns the metadata of the field's active version.
	ActiveVersion(ctx context.Context, fieldPath string) (*types.KeyVersion, error)

	// ListVersions returns all versions for a field, newest first.
	ListVersions(ctx context.Context, fieldPath string) ([]*types.KeyVersion, error)

	// BeginRotation creates a new version in Rotating status. Fails with
	// types.ErrRotationInProgress if one is already pending.
	BeginRotation(ctx context.Context, fieldPath string) (*types.KeyVersion, error)

	// CompleteRotation activates the new version and retires the prior
	// active one. Only called after all envelopes are re-encrypted.
	CompleteRotation(ctx context.Context, fieldPath, newVersionID string) error

	// AbortRotation discards a Rotating version and leaves the prior
	// active version in place.
	AbortRotation(ctx context.Context, fieldPath, newVersionID string) error

	// Rollback restores a retired version to Active. Only permitted while
	// the target has not been destroyed.
	Rollback(ctx context.Context, fieldPath, toVersionID string) (*types.RollbackResult, error)

	// InvalidateCache drops cached material for a field
	InvalidateCache(ctx context.Context, fieldPath string)
}

// KMSProvider defines the interface for root key providers
type KMSProvider interface {
	// GetWrapper returns the underlying KMS wrapper
	GetWrapper() wrapping.Wrapper

	// Test performs a test encryption/decryption
	Test(ctx context.Context) error

	// HealthCheck performs a comprehensive health check
	HealthCheck(ctx context.Context) error

	// GetLastHealthCheckError returns the last health check error
	GetLastHealthCheckError() error
}

// Store Interfaces

// KeyVersionStore persists key version metadata and wrapped key material
type KeyVersionStore interface {
	// Save inserts or replaces a key version
	Save(ctx context.Context, version *types.KeyVersion) error

	// Get retrieves a version by field path and version ID
	Get(ctx context.Context, fieldPath, versionID string) (*types.KeyVersion, error)

	// GetActive retrieves the single active version for a field
	GetActive(ctx context.Context, fieldPath string) (*types.KeyVersion, error)

	// List returns all versions for a field, newest first
	List(ctx context.Context, fieldPath string) ([]*types.KeyVersion, error)

	// UpdateStatus transitions a version's lifecycle status
	UpdateStatus(ctx context.Context, fieldPath, versionID string, status types.KeyStatus) error
}

// EnvelopeStore persists encrypted field envelopes so rotation can locate
// and re-encrypt everything referencing a retiring key version.
type EnvelopeStore interface {
	// Save inserts or replaces a stored envelope
	Save(ctx context.Context, env *types.StoredEnvelope) error

	// Get retrieves a stored envelope by ID
	Get(ctx context.Context, id string) (*types.StoredEnvelope, error)

	// ListByKeyVersion streams envelopes referencing a key version in
	// batches; batchSize caps the slice length
	ListByKeyVersion(ctx context.Context, fieldPath, versionID string, afterID string, batchSize int) ([]*types.StoredEnvelope, error)

	// CountByKeyVersion counts envelopes referencing a key version
	CountByKeyVersion(ctx context.Context, fieldPath, versionID string) (int64, error)

	// Replace supersedes a stored envelope's payload; envelopes are never
	// edited in place by callers
	Replace(ctx context.Context, id string, env *types.EncryptedFieldEnvelope) error

	// Delete removes a stored envelope
	Delete(ctx context.Context, id string) error
}

// AuditStore persists audit events and correlation nodes
type AuditStore interface {
	// InsertEvents persists a batch of events
	InsertEvents(ctx context.Context, events []*types.AuditEvent) error

	// GetEvent retrieves one event by ID
	GetEvent(ctx context.Context, id string) (*types.AuditEvent, error)

	// QueryEvents retrieves events matching the filter, capture-ordered
	// within each correlation
	QueryEvents(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEvent, error)

	// UpsertCorrelation creates or updates a correlation node
	UpsertCorrelation(ctx context.Context, node *types.CorrelationNode) error

	// GetCorrelation retrieves a correlation node
	GetCorrelation(ctx context.Context, id string) (*types.CorrelationNode, error)

	// ListCorrelationsByActor finds correlations touched by an actor
	// within a time window
	ListCorrelationsByActor(ctx context.Context, actorID string, from, to time.Time) ([]*types.CorrelationNode, error)

	// ArchiveEvents moves events past their retention window into the
	// archive, skipping resources under legal hold; returns the count
	ArchiveEvents(ctx context.Context, now time.Time, held func(resourceID string) bool) (int, error)
}

// Field Encryption Interfaces

// FieldService encrypts and decrypts field values and whole records,
// enforcing role-based access before any decryption.
type FieldService interface {
	// EncryptField encrypts one value under the field's active key.
	// Empty plaintext returns a nil envelope without error.
	EncryptField(ctx context.Context, fieldPath string, value interface{}, actor *types.ActorContext) (*types.EncryptedFieldEnvelope, error)

	// DecryptField checks the actor's roles against the policy, then
	// decrypts under the exact key version the envelope references.
	DecryptField(ctx context.Context, env *types.EncryptedFieldEnvelope, actor *types.ActorContext) (interface{}, error)

	// EncryptRecord applies EncryptField across a record, passing through
	// fields without a registered policy.
	EncryptRecord(ctx context.Context, record types.Record, actor *types.ActorContext) (types.Record, error)

	// DecryptRecord applies DecryptField across a record; fields the
	// actor lacks permission for are omitted rather than failing the
	// whole record.
	DecryptRecord(ctx context.Context, record types.Record, actor *types.ActorContext) (types.Record, error)

	// EncryptSearchable additionally stamps a deterministic search hash
	// computed under searchKey.
	EncryptSearchable(ctx context.Context, fieldPath string, value interface{}, searchKey string, actor *types.ActorContext) (*types.EncryptedFieldEnvelope, error)

	// Match compares a plaintext value against a searchable envelope's
	// hash without decrypting.
	Match(env *types.EncryptedFieldEnvelope, value string, searchKey string) (bool, error)
}

// Masking Interfaces

// Masker filters and masks records for a requester's role set, independent
// of decryption rights.
type Masker interface {
	// FilterForRole returns a copy of the record with unauthorized
	// fields replaced by their deterministic masks
	FilterForRole(record types.Record, roles []string) types.Record

	// MaskValue applies a masking strategy to a single value; unknown
	// strategies fall back to full redaction
	MaskValue(strategy, value string) string
}

// Audit Interfaces

// AuditEngine captures, classifies, scores, correlates and persists audit
// events. Submission is non-blocking; events are flushed by background
// workers on a batch-size-or-timeout policy.
type AuditEngine interface {
	// Submit enqueues an event for processing. Never blocks on storage;
	// returns types.ErrAuditQueueFull only when the bounded queue and the
	// durable fallback are both saturated.
	Submit(ctx context.Context, event *types.AuditEvent) error

	// Query retrieves stored events matching the filter
	Query(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEvent, error)

	// Reconstruct returns the full capture-ordered event sequence for a
	// correlation ID
	Reconstruct(ctx context.Context, correlationID string) ([]*types.AuditEvent, error)

	// DetectAnomalies inspects one correlation for suspicious patterns
	DetectAnomalies(ctx context.Context, correlationID string) ([]*types.Anomaly, error)

	// RelatedCorrelations locates correlations sharing an actor within a
	// time window, for incident investigation
	RelatedCorrelations(ctx context.Context, actorID string, window time.Duration) ([]*types.CorrelationNode, error)

	// VerifyIntegrity recomputes an event's hash; a mismatch is itself
	// escalated as a tampering event
	VerifyIntegrity(ctx context.Context, eventID string) error

	// Flush forces pending events to storage
	Flush(ctx context.Context) error

	// Close drains the queue and stops the workers
	Close(ctx context.Context) error
}

// Alerter delivers real-time alerts for high-risk events. Delivery is a
// side effect; the triggering operation is never delayed by it.
type Alerter interface {
	Alert(event *types.AuditEvent)
}

// Credentials Interfaces

// SymmetricEncryptor encrypts and decrypts short secrets at rest, such as
// KMS provider credentials held in configuration stores.
type SymmetricEncryptor interface {
	// Encrypt encrypts a plaintext string; already-encrypted input is
	// returned unchanged
	Encrypt(plaintext string) (string, error)

	// Decrypt decrypts an encrypted string; plaintext input is returned
	// unchanged
	Decrypt(ciphertext string) (string, error)
}

// CredentialsManager protects KMS provider credentials inside configuration
// maps before they are persisted or returned to callers.
type CredentialsManager interface {
	// EncryptCredentials encrypts the sensitive entries of a provider
	// credentials map in place
	EncryptCredentials(providerType string, credentials map[string]interface{}) error

	// DecryptCredentials decrypts the sensitive entries of a provider
	// credentials map in place
	DecryptCredentials(providerType string, credentials map[string]interface{}) error

	// MaskCredentials replaces the sensitive entries of a provider
	// credentials map with a placeholder for display
	MaskCredentials(providerType string, credentials map[string]interface{})
}

// Rotation Interfaces

// RotationScheduler drives scheduled and emergency key rotation.
type RotationScheduler interface {
	// Start begins the scheduled rotation checks and the emergency
	// listener
	Start(ctx context.Context) error

	// Stop halts scheduling and waits for in-flight rotations
	Stop(ctx context.Context) error

	// RotateNow runs a full rotation for one field synchronously
	RotateNow(ctx context.Context, fieldPath string, mode types.RotationMode) (*types.RotationResult, error)

	// TriggerEmergency requests an asynchronous emergency rotation
	TriggerEmergency(fieldPath string) error

	// RotateAll synchronously rotates every non-public field, for root
	// key compromise response
	RotateAll(ctx context.Context, mode types.RotationMode) ([]*types.RotationResult, error)

	// Rollback reverts a field to a prior key version
	Rollback(ctx context.Context, fieldPath, toVersionID string) (*types.RollbackResult, error)
}
