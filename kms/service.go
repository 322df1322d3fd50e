package kms

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"github.com/root-sector/client-data-module-encryption/audit"
	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/metrics"
	"github.com/root-sector/client-data-module-encryption/types"
)

const (
	// derivedKeySize is the size of every derived field key (AES-256).
	derivedKeySize = 32

	// defaultRotationWait bounds how long GetKey waits for the active
	// version to reappear during a rotation swap.
	defaultRotationWait = 3 * time.Second
)

// ServiceConfig carries the dependencies of the key manager.
type ServiceConfig struct {
	Provider interfaces.KMSProvider
	Store    interfaces.KeyVersionStore
	Registry interfaces.PolicyRegistry
	Cache    types.KeyCache
	Audit    interfaces.AuditEngine
	Metrics  *metrics.Metrics

	// RotationWait overrides the bounded wait applied while a rotation
	// swap is in flight. Zero selects the default.
	RotationWait time.Duration
}

// service implements interfaces.KeyManager. Derived keys are produced per
// field and version: a random version secret is sealed by the root key with
// the derivation context as AAD, and the field key is expanded from that
// secret via HKDF-SHA256 under the same context. Unwrapping with a mismatched
// context fails at the wrapper before HKDF runs.
type service struct {
	provider     interfaces.KMSProvider
	store        interfaces.KeyVersionStore
	registry     interfaces.PolicyRegistry
	cache        types.KeyCache
	audit        interfaces.AuditEngine
	metrics      *metrics.Metrics
	rotationWait time.Duration
	group        singleflight.Group
	logger       zerolog.Logger
}

// derivedKey is the singleflight result shape for one cache fill.
type derivedKey struct {
	material  []byte
	versionID string
	sequence  int
}

// NewService creates the key manager.
func NewService(cfg ServiceConfig) (interfaces.KeyManager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("KMS provider is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("key version store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("policy registry is required")
	}

	wait := cfg.RotationWait
	if wait <= 0 {
		wait = defaultRotationWait
	}

	return &service{
		provider:     cfg.Provider,
		store:        cfg.Store,
		registry:     cfg.Registry,
		cache:        cfg.Cache,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		rotationWait: wait,
		logger:       log.With().Str("component", "key-manager").Logger(),
	}, nil
}

// dailyCacheKey binds a cached field key to the current UTC date, so entries
// age out across date boundaries even if the TTL sweep misses them.
func dailyCacheKey(fieldPath string) string {
	return fmt.Sprintf("field:%s:%s", fieldPath, time.Now().UTC().Format("2006-01-02"))
}

func versionCacheKey(fieldPath, versionID string) string {
	return fmt.Sprintf("field:%s:version:%s", fieldPath, versionID)
}

// GetKey returns the active key for a field, cache-first.
func (s *service) GetKey(ctx context.Context, fieldPath string) (*types.KeyHandle, error) {
	cacheKey := dailyCacheKey(fieldPath)

	if s.cache != nil && s.cache.IsEnabled() {
		if material, versionID, sequence, ok := s.cache.Get(ctx, cacheKey); ok {
			s.metrics.RecordCacheHit()
			return types.NewKeyHandle(versionID, sequence, material.Get()), nil
		}
		s.metrics.RecordCacheMiss()
	}

	v, err, _ := s.group.Do(cacheKey, func() (interface{}, error) {
		version, err := s.loadActiveVersion(ctx, fieldPath)
		if err != nil {
			return nil, err
		}

		material, err := s.deriveKey(ctx, version)
		if err != nil {
			return nil, err
		}

		if s.cache != nil && s.cache.IsEnabled() {
			s.cache.Set(ctx, cacheKey, material, version.ID, version.Sequence)
		}

		return &derivedKey{material: material, versionID: version.ID, sequence: version.Sequence}, nil
	})
	if err != nil {
		return nil, err
	}

	dk := v.(*derivedKey)
	return types.NewKeyHandle(dk.versionID, dk.sequence, dk.material), nil
}

// GetKeyVersion returns material for the exact version an envelope
// references. Retired and rolled back versions remain usable so historical
// envelopes stay readable until they are re-encrypted.
func (s *service) GetKeyVersion(ctx context.Context, fieldPath, versionID string) (*types.KeyHandle, error) {
	cacheKey := versionCacheKey(fieldPath, versionID)

	if s.cache != nil && s.cache.IsEnabled() {
		if material, id, sequence, ok := s.cache.Get(ctx, cacheKey); ok {
			s.metrics.RecordCacheHit()
			return types.NewKeyHandle(id, sequence, material.Get()), nil
		}
		s.metrics.RecordCacheMiss()
	}

	v, err, _ := s.group.Do(cacheKey, func() (interface{}, error) {
		version, err := s.store.Get(ctx, fieldPath, versionID)
		if err != nil {
			return nil, err
		}
		if version.BlobInfo == nil {
			return nil, fmt.Errorf("key version %s: %w", versionID, types.ErrKeyVersionDestroyed)
		}

		material, err := s.deriveKey(ctx, version)
		if err != nil {
			return nil, err
		}

		if s.cache != nil && s.cache.IsEnabled() {
			s.cache.Set(ctx, cacheKey, material, version.ID, version.Sequence)
		}

		return &derivedKey{material: material, versionID: version.ID, sequence: version.Sequence}, nil
	})
	if err != nil {
		return nil, err
	}

	dk := v.(*derivedKey)
	return types.NewKeyHandle(dk.versionID, dk.sequence, dk.material), nil
}

// ActiveVersion returns the metadata of the field's active version.
func (s *service) ActiveVersion(ctx context.Context, fieldPath string) (*types.KeyVersion, error) {
	return s.store.GetActive(ctx, fieldPath)
}

// ListVersions returns all versions for a field, newest first.
func (s *service) ListVersions(ctx context.Context, fieldPath string) ([]*types.KeyVersion, error) {
	return s.store.List(ctx, fieldPath)
}

// BeginRotation creates the successor version in Rotating status.
func (s *service) BeginRotation(ctx context.Context, fieldPath string) (*types.KeyVersion, error) {
	versions, err := s.store.List(ctx, fieldPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list key versions for %s: %w", fieldPath, err)
	}

	var active *types.KeyVersion
	for _, v := range versions {
		switch v.Status {
		case types.KeyStatusRotating:
			return nil, fmt.Errorf("field %s: %w", fieldPath, types.ErrRotationInProgress)
		case types.KeyStatusActive:
			if active == nil || v.Sequence > active.Sequence {
				active = v
			}
		}
	}
	if active == nil {
		return nil, fmt.Errorf("no active key version for %s: %w", fieldPath, types.ErrKeyVersionNotFound)
	}

	next, err := s.createVersion(ctx, fieldPath, active.Sequence+1, types.KeyStatusRotating)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("fieldPath", fieldPath).
		Str("newVersionId", next.ID).
		Int("sequence", next.Sequence).
		Msg("Rotation version created")

	return next, nil
}

// CompleteRotation activates the successor and retires the prior active
// version. The successor is activated first so GetActive never observes a
// field with no active version mid-swap.
func (s *service) CompleteRotation(ctx context.Context, fieldPath, newVersionID string) error {
	next, err := s.store.Get(ctx, fieldPath, newVersionID)
	if err != nil {
		return err
	}
	if next.Status != types.KeyStatusRotating {
		return fmt.Errorf("version %s is %s, not rotating: %w", newVersionID, next.Status, types.ErrRotationFailed)
	}

	prior, err := s.store.GetActive(ctx, fieldPath)
	if err != nil && !errors.Is(err, types.ErrKeyVersionNotFound) {
		return err
	}

	now := time.Now().UTC()
	next.Status = types.KeyStatusActive
	next.ActivatedAt = now
	next.ExpiresAt = s.expiry(fieldPath, now)
	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to activate version %s: %w", newVersionID, err)
	}

	if prior != nil && prior.ID != next.ID {
		prior.Status = types.KeyStatusRetired
		prior.RetiredAt = now
		if err := s.store.Save(ctx, prior); err != nil {
			return fmt.Errorf("failed to retire version %s: %w", prior.ID, err)
		}
	}

	s.InvalidateCache(ctx, fieldPath)

	s.logger.Info().
		Str("fieldPath", fieldPath).
		Str("activeVersionId", next.ID).
		Msg("Rotation completed")

	return nil
}

// AbortRotation discards a Rotating version and leaves the prior active
// version untouched.
func (s *service) AbortRotation(ctx context.Context, fieldPath, newVersionID string) error {
	version, err := s.store.Get(ctx, fieldPath, newVersionID)
	if err != nil {
		return err
	}
	if version.Status != types.KeyStatusRotating {
		return fmt.Errorf("version %s is %s, not rotating: %w", newVersionID, version.Status, types.ErrRotationFailed)
	}

	if err := s.store.UpdateStatus(ctx, fieldPath, newVersionID, types.KeyStatusRolledBack); err != nil {
		return fmt.Errorf("failed to discard rotating version %s: %w", newVersionID, err)
	}

	s.logger.Warn().
		Str("fieldPath", fieldPath).
		Str("versionId", newVersionID).
		Msg("Rotation aborted")

	return nil
}

// Rollback restores a retired version to Active and benches the current one.
func (s *service) Rollback(ctx context.Context, fieldPath, toVersionID string) (*types.RollbackResult, error) {
	target, err := s.store.Get(ctx, fieldPath, toVersionID)
	if err != nil {
		return nil, err
	}
	if target.BlobInfo == nil {
		return nil, fmt.Errorf("version %s: %w", toVersionID, types.ErrKeyVersionDestroyed)
	}
	if target.Status != types.KeyStatusRetired {
		return nil, fmt.Errorf("version %s is %s, not retired: %w", toVersionID, target.Status, types.ErrRollbackFailed)
	}

	current, err := s.store.GetActive(ctx, fieldPath)
	if err != nil && !errors.Is(err, types.ErrKeyVersionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	target.Status = types.KeyStatusActive
	target.ActivatedAt = now
	target.RetiredAt = time.Time{}
	target.ExpiresAt = s.expiry(fieldPath, now)
	if err := s.store.Save(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to restore version %s: %w", toVersionID, err)
	}

	if current != nil && current.ID != target.ID {
		current.Status = types.KeyStatusRolledBack
		current.RetiredAt = now
		if err := s.store.Save(ctx, current); err != nil {
			return nil, fmt.Errorf("failed to bench version %s: %w", current.ID, err)
		}
	}

	s.InvalidateCache(ctx, fieldPath)

	s.logger.Warn().
		Str("fieldPath", fieldPath).
		Str("restoredVersionId", toVersionID).
		Msg("Key version rolled back")

	return &types.RollbackResult{
		FieldPath:         fieldPath,
		RestoredVersionID: toVersionID,
		CompletedAt:       now,
	}, nil
}

// InvalidateCache drops every cached entry for a field.
func (s *service) InvalidateCache(ctx context.Context, fieldPath string) {
	if s.cache != nil {
		s.cache.DeletePrefix("field:" + fieldPath + ":")
	}
}

// loadActiveVersion resolves the active version, provisioning the first one
// on initial use. When versions exist but none is active a rotation swap is
// in flight, so the lookup is retried inside a bounded window before giving
// up with ErrKeyUnavailable.
func (s *service) loadActiveVersion(ctx context.Context, fieldPath string) (*types.KeyVersion, error) {
	version, err := s.store.GetActive(ctx, fieldPath)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, types.ErrKeyVersionNotFound) {
		return nil, err
	}

	versions, listErr := s.store.List(ctx, fieldPath)
	if listErr != nil {
		return nil, listErr
	}
	if len(versions) == 0 {
		return s.provision(ctx, fieldPath)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxElapsedTime = s.rotationWait

	retryErr := backoff.Retry(func() error {
		v, gerr := s.store.GetActive(ctx, fieldPath)
		if gerr != nil {
			return gerr
		}
		version = v
		return nil
	}, backoff.WithContext(bo, ctx))
	if retryErr != nil {
		return nil, fmt.Errorf("field %s has no active key version: %w", fieldPath, types.ErrKeyUnavailable)
	}

	return version, nil
}

// provision creates the first version for a field on initial use.
func (s *service) provision(ctx context.Context, fieldPath string) (*types.KeyVersion, error) {
	version, err := s.createVersion(ctx, fieldPath, 1, types.KeyStatusActive)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("fieldPath", fieldPath).
		Str("versionId", version.ID).
		Msg("Provisioned initial key version")

	return version, nil
}

// createVersion generates a fresh version secret, seals it under the root key
// and persists the version metadata.
func (s *service) createVersion(ctx context.Context, fieldPath string, sequence int, status types.KeyStatus) (*types.KeyVersion, error) {
	policy, err := s.registry.Resolve(fieldPath)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, derivedKeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate version secret: %w", err)
	}
	defer wipe(secret)

	derivationContext := buildDerivationContext(fieldPath, sequence, policy.Sensitivity)

	blobInfo, err := s.provider.GetWrapper().Encrypt(ctx, secret, wrapping.WithAad(derivationContext))
	if err != nil {
		return nil, fmt.Errorf("failed to seal version secret for %s: %w", fieldPath, err)
	}

	now := time.Now().UTC()
	version := &types.KeyVersion{
		ID:                uuid.NewString(),
		FieldPath:         fieldPath,
		Sequence:          sequence,
		Status:            status,
		BlobInfo:          blobInfo,
		DerivationContext: derivationContext,
		CreatedAt:         now,
	}
	if status == types.KeyStatusActive {
		version.ActivatedAt = now
		version.ExpiresAt = now.Add(policy.RotationInterval())
	}

	if err := s.store.Save(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to save key version: %w", err)
	}

	return version, nil
}

// deriveKey unseals the version secret and expands the field key from it.
func (s *service) deriveKey(ctx context.Context, version *types.KeyVersion) ([]byte, error) {
	secret, err := s.provider.GetWrapper().Decrypt(ctx, version.BlobInfo, wrapping.WithAad(version.DerivationContext))
	if err != nil {
		s.auditDerivationFailure(ctx, version, err)
		return nil, fmt.Errorf("failed to unseal key version %s: %w: %w", version.ID, types.ErrKeyUnavailable, err)
	}
	defer wipe(secret)

	reader := hkdf.New(sha256.New, secret, nil, version.DerivationContext)
	material := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(reader, material); err != nil {
		s.auditDerivationFailure(ctx, version, err)
		return nil, fmt.Errorf("failed to derive key for version %s: %w: %w", version.ID, types.ErrKeyUnavailable, err)
	}

	return material, nil
}

func (s *service) auditDerivationFailure(ctx context.Context, version *types.KeyVersion, cause error) {
	if s.audit == nil {
		return
	}

	event := audit.NewEvent(audit.EventTypeKeyDerivationFailed, types.SystemActor(""))
	event = audit.WithField(event, version.FieldPath)
	event = audit.WithKeyVersion(event, version.ID)
	event = audit.WithError(event, cause)

	if err := s.audit.Submit(ctx, event); err != nil {
		s.logger.Error().Err(err).Msg("Failed to audit key derivation failure")
	}
}

// expiry computes the next rotation deadline from the field's policy. An
// unresolvable policy leaves the deadline unset rather than failing the key
// operation mid-rotation.
func (s *service) expiry(fieldPath string, from time.Time) time.Time {
	policy, err := s.registry.Resolve(fieldPath)
	if err != nil {
		return time.Time{}
	}
	return from.Add(policy.RotationInterval())
}

// buildDerivationContext produces the canonical context bytes binding a key
// to its field path, sequence and sensitivity class.
func buildDerivationContext(fieldPath string, sequence int, sensitivity types.Sensitivity) []byte {
	return []byte(fmt.Sprintf("path=%s;seq=%d;class=%s", fieldPath, sequence, sensitivity))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
