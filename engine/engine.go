// Package engine assembles the encryption components into one facade. The
// host application constructs an Engine once, shares it across request
// handlers, and closes it on shutdown to drain the audit queue and stop the
// rotation scheduler.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/root-sector/client-data-module-encryption/audit"
	auditstore "github.com/root-sector/client-data-module-encryption/audit/store"
	"github.com/root-sector/client-data-module-encryption/cache"
	"github.com/root-sector/client-data-module-encryption/config"
	"github.com/root-sector/client-data-module-encryption/field"
	fieldstore "github.com/root-sector/client-data-module-encryption/field/store"
	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/kms"
	"github.com/root-sector/client-data-module-encryption/kms/credentials"
	kmsstore "github.com/root-sector/client-data-module-encryption/kms/store"
	"github.com/root-sector/client-data-module-encryption/masking"
	"github.com/root-sector/client-data-module-encryption/metrics"
	"github.com/root-sector/client-data-module-encryption/policy"
	"github.com/root-sector/client-data-module-encryption/rotation"
	"github.com/root-sector/client-data-module-encryption/types"
)

// Config carries everything New needs beyond environment settings.
type Config struct {
	// Settings holds the environment-driven configuration. Nil loads it
	// from the environment.
	Settings *config.Config

	// Policies seeds the field policy registry.
	Policies []*types.FieldPolicy

	// Database backs the MongoDB stores. Required when the storage
	// backend is "mongodb", ignored otherwise.
	Database *mongo.Database

	// KMSCredentials holds the provider credential map for the configured
	// KMS backend. Sensitive entries may be sealed by the credentials
	// manager; they are unsealed during provider construction.
	KMSCredentials map[string]interface{}

	// Alerter receives real-time alerts for high-risk audit events. Nil
	// selects the log-backed alerter.
	Alerter interfaces.Alerter

	// Registerer receives the Prometheus collectors. Nil disables
	// instrumentation regardless of the metrics setting.
	Registerer prometheus.Registerer

	// PrivilegedRoles and KnownOrigins tune audit risk scoring.
	PrivilegedRoles []string
	KnownOrigins    []string
}

// Engine is the facade over policy, key management, field encryption,
// masking, auditing and rotation.
type Engine struct {
	settings    *config.Config
	registry    *policy.Registry
	keys        interfaces.KeyManager
	fields      interfaces.FieldService
	masker      interfaces.Masker
	auditor     interfaces.AuditEngine
	auditStore  interfaces.AuditStore
	scheduler   interfaces.RotationScheduler
	credentials interfaces.CredentialsManager
	keyCache    *cache.KeyCache
	holds       *holdSet
	logger      zerolog.Logger
}

// New builds and starts the engine. The returned Engine must be closed.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Load()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("at least one field policy is required")
	}

	var m *metrics.Metrics
	if settings.MetricsEnabled && cfg.Registerer != nil {
		var err error
		if m, err = metrics.New(settings.MetricsNamespace, cfg.Registerer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	keyStore, envelopeStore, auditStore, err := buildStores(settings, cfg.Database)
	if err != nil {
		return nil, err
	}

	alerter := cfg.Alerter
	if alerter == nil {
		alerter = audit.NewLogAlerter()
	}
	scorer := audit.NewRiskScorer(cfg.PrivilegedRoles, cfg.KnownOrigins)
	auditor := audit.NewEngine(audit.EngineConfig{
		QueueSize:     settings.AuditQueueSize,
		Workers:       settings.AuditWorkers,
		BatchSize:     settings.AuditBatchSize,
		FlushInterval: settings.AuditFlushInterval,
	}, auditStore, scorer, alerter, m)

	registry, err := policy.NewRegistry(cfg.Policies, auditor)
	if err != nil {
		closeQuietly(ctx, auditor)
		return nil, err
	}

	var credsManager interfaces.CredentialsManager
	if settings.CredentialsKeyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(settings.CredentialsKeyBase64)
		if err != nil {
			closeQuietly(ctx, auditor)
			return nil, fmt.Errorf("invalid credentials key: %w", err)
		}
		if credsManager, err = credentials.NewManager(key); err != nil {
			closeQuietly(ctx, auditor)
			return nil, err
		}
	}

	kmsConfig, err := buildKMSConfig(settings, credsManager, cfg.KMSCredentials)
	if err != nil {
		closeQuietly(ctx, auditor)
		return nil, err
	}

	provider, err := kms.NewProvider(kmsConfig)
	if err != nil {
		closeQuietly(ctx, auditor)
		return nil, err
	}

	keyCache := cache.NewKeyCache(&types.CacheConfig{
		Enabled: settings.CacheEnabled,
		TTL:     settings.CacheTTLMinutes,
	})

	keys, err := kms.NewService(kms.ServiceConfig{
		Provider: provider,
		Store:    keyStore,
		Registry: registry,
		Cache:    keyCache,
		Audit:    auditor,
		Metrics:  m,
	})
	if err != nil {
		keyCache.Close()
		closeQuietly(ctx, auditor)
		return nil, err
	}

	fields, err := field.NewService(field.ServiceConfig{
		Registry: registry,
		Keys:     keys,
		Audit:    auditor,
		Metrics:  m,
	})
	if err != nil {
		keyCache.Close()
		closeQuietly(ctx, auditor)
		return nil, err
	}

	scheduler, err := rotation.NewScheduler(rotation.SchedulerConfig{
		Registry:        registry,
		Keys:            keys,
		Envelopes:       envelopeStore,
		Audit:           auditor,
		Metrics:         m,
		CronSpec:        settings.RotationCronSpec,
		BatchSize:       settings.RotationBatchSize,
		Parallelism:     settings.RotationParallelism,
		EmergencyBudget: settings.RotationEmergencyBudget,
	})
	if err != nil {
		keyCache.Close()
		closeQuietly(ctx, auditor)
		return nil, err
	}

	if err := scheduler.Start(ctx); err != nil {
		keyCache.Close()
		closeQuietly(ctx, auditor)
		return nil, err
	}

	e := &Engine{
		settings:    settings,
		registry:    registry,
		keys:        keys,
		fields:      fields,
		masker:      masking.NewController(registry),
		auditor:     auditor,
		auditStore:  auditStore,
		scheduler:   scheduler,
		credentials: credsManager,
		keyCache:    keyCache,
		holds:       newHoldSet(),
		logger:      log.With().Str("component", "encryption-engine").Logger(),
	}

	e.logger.Info().
		Str("kmsProvider", settings.KMSProvider).
		Str("storage", settings.StorageBackend).
		Int("policies", len(cfg.Policies)).
		Msg("Encryption engine started")

	return e, nil
}

func buildStores(settings *config.Config, db *mongo.Database) (interfaces.KeyVersionStore, interfaces.EnvelopeStore, interfaces.AuditStore, error) {
	switch settings.StorageBackend {
	case "mongodb":
		if db == nil {
			return nil, nil, nil, fmt.Errorf("mongodb backend requires a database handle")
		}
		return kmsstore.NewMongoDBStore(db), fieldstore.NewMongoDBStore(db), auditstore.NewMongoDBStore(db), nil
	case "memory":
		return kmsstore.NewMemoryStore(), fieldstore.NewMemoryStore(), auditstore.NewMemoryStore(), nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported storage backend %q", settings.StorageBackend)
	}
}

func buildKMSConfig(settings *config.Config, manager interfaces.CredentialsManager, providerCreds map[string]interface{}) (kms.Config, error) {
	cfg := kms.Config{Type: kms.ProviderType(settings.KMSProvider)}

	creds, err := resolveKMSCredentials(manager, settings.KMSProvider, providerCreds)
	if err != nil {
		return cfg, err
	}

	switch cfg.Type {
	case kms.ProviderAWS:
		cfg.AWS = &kms.AWSConfig{
			KeyID:       settings.KMSKeyID,
			Region:      settings.KMSRegion,
			Credentials: creds,
		}
	case kms.ProviderAzure:
		cfg.Azure = &kms.AzureConfig{
			KeyID:        settings.KMSKeyID,
			VaultAddress: settings.KMSVaultAddress,
			Credentials:  creds,
		}
	case kms.ProviderGCP:
		cfg.GCP = &kms.GCPConfig{
			ResourceName: settings.KMSKeyID,
			Credentials:  creds,
		}
	case kms.ProviderVault:
		cfg.Vault = &kms.VaultConfig{
			KeyID:        settings.KMSKeyID,
			VaultAddress: settings.KMSVaultAddress,
			VaultMount:   settings.KMSVaultMount,
			Credentials:  creds,
		}
	case kms.ProviderAead:
		cfg.AeadKeyBase64 = settings.KMSAeadKeyBase64
		cfg.AeadKeyID = settings.KMSKeyID
	}

	return cfg, nil
}

// resolveKMSCredentials returns a decrypted copy of the provider credential
// map. The caller's map keeps its sealed values so it stays safe to persist
// or log.
func resolveKMSCredentials(manager interfaces.CredentialsManager, providerType string, providerCreds map[string]interface{}) (map[string]interface{}, error) {
	if providerCreds == nil {
		return nil, nil
	}

	resolved := make(map[string]interface{}, len(providerCreds))
	for k, v := range providerCreds {
		resolved[k] = v
	}
	if manager == nil {
		return resolved, nil
	}
	if err := manager.DecryptCredentials(providerType, resolved); err != nil {
		return nil, fmt.Errorf("failed to unseal KMS credentials: %w", err)
	}
	return resolved, nil
}

func closeQuietly(ctx context.Context, auditor interfaces.AuditEngine) {
	if err := auditor.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to close audit engine")
	}
}

// EncryptField encrypts one value under its field policy.
func (e *Engine) EncryptField(ctx context.Context, fieldPath string, value interface{}, actor *types.ActorContext) (*types.EncryptedFieldEnvelope, error) {
	return e.fields.EncryptField(ctx, fieldPath, value, actor)
}

// DecryptField decrypts one envelope after a role check.
func (e *Engine) DecryptField(ctx context.Context, env *types.EncryptedFieldEnvelope, actor *types.ActorContext) (interface{}, error) {
	return e.fields.DecryptField(ctx, env, actor)
}

// EncryptRecord encrypts every registered field in the record.
func (e *Engine) EncryptRecord(ctx context.Context, record types.Record, actor *types.ActorContext) (types.Record, error) {
	return e.fields.EncryptRecord(ctx, record, actor)
}

// DecryptRecord decrypts every envelope the actor may read; fields the
// actor lacks permission for are omitted.
func (e *Engine) DecryptRecord(ctx context.Context, record types.Record, actor *types.ActorContext) (types.Record, error) {
	return e.fields.DecryptRecord(ctx, record, actor)
}

// EncryptSearchable encrypts a value and stamps a deterministic search hash.
func (e *Engine) EncryptSearchable(ctx context.Context, fieldPath string, value interface{}, searchKey string, actor *types.ActorContext) (*types.EncryptedFieldEnvelope, error) {
	return e.fields.EncryptSearchable(ctx, fieldPath, value, searchKey, actor)
}

// Match tests a plaintext value against a searchable envelope without
// decrypting it.
func (e *Engine) Match(env *types.EncryptedFieldEnvelope, value, searchKey string) (bool, error) {
	return e.fields.Match(env, value, searchKey)
}

// FilterForRole returns a masked copy of the record for the given roles.
func (e *Engine) FilterForRole(record types.Record, roles []string) types.Record {
	return e.masker.FilterForRole(record, roles)
}

// GetAccessibleFields lists the field paths the roles may decrypt.
func (e *Engine) GetAccessibleFields(roles []string) []string {
	return e.registry.AccessibleFields(roles)
}

// UpdatePolicy replaces or creates a field policy at runtime. Cached key
// material for the field is dropped so no decision derived from the prior
// policy keeps being served.
func (e *Engine) UpdatePolicy(ctx context.Context, p *types.FieldPolicy, actor *types.ActorContext) error {
	if err := e.registry.Update(ctx, p, actor); err != nil {
		return err
	}
	e.keys.InvalidateCache(ctx, p.Path)
	return nil
}

// RotateKey rotates a field's key synchronously.
func (e *Engine) RotateKey(ctx context.Context, fieldPath string, mode types.RotationMode) (*types.RotationResult, error) {
	return e.scheduler.RotateNow(ctx, fieldPath, mode)
}

// RotateAllKeys rotates every non-public field with key material, the
// response to a suspected root key compromise.
func (e *Engine) RotateAllKeys(ctx context.Context, mode types.RotationMode) ([]*types.RotationResult, error) {
	return e.scheduler.RotateAll(ctx, mode)
}

// TriggerEmergencyRotation queues an asynchronous emergency rotation.
func (e *Engine) TriggerEmergencyRotation(fieldPath string) error {
	return e.scheduler.TriggerEmergency(fieldPath)
}

// RollbackKey reverts a field to a prior key version.
func (e *Engine) RollbackKey(ctx context.Context, fieldPath, toVersionID string) (*types.RollbackResult, error) {
	return e.scheduler.Rollback(ctx, fieldPath, toVersionID)
}

// FlushAuditTrail forces pending audit events to storage.
func (e *Engine) FlushAuditTrail(ctx context.Context) error {
	return e.auditor.Flush(ctx)
}

// QueryAuditTrail retrieves stored audit events matching the filter.
func (e *Engine) QueryAuditTrail(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEvent, error) {
	return e.auditor.Query(ctx, filter)
}

// ReconstructTrail returns the capture-ordered event sequence for one
// correlation ID.
func (e *Engine) ReconstructTrail(ctx context.Context, correlationID string) ([]*types.AuditEvent, error) {
	return e.auditor.Reconstruct(ctx, correlationID)
}

// DetectAnomalies inspects one correlation for suspicious access patterns.
func (e *Engine) DetectAnomalies(ctx context.Context, correlationID string) ([]*types.Anomaly, error) {
	return e.auditor.DetectAnomalies(ctx, correlationID)
}

// Credentials exposes the KMS credentials manager, when one is configured.
func (e *Engine) Credentials() interfaces.CredentialsManager {
	return e.credentials
}

// ArchiveExpiredAuditEvents moves events past their retention window into
// the archive, skipping resources under legal hold.
func (e *Engine) ArchiveExpiredAuditEvents(ctx context.Context) (int, error) {
	return e.auditStore.ArchiveEvents(ctx, time.Now().UTC(), e.holds.Has)
}

// Close drains the audit queue, stops the rotation scheduler and releases
// cached key material.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error

	if err := e.scheduler.Stop(ctx); err != nil {
		firstErr = fmt.Errorf("failed to stop rotation scheduler: %w", err)
	}
	if err := e.auditor.Close(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close audit engine: %w", err)
	}
	e.keyCache.Close()

	e.logger.Info().Msg("Encryption engine closed")
	return firstErr
}
