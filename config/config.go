// Package config loads engine configuration from environment variables.
// Every setting has a working default so a zero-environment process starts
// with the in-memory stores and an AEAD root key must still be provided.
package config

import (
	"time"

	"github.com/allisson/go-env"
	"github.com/jellydator/validation"
)

// Config holds all engine configuration.
type Config struct {
	// KMSProvider selects the root key provider ("aws", "azure", "gcp",
	// "vault" or "aead").
	KMSProvider string
	// KMSKeyID is the provider-side key identifier (ARN, key URL,
	// resource name or transit key name).
	KMSKeyID string
	// KMSRegion is the AWS region, when the provider is "aws".
	KMSRegion string
	// KMSVaultAddress is the Vault server address, when the provider is
	// "vault".
	KMSVaultAddress string
	// KMSVaultMount is the Vault transit mount path.
	KMSVaultMount string
	// KMSAeadKeyBase64 is the base64 root key for the "aead" provider.
	KMSAeadKeyBase64 string

	// CredentialsKeyBase64 encrypts KMS provider credentials at rest.
	CredentialsKeyBase64 string

	// StorageBackend selects envelope/key/audit persistence ("memory" or
	// "mongodb").
	StorageBackend string
	// MongoURI is the MongoDB connection string for the "mongodb" backend.
	MongoURI string
	// MongoDatabase is the database name for the "mongodb" backend.
	MongoDatabase string

	// CacheEnabled toggles the derived key cache.
	CacheEnabled bool
	// CacheTTLMinutes bounds how long a derived key stays cached.
	CacheTTLMinutes int

	// AuditQueueSize bounds the audit submit queue.
	AuditQueueSize int
	// AuditWorkers is the number of audit flush workers.
	AuditWorkers int
	// AuditBatchSize flushes an audit batch when reached.
	AuditBatchSize int
	// AuditFlushInterval flushes partial audit batches.
	AuditFlushInterval time.Duration

	// RotationCronSpec schedules the due-date rotation sweep.
	RotationCronSpec string
	// RotationBatchSize caps envelopes loaded per re-encryption batch.
	RotationBatchSize int
	// RotationParallelism caps fields rotated concurrently per sweep.
	RotationParallelism int
	// RotationEmergencyBudget is the hard time budget of an emergency
	// rotation.
	RotationEmergencyBudget time.Duration

	// MetricsEnabled toggles Prometheus instrumentation.
	MetricsEnabled bool
	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string

	// LogLevel is the zerolog level ("debug", "info", "warn", "error").
	LogLevel string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		KMSProvider:      env.GetString("ENCRYPTION_KMS_PROVIDER", "aead"),
		KMSKeyID:         env.GetString("ENCRYPTION_KMS_KEY_ID", ""),
		KMSRegion:        env.GetString("ENCRYPTION_KMS_REGION", ""),
		KMSVaultAddress:  env.GetString("ENCRYPTION_KMS_VAULT_ADDRESS", ""),
		KMSVaultMount:    env.GetString("ENCRYPTION_KMS_VAULT_MOUNT", "transit"),
		KMSAeadKeyBase64: env.GetString("ENCRYPTION_KMS_AEAD_KEY", ""),

		CredentialsKeyBase64: env.GetString("ENCRYPTION_CREDENTIALS_KEY", ""),

		StorageBackend: env.GetString("ENCRYPTION_STORAGE_BACKEND", "memory"),
		MongoURI:       env.GetString("ENCRYPTION_MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:  env.GetString("ENCRYPTION_MONGO_DATABASE", "encryption"),

		CacheEnabled:    env.GetBool("ENCRYPTION_CACHE_ENABLED", true),
		CacheTTLMinutes: env.GetInt("ENCRYPTION_CACHE_TTL_MINUTES", 5),

		AuditQueueSize:     env.GetInt("ENCRYPTION_AUDIT_QUEUE_SIZE", 4096),
		AuditWorkers:       env.GetInt("ENCRYPTION_AUDIT_WORKERS", 2),
		AuditBatchSize:     env.GetInt("ENCRYPTION_AUDIT_BATCH_SIZE", 64),
		AuditFlushInterval: env.GetDuration("ENCRYPTION_AUDIT_FLUSH_INTERVAL_SECONDS", 2, time.Second),

		RotationCronSpec:        env.GetString("ENCRYPTION_ROTATION_CRON", "0 3 * * *"),
		RotationBatchSize:       env.GetInt("ENCRYPTION_ROTATION_BATCH_SIZE", 100),
		RotationParallelism:     env.GetInt("ENCRYPTION_ROTATION_PARALLELISM", 4),
		RotationEmergencyBudget: env.GetDuration("ENCRYPTION_ROTATION_EMERGENCY_BUDGET_MINUTES", 5, time.Minute),

		MetricsEnabled:   env.GetBool("ENCRYPTION_METRICS_ENABLED", true),
		MetricsNamespace: env.GetString("ENCRYPTION_METRICS_NAMESPACE", "encryption"),

		LogLevel: env.GetString("ENCRYPTION_LOG_LEVEL", "info"),
	}
}

// Validate reports configuration errors before any component is built.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.KMSProvider, validation.Required,
			validation.In("aws", "azure", "gcp", "vault", "aead")),
		validation.Field(&c.KMSAeadKeyBase64,
			validation.Required.When(c.KMSProvider == "aead").
				Error("aead provider requires a base64 root key")),
		validation.Field(&c.KMSKeyID,
			validation.Required.When(c.KMSProvider != "aead").
				Error("cloud KMS providers require a key identifier")),
		validation.Field(&c.StorageBackend, validation.Required,
			validation.In("memory", "mongodb")),
		validation.Field(&c.MongoURI,
			validation.Required.When(c.StorageBackend == "mongodb")),
		validation.Field(&c.MongoDatabase,
			validation.Required.When(c.StorageBackend == "mongodb")),
		validation.Field(&c.CacheTTLMinutes,
			validation.Required.When(c.CacheEnabled), validation.Min(1)),
		validation.Field(&c.AuditQueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.AuditWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.AuditBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.RotationBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.RotationParallelism, validation.Required, validation.Min(1)),
	)
}
