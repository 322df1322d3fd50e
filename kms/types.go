package kms

// ProviderType identifies the backing root key provider.
type ProviderType string

// Provider type constants
const (
	ProviderAWS   ProviderType = "aws"
	ProviderAzure ProviderType = "azure"
	ProviderGCP   ProviderType = "gcp"
	ProviderVault ProviderType = "vault"
	ProviderAead  ProviderType = "aead"
)

// AWSConfig holds AWS KMS settings
type AWSConfig struct {
	KeyID       string                 `json:"keyId" bson:"keyId"`
	Region      string                 `json:"region" bson:"region"`
	Credentials map[string]interface{} `json:"credentials,omitempty" bson:"credentials,omitempty"`
}

// AzureConfig holds Azure Key Vault settings
type AzureConfig struct {
	KeyID        string                 `json:"keyId" bson:"keyId"`
	VaultAddress string                 `json:"vaultAddress" bson:"vaultAddress"`
	Credentials  map[string]interface{} `json:"credentials,omitempty" bson:"credentials,omitempty"`
}

// GCPConfig holds Google Cloud KMS settings
type GCPConfig struct {
	ResourceName string                 `json:"resourceName" bson:"resourceName"`
	Credentials  map[string]interface{} `json:"credentials,omitempty" bson:"credentials,omitempty"`
}

// VaultConfig holds HashiCorp Vault Transit settings
type VaultConfig struct {
	KeyID        string                 `json:"keyId" bson:"keyId"`
	VaultAddress string                 `json:"vaultAddress" bson:"vaultAddress"`
	VaultMount   string                 `json:"vaultMount,omitempty" bson:"vaultMount,omitempty"`
	Credentials  map[string]interface{} `json:"credentials,omitempty" bson:"credentials,omitempty"`
}

// Config selects and configures the root key provider. Exactly one of the
// provider sections must be populated for the chosen Type. The AEAD provider
// keeps the root key in process memory and exists for tests and air-gapped
// deployments; production deployments use an external KMS.
type Config struct {
	Type ProviderType `json:"type" bson:"type"`

	AWS   *AWSConfig   `json:"aws,omitempty" bson:"aws,omitempty"`
	Azure *AzureConfig `json:"azure,omitempty" bson:"azure,omitempty"`
	GCP   *GCPConfig   `json:"gcp,omitempty" bson:"gcp,omitempty"`
	Vault *VaultConfig `json:"vault,omitempty" bson:"vault,omitempty"`

	// AeadKeyBase64 is the base64-encoded 32-byte root key for the AEAD
	// provider.
	AeadKeyBase64 string `json:"aeadKeyBase64,omitempty" bson:"aeadKeyBase64,omitempty"`
	AeadKeyID     string `json:"aeadKeyId,omitempty" bson:"aeadKeyId,omitempty"`
}
