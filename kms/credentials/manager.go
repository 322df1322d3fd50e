// Package credentials protects KMS provider credentials at rest.
package credentials

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/kms"
	"github.com/root-sector/client-data-module-encryption/kms/credentials/symmetric"
)

const maskedValue = "[MASKED]"

// sensitiveKeys lists the credential map entries that must never be stored
// or displayed in the clear, per provider type.
var sensitiveKeys = map[kms.ProviderType][]string{
	kms.ProviderAWS:   {"accessKeyId", "secretAccessKey", "sessionToken"},
	kms.ProviderAzure: {"clientSecret"},
	kms.ProviderGCP:   {"credentialsJson"},
	kms.ProviderVault: {"token"},
}

// credentialManager implements interfaces.CredentialsManager
type credentialManager struct {
	encryptor interfaces.SymmetricEncryptor
}

// NewManager creates a credential manager keyed by a local encryption key.
func NewManager(encryptionKey []byte) (interfaces.CredentialsManager, error) {
	encryptor, err := symmetric.NewEncryption(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	return &credentialManager{encryptor: encryptor}, nil
}

// EncryptCredentials encrypts the sensitive entries of a credentials map in
// place. Already-encrypted and masked values are left untouched.
func (m *credentialManager) EncryptCredentials(providerType string, credentials map[string]interface{}) error {
	if credentials == nil {
		return nil
	}

	for _, key := range sensitiveKeys[kms.ProviderType(providerType)] {
		value, ok := credentials[key].(string)
		if !ok || value == "" || value == maskedValue {
			continue
		}

		encrypted, err := m.encryptor.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s credential %s: %w", providerType, key, err)
		}
		credentials[key] = encrypted
	}

	return nil
}

// DecryptCredentials decrypts the sensitive entries of a credentials map in
// place. Plaintext values pass through unchanged.
func (m *credentialManager) DecryptCredentials(providerType string, credentials map[string]interface{}) error {
	if credentials == nil {
		return nil
	}

	for _, key := range sensitiveKeys[kms.ProviderType(providerType)] {
		value, ok := credentials[key].(string)
		if !ok || value == "" || value == maskedValue {
			continue
		}

		decrypted, err := m.encryptor.Decrypt(value)
		if err != nil {
			log.Error().Str("provider", providerType).Str("credential", key).Msg("Failed to decrypt credential")
			return fmt.Errorf("failed to decrypt %s credential %s: %w", providerType, key, err)
		}
		credentials[key] = decrypted
	}

	return nil
}

// MaskCredentials replaces the sensitive entries of a credentials map with a
// placeholder for display and API responses.
func (m *credentialManager) MaskCredentials(providerType string, credentials map[string]interface{}) {
	if credentials == nil {
		return
	}

	for _, key := range sensitiveKeys[kms.ProviderType(providerType)] {
		if value, ok := credentials[key].(string); ok && value != "" {
			credentials[key] = maskedValue
		}
	}
}
