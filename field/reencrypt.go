package field

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/root-sector/client-data-module-encryption/types"
)

// Reencrypt re-seals an envelope under a new key version. It bypasses role
// checks and is intended for the rotation path, which operates as the system
// on ciphertext it already owns. The old handle must match the version the
// envelope references.
func Reencrypt(env *types.EncryptedFieldEnvelope, oldHandle, newHandle *types.KeyHandle) (*types.EncryptedFieldEnvelope, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is required")
	}
	if oldHandle == nil || newHandle == nil {
		return nil, fmt.Errorf("both key handles are required")
	}
	if env.KeyVersion != oldHandle.VersionID {
		return nil, fmt.Errorf("envelope references version %s, not %s", env.KeyVersion, oldHandle.VersionID)
	}

	plaintext, err := openRaw(env, oldHandle)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(newHandle.Bytes())
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, buildAAD(env.FieldPath, newHandle.VersionID))

	return &types.EncryptedFieldEnvelope{
		Cipher:      env.Cipher,
		Ciphertext:  base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:       base64.StdEncoding.EncodeToString(nonce),
		KeyVersion:  newHandle.VersionID,
		EncryptedAt: time.Now().UTC(),
		FieldPath:   env.FieldPath,
		SearchHash:  env.SearchHash,
	}, nil
}

// Verify authenticates an envelope under the given key without exposing the
// plaintext. Used for sample validation after re-encryption.
func Verify(env *types.EncryptedFieldEnvelope, handle *types.KeyHandle) error {
	if env == nil || handle == nil {
		return fmt.Errorf("envelope and key handle are required")
	}
	if env.KeyVersion != handle.VersionID {
		return fmt.Errorf("envelope references version %s, not %s", env.KeyVersion, handle.VersionID)
	}
	_, err := openRaw(env, handle)
	return err
}

// openRaw authenticates and decrypts without policy interaction.
func openRaw(env *types.EncryptedFieldEnvelope, handle *types.KeyHandle) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext for %s: %w", env.FieldPath, types.ErrIntegrityViolation)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("malformed nonce for %s: %w", env.FieldPath, types.ErrIntegrityViolation)
	}

	gcm, err := newGCM(handle.Bytes())
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce size for %s: %w", env.FieldPath, types.ErrIntegrityViolation)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, buildAAD(env.FieldPath, handle.VersionID))
	if err != nil {
		return nil, fmt.Errorf("authentication failed for %s: %w", env.FieldPath, types.ErrIntegrityViolation)
	}
	return plaintext, nil
}
