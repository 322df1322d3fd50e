// Package symmetric seals short configuration secrets with AES-256-GCM.
package symmetric

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/root-sector/client-data-module-encryption/interfaces"
)

// Sealed values carry a marker so sealing is idempotent and plaintext
// passes through Decrypt unchanged.
const (
	sealedPrefix = "ENC["
	sealedSuffix = "]"
)

// encryption implements interfaces.SymmetricEncryptor. The AEAD is built
// once at construction; Encrypt and Decrypt only pay for the GCM operation.
type encryption struct {
	aead cipher.AEAD
}

// NewEncryption creates an encryptor keyed by the first 32 bytes of key.
func NewEncryption(key []byte) (interfaces.SymmetricEncryptor, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("encryption key must be at least 32 bytes")
	}

	// Always use exactly 32 bytes for AES-256
	key = key[:32]

	if countUniqueBytes(key) < 16 {
		return nil, fmt.Errorf("key has insufficient entropy")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	return &encryption{aead: aead}, nil
}

// countUniqueBytes backs a cheap sanity check against all-zero or heavily
// repeated keys.
func countUniqueBytes(key []byte) int {
	var seen [256]bool
	unique := 0
	for _, b := range key {
		if !seen[b] {
			seen[b] = true
			unique++
		}
	}
	return unique
}

func isSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix) && strings.HasSuffix(s, sealedSuffix)
}

// Encrypt seals a plaintext value. Already sealed values pass through.
func (e *encryption) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("plaintext cannot be empty")
	}
	if isSealed(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.URLEncoding.EncodeToString(sealed) + sealedSuffix, nil
}

// Decrypt opens a sealed value. Plaintext values pass through unchanged.
func (e *encryption) Decrypt(value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("ciphertext cannot be empty")
	}
	if !isSealed(value) {
		return value, nil
	}

	trimmed := strings.TrimSuffix(strings.TrimPrefix(value, sealedPrefix), sealedSuffix)
	decoded, err := base64.URLEncoding.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(decoded) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, decoded[:nonceSize], decoded[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
