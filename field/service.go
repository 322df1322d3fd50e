// Package field implements envelope encryption of individual record fields.
package field

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/client-data-module-encryption/audit"
	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/metrics"
	"github.com/root-sector/client-data-module-encryption/types"
)

// ServiceConfig carries the dependencies of the field encryption service.
type ServiceConfig struct {
	Registry interfaces.PolicyRegistry
	Keys     interfaces.KeyManager
	Audit    interfaces.AuditEngine
	Metrics  *metrics.Metrics
}

// service implements interfaces.FieldService with AES-256-GCM. The AAD binds
// every ciphertext to its field path and key version, so an envelope moved
// to another field or replayed against a different key fails authentication.
type service struct {
	registry interfaces.PolicyRegistry
	keys     interfaces.KeyManager
	audit    interfaces.AuditEngine
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewService creates the field encryption service.
func NewService(cfg ServiceConfig) (interfaces.FieldService, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("policy registry is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key manager is required")
	}

	return &service{
		registry: cfg.Registry,
		keys:     cfg.Keys,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   log.With().Str("component", "field-service").Logger(),
	}, nil
}

// buildAAD produces the authenticated context for one envelope.
func buildAAD(fieldPath, keyVersion string) []byte {
	return []byte(fieldPath + "|" + keyVersion)
}

// EncryptField encrypts one value under the field's active key.
func (s *service) EncryptField(ctx context.Context, fieldPath string, value interface{}, actor *types.ActorContext) (*types.EncryptedFieldEnvelope, error) {
	if isEmptyValue(value) {
		return nil, nil
	}

	policy, err := s.registry.Resolve(fieldPath)
	if err != nil {
		return nil, err
	}

	plaintext, err := encodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", fieldPath, err)
	}

	handle, err := s.keys.GetKey(ctx, fieldPath)
	if err != nil {
		s.metrics.RecordCryptoOp("encrypt", "error")
		s.auditCrypto(ctx, policy, audit.EventTypeEncrypt, actor, "", err)
		return nil, err
	}
	defer handle.Destroy()

	gcm, err := newGCM(handle.Bytes())
	if err != nil {
		s.metrics.RecordCryptoOp("encrypt", "error")
		s.auditCrypto(ctx, policy, audit.EventTypeEncrypt, actor, handle.VersionID, err)
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		s.metrics.RecordCryptoOp("encrypt", "error")
		err = fmt.Errorf("failed to generate nonce: %w", err)
		s.auditCrypto(ctx, policy, audit.EventTypeEncrypt, actor, handle.VersionID, err)
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, buildAAD(fieldPath, handle.VersionID))

	envelope := &types.EncryptedFieldEnvelope{
		Cipher:      policy.Cipher,
		Ciphertext:  base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:       base64.StdEncoding.EncodeToString(nonce),
		KeyVersion:  handle.VersionID,
		EncryptedAt: time.Now().UTC(),
		FieldPath:   fieldPath,
	}

	s.metrics.RecordCryptoOp("encrypt", "success")
	s.auditCrypto(ctx, policy, audit.EventTypeEncrypt, actor, handle.VersionID, nil)

	return envelope, nil
}

// DecryptField checks the actor's roles against the policy, then decrypts
// under the exact key version the envelope references.
func (s *service) DecryptField(ctx context.Context, env *types.EncryptedFieldEnvelope, actor *types.ActorContext) (interface{}, error) {
	if env == nil {
		return nil, nil
	}

	policy, err := s.registry.Resolve(env.FieldPath)
	if err != nil {
		return nil, err
	}

	roles := actorRoles(actor)
	if !policy.PermitsRole(roles) {
		s.metrics.RecordCryptoOp("decrypt", "denied")

		event := audit.NewEvent(audit.EventTypeAccessDenied, actor)
		event = audit.WithField(event, env.FieldPath)
		event = audit.WithReason(event, "role not permitted by field policy")
		s.submitAudit(ctx, event)

		return nil, fmt.Errorf("field %s: %w", env.FieldPath, types.ErrPermissionDenied)
	}

	handle, err := s.keys.GetKeyVersion(ctx, env.FieldPath, env.KeyVersion)
	if err != nil {
		s.metrics.RecordCryptoOp("decrypt", "error")
		s.auditCrypto(ctx, policy, audit.EventTypeDecrypt, actor, env.KeyVersion, err)
		return nil, err
	}
	defer handle.Destroy()

	plaintext, err := openRaw(env, handle)
	if err != nil {
		s.metrics.RecordCryptoOp("decrypt", "integrity_failure")

		event := audit.NewEvent(audit.EventTypeIntegrityFailure, actor)
		event = audit.WithField(event, env.FieldPath)
		event = audit.WithKeyVersion(event, env.KeyVersion)
		event = audit.WithError(event, err)
		s.submitAudit(ctx, event)

		return nil, err
	}

	value, err := decodeValue(plaintext)
	if err != nil {
		s.metrics.RecordCryptoOp("decrypt", "integrity_failure")
		s.auditCrypto(ctx, policy, audit.EventTypeDecrypt, actor, env.KeyVersion, err)
		return nil, err
	}

	s.metrics.RecordCryptoOp("decrypt", "success")
	s.auditCrypto(ctx, policy, audit.EventTypeDecrypt, actor, env.KeyVersion, nil)

	return value, nil
}

// EncryptRecord applies EncryptField across a record. Fields without a
// registered policy pass through untouched.
func (s *service) EncryptRecord(ctx context.Context, record types.Record, actor *types.ActorContext) (types.Record, error) {
	if record == nil {
		return nil, nil
	}
	out, err := s.encryptInto(ctx, "", map[string]interface{}(record), actor)
	if err != nil {
		return nil, err
	}
	return types.Record(out), nil
}

func (s *service) encryptInto(ctx context.Context, prefix string, in map[string]interface{}, actor *types.ActorContext) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		path := joinPath(prefix, key)

		if nested, ok := value.(map[string]interface{}); ok {
			encrypted, err := s.encryptInto(ctx, path, nested, actor)
			if err != nil {
				return nil, err
			}
			out[key] = encrypted
			continue
		}

		if _, err := s.registry.Resolve(path); err != nil {
			// Unregistered paths pass through
			out[key] = value
			continue
		}

		envelope, err := s.EncryptField(ctx, path, value, actor)
		if err != nil {
			return nil, err
		}
		if envelope == nil {
			out[key] = value
			continue
		}
		out[key] = envelope
	}
	return out, nil
}

// DecryptRecord applies DecryptField across a record. Fields the actor may
// not read are omitted from the result instead of failing the whole record.
func (s *service) DecryptRecord(ctx context.Context, record types.Record, actor *types.ActorContext) (types.Record, error) {
	if record == nil {
		return nil, nil
	}
	out, err := s.decryptInto(ctx, map[string]interface{}(record), actor)
	if err != nil {
		return nil, err
	}
	return types.Record(out), nil
}

func (s *service) decryptInto(ctx context.Context, in map[string]interface{}, actor *types.ActorContext) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		envelope := asEnvelope(value)
		if envelope == nil {
			if nested, ok := value.(map[string]interface{}); ok {
				decrypted, err := s.decryptInto(ctx, nested, actor)
				if err != nil {
					return nil, err
				}
				out[key] = decrypted
				continue
			}
			out[key] = value
			continue
		}

		plaintext, err := s.DecryptField(ctx, envelope, actor)
		if err != nil {
			if isPermissionError(err) {
				continue
			}
			return nil, err
		}
		out[key] = plaintext
	}
	return out, nil
}

// EncryptSearchable additionally stamps a deterministic search hash so the
// envelope supports equality lookups without decryption.
func (s *service) EncryptSearchable(ctx context.Context, fieldPath string, value interface{}, searchKey string, actor *types.ActorContext) (*types.EncryptedFieldEnvelope, error) {
	envelope, err := s.EncryptField(ctx, fieldPath, value, actor)
	if err != nil || envelope == nil {
		return envelope, err
	}

	envelope.SearchHash = searchHash(searchString(value), searchKey)
	return envelope, nil
}

// Match compares a plaintext value against a searchable envelope's hash.
func (s *service) Match(env *types.EncryptedFieldEnvelope, value string, searchKey string) (bool, error) {
	if env == nil || env.SearchHash == "" {
		return false, fmt.Errorf("envelope carries no search hash")
	}

	expected, err := base64.StdEncoding.DecodeString(env.SearchHash)
	if err != nil {
		return false, fmt.Errorf("malformed search hash: %w", types.ErrIntegrityViolation)
	}

	mac := hmac.New(sha256.New, []byte(searchKey))
	mac.Write([]byte(value))
	return hmac.Equal(expected, mac.Sum(nil)), nil
}

// auditCrypto emits the single audit event each cryptographic operation
// produces, success or failure. The policy's audit level controls how much
// context the event carries, never whether it exists. Standard level trims
// the key version; Maximum additionally records the cipher suite.
func (s *service) auditCrypto(ctx context.Context, policy *types.FieldPolicy, eventType string, actor *types.ActorContext, keyVersion string, opErr error) {
	event := audit.NewEvent(eventType, actor)
	event = audit.WithField(event, policy.Path)
	if keyVersion != "" && policy.AuditLevel != types.AuditStandard {
		event = audit.WithKeyVersion(event, keyVersion)
	}
	if policy.AuditLevel == types.AuditMaximum {
		event = audit.WithCipher(event, policy.Cipher)
	}
	if opErr != nil {
		event = audit.WithError(event, opErr)
	}
	s.submitAudit(ctx, event)
}

func (s *service) submitAudit(ctx context.Context, event *types.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Submit(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("eventType", event.EventType).Msg("Failed to submit audit event")
	}
}

// searchHash creates an HMAC-SHA256 hash of the value using the search key.
func searchHash(value, searchKey string) string {
	mac := hmac.New(sha256.New, []byte(searchKey))
	mac.Write([]byte(value))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func searchString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func actorRoles(actor *types.ActorContext) []string {
	if actor == nil {
		return nil
	}
	return actor.Roles
}

// asEnvelope recognizes envelope values both as typed structs and as the
// generic maps they become after a BSON or JSON round trip.
func asEnvelope(value interface{}) *types.EncryptedFieldEnvelope {
	switch v := value.(type) {
	case *types.EncryptedFieldEnvelope:
		return v
	case types.EncryptedFieldEnvelope:
		return &v
	case map[string]interface{}:
		ciphertext, okCipher := v["ciphertext"].(string)
		keyVersion, okVersion := v["keyVersion"].(string)
		fieldPath, okPath := v["fieldPath"].(string)
		nonce, okNonce := v["nonce"].(string)
		if !okCipher || !okVersion || !okPath || !okNonce {
			return nil
		}
		env := &types.EncryptedFieldEnvelope{
			Ciphertext: ciphertext,
			KeyVersion: keyVersion,
			FieldPath:  fieldPath,
			Nonce:      nonce,
		}
		if c, ok := v["cipher"].(string); ok {
			env.Cipher = c
		}
		if h, ok := v["searchHash"].(string); ok {
			env.SearchHash = h
		}
		return env
	default:
		return nil
	}
}

func isPermissionError(err error) bool {
	return errors.Is(err, types.ErrPermissionDenied)
}
