package types

import (
	"time"
)

// EncryptedFieldEnvelope is the persisted and transmitted form of one
// encrypted field value. The JSON shape is stable across implementations:
// {cipher, ciphertext, nonce, keyVersion, encryptedAt, fieldPath}.
// The authentication tag is concatenated with the ciphertext (GCM).
type EncryptedFieldEnvelope struct {
	Cipher      string    `json:"cipher" bson:"cipher"`
	Ciphertext  string    `json:"ciphertext" bson:"ciphertext"` // base64
	Nonce       string    `json:"nonce" bson:"nonce"`           // base64
	KeyVersion  string    `json:"keyVersion" bson:"keyVersion"`
	EncryptedAt time.Time `json:"encryptedAt" bson:"encryptedAt"`
	FieldPath   string    `json:"fieldPath" bson:"fieldPath"`

	// SearchHash is an optional deterministic HMAC of the plaintext for
	// equality lookups without decryption.
	SearchHash string `json:"searchHash,omitempty" bson:"searchHash,omitempty"`
}

// StoredEnvelope is an envelope at rest, addressable for re-encryption
// during key rotation. RecordRef points back into the owning record store.
type StoredEnvelope struct {
	ID        string                  `json:"id" bson:"_id"`
	RecordRef string                  `json:"recordRef" bson:"recordRef"`
	Envelope  *EncryptedFieldEnvelope `json:"envelope" bson:"envelope"`
	UpdatedAt time.Time               `json:"updatedAt" bson:"updatedAt"`
}

// Record is a loosely typed record as handed over by the CRUD layer.
// Encrypted fields hold *EncryptedFieldEnvelope values, everything else
// passes through untouched.
type Record map[string]interface{}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
