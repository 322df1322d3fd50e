package types

import (
	"time"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
)

// KeyStatus tracks the lifecycle of one key version.
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "active"
	KeyStatusRotating   KeyStatus = "rotating"
	KeyStatusRetired    KeyStatus = "retired"
	KeyStatusRolledBack KeyStatus = "rolled_back"
)

// KeyVersion represents one generation of a derived key for a field policy.
// The derived key material is stored wrapped (sealed by the root key via the
// configured KMS wrapper); it never leaves the key manager unwrapped except
// inside an opaque KeyHandle.
type KeyVersion struct {
	ID        string    `json:"id" bson:"_id"`
	FieldPath string    `json:"fieldPath" bson:"fieldPath"`
	Sequence  int       `json:"sequence" bson:"sequence"`
	Status    KeyStatus `json:"status" bson:"status"`

	// BlobInfo holds the wrapped derived key exactly as returned by the
	// KMS wrapper.
	BlobInfo *wrapping.BlobInfo `json:"blobInfo" bson:"blobInfo"`

	// DerivationContext binds the key to its field path and sensitivity.
	// Unwrapping with a different context must fail.
	DerivationContext []byte `json:"derivationContext" bson:"derivationContext"`

	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
	ActivatedAt time.Time `json:"activatedAt,omitempty" bson:"activatedAt,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"`
	RetiredAt   time.Time `json:"retiredAt,omitempty" bson:"retiredAt,omitempty"`
}

// Due reports whether the version is past its scheduled rotation time.
func (v *KeyVersion) Due(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// KeyHandle is the opaque form in which key material is exposed to the
// field encryption service. The material is held in wiped memory and the
// handle identifies the exact version it came from.
type KeyHandle struct {
	VersionID string
	Sequence  int
	material  *SecureBytes
}

// NewKeyHandle wraps raw key material in a handle. The caller's slice is
// copied; the handle owns its copy.
func NewKeyHandle(versionID string, sequence int, material []byte) *KeyHandle {
	return &KeyHandle{
		VersionID: versionID,
		Sequence:  sequence,
		material:  NewSecureBytes(material),
	}
}

// Bytes returns a copy of the key material.
func (h *KeyHandle) Bytes() []byte {
	if h == nil || h.material == nil {
		return nil
	}
	return h.material.Get()
}

// Destroy wipes the key material held by the handle.
func (h *KeyHandle) Destroy() {
	if h != nil && h.material != nil {
		h.material.Clear()
	}
}
