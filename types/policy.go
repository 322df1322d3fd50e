package types

import (
	"time"

	"github.com/jellydator/validation"
)

// Sensitivity is the ordered classification level of a protected field.
// Higher values require stricter handling.
type Sensitivity int

const (
	SensitivityPublic Sensitivity = iota
	SensitivityInternal
	SensitivityConfidential
	SensitivityRestricted
	SensitivityTopSecret
)

var sensitivityNames = map[Sensitivity]string{
	SensitivityPublic:       "public",
	SensitivityInternal:     "internal",
	SensitivityConfidential: "confidential",
	SensitivityRestricted:   "restricted",
	SensitivityTopSecret:    "top_secret",
}

func (s Sensitivity) String() string {
	if name, ok := sensitivityNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsValid reports whether the sensitivity is a known level.
func (s Sensitivity) IsValid() bool {
	_, ok := sensitivityNames[s]
	return ok
}

// AuditLevel controls how much detail is captured for operations on a field.
type AuditLevel string

const (
	AuditStandard AuditLevel = "standard"
	AuditFull     AuditLevel = "full"
	AuditMaximum  AuditLevel = "maximum"
)

// Cipher identifiers supported by the field encryption service.
const (
	CipherAES256GCM = "aes256-gcm"
)

// Masking strategy identifiers understood by the masking controller.
const (
	MaskLast4      = "last4"
	MaskDomainOnly = "domain_only"
	MaskNameHint   = "name_hint"
	MaskRedact     = "redact"
)

// FieldPolicy describes how a single field (addressed by its dotted path,
// e.g. "person.taxId") must be protected.
type FieldPolicy struct {
	Path         string      `json:"path" bson:"_id"`
	Sensitivity  Sensitivity `json:"sensitivity" bson:"sensitivity"`
	Cipher       string      `json:"cipher" bson:"cipher"`
	RotationDays int         `json:"rotationDays" bson:"rotationDays"`
	AllowedRoles []string    `json:"allowedRoles" bson:"allowedRoles"`
	AuditLevel   AuditLevel  `json:"auditLevel" bson:"auditLevel"`
	MaskStrategy string      `json:"maskStrategy" bson:"maskStrategy"`
	CreatedAt    time.Time   `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt" bson:"updatedAt"`
}

// Validate checks the structural invariants of a policy. Every non-public
// field must carry a rotation interval and at least one allowed role.
func (p FieldPolicy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Path, validation.Required),
		validation.Field(&p.Cipher, validation.Required, validation.In(CipherAES256GCM)),
		validation.Field(&p.AuditLevel, validation.Required,
			validation.In(AuditStandard, AuditFull, AuditMaximum)),
		validation.Field(&p.Sensitivity, validation.By(func(interface{}) error {
			if !p.Sensitivity.IsValid() {
				return validation.NewError("validation_sensitivity", "unknown sensitivity level")
			}
			return nil
		})),
		validation.Field(&p.RotationDays, validation.By(func(interface{}) error {
			if p.Sensitivity > SensitivityPublic && p.RotationDays <= 0 {
				return validation.NewError("validation_rotation", "non-public fields require a rotation interval")
			}
			return nil
		})),
		validation.Field(&p.AllowedRoles, validation.By(func(interface{}) error {
			if p.Sensitivity > SensitivityPublic && len(p.AllowedRoles) == 0 {
				return validation.NewError("validation_roles", "non-public fields require at least one allowed role")
			}
			return nil
		})),
	)
}

// PermitsRole reports whether any of the given roles may read the field
// unmasked. Public fields are readable by everyone.
func (p *FieldPolicy) PermitsRole(roles []string) bool {
	if p.Sensitivity == SensitivityPublic {
		return true
	}
	for _, role := range roles {
		for _, allowed := range p.AllowedRoles {
			if role == allowed {
				return true
			}
		}
	}
	return false
}

// RotationInterval returns the rotation interval as a duration. Zero for
// public fields, which are never rotated.
func (p *FieldPolicy) RotationInterval() time.Duration {
	return time.Duration(p.RotationDays) * 24 * time.Hour
}
