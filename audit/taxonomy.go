package audit

import (
	"strings"
	"sync"

	"github.com/root-sector/client-data-module-encryption/types"
)

// Event types form a closed taxonomy. New types are added only through an
// explicit RegisterEventType call; an unregistered type is rejected at
// submission time rather than classified permissively.
const (
	EventTypeLogin       = "authentication.login"
	EventTypeLoginFailed = "authentication.login.failed"

	EventTypeAccessGranted = "authz.access.granted"
	EventTypeAccessDenied  = "authz.access.denied"

	EventTypeDataRead  = "data_access.read"
	EventTypeDataWrite = "data_access.write"

	EventTypeEncrypt     = "encryption.encrypt"
	EventTypeDecrypt     = "encryption.decrypt"
	EventTypeKeyRotation = "encryption.key_rotation"
	EventTypeKeyAccess   = "encryption.key_access"

	EventTypeFieldMasked     = "privacy.field.masked"
	EventTypeLegalHoldPlaced = "privacy.legal_hold.placed"

	EventTypeTamperingDetected   = "security.tampering.detected"
	EventTypeIntegrityFailure    = "security.integrity.failure"
	EventTypeKeyDerivationFailed = "security.key.derivation_failed"
	EventTypeRotationFailed      = "security.rotation.failed"
	EventTypeRollbackFailed      = "security.rollback.failed"

	EventTypeConfigChanged = "system.config.changed"
	EventTypeAuditFallback = "system.audit.fallback"
)

// Operations
const (
	OperationEncrypt  = "encrypt"
	OperationDecrypt  = "decrypt"
	OperationRotate   = "rotate"
	OperationRollback = "rollback"
	OperationMask     = "mask"
	OperationResolve  = "resolve"
)

// Privacy impact levels
const (
	PrivacyImpactNone   = "none"
	PrivacyImpactLow    = "low"
	PrivacyImpactMedium = "medium"
	PrivacyImpactHigh   = "high"
)

// Taxonomy is the registry of known event types and their static
// classifications.
type Taxonomy struct {
	mu      sync.RWMutex
	entries map[string]types.Classification
}

// NewTaxonomy builds the default closed taxonomy.
func NewTaxonomy() *Taxonomy {
	t := &Taxonomy{entries: make(map[string]types.Classification)}
	for eventType, c := range defaultClassifications {
		t.entries[eventType] = c
	}
	return t
}

var defaultClassifications = map[string]types.Classification{
	EventTypeLogin: {
		Category: "authentication", Subcategory: "login",
		Severity: types.SeverityInfo, ComplianceRelevant: true,
		RetentionDays: 365, PrivacyImpact: PrivacyImpactLow,
	},
	EventTypeLoginFailed: {
		Category: "authentication", Subcategory: "login",
		Severity: types.SeverityMedium, ComplianceRelevant: true,
		RetentionDays: 365, PrivacyImpact: PrivacyImpactLow,
	},
	EventTypeAccessGranted: {
		Category: "authorization", Subcategory: "access",
		Severity: types.SeverityInfo, ComplianceRelevant: true,
		RetentionDays: 365, PrivacyImpact: PrivacyImpactLow,
	},
	EventTypeAccessDenied: {
		Category: "authorization", Subcategory: "access",
		Severity: types.SeverityMedium, ComplianceRelevant: true,
		RetentionDays: 730, PrivacyImpact: PrivacyImpactMedium,
	},
	EventTypeDataRead: {
		Category: "data_access", Subcategory: "read",
		Severity: types.SeverityInfo, ComplianceRelevant: true,
		RetentionDays: 365, PrivacyImpact: PrivacyImpactMedium,
	},
	EventTypeDataWrite: {
		Category: "data_access", Subcategory: "write",
		Severity: types.SeverityLow, ComplianceRelevant: true,
		RetentionDays: 365, PrivacyImpact: PrivacyImpactMedium,
	},
	EventTypeEncrypt: {
		Category: "encryption", Subcategory: "encrypt",
		Severity: types.SeverityInfo, ComplianceRelevant: true,
		RetentionDays: 365, PrivacyImpact: PrivacyImpactLow,
	},
	EventTypeDecrypt: {
		Category: "encryption", Subcategory: "decrypt",
		Severity: types.SeverityLow, ComplianceRelevant: true,
		RetentionDays: 365, PrivacyImpact: PrivacyImpactMedium,
	},
	EventTypeKeyRotation: {
		Category: "encryption", Subcategory: "key_rotation",
		Severity: types.SeverityMedium, ComplianceRelevant: true,
		RetentionDays: 1095, PrivacyImpact: PrivacyImpactNone,
	},
	EventTypeKeyAccess: {
		Category: "encryption", Subcategory: "key_access",
		Severity: types.SeverityLow, ComplianceRelevant: true,
		RetentionDays: 1095, PrivacyImpact: PrivacyImpactNone,
	},
	EventTypeFieldMasked: {
		Category: "privacy", Subcategory: "masking",
		Severity: types.SeverityInfo, ComplianceRelevant: true,
		RetentionDays: 365, PrivacyImpact: PrivacyImpactLow,
	},
	EventTypeLegalHoldPlaced: {
		Category: "privacy", Subcategory: "legal_hold",
		Severity: types.SeverityMedium, ComplianceRelevant: true,
		RetentionDays: 2555, PrivacyImpact: PrivacyImpactHigh,
	},
	EventTypeTamperingDetected: {
		Category: "security", Subcategory: "tampering",
		Severity: types.SeverityCritical, ComplianceRelevant: true,
		RetentionDays: 2555, PrivacyImpact: PrivacyImpactHigh,
	},
	EventTypeIntegrityFailure: {
		Category: "security", Subcategory: "integrity",
		Severity: types.SeverityCritical, ComplianceRelevant: true,
		RetentionDays: 2555, PrivacyImpact: PrivacyImpactHigh,
	},
	EventTypeKeyDerivationFailed: {
		Category: "security", Subcategory: "key_derivation",
		Severity: types.SeverityHigh, ComplianceRelevant: true,
		RetentionDays: 1095, PrivacyImpact: PrivacyImpactNone,
	},
	EventTypeRotationFailed: {
		Category: "security", Subcategory: "rotation",
		Severity: types.SeverityHigh, ComplianceRelevant: true,
		RetentionDays: 1095, PrivacyImpact: PrivacyImpactNone,
	},
	EventTypeRollbackFailed: {
		Category: "security", Subcategory: "rollback",
		Severity: types.SeverityCritical, ComplianceRelevant: true,
		RetentionDays: 2555, PrivacyImpact: PrivacyImpactNone,
	},
	EventTypeConfigChanged: {
		Category: "system", Subcategory: "config",
		Severity: types.SeverityMedium, ComplianceRelevant: true,
		RetentionDays: 1095, PrivacyImpact: PrivacyImpactNone,
	},
	EventTypeAuditFallback: {
		Category: "system", Subcategory: "audit",
		Severity: types.SeverityHigh, ComplianceRelevant: true,
		RetentionDays: 1095, PrivacyImpact: PrivacyImpactNone,
	},
}

// Classify returns the classification for an event type, or
// types.ErrUnknownEventType for anything outside the closed set.
func (t *Taxonomy) Classify(eventType string) (types.Classification, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.entries[eventType]
	if !ok {
		return types.Classification{}, types.ErrUnknownEventType
	}
	return c, nil
}

// Contains reports whether the event type is registered.
func (t *Taxonomy) Contains(eventType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[eventType]
	return ok
}

// RegisterEventType extends the taxonomy. The event type must belong to one
// of the known top-level families.
func (t *Taxonomy) RegisterEventType(eventType string, c types.Classification) error {
	family, _, found := strings.Cut(eventType, ".")
	if !found || !knownFamilies[family] {
		return types.ErrUnknownEventType
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[eventType] = c
	return nil
}

var knownFamilies = map[string]bool{
	"authentication": true,
	"authorization":  true,
	"authz":          true,
	"data_access":    true,
	"encryption":     true,
	"privacy":        true,
	"security":       true,
	"system":         true,
}
