package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/client-data-module-encryption/types"
)

func TestTaxonomyClassify(t *testing.T) {
	taxonomy := NewTaxonomy()

	tests := []struct {
		eventType string
		category  string
		severity  types.Severity
		retention int
	}{
		{EventTypeAccessDenied, "authorization", types.SeverityMedium, 730},
		{EventTypeDecrypt, "encryption", types.SeverityLow, 365},
		{EventTypeIntegrityFailure, "security", types.SeverityCritical, 2555},
		{EventTypeLegalHoldPlaced, "privacy", types.SeverityMedium, 2555},
		{EventTypeConfigChanged, "system", types.SeverityMedium, 1095},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			c, err := taxonomy.Classify(tt.eventType)
			require.NoError(t, err)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, tt.retention, c.RetentionDays)
			assert.True(t, c.ComplianceRelevant)
		})
	}
}

func TestTaxonomyRejectsUnknownType(t *testing.T) {
	taxonomy := NewTaxonomy()

	_, err := taxonomy.Classify("billing.invoice.created")
	assert.ErrorIs(t, err, types.ErrUnknownEventType)
	assert.False(t, taxonomy.Contains("billing.invoice.created"))
}

func TestTaxonomyRegisterEventType(t *testing.T) {
	taxonomy := NewTaxonomy()

	err := taxonomy.RegisterEventType("privacy.data.exported", types.Classification{
		Category: "privacy", Subcategory: "export",
		Severity: types.SeverityHigh, ComplianceRelevant: true,
		RetentionDays: 1095, PrivacyImpact: PrivacyImpactHigh,
	})
	require.NoError(t, err)
	assert.True(t, taxonomy.Contains("privacy.data.exported"))

	c, err := taxonomy.Classify("privacy.data.exported")
	require.NoError(t, err)
	assert.Equal(t, types.SeverityHigh, c.Severity)
}

func TestTaxonomyRegisterRejectsUnknownFamily(t *testing.T) {
	taxonomy := NewTaxonomy()

	err := taxonomy.RegisterEventType("billing.invoice.created", types.Classification{})
	assert.ErrorIs(t, err, types.ErrUnknownEventType)

	err = taxonomy.RegisterEventType("nodots", types.Classification{})
	assert.ErrorIs(t, err, types.ErrUnknownEventType)
}
