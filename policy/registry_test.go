package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/client-data-module-encryption/types"
)

func seedPolicies() []*types.FieldPolicy {
	return []*types.FieldPolicy{
		{
			Path:         "person.taxId",
			Sensitivity:  types.SensitivityRestricted,
			Cipher:       types.CipherAES256GCM,
			RotationDays: 90,
			AllowedRoles: []string{"compliance-officer"},
			AuditLevel:   types.AuditFull,
			MaskStrategy: types.MaskLast4,
		},
		{
			Path:         "person.email",
			Sensitivity:  types.SensitivityConfidential,
			Cipher:       types.CipherAES256GCM,
			RotationDays: 180,
			AllowedRoles: []string{"support-agent", "compliance-officer"},
			AuditLevel:   types.AuditStandard,
			MaskStrategy: types.MaskDomainOnly,
		},
		{
			Path:        "person.displayName",
			Sensitivity: types.SensitivityPublic,
			Cipher:      types.CipherAES256GCM,
			AuditLevel:  types.AuditStandard,
		},
	}
}

func TestResolveKnownField(t *testing.T) {
	registry, err := NewRegistry(seedPolicies(), nil)
	require.NoError(t, err)

	p, err := registry.Resolve("person.taxId")
	require.NoError(t, err)
	assert.Equal(t, types.SensitivityRestricted, p.Sensitivity)
	assert.Equal(t, []string{"compliance-officer"}, p.AllowedRoles)
}

func TestResolveUnknownFieldFailsClosed(t *testing.T) {
	registry, err := NewRegistry(seedPolicies(), nil)
	require.NoError(t, err)

	_, err = registry.Resolve("person.unclassified")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPolicyNotFound)
}

func TestResolveReturnsCopy(t *testing.T) {
	registry, err := NewRegistry(seedPolicies(), nil)
	require.NoError(t, err)

	p, err := registry.Resolve("person.taxId")
	require.NoError(t, err)
	p.AllowedRoles = nil
	p.Sensitivity = types.SensitivityPublic

	again, err := registry.Resolve("person.taxId")
	require.NoError(t, err)
	assert.Equal(t, types.SensitivityRestricted, again.Sensitivity)
	assert.NotEmpty(t, again.AllowedRoles)
}

func TestNewRegistryRejectsInvalidSeed(t *testing.T) {
	tests := []struct {
		name   string
		policy *types.FieldPolicy
	}{
		{
			name: "non-public without roles",
			policy: &types.FieldPolicy{
				Path:         "person.ssn",
				Sensitivity:  types.SensitivityRestricted,
				Cipher:       types.CipherAES256GCM,
				RotationDays: 90,
				AuditLevel:   types.AuditFull,
			},
		},
		{
			name: "non-public without rotation interval",
			policy: &types.FieldPolicy{
				Path:         "person.ssn",
				Sensitivity:  types.SensitivityRestricted,
				Cipher:       types.CipherAES256GCM,
				AllowedRoles: []string{"compliance-officer"},
				AuditLevel:   types.AuditFull,
			},
		},
		{
			name: "unknown cipher",
			policy: &types.FieldPolicy{
				Path:         "person.ssn",
				Sensitivity:  types.SensitivityRestricted,
				Cipher:       "rot13",
				RotationDays: 90,
				AllowedRoles: []string{"compliance-officer"},
				AuditLevel:   types.AuditFull,
			},
		},
		{
			name:   "missing path",
			policy: &types.FieldPolicy{Sensitivity: types.SensitivityPublic, Cipher: types.CipherAES256GCM, AuditLevel: types.AuditStandard},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry([]*types.FieldPolicy{tt.policy}, nil)
			assert.Error(t, err)
		})
	}
}

func TestAccessibleFields(t *testing.T) {
	registry, err := NewRegistry(seedPolicies(), nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		roles []string
		want  []string
	}{
		{
			name:  "compliance officer sees everything",
			roles: []string{"compliance-officer"},
			want:  []string{"person.displayName", "person.email", "person.taxId"},
		},
		{
			name:  "support agent sees email and public fields",
			roles: []string{"support-agent"},
			want:  []string{"person.displayName", "person.email"},
		},
		{
			name:  "unknown role sees only public fields",
			roles: []string{"intern"},
			want:  []string{"person.displayName"},
		},
		{
			name:  "no roles still sees public fields",
			roles: nil,
			want:  []string{"person.displayName"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, registry.AccessibleFields(tt.roles))
		})
	}
}

func TestUpdateBumpsGeneration(t *testing.T) {
	registry, err := NewRegistry(seedPolicies(), nil)
	require.NoError(t, err)

	before := registry.Generation()

	actor := &types.ActorContext{ActorID: "admin-1", Roles: []string{"security-admin"}}
	updated := &types.FieldPolicy{
		Path:         "person.email",
		Sensitivity:  types.SensitivityRestricted,
		Cipher:       types.CipherAES256GCM,
		RotationDays: 90,
		AllowedRoles: []string{"compliance-officer"},
		AuditLevel:   types.AuditMaximum,
		MaskStrategy: types.MaskRedact,
	}
	require.NoError(t, registry.Update(context.Background(), updated, actor))

	assert.Greater(t, registry.Generation(), before)

	p, err := registry.Resolve("person.email")
	require.NoError(t, err)
	assert.Equal(t, types.SensitivityRestricted, p.Sensitivity)
	assert.False(t, p.UpdatedAt.IsZero())
}

func TestUpdateRejectsInvalidPolicy(t *testing.T) {
	registry, err := NewRegistry(seedPolicies(), nil)
	require.NoError(t, err)

	before := registry.Generation()
	err = registry.Update(context.Background(), &types.FieldPolicy{Path: "person.email"}, nil)
	require.Error(t, err)
	assert.Equal(t, before, registry.Generation())
}
