package kms

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/client-data-module-encryption/cache"
	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/kms/store"
	"github.com/root-sector/client-data-module-encryption/policy"
	"github.com/root-sector/client-data-module-encryption/types"
)

func testPolicies() []*types.FieldPolicy {
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
	}
}

func testProvider(t *testing.T) interfaces.KMSProvider {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	provider, err := NewProvider(Config{
		Type:          ProviderAead,
		AeadKeyBase64: base64.StdEncoding.EncodeToString(key),
		AeadKeyID:     "test-root",
	})
	require.NoError(t, err)
	return provider
}

func newTestKeyManager(t *testing.T) (interfaces.KeyManager, *store.MemoryStore) {
	t.Helper()

	registry, err := policy.NewRegistry(testPolicies(), nil)
	require.NoError(t, err)

	versionStore := store.NewMemoryStore()
	keyCache := cache.NewKeyCache(&types.CacheConfig{Enabled: true})
	t.Cleanup(keyCache.Close)

	manager, err := NewService(ServiceConfig{
		Provider:     testProvider(t),
		Store:        versionStore,
		Registry:     registry,
		Cache:        keyCache,
		RotationWait: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	return manager, versionStore
}

func TestGetKeyProvisionsFirstVersion(t *testing.T) {
	manager, versionStore := newTestKeyManager(t)
	ctx := context.Background()

	handle, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)
	defer handle.Destroy()

	assert.Equal(t, 1, handle.Sequence)
	assert.Len(t, handle.Bytes(), 32)

	version, err := versionStore.GetActive(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, handle.VersionID, version.ID)
	assert.Equal(t, types.KeyStatusActive, version.Status)
	assert.NotNil(t, version.BlobInfo)
	assert.False(t, version.ExpiresAt.IsZero())
}

func TestGetKeyIsDeterministicPerVersion(t *testing.T) {
	manager, _ := newTestKeyManager(t)
	ctx := context.Background()

	first, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)
	second, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)

	assert.Equal(t, first.VersionID, second.VersionID)
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestGetKeyDistinctPerField(t *testing.T) {
	manager, _ := newTestKeyManager(t)
	ctx := context.Background()

	taxKey, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)
	emailKey, err := manager.GetKey(ctx, "person.email")
	require.NoError(t, err)

	assert.NotEqual(t, taxKey.Bytes(), emailKey.Bytes())
}

func TestGetKeyUnknownFieldFailsClosed(t *testing.T) {
	manager, _ := newTestKeyManager(t)

	_, err := manager.GetKey(context.Background(), "person.unclassified")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPolicyNotFound)
}

func TestRotationLifecycle(t *testing.T) {
	manager, _ := newTestKeyManager(t)
	ctx := context.Background()

	original, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)

	next, err := manager.BeginRotation(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, types.KeyStatusRotating, next.Status)
	assert.Equal(t, 2, next.Sequence)

	// A second concurrent rotation is refused.
	_, err = manager.BeginRotation(ctx, "person.taxId")
	assert.ErrorIs(t, err, types.ErrRotationInProgress)

	// The active key is unchanged until the rotation completes.
	active, err := manager.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, original.VersionID, active.ID)

	require.NoError(t, manager.CompleteRotation(ctx, "person.taxId", next.ID))

	active, err = manager.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, next.ID, active.ID)

	versions, err := manager.ListVersions(ctx, "person.taxId")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, types.KeyStatusActive, versions[0].Status)
	assert.Equal(t, types.KeyStatusRetired, versions[1].Status)

	// Material for the retired version stays reachable for old envelopes.
	retired, err := manager.GetKeyVersion(ctx, "person.taxId", original.VersionID)
	require.NoError(t, err)
	assert.Equal(t, original.Bytes(), retired.Bytes())

	// And differs from the new active key.
	rotated, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)
	assert.NotEqual(t, original.Bytes(), rotated.Bytes())
}

func TestAbortRotation(t *testing.T) {
	manager, _ := newTestKeyManager(t)
	ctx := context.Background()

	before, err := manager.GetKey(ctx, "person.email")
	require.NoError(t, err)

	next, err := manager.BeginRotation(ctx, "person.email")
	require.NoError(t, err)

	require.NoError(t, manager.AbortRotation(ctx, "person.email", next.ID))

	active, err := manager.ActiveVersion(ctx, "person.email")
	require.NoError(t, err)
	assert.Equal(t, before.VersionID, active.ID)

	// Aborting twice fails because the version is no longer rotating.
	err = manager.AbortRotation(ctx, "person.email", next.ID)
	assert.ErrorIs(t, err, types.ErrRotationFailed)
}

func TestRollbackRestoresRetiredVersion(t *testing.T) {
	manager, _ := newTestKeyManager(t)
	ctx := context.Background()

	original, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)

	next, err := manager.BeginRotation(ctx, "person.taxId")
	require.NoError(t, err)
	require.NoError(t, manager.CompleteRotation(ctx, "person.taxId", next.ID))

	result, err := manager.Rollback(ctx, "person.taxId", original.VersionID)
	require.NoError(t, err)
	assert.Equal(t, original.VersionID, result.RestoredVersionID)

	active, err := manager.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, original.VersionID, active.ID)

	restored, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, original.Bytes(), restored.Bytes())

	versions, err := manager.ListVersions(ctx, "person.taxId")
	require.NoError(t, err)
	for _, v := range versions {
		if v.ID == next.ID {
			assert.Equal(t, types.KeyStatusRolledBack, v.Status)
		}
	}
}

func TestRollbackRejectsNonRetiredTarget(t *testing.T) {
	manager, _ := newTestKeyManager(t)
	ctx := context.Background()

	active, err := manager.GetKey(ctx, "person.taxId")
	require.NoError(t, err)

	_, err = manager.Rollback(ctx, "person.taxId", active.VersionID)
	assert.ErrorIs(t, err, types.ErrRollbackFailed)

	_, err = manager.Rollback(ctx, "person.taxId", "no-such-version")
	assert.ErrorIs(t, err, types.ErrKeyVersionNotFound)
}

func TestGetKeyVersionDestroyedMaterial(t *testing.T) {
	manager, versionStore := newTestKeyManager(t)
	ctx := context.Background()

	handle, err := manager.GetKey(ctx, "person.email")
	require.NoError(t, err)

	version, err := versionStore.Get(ctx, "person.email", handle.VersionID)
	require.NoError(t, err)
	version.BlobInfo = nil
	require.NoError(t, versionStore.Save(ctx, version))
	manager.InvalidateCache(ctx, "person.email")

	_, err = manager.GetKeyVersion(ctx, "person.email", handle.VersionID)
	assert.ErrorIs(t, err, types.ErrKeyVersionDestroyed)
}
