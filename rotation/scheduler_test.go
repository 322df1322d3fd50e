package rotation

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector/client-data-module-encryption/cache"
	"github.com/root-sector/client-data-module-encryption/field"
	fieldstore "github.com/root-sector/client-data-module-encryption/field/store"
	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/kms"
	kmsstore "github.com/root-sector/client-data-module-encryption/kms/store"
	"github.com/root-sector/client-data-module-encryption/policy"
	"github.com/root-sector/client-data-module-encryption/types"
)

type fixture struct {
	scheduler *Scheduler
	registry  *policy.Registry
	fields    interfaces.FieldService
	keys      interfaces.KeyManager
	envelopes *fieldstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry, err := policy.NewRegistry([]*types.FieldPolicy{
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
			Path:         "person.displayName",
			Sensitivity:  types.SensitivityPublic,
			Cipher:       types.CipherAES256GCM,
			AuditLevel:   types.AuditStandard,
			MaskStrategy: types.MaskNameHint,
		},
	}, nil)
	require.NoError(t, err)

	rootKey := make([]byte, 32)
	for i := range rootKey {
		rootKey[i] = byte(i + 11)
	}
	provider, err := kms.NewProvider(kms.Config{
		Type:          kms.ProviderAead,
		AeadKeyBase64: base64.StdEncoding.EncodeToString(rootKey),
	})
	require.NoError(t, err)

	keyCache := cache.NewKeyCache(&types.CacheConfig{Enabled: true})
	t.Cleanup(keyCache.Close)

	keys, err := kms.NewService(kms.ServiceConfig{
		Provider: provider,
		Store:    kmsstore.NewMemoryStore(),
		Registry: registry,
		Cache:    keyCache,
	})
	require.NoError(t, err)

	fields, err := field.NewService(field.ServiceConfig{
		Registry: registry,
		Keys:     keys,
	})
	require.NoError(t, err)

	envelopes := fieldstore.NewMemoryStore()
	scheduler, err := NewScheduler(SchedulerConfig{
		Registry:        registry,
		Keys:            keys,
		Envelopes:       envelopes,
		BatchSize:       50,
		EmergencyBudget: 10 * time.Second,
	})
	require.NoError(t, err)

	return &fixture{
		scheduler: scheduler,
		registry:  registry,
		fields:    fields,
		keys:      keys,
		envelopes: envelopes,
	}
}

func (f *fixture) officer() *types.ActorContext {
	return &types.ActorContext{ActorID: "officer-1", Roles: []string{"compliance-officer"}}
}

// seed encrypts count values and persists them as stored envelopes.
func (f *fixture) seed(t *testing.T, count int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < count; i++ {
		envelope, err := f.fields.EncryptField(ctx, "person.taxId", fmt.Sprintf("DE-%06d", i), f.officer())
		require.NoError(t, err)
		require.NoError(t, f.envelopes.Save(ctx, &types.StoredEnvelope{
			ID:        fmt.Sprintf("env-%06d", i),
			RecordRef: fmt.Sprintf("person/%06d", i),
			Envelope:  envelope,
		}))
	}
}

func TestRotateNowReencryptsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, 25)
	before, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)

	result, err := f.scheduler.RotateNow(ctx, "person.taxId", types.RotationScheduled)
	require.NoError(t, err)
	assert.Equal(t, 25, result.Reencrypted)
	assert.Equal(t, before.ID, result.OldVersionID)
	assert.False(t, result.RolledBack)

	after, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, result.NewVersionID, after.ID)
	assert.NotEqual(t, before.ID, after.ID)

	// No envelope still references the retired version.
	remaining, err := f.envelopes.CountByKeyVersion(ctx, "person.taxId", before.ID)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	// Every envelope decrypts under the new version.
	for i := 0; i < 25; i++ {
		stored, err := f.envelopes.Get(ctx, fmt.Sprintf("env-%06d", i))
		require.NoError(t, err)
		assert.Equal(t, result.NewVersionID, stored.Envelope.KeyVersion)

		value, err := f.fields.DecryptField(ctx, stored.Envelope, f.officer())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("DE-%06d", i), value)
	}
}

func TestRotateNowWithNoEnvelopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Provision the field without storing envelopes.
	_, err := f.keys.GetKey(ctx, "person.taxId")
	require.NoError(t, err)

	result, err := f.scheduler.RotateNow(ctx, "person.taxId", types.RotationScheduled)
	require.NoError(t, err)
	assert.Zero(t, result.Reencrypted)
}

func TestConcurrentRotationRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1)

	_, err := f.scheduler.coordinator.Begin(ctx, "person.taxId", types.RotationScheduled)
	require.NoError(t, err)
	defer f.scheduler.coordinator.Finish("person.taxId", StatusCompleted, nil)

	_, err = f.scheduler.RotateNow(ctx, "person.taxId", types.RotationScheduled)
	assert.ErrorIs(t, err, types.ErrRotationInProgress)
}

func TestRollbackRevertsEnvelopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, 10)
	original, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)

	rotation, err := f.scheduler.RotateNow(ctx, "person.taxId", types.RotationScheduled)
	require.NoError(t, err)

	result, err := f.scheduler.Rollback(ctx, "person.taxId", original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.ID, result.RestoredVersionID)
	assert.Equal(t, 10, result.RevertedEnvelopes)

	active, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, original.ID, active.ID)

	// Envelopes reference the restored version and still decrypt.
	for i := 0; i < 10; i++ {
		stored, err := f.envelopes.Get(ctx, fmt.Sprintf("env-%06d", i))
		require.NoError(t, err)
		assert.Equal(t, original.ID, stored.Envelope.KeyVersion)

		value, err := f.fields.DecryptField(ctx, stored.Envelope, f.officer())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("DE-%06d", i), value)
	}

	// Nothing references the benched version anymore.
	remaining, err := f.envelopes.CountByKeyVersion(ctx, "person.taxId", rotation.NewVersionID)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestRollbackToActiveVersionRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 1)

	active, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)

	_, err = f.scheduler.Rollback(ctx, "person.taxId", active.ID)
	assert.ErrorIs(t, err, types.ErrRollbackFailed)
}

func TestEmergencyRotationUnderConcurrentReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const envelopeCount = 1000
	f.seed(t, envelopeCount)

	stop := make(chan struct{})
	var readerErr error
	var once sync.Once
	var readers sync.WaitGroup

	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func(offset int) {
			defer readers.Done()
			i := offset
			for {
				select {
				case <-stop:
					return
				default:
				}

				id := fmt.Sprintf("env-%06d", i%envelopeCount)
				stored, err := f.envelopes.Get(ctx, id)
				if err == nil {
					_, err = f.fields.DecryptField(ctx, stored.Envelope, f.officer())
				}
				if err != nil {
					once.Do(func() { readerErr = fmt.Errorf("%s: %w", id, err) })
					return
				}
				i += 7
			}
		}(r)
	}

	result, err := f.scheduler.RotateNow(ctx, "person.taxId", types.RotationEmergency)
	close(stop)
	readers.Wait()

	require.NoError(t, err)
	assert.Equal(t, envelopeCount, result.Reencrypted)
	assert.NoError(t, readerErr, "decryption must keep working during rotation")
}

func TestEmergencyBudgetExceededRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, 20)
	before, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)

	tight, err := NewScheduler(SchedulerConfig{
		Registry:        f.registry,
		Keys:            f.keys,
		Envelopes:       f.envelopes,
		BatchSize:       5,
		EmergencyBudget: time.Nanosecond,
	})
	require.NoError(t, err)

	result, err := tight.RotateNow(ctx, "person.taxId", types.RotationEmergency)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.True(t, result.RolledBack)

	// The old version was never deactivated and keeps serving reads.
	active, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)
	assert.Equal(t, before.ID, active.ID)

	remaining, err := f.envelopes.CountByKeyVersion(ctx, "person.taxId", result.NewVersionID)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	for i := 0; i < 20; i++ {
		stored, err := f.envelopes.Get(ctx, fmt.Sprintf("env-%06d", i))
		require.NoError(t, err)
		value, err := f.fields.DecryptField(ctx, stored.Envelope, f.officer())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("DE-%06d", i), value)
	}
}

func TestRotateAllRotatesEveryProvisionedField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, 8)
	for i := 0; i < 4; i++ {
		envelope, err := f.fields.EncryptField(ctx, "person.email", fmt.Sprintf("user%d@example.com", i), f.officer())
		require.NoError(t, err)
		require.NoError(t, f.envelopes.Save(ctx, &types.StoredEnvelope{
			ID:       fmt.Sprintf("email-%06d", i),
			Envelope: envelope,
		}))
	}

	taxBefore, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)
	emailBefore, err := f.keys.ActiveVersion(ctx, "person.email")
	require.NoError(t, err)

	results, err := f.scheduler.RotateAll(ctx, types.RotationEmergency)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Results come back sorted by field path.
	assert.Equal(t, "person.email", results[0].FieldPath)
	assert.Equal(t, 4, results[0].Reencrypted)
	assert.Equal(t, "person.taxId", results[1].FieldPath)
	assert.Equal(t, 8, results[1].Reencrypted)

	taxAfter, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)
	assert.NotEqual(t, taxBefore.ID, taxAfter.ID)
	emailAfter, err := f.keys.ActiveVersion(ctx, "person.email")
	require.NoError(t, err)
	assert.NotEqual(t, emailBefore.ID, emailAfter.ID)

	agent := &types.ActorContext{ActorID: "agent-1", Roles: []string{"support-agent"}}
	stored, err := f.envelopes.Get(ctx, "email-000000")
	require.NoError(t, err)
	value, err := f.fields.DecryptField(ctx, stored.Envelope, agent)
	require.NoError(t, err)
	assert.Equal(t, "user0@example.com", value)
}

func TestRotateAllSkipsUnprovisionedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Only taxId has key material; email and the public field are skipped.
	f.seed(t, 3)

	results, err := f.scheduler.RotateAll(ctx, types.RotationScheduled)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "person.taxId", results[0].FieldPath)
	assert.Equal(t, 3, results[0].Reencrypted)
}

func TestTriggerEmergencyRunsAsynchronously(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, 5)
	before, err := f.keys.ActiveVersion(ctx, "person.taxId")
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.scheduler.Stop(stopCtx))
	}()

	require.NoError(t, f.scheduler.TriggerEmergency("person.taxId"))

	require.Eventually(t, func() bool {
		active, err := f.keys.ActiveVersion(ctx, "person.taxId")
		return err == nil && active.ID != before.ID
	}, 5*time.Second, 20*time.Millisecond, "emergency rotation should activate a new version")

	remaining, err := f.envelopes.CountByKeyVersion(ctx, "person.taxId", before.ID)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.scheduler.Start(ctx))
	require.Error(t, f.scheduler.Start(ctx), "double start should fail")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.scheduler.Stop(stopCtx))

	require.Error(t, f.scheduler.TriggerEmergency("person.taxId"))
}
