package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/root-sector/client-data-module-encryption/audit"
	"github.com/root-sector/client-data-module-encryption/field"
	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/metrics"
	"github.com/root-sector/client-data-module-encryption/types"
)

const (
	// defaultCronSpec runs the daily due-date sweep at 03:00 UTC.
	defaultCronSpec = "0 3 * * *"

	defaultBatchSize       = 100
	defaultParallelism     = 4
	defaultSampleSize      = 3
	defaultEmergencyBudget = 5 * time.Minute
	emergencyQueueSize     = 16
)

// SchedulerConfig carries the dependencies and tuning of the scheduler.
type SchedulerConfig struct {
	Registry  interfaces.PolicyRegistry
	Keys      interfaces.KeyManager
	Envelopes interfaces.EnvelopeStore
	Audit     interfaces.AuditEngine
	Metrics   *metrics.Metrics

	// CronSpec overrides the schedule of the due-date sweep.
	CronSpec string

	// BatchSize caps how many envelopes one re-encryption batch loads.
	BatchSize int

	// Parallelism caps how many fields one sweep rotates concurrently.
	Parallelism int

	// SampleSize is how many re-encrypted envelopes are decrypt-validated
	// before the new version is activated.
	SampleSize int

	// EmergencyBudget is the hard time budget of an emergency rotation.
	EmergencyBudget time.Duration
}

func (c *SchedulerConfig) withDefaults() {
	if c.CronSpec == "" {
		c.CronSpec = defaultCronSpec
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultParallelism
	}
	if c.SampleSize <= 0 {
		c.SampleSize = defaultSampleSize
	}
	if c.EmergencyBudget <= 0 {
		c.EmergencyBudget = defaultEmergencyBudget
	}
}

// Scheduler implements interfaces.RotationScheduler. Scheduled rotation runs
// off a cron sweep over due key versions; emergency rotation is pushed
// through a channel and runs under a hard time budget. Old-key decryption
// stays available during a rotation; the new version is activated only after
// every envelope is re-encrypted and sample-validated.
type Scheduler struct {
	cfg         SchedulerConfig
	coordinator *Coordinator
	cronRunner  *cron.Cron
	emergencyCh chan string
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

var _ interfaces.RotationScheduler = (*Scheduler)(nil)

// NewScheduler creates the rotation scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("policy registry is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if cfg.Envelopes == nil {
		return nil, fmt.Errorf("envelope store is required")
	}
	cfg.withDefaults()

	return &Scheduler{
		cfg:         cfg,
		coordinator: NewCoordinator(),
		emergencyCh: make(chan string, emergencyQueueSize),
		stopCh:      make(chan struct{}),
		logger:      log.With().Str("component", "rotation-scheduler").Logger(),
	}, nil
}

// Coordinator exposes run status for operations tooling.
func (s *Scheduler) Coordinator() *Coordinator {
	return s.coordinator
}

// Start begins the scheduled sweep and the emergency listener.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cronRunner != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.cronRunner = cron.New()
	if _, err := s.cronRunner.AddFunc(s.cfg.CronSpec, func() {
		if err := s.runSweep(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled rotation sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid rotation schedule %q: %w", s.cfg.CronSpec, err)
	}
	s.cronRunner.Start()

	s.wg.Add(1)
	go s.emergencyLoop()

	s.logger.Info().Str("schedule", s.cfg.CronSpec).Msg("Rotation scheduler started")
	return nil
}

// Stop halts scheduling and waits for in-flight rotations.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.cronRunner != nil {
		cronCtx := s.cronRunner.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.coordinator.Shutdown(ctx)
}

// TriggerEmergency requests an asynchronous emergency rotation.
func (s *Scheduler) TriggerEmergency(fieldPath string) error {
	select {
	case <-s.stopCh:
		return fmt.Errorf("rotation scheduler is stopped")
	default:
	}

	select {
	case s.emergencyCh <- fieldPath:
		s.logger.Warn().Str("fieldPath", fieldPath).Msg("Emergency rotation queued")
		return nil
	default:
		return fmt.Errorf("emergency rotation queue is full")
	}
}

func (s *Scheduler) emergencyLoop() {
	defer s.wg.Done()

	for {
		select {
		case fieldPath := <-s.emergencyCh:
			if _, err := s.RotateNow(context.Background(), fieldPath, types.RotationEmergency); err != nil {
				s.logger.Error().Err(err).Str("fieldPath", fieldPath).Msg("Emergency rotation failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// RotateAll synchronously rotates every non-public field that has key
// material, the response to a suspected root key compromise. Fields rotate
// in parallel up to the configured limit; one field's failure does not stop
// the others, and the first failure is reported once every field finished.
func (s *Scheduler) RotateAll(ctx context.Context, mode types.RotationMode) ([]*types.RotationResult, error) {
	var (
		mu       sync.Mutex
		results  []*types.RotationResult
		firstErr error
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Parallelism)

	for _, policy := range s.cfg.Registry.Policies() {
		if policy.Sensitivity == types.SensitivityPublic {
			continue
		}
		fieldPath := policy.Path

		if _, err := s.cfg.Keys.ActiveVersion(ctx, fieldPath); err != nil {
			// Fields never written have no versions yet
			if errors.Is(err, types.ErrKeyVersionNotFound) {
				continue
			}
			return nil, err
		}

		group.Go(func() error {
			result, err := s.RotateNow(groupCtx, fieldPath, mode)
			mu.Lock()
			defer mu.Unlock()
			if result != nil {
				results = append(results, result)
			}
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("field %s: %w", fieldPath, err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return results, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].FieldPath < results[j].FieldPath })
	return results, firstErr
}

// runSweep rotates every field whose active key version is past its
// rotation deadline.
func (s *Scheduler) runSweep(ctx context.Context) error {
	now := time.Now().UTC()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Parallelism)

	for _, policy := range s.cfg.Registry.Policies() {
		if policy.Sensitivity == types.SensitivityPublic {
			continue
		}
		fieldPath := policy.Path

		active, err := s.cfg.Keys.ActiveVersion(ctx, fieldPath)
		if err != nil {
			// Fields never written have no versions yet
			if errors.Is(err, types.ErrKeyVersionNotFound) {
				continue
			}
			return err
		}
		if !active.Due(now) {
			continue
		}

		group.Go(func() error {
			if _, err := s.RotateNow(groupCtx, fieldPath, types.RotationScheduled); err != nil {
				s.logger.Error().Err(err).Str("fieldPath", fieldPath).Msg("Scheduled rotation failed")
			}
			// One field's failure does not stop the sweep
			return nil
		})
	}

	return group.Wait()
}

// RotateNow runs a full rotation for one field synchronously.
func (s *Scheduler) RotateNow(ctx context.Context, fieldPath string, mode types.RotationMode) (*types.RotationResult, error) {
	runCtx, err := s.coordinator.Begin(ctx, fieldPath, mode)
	if err != nil {
		return nil, err
	}

	if mode == types.RotationEmergency {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.EmergencyBudget)
		defer cancel()
	}

	started := time.Now().UTC()
	result, err := s.rotate(runCtx, fieldPath, mode, started)
	if err != nil {
		status := StatusFailed
		if result != nil && result.RolledBack {
			status = StatusRolledBack
		}
		s.coordinator.Finish(fieldPath, status, err)
		s.auditRotationFailure(ctx, fieldPath, mode, err)
		return result, err
	}

	s.coordinator.Finish(fieldPath, StatusCompleted, nil)
	s.cfg.Metrics.RecordRotation(result.CompletedAt.Sub(result.StartedAt))
	s.auditRotationSuccess(ctx, result)

	s.logger.Info().
		Str("fieldPath", fieldPath).
		Str("mode", string(mode)).
		Int("reencrypted", result.Reencrypted).
		Dur("took", result.CompletedAt.Sub(result.StartedAt)).
		Msg("Rotation completed")

	return result, nil
}

// rotate performs the version swap and batched re-encryption.
func (s *Scheduler) rotate(ctx context.Context, fieldPath string, mode types.RotationMode, started time.Time) (*types.RotationResult, error) {
	old, err := s.cfg.Keys.ActiveVersion(ctx, fieldPath)
	if err != nil {
		return nil, err
	}

	next, err := s.cfg.Keys.BeginRotation(ctx, fieldPath)
	if err != nil {
		return nil, err
	}

	result := &types.RotationResult{
		FieldPath:    fieldPath,
		Mode:         mode,
		OldVersionID: old.ID,
		NewVersionID: next.ID,
		StartedAt:    started,
	}

	total, err := s.cfg.Envelopes.CountByKeyVersion(ctx, fieldPath, old.ID)
	if err != nil {
		s.abort(fieldPath, next.ID, result)
		return result, fmt.Errorf("failed to count envelopes: %w: %w", types.ErrRotationFailed, err)
	}
	s.coordinator.SetVersions(fieldPath, old.ID, next.ID, total)

	oldKey, err := s.cfg.Keys.GetKeyVersion(ctx, fieldPath, old.ID)
	if err != nil {
		s.abort(fieldPath, next.ID, result)
		return result, err
	}
	defer oldKey.Destroy()

	newKey, err := s.cfg.Keys.GetKeyVersion(ctx, fieldPath, next.ID)
	if err != nil {
		s.abort(fieldPath, next.ID, result)
		return result, err
	}
	defer newKey.Destroy()

	processed, err := s.reencryptAll(ctx, fieldPath, oldKey, newKey)
	result.Reencrypted = processed
	if err != nil {
		s.rollbackReencryption(fieldPath, oldKey, newKey, result)
		return result, fmt.Errorf("re-encryption failed after %d envelopes: %w: %w", processed, types.ErrRotationFailed, err)
	}

	if err := s.validateSample(ctx, fieldPath, newKey); err != nil {
		s.rollbackReencryption(fieldPath, oldKey, newKey, result)
		return result, fmt.Errorf("sample validation failed: %w: %w", types.ErrRotationFailed, err)
	}

	// The old version is retired only now, with every envelope re-keyed.
	if err := s.cfg.Keys.CompleteRotation(ctx, fieldPath, next.ID); err != nil {
		s.rollbackReencryption(fieldPath, oldKey, newKey, result)
		return result, fmt.Errorf("failed to activate new version: %w: %w", types.ErrRotationFailed, err)
	}

	result.CompletedAt = time.Now().UTC()
	return result, nil
}

// reencryptAll walks the old version's envelopes in batches and re-seals
// each one under the new version.
func (s *Scheduler) reencryptAll(ctx context.Context, fieldPath string, oldKey, newKey *types.KeyHandle) (int, error) {
	processed := 0
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		batch, err := s.cfg.Envelopes.ListByKeyVersion(ctx, fieldPath, oldKey.VersionID, afterID, s.cfg.BatchSize)
		if err != nil {
			return processed, err
		}
		if len(batch) == 0 {
			return processed, nil
		}

		for _, stored := range batch {
			reencrypted, err := field.Reencrypt(stored.Envelope, oldKey, newKey)
			if err != nil {
				return processed, fmt.Errorf("envelope %s: %w", stored.ID, err)
			}
			if err := s.cfg.Envelopes.Replace(ctx, stored.ID, reencrypted); err != nil {
				return processed, fmt.Errorf("envelope %s: %w", stored.ID, err)
			}
			processed++
		}

		afterID = batch[len(batch)-1].ID
		s.coordinator.UpdateProgress(fieldPath, int64(processed), 0)
	}
}

// validateSample decrypt-checks a handful of re-encrypted envelopes before
// the new version goes live.
func (s *Scheduler) validateSample(ctx context.Context, fieldPath string, newKey *types.KeyHandle) error {
	sample, err := s.cfg.Envelopes.ListByKeyVersion(ctx, fieldPath, newKey.VersionID, "", s.cfg.SampleSize)
	if err != nil {
		return err
	}
	for _, stored := range sample {
		if err := field.Verify(stored.Envelope, newKey); err != nil {
			return fmt.Errorf("envelope %s: %w", stored.ID, err)
		}
	}
	return nil
}

// rollbackReencryption re-seals every envelope already moved to the new
// version back under the old one, then discards the new version. The old
// version was never deactivated, so readers are unaffected throughout.
func (s *Scheduler) rollbackReencryption(fieldPath string, oldKey, newKey *types.KeyHandle, result *types.RotationResult) {
	// The run context may already be cancelled or past its budget; the
	// revert must still complete.
	ctx := context.Background()

	reverted := 0
	afterID := ""
	for {
		batch, err := s.cfg.Envelopes.ListByKeyVersion(ctx, fieldPath, newKey.VersionID, afterID, s.cfg.BatchSize)
		if err != nil || len(batch) == 0 {
			break
		}
		for _, stored := range batch {
			restored, err := field.Reencrypt(stored.Envelope, newKey, oldKey)
			if err != nil {
				s.logger.Error().Err(err).Str("envelopeId", stored.ID).Msg("Failed to revert envelope")
				continue
			}
			if err := s.cfg.Envelopes.Replace(ctx, stored.ID, restored); err != nil {
				s.logger.Error().Err(err).Str("envelopeId", stored.ID).Msg("Failed to store reverted envelope")
				continue
			}
			reverted++
		}
		afterID = batch[len(batch)-1].ID
	}

	s.abort(fieldPath, newKey.VersionID, result)
	result.RolledBack = true

	s.logger.Warn().
		Str("fieldPath", fieldPath).
		Int("reverted", reverted).
		Msg("Rotation rolled back")
}

func (s *Scheduler) abort(fieldPath, newVersionID string, result *types.RotationResult) {
	if err := s.cfg.Keys.AbortRotation(context.Background(), fieldPath, newVersionID); err != nil {
		s.logger.Error().Err(err).Str("fieldPath", fieldPath).Msg("Failed to abort rotation version")
	}
	result.RolledBack = true
}

// Rollback reverts a field to a prior key version, re-sealing every envelope
// the benched version produced.
func (s *Scheduler) Rollback(ctx context.Context, fieldPath, toVersionID string) (*types.RollbackResult, error) {
	runCtx, err := s.coordinator.Begin(ctx, fieldPath, types.RotationEmergency)
	if err != nil {
		return nil, err
	}

	result, err := s.rollbackTo(runCtx, fieldPath, toVersionID)
	if err != nil {
		s.coordinator.Finish(fieldPath, StatusFailed, err)
		return nil, err
	}

	s.coordinator.Finish(fieldPath, StatusRolledBack, nil)

	if s.cfg.Audit != nil {
		event := audit.NewEvent(audit.EventTypeKeyRotation, types.SystemActor(""))
		event = audit.WithField(event, fieldPath)
		event = audit.WithKeyVersion(event, toVersionID)
		event = audit.WithReason(event, "rollback to prior key version")
		if err := s.cfg.Audit.Submit(ctx, event); err != nil {
			s.logger.Error().Err(err).Msg("Failed to audit rollback")
		}
	}

	return result, nil
}

func (s *Scheduler) rollbackTo(ctx context.Context, fieldPath, toVersionID string) (*types.RollbackResult, error) {
	benched, err := s.cfg.Keys.ActiveVersion(ctx, fieldPath)
	if err != nil {
		return nil, err
	}
	if benched.ID == toVersionID {
		return nil, fmt.Errorf("version %s is already active: %w", toVersionID, types.ErrRollbackFailed)
	}

	result, err := s.cfg.Keys.Rollback(ctx, fieldPath, toVersionID)
	if err != nil {
		return nil, err
	}

	benchedKey, err := s.cfg.Keys.GetKeyVersion(ctx, fieldPath, benched.ID)
	if err != nil {
		return nil, err
	}
	defer benchedKey.Destroy()

	restoredKey, err := s.cfg.Keys.GetKeyVersion(ctx, fieldPath, toVersionID)
	if err != nil {
		return nil, err
	}
	defer restoredKey.Destroy()

	reverted := 0
	afterID := ""
	for {
		batch, err := s.cfg.Envelopes.ListByKeyVersion(ctx, fieldPath, benched.ID, afterID, s.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, stored := range batch {
			restored, err := field.Reencrypt(stored.Envelope, benchedKey, restoredKey)
			if err != nil {
				return nil, fmt.Errorf("envelope %s: %w: %w", stored.ID, types.ErrRollbackFailed, err)
			}
			if err := s.cfg.Envelopes.Replace(ctx, stored.ID, restored); err != nil {
				return nil, fmt.Errorf("envelope %s: %w: %w", stored.ID, types.ErrRollbackFailed, err)
			}
			reverted++
		}
		afterID = batch[len(batch)-1].ID
	}

	result.RevertedEnvelopes = reverted
	return result, nil
}

func (s *Scheduler) auditRotationSuccess(ctx context.Context, result *types.RotationResult) {
	if s.cfg.Audit == nil {
		return
	}

	event := audit.NewEvent(audit.EventTypeKeyRotation, types.SystemActor(""))
	event = audit.WithField(event, result.FieldPath)
	event = audit.WithKeyVersion(event, result.NewVersionID)
	event = audit.WithReason(event, string(result.Mode))
	if err := s.cfg.Audit.Submit(ctx, event); err != nil {
		s.logger.Error().Err(err).Msg("Failed to audit rotation")
	}
}

func (s *Scheduler) auditRotationFailure(ctx context.Context, fieldPath string, mode types.RotationMode, cause error) {
	if s.cfg.Audit == nil {
		return
	}

	event := audit.NewEvent(audit.EventTypeRotationFailed, types.SystemActor(""))
	event = audit.WithField(event, fieldPath)
	event = audit.WithReason(event, string(mode))
	event = audit.WithError(event, cause)
	if err := s.cfg.Audit.Submit(ctx, event); err != nil {
		s.logger.Error().Err(err).Msg("Failed to audit rotation failure")
	}
}
