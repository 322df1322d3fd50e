package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/metrics"
	"github.com/root-sector/client-data-module-encryption/types"
)

// EngineConfig holds tuning parameters for the audit pipeline.
type EngineConfig struct {
	// QueueSize bounds the submit queue
	QueueSize int `json:"queueSize"`

	// Workers is the number of flush workers
	Workers int `json:"workers"`

	// BatchSize flushes a worker's batch when reached
	BatchSize int `json:"batchSize"`

	// FlushInterval flushes partial batches so events are never delayed
	// indefinitely under low load
	FlushInterval time.Duration `json:"flushInterval"`

	// FallbackLimit bounds the durable local queue used when the primary
	// store fails
	FallbackLimit int `json:"fallbackLimit"`
}

func (c *EngineConfig) withDefaults() EngineConfig {
	out := *c
	if out.QueueSize <= 0 {
		out.QueueSize = 4096
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 64
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = 2 * time.Second
	}
	if out.FallbackLimit <= 0 {
		out.FallbackLimit = 65536
	}
	return out
}

// Engine implements interfaces.AuditEngine. Submission enqueues onto a
// bounded queue; a fixed worker pool enriches, classifies, scores, hashes
// and persists events in batches, flushing at batch size or interval,
// whichever comes first. Cancellation of the submitting operation does not
// cancel an already-enqueued event.
type Engine struct {
	cfg      EngineConfig
	taxonomy *Taxonomy
	scorer   *RiskScorer
	tracker  *CorrelationTracker
	store    interfaces.AuditStore
	alerter  interfaces.Alerter
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	queue   chan *types.AuditEvent
	workers []*flushWorker
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once

	// fallback is the durable local queue of events that could not reach
	// the primary store. Never dropped silently; retried on later flushes.
	fallbackMu sync.Mutex
	fallback   []*types.AuditEvent
}

type flushWorker struct {
	flushCh chan chan struct{}
}

// NewEngine creates and starts the audit engine. alerter and m may be nil.
func NewEngine(cfg EngineConfig, store interfaces.AuditStore, scorer *RiskScorer, alerter interfaces.Alerter, m *metrics.Metrics) *Engine {
	cfg = cfg.withDefaults()
	if scorer == nil {
		scorer = NewRiskScorer(nil, nil)
	}
	if alerter == nil {
		alerter = NewLogAlerter()
	}

	e := &Engine{
		cfg:      cfg,
		taxonomy: NewTaxonomy(),
		scorer:   scorer,
		tracker:  NewCorrelationTracker(store),
		store:    store,
		alerter:  alerter,
		metrics:  m,
		logger:   log.With().Str("component", "audit_engine").Logger(),
		queue:    make(chan *types.AuditEvent, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	e.workers = make([]*flushWorker, cfg.Workers)
	for i := range e.workers {
		w := &flushWorker{flushCh: make(chan chan struct{}, 1)}
		e.workers[i] = w
		e.wg.Add(1)
		go e.runWorker(w)
	}

	e.logger.Info().
		Int("workers", cfg.Workers).
		Int("queueSize", cfg.QueueSize).
		Int("batchSize", cfg.BatchSize).
		Dur("flushInterval", cfg.FlushInterval).
		Msg("Audit engine started")

	return e
}

// Taxonomy exposes the engine's event type registry.
func (e *Engine) Taxonomy() *Taxonomy {
	return e.taxonomy
}

// Tracker exposes the correlation tracker for operation scoping.
func (e *Engine) Tracker() *CorrelationTracker {
	return e.tracker
}

// Submit enqueues an event. Unknown event types are rejected; a saturated
// queue spills to the durable fallback rather than blocking the caller.
func (e *Engine) Submit(ctx context.Context, event *types.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if !e.taxonomy.Contains(event.EventType) {
		return fmt.Errorf("%w: %s", types.ErrUnknownEventType, event.EventType)
	}
	if event.State == "" {
		event.State = types.EventCaptured
	}

	select {
	case e.queue <- event:
		e.metrics.SetAuditQueueDepth(len(e.queue))
		return nil
	default:
	}

	// Queue saturated. The event must not be lost and the caller must not
	// block, so it goes straight to the fallback queue.
	if err := e.parkInFallback(event); err != nil {
		return err
	}
	e.logger.Warn().
		Str("eventType", event.EventType).
		Msg("Audit queue saturated, event parked in fallback")
	return nil
}

func (e *Engine) parkInFallback(event *types.AuditEvent) error {
	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()
	if len(e.fallback) >= e.cfg.FallbackLimit {
		return types.ErrAuditQueueFull
	}
	e.fallback = append(e.fallback, event)
	return nil
}

func (e *Engine) runWorker(w *flushWorker) {
	defer e.wg.Done()

	batch := make([]*types.AuditEvent, 0, e.cfg.BatchSize)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			e.processBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case event := <-e.queue:
			batch = append(batch, event)
			e.metrics.SetAuditQueueDepth(len(e.queue))
			if len(batch) >= e.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-w.flushCh:
			batch = append(batch, e.drainQueue()...)
			flush()
			close(ack)
		case <-e.done:
			batch = append(batch, e.drainQueue()...)
			flush()
			return
		}
	}
}

func (e *Engine) drainQueue() []*types.AuditEvent {
	var drained []*types.AuditEvent
	for {
		select {
		case event := <-e.queue:
			drained = append(drained, event)
		default:
			return drained
		}
	}
}

// processBatch runs the event pipeline: Captured -> Enriched -> Classified
// -> Stored, then analysis (alerting). Transitions are one-directional.
func (e *Engine) processBatch(batch []*types.AuditEvent) {
	ctx := context.Background()

	prepared := make([]*types.AuditEvent, 0, len(batch))
	for _, event := range batch {
		if err := e.prepare(event); err != nil {
			e.logger.Error().Err(err).
				Str("eventType", event.EventType).
				Msg("Failed to classify audit event")
			continue
		}
		prepared = append(prepared, event)
	}
	if len(prepared) == 0 {
		return
	}

	// Retry anything parked in the fallback queue first so ordering per
	// correlation is preserved as well as possible.
	e.retryFallback(ctx)

	for _, event := range prepared {
		event.State = types.EventStored
		event.IntegrityHash = ComputeIntegrityHash(event)
	}

	if err := e.store.InsertEvents(ctx, prepared); err != nil {
		e.handleStoreFailure(prepared, err)
		return
	}

	for _, event := range prepared {
		e.metrics.RecordAuditEvent(event.Classification.Category, "stored")
		e.tracker.Record(ctx, event)
		e.analyze(event)
	}
}

// prepare enriches and classifies one event in place.
func (e *Engine) prepare(event *types.AuditEvent) error {
	if event.ID == "" || event.Timestamp.IsZero() {
		fresh := NewEvent(event.EventType, nil)
		if event.ID == "" {
			event.ID = fresh.ID
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = fresh.Timestamp
		}
	}
	if event.Context == nil {
		event.Context = make(map[string]string)
	}
	event.State = types.EventEnriched

	classification, err := e.taxonomy.Classify(event.EventType)
	if err != nil {
		return err
	}
	event.Classification = classification
	event.RiskScore = e.scorer.Score(event, nil)
	event.State = types.EventClassified
	return nil
}

// analyze raises the real-time alert for high-risk events. Alert delivery
// is a side effect and never delays the pipeline.
func (e *Engine) analyze(event *types.AuditEvent) {
	if event.RiskScore < AlertThreshold {
		return
	}
	event.State = types.EventAnalyzed
	e.metrics.RecordAlert()
	go e.alerter.Alert(event)
}

func (e *Engine) handleStoreFailure(batch []*types.AuditEvent, cause error) {
	e.logger.Error().Err(cause).
		Int("events", len(batch)).
		Msg("Audit store write failed, degrading to local fallback queue")

	for _, event := range batch {
		if err := e.parkInFallback(event); err != nil {
			// Fallback is full. This is the only place events can be
			// lost, and it is loudly escalated.
			e.logger.Error().
				Str("eventId", event.ID).
				Msg("Audit fallback queue full, event lost")
			e.metrics.RecordAuditEvent(event.Classification.Category, "lost")
		}
	}

	notice := NewEvent(EventTypeAuditFallback, nil)
	WithError(notice, fmt.Errorf("%w: %v", types.ErrAuditWriteFailed, cause))
	if err := e.prepare(notice); err == nil {
		notice.RiskScore = 100
		notice.IntegrityHash = ComputeIntegrityHash(notice)
		go e.alerter.Alert(notice)
		_ = e.parkInFallback(notice)
	}
}

func (e *Engine) retryFallback(ctx context.Context) {
	e.fallbackMu.Lock()
	if len(e.fallback) == 0 {
		e.fallbackMu.Unlock()
		return
	}
	pending := e.fallback
	e.fallback = nil
	e.fallbackMu.Unlock()

	for _, event := range pending {
		if event.State != types.EventStored {
			if err := e.prepare(event); err != nil {
				continue
			}
			event.State = types.EventStored
			event.IntegrityHash = ComputeIntegrityHash(event)
		}
	}

	if err := e.store.InsertEvents(ctx, pending); err != nil {
		// Still failing; put them back.
		e.fallbackMu.Lock()
		e.fallback = append(pending, e.fallback...)
		e.fallbackMu.Unlock()
		return
	}
	for _, event := range pending {
		e.tracker.Record(ctx, event)
		e.metrics.RecordAuditEvent(event.Classification.Category, "stored")
	}
	e.logger.Info().Int("events", len(pending)).Msg("Audit fallback queue drained")
}

// Flush forces all enqueued events through to storage.
func (e *Engine) Flush(ctx context.Context) error {
	for _, w := range e.workers {
		ack := make(chan struct{})
		select {
		case w.flushCh <- ack:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		}
		select {
		case <-ack:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close drains the queue and stops the workers.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Flush(ctx)
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	return err
}

// Query retrieves stored events matching the filter.
func (e *Engine) Query(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEvent, error) {
	if err := e.Flush(ctx); err != nil {
		return nil, err
	}
	return e.store.QueryEvents(ctx, filter)
}

// Reconstruct returns the capture-ordered event sequence for a correlation.
func (e *Engine) Reconstruct(ctx context.Context, correlationID string) ([]*types.AuditEvent, error) {
	return e.Query(ctx, types.AuditFilter{CorrelationID: correlationID})
}

// DetectAnomalies inspects one correlation for suspicious patterns.
func (e *Engine) DetectAnomalies(ctx context.Context, correlationID string) ([]*types.Anomaly, error) {
	if err := e.Flush(ctx); err != nil {
		return nil, err
	}
	return e.tracker.Anomalies(correlationID), nil
}

// RelatedCorrelations locates correlations sharing an actor within the
// window, for incident investigation.
func (e *Engine) RelatedCorrelations(ctx context.Context, actorID string, window time.Duration) ([]*types.CorrelationNode, error) {
	return e.tracker.Related(ctx, actorID, window)
}

// VerifyIntegrity recomputes a stored event's hash. A mismatch is detected
// tampering: it is escalated as a new event, never corrected in place.
func (e *Engine) VerifyIntegrity(ctx context.Context, eventID string) error {
	event, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if err := VerifyIntegrityHash(event); err != nil {
		escalation := NewEvent(EventTypeTamperingDetected, nil)
		escalation.CorrelationID = event.CorrelationID
		escalation.ResourceType = "audit_event"
		escalation.ResourceID = event.ID
		escalation.References = []string{event.ID}
		WithReason(escalation, "integrity_hash_mismatch")
		if subErr := e.Submit(ctx, escalation); subErr != nil {
			e.logger.Error().Err(subErr).Msg("Failed to escalate tampering event")
		}
		return fmt.Errorf("event %s: %w", eventID, err)
	}
	return nil
}

var _ interfaces.AuditEngine = (*Engine)(nil)
