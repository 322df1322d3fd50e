package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/root-sector/client-data-module-encryption/audit"
	"github.com/root-sector/client-data-module-encryption/types"
)

// LegalHold marks a resource whose audit events must not be archived or
// destroyed while an investigation or proceeding is open.
type LegalHold struct {
	ResourceID string    `json:"resourceId" bson:"resourceId"`
	Reason     string    `json:"reason" bson:"reason"`
	PlacedBy   string    `json:"placedBy" bson:"placedBy"`
	PlacedAt   time.Time `json:"placedAt" bson:"placedAt"`
}

// holdSet is the in-process registry of active legal holds.
type holdSet struct {
	mu    sync.RWMutex
	holds map[string]*LegalHold
}

func newHoldSet() *holdSet {
	return &holdSet{holds: make(map[string]*LegalHold)}
}

func (h *holdSet) Place(hold *LegalHold) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.holds[hold.ResourceID]; exists {
		return fmt.Errorf("resource %s is already under legal hold", hold.ResourceID)
	}
	h.holds[hold.ResourceID] = hold
	return nil
}

func (h *holdSet) Release(resourceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.holds[resourceID]; !exists {
		return fmt.Errorf("resource %s is not under legal hold", resourceID)
	}
	delete(h.holds, resourceID)
	return nil
}

func (h *holdSet) Has(resourceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.holds[resourceID]
	return ok
}

func (h *holdSet) List() []*LegalHold {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*LegalHold, 0, len(h.holds))
	for _, hold := range h.holds {
		copied := *hold
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// PlaceLegalHold blocks archival and destruction of the resource's audit
// events until the hold is released. The hold itself is audited.
func (e *Engine) PlaceLegalHold(ctx context.Context, resourceID, reason string, actor *types.ActorContext) error {
	if resourceID == "" {
		return fmt.Errorf("resource ID is required")
	}
	if actor == nil {
		actor = types.SystemActor("")
	}

	if err := e.holds.Place(&LegalHold{
		ResourceID: resourceID,
		Reason:     reason,
		PlacedBy:   actor.ActorID,
		PlacedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}

	event := audit.NewEvent(audit.EventTypeLegalHoldPlaced, actor)
	event = audit.WithResource(event, "legal_hold", resourceID)
	event = audit.WithReason(event, reason)
	if err := e.auditor.Submit(ctx, event); err != nil {
		e.logger.Error().Err(err).Str("resourceId", resourceID).Msg("Failed to audit legal hold")
	}

	e.logger.Warn().Str("resourceId", resourceID).Str("reason", reason).Msg("Legal hold placed")
	return nil
}

// ReleaseLegalHold lifts a hold so the resource's events age out normally
// again.
func (e *Engine) ReleaseLegalHold(ctx context.Context, resourceID string, actor *types.ActorContext) error {
	if actor == nil {
		actor = types.SystemActor("")
	}

	if err := e.holds.Release(resourceID); err != nil {
		return err
	}

	event := audit.NewEvent(audit.EventTypeLegalHoldPlaced, actor)
	event = audit.WithResource(event, "legal_hold", resourceID)
	event = audit.WithReason(event, "legal hold released")
	if err := e.auditor.Submit(ctx, event); err != nil {
		e.logger.Error().Err(err).Str("resourceId", resourceID).Msg("Failed to audit legal hold release")
	}

	e.logger.Info().Str("resourceId", resourceID).Msg("Legal hold released")
	return nil
}

// ListLegalHolds returns the active holds sorted by resource ID.
func (e *Engine) ListLegalHolds() []*LegalHold {
	return e.holds.List()
}
