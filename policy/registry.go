// Package policy holds the field protection policy registry.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/client-data-module-encryption/audit"
	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/types"
)

// Registry is an in-memory policy registry. Lookups are read-mostly and
// lock-cheap; updates go through the audited administrative path and bump
// the generation counter so downstream caches can notice.
type Registry struct {
	mu         sync.RWMutex
	policies   map[string]*types.FieldPolicy
	generation atomic.Uint64
	audit      interfaces.AuditEngine
	logger     zerolog.Logger
}

var _ interfaces.PolicyRegistry = (*Registry)(nil)

// NewRegistry creates a registry seeded with the given policies. Every seed
// policy is validated; a single invalid policy fails construction rather
// than silently weakening field protection.
func NewRegistry(seed []*types.FieldPolicy, auditEngine interfaces.AuditEngine) (*Registry, error) {
	r := &Registry{
		policies: make(map[string]*types.FieldPolicy, len(seed)),
		audit:    auditEngine,
		logger:   log.With().Str("component", "policy-registry").Logger(),
	}

	for _, p := range seed {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid policy for %q: %w", p.Path, err)
		}
		clone := *p
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = time.Now().UTC()
		}
		r.policies[clone.Path] = &clone
	}

	r.generation.Store(1)
	return r, nil
}

// Resolve returns the policy for a field path. Unknown paths are a hard
// error; unclassified fields must never default to public handling.
func (r *Registry) Resolve(fieldPath string) (*types.FieldPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[fieldPath]
	if !ok {
		return nil, fmt.Errorf("field %q: %w", fieldPath, types.ErrPolicyNotFound)
	}

	clone := *p
	return &clone, nil
}

// Policies returns all registered policies sorted by path.
func (r *Registry) Policies() []*types.FieldPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*types.FieldPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		clone := *p
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

// AccessibleFields returns the paths the given roles may read unmasked.
func (r *Registry) AccessibleFields(roles []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []string
	for path, p := range r.policies {
		if p.PermitsRole(roles) {
			result = append(result, path)
		}
	}
	sort.Strings(result)
	return result
}

// Update inserts or replaces a policy through the audited administrative
// path and bumps the registry generation.
func (r *Registry) Update(ctx context.Context, policy *types.FieldPolicy, actor *types.ActorContext) error {
	if policy == nil {
		return fmt.Errorf("policy is required")
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy for %q: %w", policy.Path, err)
	}

	clone := *policy
	now := time.Now().UTC()
	clone.UpdatedAt = now

	r.mu.Lock()
	prior, existed := r.policies[clone.Path]
	if existed {
		clone.CreatedAt = prior.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	r.policies[clone.Path] = &clone
	r.mu.Unlock()

	generation := r.generation.Add(1)

	r.logger.Info().
		Str("fieldPath", clone.Path).
		Str("sensitivity", clone.Sensitivity.String()).
		Uint64("generation", generation).
		Msg("Policy updated")

	if r.audit != nil {
		event := audit.NewEvent(audit.EventTypeConfigChanged, actor)
		event = audit.WithResource(event, "policy", clone.Path)
		event = audit.WithField(event, clone.Path)
		if existed {
			event = audit.WithReason(event, "policy replaced")
		} else {
			event = audit.WithReason(event, "policy created")
		}
		if err := r.audit.Submit(ctx, event); err != nil {
			return fmt.Errorf("policy stored but audit submission failed: %w", err)
		}
	}

	return nil
}

// Generation returns the counter incremented on every policy change.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}
