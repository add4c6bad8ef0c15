package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

// PolicyStore holds policies and enforces at most one active policy per hub.
// Activation goes through Engine.ApplyPolicy so it is serialized with the
// hub's other mutations.
type PolicyStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Policy
	active map[string]string
	now    func() time.Time
}

func newPolicyStore(now func() time.Time) *PolicyStore {
	return &PolicyStore{
		byID:   make(map[string]*domain.Policy),
		active: make(map[string]string),
		now:    now,
	}
}

func (s *PolicyStore) restore(policies []domain.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range policies {
		p := policies[i]
		s.byID[p.ID] = &p
		if p.Status == domain.PolicyActive {
			s.active[p.HubID] = p.ID
		}
	}
}

func (s *PolicyStore) create(p domain.Policy) (domain.Policy, error) {
	if err := p.Validate(); err != nil {
		return domain.Policy{}, err
	}
	now := s.now()
	p.ID = uuid.NewString()
	p.Status = domain.PolicyDraft
	p.Performance = domain.PolicyPerformance{}
	p.CreatedAt, p.UpdatedAt, p.ActivatedAt = now, now, nil

	s.mu.Lock()
	s.byID[p.ID] = &p
	s.mu.Unlock()
	return p, nil
}

func (s *PolicyStore) Get(id string) (domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Policy{}, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, id)
	}
	return *p, nil
}

// Active returns the hub's active policy. ok is false when none is active.
func (s *PolicyStore) Active(hubID string) (domain.Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[hubID]
	if !ok {
		return domain.Policy{}, false
	}
	return *s.byID[id], true
}

func (s *PolicyStore) ListByHub(hubID string) []domain.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Policy
	for _, p := range s.byID {
		if p.HubID == hubID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// update replaces the rules of a draft or inactive policy.
func (s *PolicyStore) update(id string, in domain.Policy) (domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Policy{}, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, id)
	}
	if p.Status != domain.PolicyDraft && p.Status != domain.PolicyInactive {
		return domain.Policy{}, fmt.Errorf("%w: cannot edit %s policy", domain.ErrInvalidTransition, p.Status)
	}
	next := *p
	next.Name = in.Name
	next.Type = in.Type
	next.AllocationRule = in.AllocationRule
	next.EnforcementRule = in.EnforcementRule
	next.OveragePolicy = in.OveragePolicy
	next.RebalanceRule = in.RebalanceRule
	next.VPPCoordination = in.VPPCoordination
	if err := next.Validate(); err != nil {
		return domain.Policy{}, err
	}
	next.UpdatedAt = s.now()
	*p = next
	return next, nil
}

// activate makes id the hub's active policy and demotes the previous one.
// It returns the changed policies and the states needed to undo the change.
func (s *PolicyStore) activate(id string, tenants int) (changed []domain.Policy, undo func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, id)
	}
	switch p.Status {
	case domain.PolicyActive:
		return nil, func() {}, nil
	case domain.PolicyArchived:
		return nil, nil, fmt.Errorf("%w: archived policy %s must be cloned before use", domain.ErrInvalidTransition, id)
	case domain.PolicyDraft, domain.PolicyInactive:
	default:
		return nil, nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, p.Status)
	}

	now := s.now()
	saved := map[string]domain.Policy{p.ID: *p}
	prevActive, hadActive := s.active[p.HubID]
	if hadActive {
		old := s.byID[prevActive]
		saved[old.ID] = *old
		old.Status = domain.PolicyInactive
		old.UpdatedAt = now
		changed = append(changed, *old)
	}
	p.Status = domain.PolicyActive
	p.ActivatedAt = &now
	p.UpdatedAt = now
	p.Performance = domain.PolicyPerformance{TenantsAffected: tenants}
	s.active[p.HubID] = p.ID
	changed = append(changed, *p)

	undo = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for pid, old := range saved {
			cp := old
			s.byID[pid] = &cp
		}
		if hadActive {
			s.active[p.HubID] = prevActive
		} else {
			delete(s.active, p.HubID)
		}
	}
	return changed, undo, nil
}

func (s *PolicyStore) transition(id string, from []domain.PolicyStatus, to domain.PolicyStatus) (domain.Policy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Policy{}, false, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, id)
	}
	if p.Status == to {
		return *p, false, nil
	}
	allowed := false
	for _, f := range from {
		allowed = allowed || p.Status == f
	}
	if !allowed {
		return domain.Policy{}, false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, p.Status, to)
	}
	if p.Status == domain.PolicyActive {
		delete(s.active, p.HubID)
	}
	p.Status = to
	p.UpdatedAt = s.now()
	return *p, true, nil
}

func (s *PolicyStore) clone(id, name string) (domain.Policy, error) {
	src, err := s.Get(id)
	if err != nil {
		return domain.Policy{}, err
	}
	if name == "" {
		name = src.Name + " (copy)"
	}
	src.Name = name
	src.ClonedFrom = id
	return s.create(src)
}

func (s *PolicyStore) recordViolation(policyID string) {
	if policyID == "" {
		return
	}
	s.mu.Lock()
	if p, ok := s.byID[policyID]; ok {
		p.Performance.ViolationsCount++
	}
	s.mu.Unlock()
}

// CreatePolicy stores a new draft policy for an existing hub.
func (e *Engine) CreatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	if _, err := e.hubState(p.HubID); err != nil {
		return domain.Policy{}, err
	}
	created, err := e.policies.create(p)
	if err != nil {
		return domain.Policy{}, err
	}
	if err := e.journal.SavePolicy(ctx, created); err != nil {
		return domain.Policy{}, fmt.Errorf("persist policy %s: %w", created.ID, err)
	}
	return created, nil
}

func (e *Engine) UpdatePolicy(ctx context.Context, id string, p domain.Policy) (domain.Policy, error) {
	updated, err := e.policies.update(id, p)
	if err != nil {
		return domain.Policy{}, err
	}
	if err := e.journal.SavePolicy(ctx, updated); err != nil {
		return domain.Policy{}, fmt.Errorf("persist policy %s: %w", id, err)
	}
	return updated, nil
}

// Policy returns a policy with live performance figures when it is active.
func (e *Engine) Policy(id string) (domain.Policy, error) {
	p, err := e.policies.Get(id)
	if err != nil {
		return domain.Policy{}, err
	}
	if p.Status == domain.PolicyActive {
		if tenants, terr := e.Tenants(p.HubID); terr == nil && len(tenants) > 0 {
			var sum float64
			for _, t := range tenants {
				sum += t.Compliance.Score
			}
			p.Performance.TenantsAffected = len(tenants)
			p.Performance.AvgCompliancePercent = sum / float64(len(tenants))
		}
	}
	return p, nil
}

func (e *Engine) Policies(hubID string) []domain.Policy {
	return e.policies.ListByHub(hubID)
}

func (e *Engine) ActivePolicy(hubID string) (domain.Policy, bool) {
	return e.policies.Active(hubID)
}

// ApplyPolicy activates a draft or inactive policy. The hub's previous
// active policy becomes inactive in the same step. It holds the hub write
// lock so no capacity request sees a half-applied change.
func (e *Engine) ApplyPolicy(ctx context.Context, id string) (domain.Policy, error) {
	p, err := e.policies.Get(id)
	if err != nil {
		return domain.Policy{}, err
	}
	hs, err := e.hubState(p.HubID)
	if err != nil {
		return domain.Policy{}, err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()

	changed, undo, err := e.policies.activate(id, len(hs.data.order))
	if err != nil {
		return domain.Policy{}, err
	}
	for _, c := range changed {
		if err := e.journal.SavePolicy(ctx, c); err != nil {
			undo()
			return domain.Policy{}, fmt.Errorf("persist policy %s: %w", c.ID, err)
		}
	}
	applied, _ := e.policies.Get(id)
	e.log.Info().Str("hub_id", p.HubID).Str("policy_id", id).
		Str("enforcement", string(applied.EnforcementRule.Type)).Msg("policy applied")
	return applied, nil
}

// DeactivatePolicy returns the hub to the no-active-policy state, where
// requests beyond headroom are denied.
func (e *Engine) DeactivatePolicy(ctx context.Context, id string) (domain.Policy, error) {
	p, err := e.policies.Get(id)
	if err != nil {
		return domain.Policy{}, err
	}
	hs, err := e.hubState(p.HubID)
	if err != nil {
		return domain.Policy{}, err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return e.persistTransition(ctx, id, []domain.PolicyStatus{domain.PolicyActive}, domain.PolicyInactive)
}

// ArchivePolicy retires a draft or inactive policy for good.
func (e *Engine) ArchivePolicy(ctx context.Context, id string) (domain.Policy, error) {
	return e.persistTransition(ctx, id, []domain.PolicyStatus{domain.PolicyDraft, domain.PolicyInactive}, domain.PolicyArchived)
}

func (e *Engine) ClonePolicy(ctx context.Context, id, name string) (domain.Policy, error) {
	p, err := e.policies.clone(id, name)
	if err != nil {
		return domain.Policy{}, err
	}
	if err := e.journal.SavePolicy(ctx, p); err != nil {
		return domain.Policy{}, fmt.Errorf("persist policy %s: %w", p.ID, err)
	}
	return p, nil
}

func (e *Engine) persistTransition(ctx context.Context, id string, from []domain.PolicyStatus, to domain.PolicyStatus) (domain.Policy, error) {
	p, changed, err := e.policies.transition(id, from, to)
	if err != nil {
		return domain.Policy{}, err
	}
	if changed {
		if err := e.journal.SavePolicy(ctx, p); err != nil {
			return domain.Policy{}, fmt.Errorf("persist policy %s: %w", id, err)
		}
	}
	return p, nil
}
