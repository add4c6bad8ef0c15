package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/allocation"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerThreshold Trigger = "threshold"
	TriggerScheduled Trigger = "scheduled"
)

func (t Trigger) Validate() error {
	switch t {
	case TriggerManual, TriggerThreshold, TriggerScheduled:
		return nil
	}
	return fmt.Errorf("%w: unknown rebalance trigger %q", domain.ErrValidation, t)
}

// RebalanceResult is the allocation set committed by a rebalance.
type RebalanceResult struct {
	HubID          string                  `json:"hub_id"`
	Method         domain.AllocationMethod `json:"method"`
	Trigger        Trigger                 `json:"trigger"`
	Shares         []allocation.Share      `json:"shares"`
	Hub            domain.Hub              `json:"hub"`
	WindowsKept    int                     `json:"windows_kept"`
	WindowsCleared int                     `json:"windows_cleared"`
	CompletedAt    time.Time               `json:"completed_at"`
}

// Rebalance recomputes every tenant's allocation with the fair-share
// allocator and commits the whole set at once. An empty method uses the
// active policy's allocation rule, or equal split without one. Allocator
// failures leave the hub untouched.
func (e *Engine) Rebalance(ctx context.Context, hubID string, method domain.AllocationMethod, trigger Trigger) (RebalanceResult, error) {
	if err := trigger.Validate(); err != nil {
		return RebalanceResult{}, err
	}
	if method != "" {
		if err := method.Validate(); err != nil {
			return RebalanceResult{}, err
		}
	}

	res := RebalanceResult{HubID: hubID, Method: method, Trigger: trigger}
	err := e.mutate(ctx, hubID, func(d *hubData, now time.Time) (bool, error) {
		// Policy changes take the hub lock, so the active policy read here
		// is the one in force for the whole commit.
		policy, hasPolicy := e.policies.Active(hubID)
		method := method
		if method == "" {
			method = domain.AllocEqualSplit
			if hasPolicy {
				method = policy.AllocationRule.Type
			}
		}
		clearWindows := hasPolicy && policy.RebalanceRule.ClearOverageWindows
		res.Method = method

		pool := math.Max(d.hub.Capacity.TotalKW-d.hub.Capacity.ReservedKW, 0)
		shares, err := allocation.Allocate(pool, d.tenantList(), method)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				return false, err
			}
			return false, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}

		kept, cleared := 0, 0
		var total float64
		for i, s := range shares {
			t := d.tenants[s.TenantID]
			alloc := s.AllocatedKW
			if w, ok := d.windows[s.TenantID]; ok {
				excess := 0.0
				if !clearWindows {
					excess = math.Min(w.ExcessKW, alloc*e.windowCapPercent(w)/100)
				}
				if excess > epsilon {
					w.ExcessKW = excess
					d.windows[s.TenantID] = w
					alloc += excess
					kept++
				} else {
					delete(d.windows, s.TenantID)
					cleared++
				}
			}
			t.Capacity.AllocatedKW = alloc
			shares[i].AllocatedKW = alloc
			total += alloc
		}
		d.hub.Capacity.AllocatedKW = total
		d.hub.Recompute()
		d.lastRebalance = now

		res.Shares = shares
		res.WindowsKept, res.WindowsCleared = kept, cleared
		res.CompletedAt = now
		res.Hub = d.hub
		return true, nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("hub_id", hubID).Str("method", string(res.Method)).Msg("rebalance failed")
		return RebalanceResult{}, err
	}
	res.Hub.Version++
	e.metrics.Rebalanced(hubID, trigger)
	e.log.Info().Str("hub_id", hubID).Str("method", string(res.Method)).Str("trigger", string(trigger)).
		Int("tenants", len(res.Shares)).Int("windows_kept", res.WindowsKept).Msg("hub rebalanced")
	return res, nil
}

// windowCapPercent is the overage bound of the policy that opened w.
func (e *Engine) windowCapPercent(w domain.OverageWindow) float64 {
	p, err := e.policies.Get(w.PolicyID)
	if err != nil {
		return 0
	}
	return p.OveragePolicy.MaxOveragePercent
}

// RebalanceIfNeeded rebalances when the hub's aggregate usage has reached
// the configured share of its capacity, the active policy enables
// rebalancing and the cooldown has passed.
func (e *Engine) RebalanceIfNeeded(ctx context.Context, hubID string) (RebalanceResult, bool, error) {
	p, ok := e.policies.Active(hubID)
	if !ok || !p.RebalanceRule.Enabled {
		return RebalanceResult{}, false, nil
	}
	hs, err := e.hubState(hubID)
	if err != nil {
		return RebalanceResult{}, false, err
	}
	now := e.now()
	hs.mu.RLock()
	total := hs.data.hub.Capacity.TotalKW
	last := hs.data.lastRebalance
	ids := append([]string(nil), hs.data.order...)
	hs.mu.RUnlock()

	if !last.IsZero() && now.Sub(last) < e.cfg.RebalanceCooldown {
		return RebalanceResult{}, false, nil
	}
	var usage float64
	for _, id := range ids {
		u, _ := e.tracker.view(id, now)
		usage += u.CurrentKW
	}
	if total <= 0 || usage/total*100 < e.cfg.RebalanceThresholdPercent {
		return RebalanceResult{}, false, nil
	}
	res, err := e.Rebalance(ctx, hubID, p.AllocationRule.Type, TriggerThreshold)
	if err != nil {
		return RebalanceResult{}, false, err
	}
	return res, true, nil
}

func (e *Engine) rebalanceScheduled(ctx context.Context) {
	for _, hubID := range e.HubIDs() {
		p, ok := e.policies.Active(hubID)
		if !ok || !p.RebalanceRule.Enabled || !allocation.Implemented(p.AllocationRule.Type) {
			continue
		}
		if _, err := e.Rebalance(ctx, hubID, p.AllocationRule.Type, TriggerScheduled); err != nil {
			e.log.Error().Err(err).Str("hub_id", hubID).Msg("scheduled rebalance failed")
		}
	}
}
