package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

// adjustAllocation moves the hub's allocated capacity by deltaKW. Increases
// are refused when allocated+reserved would exceed total plus the overage
// currently authorized by open windows. Decreases never go below zero.
func (d *hubData) adjustAllocation(deltaKW, overageAllowanceKW float64) (float64, bool) {
	c := &d.hub.Capacity
	next := c.AllocatedKW + deltaKW
	if next < -epsilon {
		return c.AllocatedKW, false
	}
	if next < 0 {
		next = 0
	}
	if deltaKW > 0 && next+c.ReservedKW > c.TotalKW+overageAllowanceKW+epsilon {
		return c.AllocatedKW, false
	}
	c.AllocatedKW = next
	d.hub.Recompute()
	return next, true
}

// windowExcessKW is the total excess authorized by the hub's windows.
func (d *hubData) windowExcessKW() float64 {
	var sum float64
	for _, w := range d.windows {
		sum += w.ExcessKW
	}
	return sum
}

// AdjustAllocation is the raw ledger entry point: it changes the hub's
// aggregate allocation without touching any tenant. It returns ok=false and
// leaves the ledger untouched when conservation would be broken.
func (e *Engine) AdjustAllocation(ctx context.Context, hubID string, deltaKW float64) (float64, bool, error) {
	if !finite(deltaKW) {
		return 0, false, fmt.Errorf("%w: delta must be finite", domain.ErrValidation)
	}
	var (
		allocated float64
		ok        bool
	)
	err := e.mutate(ctx, hubID, func(d *hubData, _ time.Time) (bool, error) {
		allocated, ok = d.adjustAllocation(deltaKW, d.windowExcessKW())
		return ok, nil
	})
	return allocated, ok, err
}

// Reserve changes the hub's VPP reservation by deltaKW. Positive deltas need
// an active policy with VPP coordination enabled and must fit in headroom
// and under the policy's reservation ceiling.
func (e *Engine) Reserve(ctx context.Context, hubID string, deltaKW float64) (domain.Hub, error) {
	if !finite(deltaKW) || deltaKW == 0 {
		return domain.Hub{}, fmt.Errorf("%w: reservation delta must be a non-zero number", domain.ErrValidation)
	}
	var out domain.Hub
	err := e.mutate(ctx, hubID, func(d *hubData, _ time.Time) (bool, error) {
		c := &d.hub.Capacity
		next := c.ReservedKW + deltaKW
		if next < -epsilon {
			return false, fmt.Errorf("%w: cannot release %.2f kW, %.2f kW reserved",
				domain.ErrValidation, -deltaKW, c.ReservedKW)
		}
		if deltaKW > 0 {
			p, ok := e.policies.Active(hubID)
			if !ok {
				return false, fmt.Errorf("%w: hub %s", domain.ErrNoActivePolicy, hubID)
			}
			if !p.VPPCoordination.Enabled {
				return false, fmt.Errorf("%w: vpp coordination disabled by policy %s", domain.ErrValidation, p.ID)
			}
			if limit := p.VPPCoordination.MaxReservedPercent; limit > 0 && next > c.TotalKW*limit/100+epsilon {
				return false, fmt.Errorf("%w: reservation %.2f kW exceeds %.0f%% ceiling",
					domain.ErrInvariantViolation, next, limit)
			}
			if c.AllocatedKW+next > c.TotalKW+epsilon {
				return false, fmt.Errorf("%w: reservation %.2f kW exceeds headroom %.2f kW",
					domain.ErrInvariantViolation, deltaKW, d.hub.HeadroomKW())
			}
		}
		if next < 0 {
			next = 0
		}
		c.ReservedKW = next
		d.hub.Recompute()
		out = d.hub
		return true, nil
	})
	if err != nil {
		return domain.Hub{}, err
	}
	e.log.Info().Str("hub_id", hubID).Float64("delta_kw", deltaKW).Float64("reserved_kw", out.Capacity.ReservedKW).Msg("vpp reservation changed")
	return out, nil
}
