package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

// Machine-readable decision reasons.
const (
	ReasonWithinHeadroom  = "within-headroom"
	ReasonOverageGranted  = "overage-granted"
	ReasonHardCapExceeded = "hard-cap-exceeded"
	ReasonNoHeadroom      = "no-headroom"
	ReasonNoActivePolicy  = "no-active-policy"
	ReasonHubUnavailable  = "hub-unavailable"
)

type CapacityRequest struct {
	HubID       string  `json:"hub_id"`
	TenantID    string  `json:"tenant_id"`
	RequestedKW float64 `json:"requested_kw"`
	Purpose     string  `json:"purpose"`
}

func (r CapacityRequest) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}
	if math.IsNaN(r.RequestedKW) || math.IsInf(r.RequestedKW, 0) || r.RequestedKW <= 0 {
		return fmt.Errorf("%w: requested_kw must be a positive number", domain.ErrValidation)
	}
	return nil
}

// Decision is the admission outcome. Denials carry GrantedKW 0 and an
// explicit Reason.
type Decision struct {
	Granted        bool       `json:"granted"`
	GrantedKW      float64    `json:"granted_kw"`
	Reason         string     `json:"reason"`
	Overage        bool       `json:"overage"`
	OverageKW      float64    `json:"overage_kw,omitempty"`
	RateMultiplier float64    `json:"rate_multiplier,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	PolicyID       string     `json:"policy_id,omitempty"`
}

func deny(reason string) Decision { return Decision{Reason: reason} }

// RequestCapacity admits, or refuses, additional capacity for a tenant.
// Grants within headroom are always allowed. Beyond headroom the hub's
// active policy decides; without one the request is denied as under a hard
// cap. Denials leave the ledger untouched.
func (e *Engine) RequestCapacity(ctx context.Context, req CapacityRequest) (Decision, error) {
	if err := req.Validate(); err != nil {
		return Decision{}, err
	}
	if req.HubID == "" {
		hubID, err := e.hubOf(req.TenantID)
		if err != nil {
			return Decision{}, err
		}
		req.HubID = hubID
	}

	var dec Decision
	err := e.mutate(ctx, req.HubID, func(d *hubData, now time.Time) (bool, error) {
		t, ok := d.tenants[req.TenantID]
		if !ok {
			return false, fmt.Errorf("%w: tenant %s in hub %s", domain.ErrNotFound, req.TenantID, req.HubID)
		}
		if d.hub.Status != domain.HubActive {
			dec = deny(ReasonHubUnavailable)
			return false, nil
		}

		headroom := d.hub.HeadroomKW()
		if req.RequestedKW <= headroom+epsilon {
			if _, ok := d.adjustAllocation(req.RequestedKW, d.windowExcessKW()); !ok {
				return false, fmt.Errorf("%w: grant of %.2f kW within headroom rejected", domain.ErrInvariantViolation, req.RequestedKW)
			}
			t.Capacity.AllocatedKW += req.RequestedKW
			dec = Decision{Granted: true, GrantedKW: req.RequestedKW, Reason: ReasonWithinHeadroom}
			return true, nil
		}

		p, ok := e.policies.Active(req.HubID)
		if !ok {
			dec = deny(ReasonNoActivePolicy)
			return false, nil
		}
		switch p.EnforcementRule.Type {
		case domain.EnforceHardCap:
			dec = deny(ReasonHardCapExceeded)
			return false, nil
		case domain.EnforceSoftCap, domain.EnforceAdvisory:
			return e.admitOverage(d, t, p, req, headroom, now, &dec)
		default:
			return false, fmt.Errorf("%w: policy %s has enforcement %q", domain.ErrValidation, p.ID, p.EnforcementRule.Type)
		}
	})
	if err != nil {
		return Decision{}, err
	}

	e.metrics.CapacityDecision(req.HubID, dec.Reason, dec.GrantedKW)
	ev := e.log.Info()
	if !dec.Granted {
		ev = e.log.Warn()
	}
	ev.Str("hub_id", req.HubID).Str("tenant_id", req.TenantID).Float64("requested_kw", req.RequestedKW).
		Str("purpose", req.Purpose).Str("reason", dec.Reason).Msg("capacity request")
	return dec, nil
}

// admitOverage grants the full request when the part above headroom fits in
// the tenant's overage allowance, opening or extending its window.
func (e *Engine) admitOverage(d *hubData, t *domain.Tenant, p domain.Policy, req CapacityRequest, headroom float64, now time.Time, dec *Decision) (bool, error) {
	op := p.OveragePolicy
	if !op.Allowed {
		*dec = deny(ReasonNoHeadroom)
		return false, nil
	}
	existing, hasWindow := d.windows[t.ID]
	base := t.Capacity.AllocatedKW
	if hasWindow {
		base -= existing.ExcessKW
	}
	maxOverageKW := base * op.MaxOveragePercent / 100
	excess := req.RequestedKW - math.Max(headroom, 0)
	if existing.ExcessKW+excess > maxOverageKW+epsilon {
		*dec = deny(ReasonNoHeadroom)
		return false, nil
	}
	if _, ok := d.adjustAllocation(req.RequestedKW, d.windowExcessKW()+excess); !ok {
		return false, fmt.Errorf("%w: overage grant of %.2f kW rejected by ledger", domain.ErrInvariantViolation, req.RequestedKW)
	}
	t.Capacity.AllocatedKW += req.RequestedKW

	w := existing
	if !hasWindow {
		w = domain.OverageWindow{
			TenantID:       t.ID,
			HubID:          d.hub.ID,
			PolicyID:       p.ID,
			RateMultiplier: p.OverageMultiplier(),
			OpenedAt:       now,
			ExpiresAt:      now.Add(time.Duration(op.MaxOverageDurationMinutes) * time.Minute),
		}
	}
	w.ExcessKW += excess
	d.windows[t.ID] = w

	expires := w.ExpiresAt
	*dec = Decision{
		Granted:        true,
		GrantedKW:      req.RequestedKW,
		Reason:         ReasonOverageGranted,
		Overage:        true,
		OverageKW:      excess,
		RateMultiplier: w.RateMultiplier,
		ExpiresAt:      &expires,
		PolicyID:       p.ID,
	}
	return true, nil
}

// ReleaseCapacity returns capacity a tenant no longer needs. Released
// capacity pays down any open overage first.
func (e *Engine) ReleaseCapacity(ctx context.Context, hubID, tenantID string, kw float64) (domain.Tenant, error) {
	if math.IsNaN(kw) || math.IsInf(kw, 0) || kw <= 0 {
		return domain.Tenant{}, fmt.Errorf("%w: release must be a positive number", domain.ErrValidation)
	}
	if hubID == "" {
		var err error
		if hubID, err = e.hubOf(tenantID); err != nil {
			return domain.Tenant{}, err
		}
	}
	var out domain.Tenant
	err := e.mutate(ctx, hubID, func(d *hubData, _ time.Time) (bool, error) {
		t, ok := d.tenants[tenantID]
		if !ok {
			return false, fmt.Errorf("%w: tenant %s in hub %s", domain.ErrNotFound, tenantID, hubID)
		}
		released := math.Min(kw, t.Capacity.AllocatedKW)
		if released <= 0 {
			out = *t
			return false, nil
		}
		if w, ok := d.windows[tenantID]; ok {
			w.ExcessKW -= math.Min(released, w.ExcessKW)
			if w.ExcessKW <= epsilon {
				delete(d.windows, tenantID)
			} else {
				d.windows[tenantID] = w
			}
		}
		d.adjustAllocation(-released, 0)
		t.Capacity.AllocatedKW -= released
		out = *t
		return true, nil
	})
	if err != nil {
		return domain.Tenant{}, err
	}
	return e.decorate(out), nil
}
