package engine

import (
	"context"
	"math"
	"time"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

type expiredWindow struct {
	window      domain.OverageWindow
	allocatedKW float64
}

// expireWindows reclaims the excess of every window that has run out.
func (e *Engine) expireWindows(d *hubData, now time.Time) []expiredWindow {
	var out []expiredWindow
	for _, id := range d.order {
		w, ok := d.windows[id]
		if !ok || w.OpenAt(now) {
			continue
		}
		delete(d.windows, id)
		t := d.tenants[id]
		reclaim := math.Min(w.ExcessKW, t.Capacity.AllocatedKW)
		t.Capacity.AllocatedKW -= reclaim
		d.adjustAllocation(-reclaim, 0)
		out = append(out, expiredWindow{window: w, allocatedKW: t.Capacity.AllocatedKW})
	}
	return out
}

// settleExpired flags tenants still drawing above their reduced allocation
// once their window closed.
func (e *Engine) settleExpired(ctx context.Context, expired []expiredWindow) {
	var escalations []WarningEvent
	for _, x := range expired {
		w := x.window
		e.log.Info().Str("hub_id", w.HubID).Str("tenant_id", w.TenantID).
			Float64("reclaimed_kw", w.ExcessKW).Msg("overage window expired")
		usage, _ := e.tracker.view(w.TenantID, w.ExpiresAt)
		if usage.CurrentKW <= x.allocatedKW+epsilon {
			continue
		}
		v := domain.Violation{
			TenantID:        w.TenantID,
			HubID:           w.HubID,
			PolicyID:        w.PolicyID,
			Type:            domain.ViolationOverageExpired,
			ExceededByKW:    usage.CurrentKW - x.allocatedKW,
			Timestamp:       w.ExpiresAt,
			DurationMinutes: w.ExpiresAt.Sub(w.OpenedAt).Minutes(),
		}
		ev, recorded := e.tracker.record(v, x.allocatedKW)
		e.afterViolation(ctx, recorded, nil)
		if ev != nil {
			escalations = append(escalations, *ev)
		}
	}
	e.notifyEscalations(ctx, escalations)
}

// SweepExpired closes overage windows that have run out on every hub.
func (e *Engine) SweepExpired(ctx context.Context) {
	for _, hubID := range e.HubIDs() {
		if err := e.mutate(ctx, hubID, func(*hubData, time.Time) (bool, error) { return false, nil }); err != nil {
			e.log.Error().Err(err).Str("hub_id", hubID).Msg("overage sweep failed")
		}
	}
}

// Run drives the background overage sweep and the scheduled rebalance until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	var scheduled <-chan time.Time
	if e.cfg.ScheduledRebalanceInterval > 0 {
		t := time.NewTicker(e.cfg.ScheduledRebalanceInterval)
		defer t.Stop()
		scheduled = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			e.SweepExpired(ctx)
		case <-scheduled:
			e.rebalanceScheduled(ctx)
		}
	}
}
