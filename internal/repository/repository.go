// Package repository persists hubs, tenants, policies, violations, telemetry
// and billing periods in Postgres.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/billing"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
)

type Repos struct {
	db *sqlx.DB
}

var (
	_ engine.Journal      = (*Repos)(nil)
	_ engine.UsageHistory = (*Repos)(nil)
	_ billing.Store       = (*Repos)(nil)
)

func New(db *sqlx.DB) *Repos { return &Repos{db: db} }

type hubRow struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	Status      string  `db:"status"`
	TotalKW     float64 `db:"total_kw"`
	AllocatedKW float64 `db:"allocated_kw"`
	ReservedKW  float64 `db:"reserved_kw"`
	PeakKW      float64 `db:"peak_kw"`
	Version     int64   `db:"version"`
}

func (r hubRow) hub() domain.Hub {
	h := domain.Hub{
		ID:     r.ID,
		Name:   r.Name,
		Status: domain.HubStatus(r.Status),
		Capacity: domain.HubCapacity{
			TotalKW:     r.TotalKW,
			AllocatedKW: r.AllocatedKW,
			ReservedKW:  r.ReservedKW,
			PeakKW:      r.PeakKW,
		},
		Version: r.Version,
	}
	h.Recompute()
	return h
}

type tenantRow struct {
	ID              string          `db:"id"`
	HubID           string          `db:"hub_id"`
	Position        int             `db:"position"`
	Name            string          `db:"name"`
	PriorityTier    string          `db:"priority_tier"`
	BaseKW          float64         `db:"base_kw"`
	BurstKW         float64         `db:"burst_kw"`
	GuaranteedKW    float64         `db:"guaranteed_kw"`
	AllocatedKW     float64         `db:"allocated_kw"`
	SquareFootage   float64         `db:"square_footage"`
	HistoricalAvgKW float64         `db:"historical_avg_kw"`
	BalanceCAD      decimal.Decimal `db:"balance_cad"`
	BillingCycle    string          `db:"billing_cycle"`
	PaymentStatus   string          `db:"payment_status"`
}

func toTenantRow(t domain.Tenant, pos int) tenantRow {
	return tenantRow{
		ID:              t.ID,
		HubID:           t.HubID,
		Position:        pos,
		Name:            t.Name,
		PriorityTier:    string(t.PriorityTier),
		BaseKW:          t.Capacity.BaseKW,
		BurstKW:         t.Capacity.BurstKW,
		GuaranteedKW:    t.Capacity.GuaranteedKW,
		AllocatedKW:     t.Capacity.AllocatedKW,
		SquareFootage:   t.Attributes.SquareFootage,
		HistoricalAvgKW: t.Attributes.HistoricalAvgKW,
		BalanceCAD:      t.Billing.CurrentBalanceCAD,
		BillingCycle:    t.Billing.BillingCycle,
		PaymentStatus:   t.Billing.PaymentStatus,
	}
}

func (r tenantRow) tenant() domain.Tenant {
	return domain.Tenant{
		ID:           r.ID,
		HubID:        r.HubID,
		Name:         r.Name,
		PriorityTier: domain.PriorityTier(r.PriorityTier),
		Capacity: domain.TenantCapacity{
			BaseKW:       r.BaseKW,
			BurstKW:      r.BurstKW,
			GuaranteedKW: r.GuaranteedKW,
			AllocatedKW:  r.AllocatedKW,
		},
		Attributes: domain.TenantAttributes{
			SquareFootage:   r.SquareFootage,
			HistoricalAvgKW: r.HistoricalAvgKW,
		},
		Billing: domain.TenantBilling{
			CurrentBalanceCAD: r.BalanceCAD,
			BillingCycle:      r.BillingCycle,
			PaymentStatus:     r.PaymentStatus,
		},
	}
}

func (r *Repos) CreateHub(ctx context.Context, h domain.Hub) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO hubs(id, name, status, total_kw, allocated_kw, reserved_kw, peak_kw, version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.Name, string(h.Status), h.Capacity.TotalKW, h.Capacity.AllocatedKW,
		h.Capacity.ReservedKW, h.Capacity.PeakKW, h.Version)
	return err
}

const upsertTenant = `INSERT INTO tenants(id, hub_id, position, name, priority_tier, base_kw, burst_kw,
	guaranteed_kw, allocated_kw, square_footage, historical_avg_kw, balance_cad, billing_cycle, payment_status)
VALUES (:id, :hub_id, :position, :name, :priority_tier, :base_kw, :burst_kw,
	:guaranteed_kw, :allocated_kw, :square_footage, :historical_avg_kw, :balance_cad, :billing_cycle, :payment_status)
ON CONFLICT (id) DO UPDATE SET
	position = EXCLUDED.position, name = EXCLUDED.name, priority_tier = EXCLUDED.priority_tier,
	base_kw = EXCLUDED.base_kw, burst_kw = EXCLUDED.burst_kw, guaranteed_kw = EXCLUDED.guaranteed_kw,
	allocated_kw = EXCLUDED.allocated_kw, square_footage = EXCLUDED.square_footage,
	historical_avg_kw = EXCLUDED.historical_avg_kw, balance_cad = EXCLUDED.balance_cad,
	billing_cycle = EXCLUDED.billing_cycle, payment_status = EXCLUDED.payment_status`

// SaveHub writes the hub row and its tenants in one transaction, guarded by
// the version the snapshot was read at.
func (r *Repos) SaveHub(ctx context.Context, snap engine.HubSnapshot) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	h := snap.Hub
	res, err := tx.ExecContext(ctx,
		`UPDATE hubs SET name=$2, status=$3, total_kw=$4, allocated_kw=$5, reserved_kw=$6, peak_kw=$7,
		 version = version + 1
		 WHERE id=$1 AND version=$8`,
		h.ID, h.Name, string(h.Status), h.Capacity.TotalKW, h.Capacity.AllocatedKW,
		h.Capacity.ReservedKW, h.Capacity.PeakKW, h.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("hub %s at version %d: %w", h.ID, h.Version, domain.ErrConcurrentModification)
	}
	for i, t := range snap.Tenants {
		if _, err := tx.NamedExecContext(ctx, upsertTenant, toTenantRow(t, i)); err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (r *Repos) LoadHub(ctx context.Context, hubID string) (engine.HubSnapshot, error) {
	var row hubRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM hubs WHERE id=$1`, hubID)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.HubSnapshot{}, fmt.Errorf("%w: hub %s", domain.ErrNotFound, hubID)
	}
	if err != nil {
		return engine.HubSnapshot{}, err
	}
	var tenants []tenantRow
	if err := r.db.SelectContext(ctx, &tenants, `SELECT * FROM tenants WHERE hub_id=$1 ORDER BY position`, hubID); err != nil {
		return engine.HubSnapshot{}, err
	}
	return snapshot(row, tenants), nil
}

// LoadHubs returns every persisted hub, used to restore the engine at startup.
func (r *Repos) LoadHubs(ctx context.Context) ([]engine.HubSnapshot, error) {
	var hubs []hubRow
	if err := r.db.SelectContext(ctx, &hubs, `SELECT * FROM hubs ORDER BY id`); err != nil {
		return nil, err
	}
	var tenants []tenantRow
	if err := r.db.SelectContext(ctx, &tenants, `SELECT * FROM tenants ORDER BY hub_id, position`); err != nil {
		return nil, err
	}
	byHub := make(map[string][]tenantRow, len(hubs))
	for _, t := range tenants {
		byHub[t.HubID] = append(byHub[t.HubID], t)
	}
	out := make([]engine.HubSnapshot, 0, len(hubs))
	for _, h := range hubs {
		out = append(out, snapshot(h, byHub[h.ID]))
	}
	return out, nil
}

func snapshot(h hubRow, tenants []tenantRow) engine.HubSnapshot {
	snap := engine.HubSnapshot{Hub: h.hub(), Tenants: make([]domain.Tenant, 0, len(tenants))}
	for _, t := range tenants {
		snap.Tenants = append(snap.Tenants, t.tenant())
	}
	return snap
}

func (r *Repos) SavePolicy(ctx context.Context, p domain.Policy) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO policies(id, hub_id, status, body) VALUES ($1,$2,$3,$4::jsonb)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
		p.ID, p.HubID, string(p.Status), string(body))
	return err
}

func (r *Repos) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	var bodies [][]byte
	if err := r.db.SelectContext(ctx, &bodies, `SELECT body FROM policies ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]domain.Policy, 0, len(bodies))
	for _, b := range bodies {
		var p domain.Policy
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Repos) SaveViolation(ctx context.Context, v domain.Violation) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO violations(id, tenant_id, hub_id, policy_id, type, exceeded_by_kw, timestamp, duration_minutes)
		 VALUES (:id, :tenant_id, :hub_id, :policy_id, :type, :exceeded_by_kw, :timestamp, :duration_minutes)
		 ON CONFLICT (id) DO NOTHING`, v)
	return err
}

func (r *Repos) DeleteViolations(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM violations WHERE tenant_id=$1`, tenantID)
	return err
}

func (r *Repos) ListViolations(ctx context.Context) ([]domain.Violation, error) {
	var out []domain.Violation
	err := r.db.SelectContext(ctx, &out, `SELECT * FROM violations ORDER BY timestamp`)
	return out, err
}

func (r *Repos) InsertSample(ctx context.Context, s domain.TelemetrySample) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO telemetry_samples(tenant_id, current_kw, timestamp) VALUES (:tenant_id, :current_kw, :timestamp)`, s)
	return err
}

// Samples implements engine.UsageHistory.
func (r *Repos) Samples(ctx context.Context, tenantIDs []string, from, to time.Time) ([]domain.TelemetrySample, error) {
	if len(tenantIDs) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(
		`SELECT tenant_id, current_kw, timestamp FROM telemetry_samples
		 WHERE tenant_id IN (?) AND timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp`, tenantIDs, from, to)
	if err != nil {
		return nil, err
	}
	var out []domain.TelemetrySample
	err = r.db.SelectContext(ctx, &out, r.db.Rebind(q), args...)
	return out, err
}

func (r *Repos) SavePeriod(ctx context.Context, p billing.Period) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO billing_periods(id, hub_id, status, body) VALUES ($1,$2,$3,$4::jsonb)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
		p.ID, p.HubID, string(p.Status), string(body))
	return err
}

func (r *Repos) ListPeriods(ctx context.Context) ([]billing.Period, error) {
	var bodies [][]byte
	if err := r.db.SelectContext(ctx, &bodies, `SELECT body FROM billing_periods ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]billing.Period, 0, len(bodies))
	for _, b := range bodies {
		var p billing.Period
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("decode billing period: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Restore loads hubs, policies, violations and billing periods into the
// running engine and ledger.
func (r *Repos) Restore(ctx context.Context, e *engine.Engine, l *billing.Ledger) error {
	hubs, err := r.LoadHubs(ctx)
	if err != nil {
		return fmt.Errorf("load hubs: %w", err)
	}
	policies, err := r.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	byHub := make(map[string][]domain.Policy)
	for _, p := range policies {
		byHub[p.HubID] = append(byHub[p.HubID], p)
	}
	for _, snap := range hubs {
		e.Restore(snap, byHub[snap.Hub.ID])
	}
	violations, err := r.ListViolations(ctx)
	if err != nil {
		return fmt.Errorf("load violations: %w", err)
	}
	e.RestoreViolations(violations)
	periods, err := r.ListPeriods(ctx)
	if err != nil {
		return fmt.Errorf("load billing periods: %w", err)
	}
	l.Restore(periods)
	return nil
}
