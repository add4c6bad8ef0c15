// Package billing accumulates per-tenant charges over a billing period and
// seals them when the period is finalized.
package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ANIKETSHETTY47/energy-grid-analytics-go/converter"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusFinalized Status = "finalized"
)

// RateCard holds the tariffs a period bills at.
type RateCard struct {
	BaseChargeCAD       decimal.Decimal `json:"base_charge_cad"`
	EnergyRateCADPerKWh decimal.Decimal `json:"energy_rate_cad_per_kwh"`
	DemandRateCADPerKW  decimal.Decimal `json:"demand_rate_cad_per_kw"`
}

func (r RateCard) Validate() error {
	for _, v := range []decimal.Decimal{r.BaseChargeCAD, r.EnergyRateCADPerKWh, r.DemandRateCADPerKW} {
		if v.IsNegative() {
			return fmt.Errorf("%w: rates must not be negative", domain.ErrValidation)
		}
	}
	return nil
}

// Accrual is one usage sample billed against a tenant. RateMultiplier is the
// overage multiplier in force when OverageKWh was drawn; zero means look it
// up from the hub's active policy now.
type Accrual struct {
	EnergyKWh      float64         `json:"energy_kwh"`
	DemandKW       float64         `json:"demand_kw"`
	OverageKWh     float64         `json:"overage_kwh"`
	RateMultiplier float64         `json:"rate_multiplier"`
	CreditsCAD     decimal.Decimal `json:"credits_cad"`
	At             time.Time       `json:"at"`
}

func (a Accrual) Validate() error {
	if a.EnergyKWh < 0 || a.DemandKW < 0 || a.OverageKWh < 0 || a.RateMultiplier < 0 {
		return fmt.Errorf("%w: accrual quantities must not be negative", domain.ErrValidation)
	}
	if a.OverageKWh > a.EnergyKWh {
		return fmt.Errorf("%w: overage energy exceeds total energy", domain.ErrValidation)
	}
	if a.CreditsCAD.IsNegative() {
		return fmt.Errorf("%w: credits must not be negative", domain.ErrValidation)
	}
	return nil
}

// TenantCharge is a tenant's running bill within one period.
type TenantCharge struct {
	TenantID     string          `json:"tenant_id"`
	EnergyKWh    float64         `json:"energy_kwh"`
	PeakDemandKW float64         `json:"demand_kw"`
	OverageKWh   float64         `json:"overage_kwh"`
	BaseCAD      decimal.Decimal `json:"base_cad"`
	UsageCAD     decimal.Decimal `json:"usage_cad"`
	DemandCAD    decimal.Decimal `json:"demand_cad"`
	OverageCAD   decimal.Decimal `json:"overage_cad"`
	CreditsCAD   decimal.Decimal `json:"credits_cad"`
	TotalCAD     decimal.Decimal `json:"total_cad"`
	Accruals     int             `json:"accruals"`
}

func (c *TenantCharge) recompute(r RateCard) {
	c.BaseCAD = r.BaseChargeCAD
	c.UsageCAD = decimal.NewFromFloat(c.EnergyKWh).Mul(r.EnergyRateCADPerKWh)
	c.DemandCAD = decimal.NewFromFloat(c.PeakDemandKW).Mul(r.DemandRateCADPerKW)
	c.TotalCAD = c.BaseCAD.Add(c.UsageCAD).Add(c.DemandCAD).Add(c.OverageCAD).Sub(c.CreditsCAD).Round(2)
}

// Totals are the period-wide sums. TotalEnergyMWh mirrors TotalEnergyKWh
// for reporting.
type Totals struct {
	TotalTenantRevenueCAD  decimal.Decimal `json:"total_tenant_revenue_cad"`
	TotalOperatingCostsCAD decimal.Decimal `json:"total_operating_costs_cad"`
	NetRevenueCAD          decimal.Decimal `json:"net_revenue_cad"`
	TotalEnergyKWh         float64         `json:"total_energy_kwh"`
	TotalEnergyMWh         float64         `json:"total_energy_mwh"`
	TotalVPPRevenueCAD     decimal.Decimal `json:"total_vpp_revenue_cad"`
}

type Period struct {
	ID          string         `json:"id"`
	HubID       string         `json:"hub_id"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	Status      Status         `json:"status"`
	Rates       RateCard       `json:"rates"`
	Charges     []TenantCharge `json:"tenant_charges"`
	Totals      Totals         `json:"totals"`
	FinalizedAt *time.Time     `json:"finalized_at,omitempty"`
}

// MultiplierLookup returns the overage multiplier of the hub's active policy.
type MultiplierLookup func(hubID string) float64

// Archiver stores sealed periods.
type Archiver interface {
	ArchivePeriod(ctx context.Context, p Period) error
}

// Charger posts a sealed charge to the tenant's balance.
type Charger interface {
	ChargeTenant(ctx context.Context, tenantID string, amount decimal.Decimal) error
}

// Store persists periods.
type Store interface {
	SavePeriod(ctx context.Context, p Period) error
}

type charge struct {
	mu sync.Mutex
	TenantCharge
}

type period struct {
	// mu is held shared by accruals and exclusively by finalize.
	mu sync.RWMutex
	Period

	chargesMu sync.Mutex
	charges   map[string]*charge
}

type Option func(*Ledger)

func WithArchiver(a Archiver) Option                { return func(l *Ledger) { l.archiver = a } }
func WithCharger(c Charger) Option                  { return func(l *Ledger) { l.charger = c } }
func WithStore(s Store) Option                      { return func(l *Ledger) { l.store = s } }
func WithMultiplierLookup(f MultiplierLookup) Option { return func(l *Ledger) { l.multiplier = f } }
func WithClock(now func() time.Time) Option         { return func(l *Ledger) { l.now = now } }
func WithLogger(lg zerolog.Logger) Option           { return func(l *Ledger) { l.log = lg } }

type Ledger struct {
	mu      sync.RWMutex
	periods map[string]*period

	multiplier MultiplierLookup
	archiver   Archiver
	charger    Charger
	store      Store
	now        func() time.Time
	log        zerolog.Logger
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		periods:    make(map[string]*period),
		multiplier: func(string) float64 { return 1 },
		now:        time.Now,
		log:        log.With().Str("component", "billing").Logger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreatePeriod opens a billing period for a hub. Open periods of the same
// hub must not overlap.
func (l *Ledger) CreatePeriod(ctx context.Context, hubID string, start, end time.Time, rates RateCard) (Period, error) {
	if hubID == "" {
		return Period{}, fmt.Errorf("%w: hub_id is required", domain.ErrValidation)
	}
	if !end.After(start) {
		return Period{}, fmt.Errorf("%w: period end must be after start", domain.ErrValidation)
	}
	if err := rates.Validate(); err != nil {
		return Period{}, err
	}

	p := &period{
		Period: Period{
			ID:      uuid.NewString(),
			HubID:   hubID,
			Start:   start,
			End:     end,
			Status:  StatusDraft,
			Rates:   rates,
			Charges: []TenantCharge{},
			Totals: Totals{
				TotalTenantRevenueCAD:  decimal.Zero,
				TotalOperatingCostsCAD: decimal.Zero,
				NetRevenueCAD:          decimal.Zero,
				TotalVPPRevenueCAD:     decimal.Zero,
			},
		},
		charges: make(map[string]*charge),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, other := range l.periods {
		other.mu.RLock()
		overlap := other.HubID == hubID && other.Status == StatusDraft && start.Before(other.End) && other.Start.Before(end)
		other.mu.RUnlock()
		if overlap {
			return Period{}, fmt.Errorf("%w: overlaps open period %s", domain.ErrValidation, other.ID)
		}
	}
	if l.store != nil {
		if err := l.store.SavePeriod(ctx, p.Period); err != nil {
			return Period{}, fmt.Errorf("persist period: %w", err)
		}
	}
	l.periods[p.ID] = p
	l.log.Info().Str("period_id", p.ID).Str("hub_id", hubID).Time("start", start).Time("end", end).Msg("billing period opened")
	return p.Period, nil
}

func (l *Ledger) get(id string) (*period, error) {
	l.mu.RLock()
	p, ok := l.periods[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: billing period %s", domain.ErrNotFound, id)
	}
	return p, nil
}

// Get returns a period with its charges as of now.
func (l *Ledger) Get(id string) (Period, error) {
	p, err := l.get(id)
	if err != nil {
		return Period{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.view(), nil
}

// OpenPeriodFor finds the open period of hubID covering at.
func (l *Ledger) OpenPeriodFor(hubID string, at time.Time) (Period, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.periods {
		p.mu.RLock()
		hit := p.HubID == hubID && p.Status == StatusDraft && !at.Before(p.Start) && at.Before(p.End)
		var out Period
		if hit {
			out = p.view()
		}
		p.mu.RUnlock()
		if hit {
			return out, true
		}
	}
	return Period{}, false
}

// Accrue adds a usage sample to the tenant's charge. The overage multiplier
// is fixed at this point so later policy changes do not reprice settled
// usage. Accruals for different tenants proceed in parallel.
func (l *Ledger) Accrue(ctx context.Context, periodID, tenantID string, a Accrual) (TenantCharge, error) {
	if tenantID == "" {
		return TenantCharge{}, fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}
	if err := a.Validate(); err != nil {
		return TenantCharge{}, err
	}
	p, err := l.get(periodID)
	if err != nil {
		return TenantCharge{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Status == StatusFinalized {
		return TenantCharge{}, fmt.Errorf("%w: %s", domain.ErrPeriodClosed, periodID)
	}

	p.chargesMu.Lock()
	c, ok := p.charges[tenantID]
	if !ok {
		c = &charge{TenantCharge: TenantCharge{TenantID: tenantID, CreditsCAD: decimal.Zero, OverageCAD: decimal.Zero}}
		p.charges[tenantID] = c
	}
	p.chargesMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.EnergyKWh += a.EnergyKWh
	if a.DemandKW > c.PeakDemandKW {
		c.PeakDemandKW = a.DemandKW
	}
	if a.OverageKWh > 0 {
		mult := a.RateMultiplier
		if mult <= 0 {
			mult = l.multiplier(p.HubID)
		}
		c.OverageKWh += a.OverageKWh
		c.OverageCAD = c.OverageCAD.Add(decimal.NewFromFloat(a.OverageKWh).
			Mul(p.Rates.EnergyRateCADPerKWh).Mul(decimal.NewFromFloat(mult)))
	}
	c.CreditsCAD = c.CreditsCAD.Add(a.CreditsCAD)
	c.Accruals++
	c.recompute(p.Rates)
	return c.TenantCharge, nil
}

// RecordOperatingCost adds a hub operating cost to an open period.
func (l *Ledger) RecordOperatingCost(ctx context.Context, periodID string, amount decimal.Decimal) (Period, error) {
	return l.adjust(periodID, amount, func(p *Period) { p.Totals.TotalOperatingCostsCAD = p.Totals.TotalOperatingCostsCAD.Add(amount) })
}

// RecordVPPRevenue adds grid-program revenue earned by reserved capacity.
func (l *Ledger) RecordVPPRevenue(ctx context.Context, periodID string, amount decimal.Decimal) (Period, error) {
	return l.adjust(periodID, amount, func(p *Period) { p.Totals.TotalVPPRevenueCAD = p.Totals.TotalVPPRevenueCAD.Add(amount) })
}

func (l *Ledger) adjust(periodID string, amount decimal.Decimal, apply func(*Period)) (Period, error) {
	if !amount.IsPositive() {
		return Period{}, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	p, err := l.get(periodID)
	if err != nil {
		return Period{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status == StatusFinalized {
		return Period{}, fmt.Errorf("%w: %s", domain.ErrPeriodClosed, periodID)
	}
	apply(&p.Period)
	return p.view(), nil
}

// Finalize seals the period. It waits for in-flight accruals, archives the
// sealed totals and posts each tenant's charge. Finalizing a sealed period
// returns it unchanged.
func (l *Ledger) Finalize(ctx context.Context, periodID string) (Period, error) {
	p, err := l.get(periodID)
	if err != nil {
		return Period{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status == StatusFinalized {
		return p.view(), nil
	}

	sealed := p.view()
	at := l.now()
	sealed.Status = StatusFinalized
	sealed.FinalizedAt = &at

	if l.store != nil {
		if err := l.store.SavePeriod(ctx, sealed); err != nil {
			return Period{}, fmt.Errorf("persist period %s: %w", periodID, err)
		}
	}
	if l.archiver != nil {
		if err := l.archiver.ArchivePeriod(ctx, sealed); err != nil {
			return Period{}, fmt.Errorf("archive period %s: %w", periodID, err)
		}
	}
	p.Period = sealed

	if l.charger != nil {
		for _, c := range sealed.Charges {
			if err := l.charger.ChargeTenant(ctx, c.TenantID, c.TotalCAD); err != nil {
				l.log.Error().Err(err).Str("period_id", periodID).Str("tenant_id", c.TenantID).Msg("post tenant charge failed")
			}
		}
	}
	l.log.Info().Str("period_id", periodID).Str("hub_id", sealed.HubID).
		Str("revenue_cad", sealed.Totals.TotalTenantRevenueCAD.StringFixed(2)).Int("tenants", len(sealed.Charges)).Msg("billing period finalized")
	return sealed, nil
}

// view assembles the period totals. Callers hold p.mu. A finalized period
// returns its sealed copy.
func (p *period) view() Period {
	if p.Status == StatusFinalized {
		out := p.Period
		out.Charges = append([]TenantCharge(nil), p.Charges...)
		return out
	}
	out := p.Period
	p.chargesMu.Lock()
	out.Charges = make([]TenantCharge, 0, len(p.charges))
	for _, c := range p.charges {
		c.mu.Lock()
		out.Charges = append(out.Charges, c.TenantCharge)
		c.mu.Unlock()
	}
	p.chargesMu.Unlock()
	sort.Slice(out.Charges, func(i, j int) bool { return out.Charges[i].TenantID < out.Charges[j].TenantID })

	var kwh float64
	revenue := decimal.Zero
	for _, c := range out.Charges {
		kwh += c.EnergyKWh
		revenue = revenue.Add(c.TotalCAD)
	}
	out.Totals.TotalEnergyKWh = kwh
	out.Totals.TotalEnergyMWh = (&converter.EnergyConverter{}).KWhToMWh(kwh)
	out.Totals.TotalTenantRevenueCAD = revenue
	out.Totals.NetRevenueCAD = revenue.Add(out.Totals.TotalVPPRevenueCAD).Sub(out.Totals.TotalOperatingCostsCAD)
	return out
}

// Restore loads persisted periods. Used at startup.
func (l *Ledger) Restore(periods []Period) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, in := range periods {
		p := &period{Period: in, charges: make(map[string]*charge)}
		if in.Status == StatusDraft {
			for _, c := range in.Charges {
				p.charges[c.TenantID] = &charge{TenantCharge: c}
			}
		}
		l.periods[in.ID] = p
	}
}
