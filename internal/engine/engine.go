// Package engine owns the per-hub capacity ledgers and the policy, admission,
// compliance, rebalance and simulation logic that operates on them.
//
// Every mutation of a hub's ledger or tenant allocations runs under that
// hub's write lock. Hubs never share a lock; the registry lock only guards
// the hub map itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

const epsilon = 1e-9

// WarningThresholds maps a severity-weighted violation count inside Window to
// a warning level. Boundaries are deployment configuration.
type WarningThresholds struct {
	Low                 int           `json:"low"`
	Medium              int           `json:"medium"`
	High                int           `json:"high"`
	Critical            int           `json:"critical"`
	Window              time.Duration `json:"window"`
	SevereExcessPercent float64       `json:"severe_excess_percent"`
}

type Config struct {
	MaxAttempts                int
	SweepInterval              time.Duration
	ScheduledRebalanceInterval time.Duration
	RebalanceThresholdPercent  float64
	RebalanceCooldown          time.Duration
	HistoryLimit               int
	Warning                    WarningThresholds
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:               5,
		SweepInterval:             30 * time.Second,
		RebalanceThresholdPercent: 90,
		RebalanceCooldown:         15 * time.Minute,
		HistoryLimit:              10080,
		Warning: WarningThresholds{
			Low:                 1,
			Medium:              3,
			High:                5,
			Critical:            10,
			Window:              24 * time.Hour,
			SevereExcessPercent: 25,
		},
	}
}

type Option func(*Engine)

func WithJournal(j Journal) Option           { return func(e *Engine) { e.journal = j } }
func WithNotifier(n Notifier) Option         { return func(e *Engine) { e.notifier = n } }
func WithAuditSink(a AuditSink) Option       { return func(e *Engine) { e.audit = a } }
func WithRecorder(r Recorder) Option         { return func(e *Engine) { e.metrics = r } }
func WithUsageHistory(h UsageHistory) Option { return func(e *Engine) { e.history = h } }
func WithLogger(l zerolog.Logger) Option     { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }

type Engine struct {
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	journal  Journal
	notifier Notifier
	audit    AuditSink
	metrics  Recorder
	history  UsageHistory

	mu        sync.RWMutex
	hubs      map[string]*hubState
	tenantHub map[string]string

	policies *PolicyStore
	tracker  *tracker
}

func New(cfg Config, opts ...Option) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "engine").Logger(),
		now:       time.Now,
		journal:   nopJournal{},
		notifier:  nopNotifier{},
		metrics:   nopRecorder{},
		hubs:      make(map[string]*hubState),
		tenantHub: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	e.policies = newPolicyStore(e.now)
	e.tracker = newTracker(cfg.Warning, cfg.HistoryLimit)
	if e.history == nil {
		e.history = e.tracker
	}
	return e
}

// hubData is one hub's mutable state. Mutations work on a clone that
// replaces the live copy only after it has been persisted.
type hubData struct {
	hub           domain.Hub
	tenants       map[string]*domain.Tenant
	order         []string
	windows       map[string]domain.OverageWindow
	lastRebalance time.Time
}

func (d *hubData) clone() *hubData {
	c := &hubData{
		hub:           d.hub,
		tenants:       make(map[string]*domain.Tenant, len(d.tenants)),
		order:         append([]string(nil), d.order...),
		windows:       make(map[string]domain.OverageWindow, len(d.windows)),
		lastRebalance: d.lastRebalance,
	}
	for id, t := range d.tenants {
		cp := *t
		c.tenants[id] = &cp
	}
	for id, w := range d.windows {
		c.windows[id] = w
	}
	return c
}

func (d *hubData) snapshot() HubSnapshot {
	snap := HubSnapshot{Hub: d.hub, Tenants: make([]domain.Tenant, 0, len(d.order))}
	for _, id := range d.order {
		snap.Tenants = append(snap.Tenants, *d.tenants[id])
	}
	return snap
}

func (d *hubData) tenantList() []domain.Tenant {
	return d.snapshot().Tenants
}

type hubState struct {
	mu   sync.RWMutex
	data *hubData
}

// HubSpec describes a hub to register.
type HubSpec struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	TotalKW    float64          `json:"total_kw"`
	ReservedKW float64          `json:"reserved_kw"`
	Status     domain.HubStatus `json:"status"`
}

func (e *Engine) CreateHub(ctx context.Context, spec HubSpec) (domain.Hub, error) {
	if !finite(spec.TotalKW) || spec.TotalKW <= 0 {
		return domain.Hub{}, fmt.Errorf("%w: total_kw must be positive", domain.ErrValidation)
	}
	if !finite(spec.ReservedKW) || spec.ReservedKW < 0 || spec.ReservedKW > spec.TotalKW {
		return domain.Hub{}, fmt.Errorf("%w: reserved_kw must be within 0..total_kw", domain.ErrValidation)
	}
	if spec.Status == "" {
		spec.Status = domain.HubActive
	}
	if err := spec.Status.Validate(); err != nil {
		return domain.Hub{}, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	hub := domain.Hub{
		ID:     spec.ID,
		Name:   spec.Name,
		Status: spec.Status,
		Capacity: domain.HubCapacity{
			TotalKW:    spec.TotalKW,
			ReservedKW: spec.ReservedKW,
		},
	}
	hub.Recompute()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.hubs[hub.ID]; ok {
		return domain.Hub{}, fmt.Errorf("%w: hub %s already exists", domain.ErrValidation, hub.ID)
	}
	if err := e.journal.CreateHub(ctx, hub); err != nil {
		return domain.Hub{}, fmt.Errorf("create hub %s: %w", hub.ID, err)
	}
	e.hubs[hub.ID] = &hubState{data: newHubData(hub)}
	e.log.Info().Str("hub_id", hub.ID).Float64("total_kw", hub.Capacity.TotalKW).Msg("hub registered")
	return hub, nil
}

// Restore loads persisted state without writing it back. Used at startup.
func (e *Engine) Restore(snap HubSnapshot, policies []domain.Policy) {
	d := newHubData(snap.Hub)
	for i := range snap.Tenants {
		t := snap.Tenants[i]
		d.tenants[t.ID] = &t
		d.order = append(d.order, t.ID)
	}
	d.hub.Recompute()

	e.mu.Lock()
	e.hubs[snap.Hub.ID] = &hubState{data: d}
	for _, t := range snap.Tenants {
		e.tenantHub[t.ID] = snap.Hub.ID
		e.tracker.ensure(t.ID, snap.Hub.ID)
	}
	e.mu.Unlock()
	e.policies.restore(policies)
}

func newHubData(hub domain.Hub) *hubData {
	return &hubData{
		hub:     hub,
		tenants: make(map[string]*domain.Tenant),
		windows: make(map[string]domain.OverageWindow),
	}
}

// TenantSpec describes a tenant to register, including its Tenant Directory
// attributes.
type TenantSpec struct {
	ID                  string                  `json:"id"`
	Name                string                  `json:"name"`
	PriorityTier        domain.PriorityTier     `json:"priority_tier"`
	BaseKW              float64                 `json:"base_kw"`
	BurstKW             float64                 `json:"burst_kw"`
	GuaranteedKW        float64                 `json:"guaranteed_kw"`
	InitialAllocationKW float64                 `json:"initial_allocation_kw"`
	BillingCycle        string                  `json:"billing_cycle"`
	Attributes          domain.TenantAttributes `json:"attributes"`
}

func (e *Engine) RegisterTenant(ctx context.Context, hubID string, spec TenantSpec) (domain.Tenant, error) {
	if spec.PriorityTier == "" {
		spec.PriorityTier = domain.TierStandard
	}
	if err := spec.PriorityTier.Validate(); err != nil {
		return domain.Tenant{}, err
	}
	for _, v := range []float64{spec.BaseKW, spec.BurstKW, spec.GuaranteedKW, spec.InitialAllocationKW} {
		if !finite(v) || v < 0 {
			return domain.Tenant{}, fmt.Errorf("%w: capacity values must be non-negative", domain.ErrValidation)
		}
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.BillingCycle == "" {
		spec.BillingCycle = "monthly"
	}

	e.mu.Lock()
	if _, dup := e.tenantHub[spec.ID]; dup {
		e.mu.Unlock()
		return domain.Tenant{}, fmt.Errorf("%w: tenant %s already exists", domain.ErrValidation, spec.ID)
	}
	e.mu.Unlock()

	var out domain.Tenant
	err := e.mutate(ctx, hubID, func(d *hubData, _ time.Time) (bool, error) {
		if _, dup := d.tenants[spec.ID]; dup {
			return false, fmt.Errorf("%w: tenant %s already exists", domain.ErrValidation, spec.ID)
		}
		t := &domain.Tenant{
			ID:           spec.ID,
			HubID:        hubID,
			Name:         spec.Name,
			PriorityTier: spec.PriorityTier,
			Capacity: domain.TenantCapacity{
				BaseKW:       spec.BaseKW,
				BurstKW:      spec.BurstKW,
				GuaranteedKW: spec.GuaranteedKW,
			},
			Attributes: spec.Attributes,
			Billing: domain.TenantBilling{
				CurrentBalanceCAD: decimal.Zero,
				BillingCycle:      spec.BillingCycle,
				PaymentStatus:     "current",
			},
		}
		if spec.InitialAllocationKW > 0 {
			if _, ok := d.adjustAllocation(spec.InitialAllocationKW, d.windowExcessKW()); !ok {
				return false, fmt.Errorf("%w: initial allocation %.2f kW exceeds headroom %.2f kW",
					domain.ErrInvariantViolation, spec.InitialAllocationKW, d.hub.HeadroomKW())
			}
			t.Capacity.AllocatedKW = spec.InitialAllocationKW
		}
		d.tenants[t.ID] = t
		d.order = append(d.order, t.ID)
		out = *t
		return true, nil
	})
	if err != nil {
		return domain.Tenant{}, err
	}

	e.mu.Lock()
	e.tenantHub[out.ID] = hubID
	e.mu.Unlock()
	e.tracker.ensure(out.ID, hubID)
	return e.decorate(out), nil
}

// SetHubStatus moves a hub between active, maintenance and offline.
func (e *Engine) SetHubStatus(ctx context.Context, hubID string, status domain.HubStatus) (domain.Hub, error) {
	if err := status.Validate(); err != nil {
		return domain.Hub{}, err
	}
	var out domain.Hub
	err := e.mutate(ctx, hubID, func(d *hubData, _ time.Time) (bool, error) {
		d.hub.Status = status
		out = d.hub
		return true, nil
	})
	return out, err
}

func (e *Engine) Hub(hubID string) (domain.Hub, error) {
	hs, err := e.hubState(hubID)
	if err != nil {
		return domain.Hub{}, err
	}
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.data.hub, nil
}

func (e *Engine) HubIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.hubs))
	for id := range e.hubs {
		ids = append(ids, id)
	}
	return ids
}

// Tenants lists a hub's tenants in registration order with usage and
// compliance filled in.
func (e *Engine) Tenants(hubID string) ([]domain.Tenant, error) {
	hs, err := e.hubState(hubID)
	if err != nil {
		return nil, err
	}
	hs.mu.RLock()
	list := hs.data.tenantList()
	hs.mu.RUnlock()
	for i := range list {
		list[i] = e.decorate(list[i])
	}
	return list, nil
}

// Now is the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) Tenant(tenantID string) (domain.Tenant, error) {
	hubID, err := e.hubOf(tenantID)
	if err != nil {
		return domain.Tenant{}, err
	}
	hs, err := e.hubState(hubID)
	if err != nil {
		return domain.Tenant{}, err
	}
	hs.mu.RLock()
	t, ok := hs.data.tenants[tenantID]
	var out domain.Tenant
	if ok {
		out = *t
	}
	hs.mu.RUnlock()
	if !ok {
		return domain.Tenant{}, fmt.Errorf("%w: tenant %s", domain.ErrNotFound, tenantID)
	}
	return e.decorate(out), nil
}

// OverageWindows lists the hub's open overage windows.
func (e *Engine) OverageWindows(hubID string) ([]domain.OverageWindow, error) {
	hs, err := e.hubState(hubID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	out := make([]domain.OverageWindow, 0, len(hs.data.windows))
	for _, id := range hs.data.order {
		if w, ok := hs.data.windows[id]; ok && w.OpenAt(now) {
			out = append(out, w)
		}
	}
	return out, nil
}

// ChargeTenant adds a settled amount to the tenant's balance.
func (e *Engine) ChargeTenant(ctx context.Context, tenantID string, amount decimal.Decimal) error {
	hubID, err := e.hubOf(tenantID)
	if err != nil {
		return err
	}
	return e.mutate(ctx, hubID, func(d *hubData, _ time.Time) (bool, error) {
		t, ok := d.tenants[tenantID]
		if !ok {
			return false, fmt.Errorf("%w: tenant %s", domain.ErrNotFound, tenantID)
		}
		t.Billing.CurrentBalanceCAD = t.Billing.CurrentBalanceCAD.Add(amount)
		if t.Billing.CurrentBalanceCAD.IsPositive() {
			t.Billing.PaymentStatus = "pending"
		}
		return true, nil
	})
}

func (e *Engine) decorate(t domain.Tenant) domain.Tenant {
	t.Usage, t.Compliance = e.tracker.view(t.ID, e.now())
	return t
}

func (e *Engine) hubState(hubID string) (*hubState, error) {
	e.mu.RLock()
	hs, ok := e.hubs[hubID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: hub %s", domain.ErrNotFound, hubID)
	}
	return hs, nil
}

func (e *Engine) hubOf(tenantID string) (string, error) {
	e.mu.RLock()
	hubID, ok := e.tenantHub[tenantID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: tenant %s", domain.ErrNotFound, tenantID)
	}
	return hubID, nil
}

// mutate runs fn against a clone of the hub's state under the hub write lock
// and installs the clone once the journal accepts it. Expired overage
// windows are reclaimed first and settled after the lock is released.
// Version conflicts reload the hub and retry up to cfg.MaxAttempts before
// failing with ErrBusy.
func (e *Engine) mutate(ctx context.Context, hubID string, fn func(d *hubData, now time.Time) (bool, error)) error {
	hs, err := e.hubState(hubID)
	if err != nil {
		return err
	}
	expired, err := e.mutateLocked(ctx, hs, fn)
	if len(expired) > 0 {
		e.settleExpired(ctx, expired)
	}
	return err
}

func (e *Engine) mutateLocked(ctx context.Context, hs *hubState, fn func(d *hubData, now time.Time) (bool, error)) ([]expiredWindow, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	hubID := hs.data.hub.ID
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		now := e.now()
		work := hs.data.clone()
		expired := e.expireWindows(work, now)
		changed, err := fn(work, now)
		if err != nil {
			return nil, err
		}
		if !changed && len(expired) == 0 {
			return nil, nil
		}
		if err := e.journal.SaveHub(ctx, work.snapshot()); err != nil {
			if !errors.Is(err, domain.ErrConcurrentModification) {
				return nil, fmt.Errorf("persist hub %s: %w", hubID, err)
			}
			e.log.Warn().Str("hub_id", hubID).Int("attempt", attempt).Msg("hub version conflict, reloading")
			if rerr := e.reload(ctx, hs); rerr != nil {
				return nil, fmt.Errorf("reload hub %s: %w", hubID, rerr)
			}
			continue
		}
		work.hub.Version++
		hs.data = work
		e.metrics.HubLedger(work.hub, len(work.windows))
		return expired, nil
	}
	return nil, fmt.Errorf("%w: hub %s after %d attempts", domain.ErrBusy, hubID, e.cfg.MaxAttempts)
}

// reload replaces the in-memory hub with the journal's copy, keeping open
// overage windows for tenants that still exist.
func (e *Engine) reload(ctx context.Context, hs *hubState) error {
	snap, err := e.journal.LoadHub(ctx, hs.data.hub.ID)
	if err != nil {
		return err
	}
	d := newHubData(snap.Hub)
	for i := range snap.Tenants {
		t := snap.Tenants[i]
		d.tenants[t.ID] = &t
		d.order = append(d.order, t.ID)
		if w, ok := hs.data.windows[t.ID]; ok {
			d.windows[t.ID] = w
		}
	}
	d.lastRebalance = hs.data.lastRebalance
	d.hub.Recompute()
	hs.data = d
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
