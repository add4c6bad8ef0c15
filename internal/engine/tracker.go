package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ANIKETSHETTY47/energy-grid-analytics-go/aggregator"
	"github.com/google/uuid"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

// Observation is the tracker's reading of one telemetry sample, against the
// allocation that was in force when it was taken.
type Observation struct {
	HubID          string            `json:"hub_id"`
	TenantID       string            `json:"tenant_id"`
	CurrentKW      float64           `json:"current_kw"`
	AllocatedKW    float64           `json:"allocated_kw"`
	LimitKW        float64           `json:"limit_kw"`
	OverageKW      float64           `json:"overage_kw"`
	RateMultiplier float64           `json:"rate_multiplier"`
	PolicyID       string            `json:"policy_id,omitempty"`
	Violation      *domain.Violation `json:"violation,omitempty"`
	Interval       time.Duration     `json:"-"`
}

// ComplianceScore is 100 minus 2 points per violation (capped at 20
// violations), plus 5 when average utilization is above 80%, clamped to
// 0..100.
func ComplianceScore(violations int, avgUtilizationPercent float64) float64 {
	score := 100 - float64(min(violations, 20))*2
	if avgUtilizationPercent > 80 {
		score += 5
	}
	return math.Max(0, math.Min(100, score))
}

// WarningLevel maps a severity-weighted violation count to a level.
func (w WarningThresholds) Level(weighted int) domain.WarningLevel {
	switch {
	case w.Critical > 0 && weighted >= w.Critical:
		return domain.WarningCritical
	case w.High > 0 && weighted >= w.High:
		return domain.WarningHigh
	case w.Medium > 0 && weighted >= w.Medium:
		return domain.WarningMedium
	case w.Low > 0 && weighted >= w.Low:
		return domain.WarningLow
	}
	return domain.WarningNone
}

// Validate checks the thresholds are positive and ascending.
func (w WarningThresholds) Validate() error {
	if w.Low <= 0 || w.Medium < w.Low || w.High < w.Medium || w.Critical < w.High {
		return fmt.Errorf("%w: warning thresholds must be positive and ascending", domain.ErrValidation)
	}
	if w.Window <= 0 {
		return fmt.Errorf("%w: warning window must be positive", domain.ErrValidation)
	}
	return nil
}

type trackedViolation struct {
	domain.Violation
	weight int
}

type complianceRecord struct {
	mu          sync.Mutex
	hubID       string
	usage       domain.Usage
	violations  []trackedViolation
	utilization []aggregator.Point
	samples     []domain.TelemetrySample
	level       domain.WarningLevel
	lastOver    bool
}

type tracker struct {
	cfg          WarningThresholds
	historyLimit int

	mu      sync.RWMutex
	records map[string]*complianceRecord
	audits  *memoryAudit
}

func newTracker(cfg WarningThresholds, historyLimit int) *tracker {
	return &tracker{
		cfg:          cfg,
		historyLimit: historyLimit,
		records:      make(map[string]*complianceRecord),
		audits:       &memoryAudit{},
	}
}

func (tr *tracker) ensure(tenantID, hubID string) *complianceRecord {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec, ok := tr.records[tenantID]
	if !ok {
		rec = &complianceRecord{hubID: hubID, level: domain.WarningNone}
		tr.records[tenantID] = rec
	}
	return rec
}

func (tr *tracker) get(tenantID string) (*complianceRecord, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	rec, ok := tr.records[tenantID]
	return rec, ok
}

// sample updates usage and rolling utilization and returns the time since
// the tenant's previous sample and whether that sample was over the limit.
func (tr *tracker) sample(s domain.TelemetrySample, allocatedKW float64, over bool) (time.Duration, bool) {
	rec := tr.ensure(s.TenantID, "")
	rec.mu.Lock()
	defer rec.mu.Unlock()

	var interval time.Duration
	if !rec.usage.LastUpdated.IsZero() && s.Timestamp.After(rec.usage.LastUpdated) {
		interval = s.Timestamp.Sub(rec.usage.LastUpdated)
	}
	wasOver := rec.lastOver
	rec.lastOver = over
	rec.usage.CurrentKW = s.CurrentKW
	if s.Timestamp.After(rec.usage.LastUpdated) {
		rec.usage.LastUpdated = s.Timestamp
	}
	if s.CurrentKW > rec.usage.PeakKW {
		rec.usage.PeakKW = s.CurrentKW
	}

	if allocatedKW > 0 {
		rec.utilization = append(rec.utilization, aggregator.Point{Value: s.CurrentKW / allocatedKW * 100, Timestamp: s.Timestamp})
	}
	cutoff := s.Timestamp.Add(-tr.cfg.Window)
	drop := 0
	for drop < len(rec.utilization) && rec.utilization[drop].Timestamp.Before(cutoff) {
		drop++
	}
	rec.utilization = rec.utilization[drop:]

	rec.samples = append(rec.samples, s)
	if tr.historyLimit > 0 && len(rec.samples) > tr.historyLimit {
		rec.samples = rec.samples[len(rec.samples)-tr.historyLimit:]
	}
	return interval, wasOver
}

// record stores v and returns the escalation it caused, if any.
func (tr *tracker) record(v domain.Violation, allocatedKW float64) (*WarningEvent, domain.Violation) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	weight := 1
	if allocatedKW <= 0 || v.ExceededByKW >= allocatedKW*tr.cfg.SevereExcessPercent/100 {
		weight = 2
	}
	rec := tr.ensure(v.TenantID, v.HubID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.violations = append(rec.violations, trackedViolation{Violation: v, weight: weight})

	prev := rec.level
	rec.level = tr.levelLocked(rec, v.Timestamp)
	if rec.level.Rank() <= prev.Rank() {
		return nil, v
	}
	return &WarningEvent{
		TenantID:   v.TenantID,
		HubID:      v.HubID,
		From:       prev,
		To:         rec.level,
		Violations: len(rec.violations),
		At:         v.Timestamp,
	}, v
}

func (tr *tracker) levelLocked(rec *complianceRecord, now time.Time) domain.WarningLevel {
	cutoff := now.Add(-tr.cfg.Window)
	weighted := 0
	for _, v := range rec.violations {
		if v.Timestamp.After(cutoff) && !v.Timestamp.After(now) {
			weighted += v.weight
		}
	}
	return tr.cfg.Level(weighted)
}

func (tr *tracker) view(tenantID string, now time.Time) (domain.Usage, domain.Compliance) {
	rec, ok := tr.get(tenantID)
	if !ok {
		return domain.Usage{}, domain.Compliance{WarningLevel: domain.WarningNone, Score: ComplianceScore(0, 0)}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.usage.LastUpdated.IsZero() && rec.usage.LastUpdated.After(now) {
		now = rec.usage.LastUpdated
	}
	return rec.usage, domain.Compliance{
		Violations:   len(rec.violations),
		WarningLevel: tr.levelLocked(rec, now),
		Score:        ComplianceScore(len(rec.violations), averageUtilization(rec.utilization)),
	}
}

func averageUtilization(points []aggregator.Point) float64 {
	if len(points) == 0 {
		return 0
	}
	return aggregator.Average(points)
}

// Samples implements UsageHistory from the in-memory buffers.
func (tr *tracker) Samples(_ context.Context, tenantIDs []string, from, to time.Time) ([]domain.TelemetrySample, error) {
	var out []domain.TelemetrySample
	for _, id := range tenantIDs {
		rec, ok := tr.get(id)
		if !ok {
			continue
		}
		rec.mu.Lock()
		for _, s := range rec.samples {
			if !s.Timestamp.Before(from) && !s.Timestamp.After(to) {
				out = append(out, s)
			}
		}
		rec.mu.Unlock()
	}
	return out, nil
}

// Observe evaluates one telemetry sample. The tenant's allocation, overage
// window and the active policy are read under the hub read lock so a
// rebalance cannot be seen half-applied.
func (e *Engine) Observe(ctx context.Context, s domain.TelemetrySample) (Observation, error) {
	if err := s.Validate(); err != nil {
		return Observation{}, err
	}
	hubID, err := e.hubOf(s.TenantID)
	if err != nil {
		return Observation{}, err
	}
	hs, err := e.hubState(hubID)
	if err != nil {
		return Observation{}, err
	}

	hs.mu.RLock()
	t, ok := hs.data.tenants[s.TenantID]
	if !ok {
		hs.mu.RUnlock()
		return Observation{}, fmt.Errorf("%w: tenant %s", domain.ErrNotFound, s.TenantID)
	}
	obs := Observation{HubID: hubID, TenantID: s.TenantID, CurrentKW: s.CurrentKW, AllocatedKW: t.Capacity.AllocatedKW, RateMultiplier: 1}
	var threshold float64
	if p, ok := e.policies.Active(hubID); ok {
		threshold = p.EnforcementRule.ThresholdPercent
		obs.PolicyID = p.ID
		obs.RateMultiplier = p.OverageMultiplier()
	}
	obs.LimitKW = obs.AllocatedKW * (1 + threshold/100)

	w, hasWindow := hs.data.windows[s.TenantID]
	windowOpen := hasWindow && !s.Timestamp.Before(w.OpenedAt) && w.OpenAt(s.Timestamp)
	if windowOpen {
		base := obs.AllocatedKW - w.ExcessKW
		obs.OverageKW = math.Min(math.Max(s.CurrentKW-base, 0), w.ExcessKW)
		obs.RateMultiplier = w.RateMultiplier
	}

	// The window's excess is already part of AllocatedKW, so anything above
	// the limit is a violation whether or not a window is open.
	excess := s.CurrentKW - obs.LimitKW
	over := excess > epsilon
	interval, wasOver := e.tracker.sample(s, obs.AllocatedKW, over)
	obs.Interval = interval

	var (
		ev       *WarningEvent
		recorded domain.Violation
	)
	if over {
		v := domain.Violation{
			TenantID:     s.TenantID,
			HubID:        hubID,
			PolicyID:     obs.PolicyID,
			Type:         domain.ViolationCapacityExceeded,
			ExceededByKW: excess,
			Timestamp:    s.Timestamp,
		}
		if wasOver {
			v.DurationMinutes = interval.Minutes()
		}
		ev, recorded = e.tracker.record(v, obs.AllocatedKW)
		obs.Violation = &recorded
	}
	hs.mu.RUnlock()

	if obs.Violation != nil {
		e.afterViolation(ctx, recorded, ev)
	}
	return obs, nil
}

func (e *Engine) afterViolation(ctx context.Context, v domain.Violation, ev *WarningEvent) {
	e.policies.recordViolation(v.PolicyID)
	e.metrics.Violation(v.HubID, v.Type)
	e.log.Warn().Str("hub_id", v.HubID).Str("tenant_id", v.TenantID).Str("type", string(v.Type)).
		Float64("exceeded_by_kw", v.ExceededByKW).Msg("violation recorded")
	if err := e.journal.SaveViolation(ctx, v); err != nil {
		e.log.Error().Err(err).Str("violation_id", v.ID).Msg("persist violation failed")
	}
	if ev != nil {
		e.notifyEscalations(ctx, []WarningEvent{*ev})
	}
}

func (e *Engine) notifyEscalations(ctx context.Context, events []WarningEvent) {
	for _, ev := range events {
		e.log.Warn().Str("tenant_id", ev.TenantID).Str("from", string(ev.From)).Str("to", string(ev.To)).Msg("warning level escalated")
	}
	if bn, ok := e.notifier.(BatchNotifier); ok && len(events) > 1 {
		if err := bn.SendBatchAlerts(ctx, events); err != nil {
			e.log.Error().Err(err).Int("events", len(events)).Msg("batch warning notification failed")
		}
		return
	}
	for _, ev := range events {
		if err := e.notifier.WarningEscalated(ctx, ev); err != nil {
			e.log.Error().Err(err).Str("tenant_id", ev.TenantID).Msg("warning notification failed")
		}
	}
}

// Violations lists a tenant's recorded violations, oldest first.
func (e *Engine) Violations(tenantID string) ([]domain.Violation, error) {
	if _, err := e.hubOf(tenantID); err != nil {
		return nil, err
	}
	rec, ok := e.tracker.get(tenantID)
	if !ok {
		return []domain.Violation{}, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]domain.Violation, len(rec.violations))
	for i, v := range rec.violations {
		out[i] = v.Violation
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ResetViolations erases a tenant's violation history. The audit record is
// written first; if it cannot be stored nothing is erased.
func (e *Engine) ResetViolations(ctx context.Context, tenantID, actor, reason string) (domain.AuditRecord, error) {
	if actor == "" || reason == "" {
		return domain.AuditRecord{}, fmt.Errorf("%w: actor and reason are required", domain.ErrValidation)
	}
	hubID, err := e.hubOf(tenantID)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	rec := e.tracker.ensure(tenantID, hubID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	audit := domain.AuditRecord{
		ID:                uuid.NewString(),
		Action:            domain.AuditResetViolations,
		TenantID:          tenantID,
		HubID:             hubID,
		Actor:             actor,
		Reason:            reason,
		ViolationsCleared: len(rec.violations),
		At:                e.now(),
	}
	if e.audit != nil {
		if err := e.audit.RecordAudit(ctx, audit); err != nil {
			return domain.AuditRecord{}, fmt.Errorf("record audit: %w", err)
		}
	}
	_ = e.tracker.audits.RecordAudit(ctx, audit)
	if err := e.journal.DeleteViolations(ctx, tenantID); err != nil {
		return domain.AuditRecord{}, fmt.Errorf("delete violations: %w", err)
	}
	rec.violations = nil
	rec.lastOver = false
	rec.level = domain.WarningNone
	e.log.Info().Str("tenant_id", tenantID).Str("actor", actor).Int("cleared", audit.ViolationsCleared).Msg("violations reset")
	return audit, nil
}

// AuditRecords lists the audit trail kept in memory for a tenant.
func (e *Engine) AuditRecords(tenantID string) []domain.AuditRecord {
	return e.tracker.audits.list(tenantID)
}

// RestoreViolations reloads persisted violations at startup. They are not
// journaled or notified again.
func (e *Engine) RestoreViolations(vs []domain.Violation) {
	for _, v := range vs {
		var allocated float64
		if t, err := e.Tenant(v.TenantID); err == nil {
			allocated = t.Capacity.AllocatedKW
		}
		e.tracker.record(v, allocated)
	}
}

type memoryAudit struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (m *memoryAudit) RecordAudit(_ context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *memoryAudit) list(tenantID string) []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditRecord
	for _, r := range m.records {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out
}
