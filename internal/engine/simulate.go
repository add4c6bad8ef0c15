package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ANIKETSHETTY47/energy-grid-analytics-go/aggregator"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/allocation"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

const (
	SourceHistory   = "history"
	SourceSynthetic = "synthetic"

	maxSimulationDays = 90
)

type SimulationRequest struct {
	HubID      string        `json:"hub_id"`
	Candidate  domain.Policy `json:"candidate"`
	WindowDays int           `json:"window_days"`
}

type TenantProjection struct {
	TenantID              string  `json:"tenant_id"`
	Name                  string  `json:"name"`
	AllocatedKW           float64 `json:"allocated_kw"`
	LimitKW               float64 `json:"limit_kw"`
	PeakKW                float64 `json:"peak_kw"`
	Violations            int     `json:"violations"`
	AvgUtilizationPercent float64 `json:"avg_utilization_percent"`
	ComplianceScore       float64 `json:"compliance_score"`
}

type SimulationResult struct {
	HubID           string             `json:"hub_id"`
	WindowDays      int                `json:"window_days"`
	Source          string             `json:"source"`
	Samples         int                `json:"samples"`
	AvgCompliance   float64            `json:"avg_compliance"`
	ViolationsCount int                `json:"violations_count"`
	PeakUtilization float64            `json:"peak_utilization"`
	Issues          []string           `json:"issues"`
	Tenants         []TenantProjection `json:"tenants"`
}

// Simulate replays usage against a candidate policy without touching the
// ledger, the policy store or the compliance records. The same usage and
// candidate always produce the same result.
func (e *Engine) Simulate(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
	if req.HubID == "" {
		req.HubID = req.Candidate.HubID
	}
	req.Candidate.HubID = req.HubID
	if err := req.Candidate.Validate(); err != nil {
		return SimulationResult{}, err
	}
	if req.WindowDays == 0 {
		req.WindowDays = 7
	}
	if req.WindowDays < 1 || req.WindowDays > maxSimulationDays {
		return SimulationResult{}, fmt.Errorf("%w: window_days must be within 1..%d", domain.ErrValidation, maxSimulationDays)
	}

	hs, err := e.hubState(req.HubID)
	if err != nil {
		return SimulationResult{}, err
	}
	hs.mu.RLock()
	hub := hs.data.hub
	tenants := hs.data.tenantList()
	hs.mu.RUnlock()

	to := e.now().Truncate(time.Hour)
	from := to.Add(-time.Duration(req.WindowDays) * 24 * time.Hour)
	ids := make([]string, len(tenants))
	for i, t := range tenants {
		ids[i] = t.ID
	}
	samples, err := e.history.Samples(ctx, ids, from, to)
	if err != nil {
		return SimulationResult{}, fmt.Errorf("load usage history: %w", err)
	}
	res := SimulationResult{HubID: req.HubID, WindowDays: req.WindowDays, Source: SourceHistory, Issues: []string{}}
	if len(samples) == 0 {
		samples = syntheticUsage(tenants, from, to)
		res.Source = SourceSynthetic
	}
	sort.SliceStable(samples, func(i, j int) bool {
		if !samples[i].Timestamp.Equal(samples[j].Timestamp) {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		}
		return samples[i].TenantID < samples[j].TenantID
	})
	res.Samples = len(samples)

	allocs, issue := projectedAllocations(hub, tenants, req.Candidate.AllocationRule.Type)
	if issue != "" {
		res.Issues = append(res.Issues, issue)
	}

	c := req.Candidate
	threshold := c.EnforcementRule.ThresholdPercent
	bySample := make(map[string][]domain.TelemetrySample, len(tenants))
	for _, s := range samples {
		bySample[s.TenantID] = append(bySample[s.TenantID], s)
	}

	var scoreSum float64
	for _, t := range tenants {
		alloc := allocs[t.ID]
		p := TenantProjection{TenantID: t.ID, Name: t.Name, AllocatedKW: alloc, LimitKW: alloc * (1 + threshold/100)}
		var (
			util    []aggregator.Point
			runFrom time.Time
		)
		for _, s := range bySample[t.ID] {
			p.PeakKW = math.Max(p.PeakKW, s.CurrentKW)
			if alloc > 0 {
				util = append(util, aggregator.Point{Value: s.CurrentKW / alloc * 100, Timestamp: s.Timestamp})
			}
			if s.CurrentKW <= p.LimitKW+epsilon {
				runFrom = time.Time{}
				continue
			}
			if runFrom.IsZero() {
				runFrom = s.Timestamp
			}
			if overageCovers(c, alloc, s.CurrentKW, s.Timestamp.Sub(runFrom)) {
				continue
			}
			p.Violations++
		}
		p.AvgUtilizationPercent = averageUtilization(util)
		p.ComplianceScore = ComplianceScore(p.Violations, p.AvgUtilizationPercent)
		scoreSum += p.ComplianceScore
		res.ViolationsCount += p.Violations
		if p.Violations > 0 {
			res.Issues = append(res.Issues, fmt.Sprintf("tenant %s predicted to breach its %.1f kW cap %d times (peak %.1f kW)",
				displayName(t), p.LimitKW, p.Violations, p.PeakKW))
		}
		res.Tenants = append(res.Tenants, p)
	}
	res.AvgCompliance = 100
	if len(tenants) > 0 {
		res.AvgCompliance = scoreSum / float64(len(tenants))
	}

	hourly := hourlyHubLoad(samples, hub.Capacity.TotalKW)
	for _, pt := range hourly {
		res.PeakUtilization = math.Max(res.PeakUtilization, pt.Value)
	}
	if res.PeakUtilization > 100 {
		res.Issues = append(res.Issues, fmt.Sprintf("hub load predicted to reach %.1f%% of capacity", res.PeakUtilization))
	}
	if len(hourly) >= 3 {
		for _, v := range aggregator.MovingAverage(hourly, 3) {
			if v > 100 {
				res.Issues = append(res.Issues, "hub load predicted above capacity for three consecutive hours")
				break
			}
		}
	}
	if c.EnforcementRule.Type == domain.EnforceHardCap && res.ViolationsCount > 0 {
		res.Issues = append(res.Issues, "hard-cap enforcement would deny all capacity requests beyond headroom")
	}
	return res, nil
}

// projectedAllocations applies the candidate's allocation method. Methods
// without a strategy keep current allocations and report it.
func projectedAllocations(hub domain.Hub, tenants []domain.Tenant, method domain.AllocationMethod) (map[string]float64, string) {
	out := make(map[string]float64, len(tenants))
	for _, t := range tenants {
		out[t.ID] = t.Capacity.AllocatedKW
	}
	pool := math.Max(hub.Capacity.TotalKW-hub.Capacity.ReservedKW, 0)
	shares, err := allocation.Allocate(pool, tenants, method)
	if err != nil {
		return out, fmt.Sprintf("allocation method %s cannot be applied, current allocations kept", method)
	}
	for _, s := range shares {
		out[s.TenantID] = s.AllocatedKW
	}
	return out, ""
}

// overageCovers reports whether the candidate's overage terms would have
// authorized usage above the cap for a run lasting d.
func overageCovers(p domain.Policy, allocKW, usageKW float64, d time.Duration) bool {
	if p.EnforcementRule.Type == domain.EnforceHardCap || !p.OveragePolicy.Allowed {
		return false
	}
	limit := allocKW * (1 + p.OveragePolicy.MaxOveragePercent/100)
	maxRun := time.Duration(p.OveragePolicy.MaxOverageDurationMinutes) * time.Minute
	return usageKW <= limit+epsilon && d <= maxRun
}

// hourlyHubLoad sums each tenant's mean draw per hour and returns the hub's
// utilization for every hour, in time order.
func hourlyHubLoad(samples []domain.TelemetrySample, totalKW float64) []aggregator.Point {
	if totalKW <= 0 {
		return nil
	}
	type acc struct {
		sum   float64
		count int
	}
	buckets := make(map[time.Time]map[string]*acc)
	for _, s := range samples {
		h := s.Timestamp.Truncate(time.Hour)
		b, ok := buckets[h]
		if !ok {
			b = make(map[string]*acc)
			buckets[h] = b
		}
		a, ok := b[s.TenantID]
		if !ok {
			a = &acc{}
			b[s.TenantID] = a
		}
		a.sum += s.CurrentKW
		a.count++
	}
	hours := make([]time.Time, 0, len(buckets))
	for h := range buckets {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	out := make([]aggregator.Point, 0, len(hours))
	for _, h := range hours {
		ids := make([]string, 0, len(buckets[h]))
		for id := range buckets[h] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var load float64
		for _, id := range ids {
			a := buckets[h][id]
			load += a.sum / float64(a.count)
		}
		out = append(out, aggregator.Point{Value: load / totalKW * 100, Timestamp: h})
	}
	return out
}

// syntheticUsage builds an hourly daily-cycle profile around each tenant's
// historical average, or 80% of its allocation when that is unknown. The
// profile peaks mid-afternoon at 125% of the base.
func syntheticUsage(tenants []domain.Tenant, from, to time.Time) []domain.TelemetrySample {
	var out []domain.TelemetrySample
	for ts := from; ts.Before(to); ts = ts.Add(time.Hour) {
		phase := 2 * math.Pi * float64(ts.Hour()-9) / 24
		factor := 1 + 0.25*math.Sin(phase)
		for _, t := range tenants {
			base := t.Attributes.HistoricalAvgKW
			if base <= 0 {
				base = 0.8 * t.Capacity.AllocatedKW
			}
			out = append(out, domain.TelemetrySample{TenantID: t.ID, CurrentKW: base * factor, Timestamp: ts})
		}
	}
	return out
}

func displayName(t domain.Tenant) string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}
