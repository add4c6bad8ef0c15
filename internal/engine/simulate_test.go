package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

func simulationHub(t *testing.T, e *Engine) domain.Hub {
	t.Helper()
	ctx := context.Background()
	hub, err := e.CreateHub(ctx, HubSpec{ID: "sim", TotalKW: 300})
	require.NoError(t, err)
	for _, id := range []string{"north", "south", "east"} {
		_, err := e.RegisterTenant(ctx, hub.ID, TenantSpec{
			ID:                  id,
			Name:                id,
			InitialAllocationKW: 80,
			Attributes:          domain.TenantAttributes{HistoricalAvgKW: 100},
		})
		require.NoError(t, err)
	}
	return hub
}

func hardCap(hubID string, threshold float64) domain.Policy {
	return domain.Policy{
		HubID:           hubID,
		Name:            "candidate",
		Type:            domain.PolicyStandard,
		AllocationRule:  domain.AllocationRule{Type: domain.AllocEqualSplit},
		EnforcementRule: domain.EnforcementRule{Type: domain.EnforceHardCap, ThresholdPercent: threshold},
	}
}

func TestSimulate_SyntheticProfile(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := simulationHub(t, e)
	before, _ := e.Hub(hub.ID)

	res, err := e.Simulate(context.Background(), SimulationRequest{HubID: hub.ID, Candidate: hardCap(hub.ID, 0), WindowDays: 1})
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, res.Source)
	assert.Equal(t, 72, res.Samples)

	// Equal split gives 100 kW each; the profile sits above that for the
	// 11 hours between 10:00 and 20:00.
	require.Len(t, res.Tenants, 3)
	for _, tp := range res.Tenants {
		assert.InDelta(t, 100, tp.AllocatedKW, 1e-9)
		assert.Equal(t, 11, tp.Violations)
		assert.InDelta(t, 125, tp.PeakKW, 1e-9)
	}
	assert.Equal(t, 33, res.ViolationsCount)
	assert.InDelta(t, 125, res.PeakUtilization, 1e-9)
	assert.InDelta(t, ComplianceScore(11, res.Tenants[0].AvgUtilizationPercent), res.AvgCompliance, 1e-9)
	assert.NotEmpty(t, res.Issues)

	after, _ := e.Hub(hub.ID)
	assert.Equal(t, before, after)
	vs, _ := e.Violations("north")
	assert.Empty(t, vs)
}

func TestSimulate_Deterministic(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := simulationHub(t, e)
	req := SimulationRequest{HubID: hub.ID, Candidate: hardCap(hub.ID, 10), WindowDays: 3}

	first, err := e.Simulate(context.Background(), req)
	require.NoError(t, err)
	second, err := e.Simulate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type fixedHistory []domain.TelemetrySample

func (h fixedHistory) Samples(context.Context, []string, time.Time, time.Time) ([]domain.TelemetrySample, error) {
	return append([]domain.TelemetrySample(nil), h...), nil
}

func TestSimulate_DeterministicOverHistory(t *testing.T) {
	clock := newClock()
	at := clock.Now().Truncate(time.Hour).Add(-time.Hour)
	var history fixedHistory
	for i := 0; i < 12; i++ {
		kw := 0.1 * float64(i+1)
		if i == 0 {
			kw = 1e16
		}
		history = append(history, domain.TelemetrySample{TenantID: fmt.Sprintf("t%02d", i), CurrentKW: kw, Timestamp: at})
	}
	e := newTestEngine(t, clock, WithUsageHistory(history))
	ctx := context.Background()
	hub, err := e.CreateHub(ctx, HubSpec{ID: "big", TotalKW: 1e16})
	require.NoError(t, err)
	for _, s := range history {
		_, err := e.RegisterTenant(ctx, hub.ID, TenantSpec{ID: s.TenantID, Name: s.TenantID})
		require.NoError(t, err)
	}

	req := SimulationRequest{HubID: hub.ID, Candidate: hardCap(hub.ID, 0), WindowDays: 1}
	first, err := e.Simulate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, SourceHistory, first.Source)
	for i := 0; i < 100; i++ {
		again, err := e.Simulate(ctx, req)
		require.NoError(t, err)
		require.Equal(t, first.PeakUtilization, again.PeakUtilization)
		require.Equal(t, first.Issues, again.Issues)
	}
}

func TestSimulate_ThresholdAndOverage(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := simulationHub(t, e)
	ctx := context.Background()

	res, err := e.Simulate(ctx, SimulationRequest{HubID: hub.ID, Candidate: hardCap(hub.ID, 30), WindowDays: 1})
	require.NoError(t, err)
	assert.Zero(t, res.ViolationsCount)
	assert.InDelta(t, 100, res.AvgCompliance, 1e-9)

	soft := hardCap(hub.ID, 0)
	soft.EnforcementRule.Type = domain.EnforceSoftCap
	soft.OveragePolicy = domain.OveragePolicy{Allowed: true, MaxOveragePercent: 30, MaxOverageDurationMinutes: 24 * 60}
	res, err = e.Simulate(ctx, SimulationRequest{HubID: hub.ID, Candidate: soft, WindowDays: 1})
	require.NoError(t, err)
	assert.Zero(t, res.ViolationsCount)
}

func TestSimulate_UsesHistory(t *testing.T) {
	clock := newClock()
	e := newTestEngine(t, clock)
	hub := simulationHub(t, e)
	ctx := context.Background()

	_, err := e.Observe(ctx, domain.TelemetrySample{TenantID: "north", CurrentKW: 150, Timestamp: clock.Now().Add(-30 * time.Minute)})
	require.NoError(t, err)

	res, err := e.Simulate(ctx, SimulationRequest{HubID: hub.ID, Candidate: hardCap(hub.ID, 0), WindowDays: 1})
	require.NoError(t, err)
	assert.Equal(t, SourceHistory, res.Source)
	assert.Equal(t, 1, res.Samples)
	assert.Equal(t, 1, res.ViolationsCount)
	assert.InDelta(t, 50, res.PeakUtilization, 1e-9)
}

func TestSimulate_Validation(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := simulationHub(t, e)
	ctx := context.Background()

	_, err := e.Simulate(ctx, SimulationRequest{HubID: hub.ID, Candidate: hardCap(hub.ID, 0), WindowDays: 400})
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := hardCap(hub.ID, 0)
	bad.EnforcementRule.Type = "strict"
	_, err = e.Simulate(ctx, SimulationRequest{HubID: hub.ID, Candidate: bad})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Simulate(ctx, SimulationRequest{HubID: "nowhere", Candidate: hardCap("nowhere", 0)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSimulate_UnimplementedMethodKeepsAllocations(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := simulationHub(t, e)

	c := hardCap(hub.ID, 0)
	c.AllocationRule.Type = domain.AllocTiered
	res, err := e.Simulate(context.Background(), SimulationRequest{HubID: hub.ID, Candidate: c, WindowDays: 1})
	require.NoError(t, err)
	require.NotEmpty(t, res.Issues)
	assert.Contains(t, res.Issues[0], "tiered")
	for _, tp := range res.Tenants {
		assert.InDelta(t, 80, tp.AllocatedKW, 1e-9)
	}
}
