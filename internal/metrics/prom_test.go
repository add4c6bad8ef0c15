package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
)

func TestPromRecorder_Decisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPromRecorder(reg)
	require.NoError(t, err)

	r.CapacityDecision("hub-1", engine.ReasonWithinHeadroom, 40)
	r.CapacityDecision("hub-1", engine.ReasonWithinHeadroom, 10)
	r.CapacityDecision("hub-1", engine.ReasonHardCapExceeded, 0)

	expected := `
# HELP hub_capacity_decisions_total Capacity admission decisions by reason
# TYPE hub_capacity_decisions_total counter
hub_capacity_decisions_total{hub_id="hub-1",reason="hard-cap-exceeded"} 1
hub_capacity_decisions_total{hub_id="hub-1",reason="within-headroom"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(r.decisions, strings.NewReader(expected)))
	assert.InDelta(t, 50, testutil.ToFloat64(r.grantedKW.WithLabelValues("hub-1")), 1e-9)
}

func TestPromRecorder_LedgerAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPromRecorder(reg)
	require.NoError(t, err)

	r.HubLedger(domain.Hub{ID: "hub-1", Capacity: domain.HubCapacity{AllocatedKW: 450}, UtilizationPercent: 90}, 2)
	r.Violation("hub-1", domain.ViolationCapacityExceeded)
	r.Rebalanced("hub-1", engine.TriggerThreshold)

	assert.InDelta(t, 450, testutil.ToFloat64(r.allocated.WithLabelValues("hub-1")), 1e-9)
	assert.InDelta(t, 90, testutil.ToFloat64(r.utilization.WithLabelValues("hub-1")), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(r.windows.WithLabelValues("hub-1")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(r.violations.WithLabelValues("hub-1", "capacity-exceeded")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(r.rebalances.WithLabelValues("hub-1", "threshold")), 1e-9)
}

func TestNewPromRecorder_ReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPromRecorder(reg)
	require.NoError(t, err)
	second, err := NewPromRecorder(reg)
	require.NoError(t, err)

	first.Violation("hub-1", domain.ViolationOverageExpired)
	assert.Same(t, first.violations, second.violations)
	assert.Equal(t, 1, testutil.CollectAndCount(second.violations))
}
