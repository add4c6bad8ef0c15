// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
)

// PromRecorder implements engine.Recorder.
type PromRecorder struct {
	decisions   *prometheus.CounterVec
	grantedKW   *prometheus.CounterVec
	allocated   *prometheus.GaugeVec
	utilization *prometheus.GaugeVec
	windows     *prometheus.GaugeVec
	violations  *prometheus.CounterVec
	rebalances  *prometheus.CounterVec
}

var _ engine.Recorder = (*PromRecorder)(nil)

// NewPromRecorder registers the engine metrics on reg, or on the default
// registerer when reg is nil. Registering twice reuses the existing
// collectors.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PromRecorder{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_capacity_decisions_total",
			Help: "Capacity admission decisions by reason",
		}, []string{"hub_id", "reason"}),
		grantedKW: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_capacity_granted_kw_total",
			Help: "Capacity granted through admission in kW",
		}, []string{"hub_id"}),
		allocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_allocated_kw",
			Help: "Capacity currently allocated to tenants in kW",
		}, []string{"hub_id"}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_utilization_percent",
			Help: "Allocated capacity as a percentage of total capacity",
		}, []string{"hub_id"}),
		windows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_open_overage_windows",
			Help: "Number of open overage windows",
		}, []string{"hub_id"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_violations_total",
			Help: "Recorded tenant violations",
		}, []string{"hub_id", "type"}),
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_rebalances_total",
			Help: "Committed rebalances by trigger",
		}, []string{"hub_id", "trigger"}),
	}

	var err error
	if r.decisions, err = registerCounter(reg, r.decisions); err != nil {
		return nil, err
	}
	if r.grantedKW, err = registerCounter(reg, r.grantedKW); err != nil {
		return nil, err
	}
	if r.violations, err = registerCounter(reg, r.violations); err != nil {
		return nil, err
	}
	if r.rebalances, err = registerCounter(reg, r.rebalances); err != nil {
		return nil, err
	}
	if r.allocated, err = registerGauge(reg, r.allocated); err != nil {
		return nil, err
	}
	if r.utilization, err = registerGauge(reg, r.utilization); err != nil {
		return nil, err
	}
	if r.windows, err = registerGauge(reg, r.windows); err != nil {
		return nil, err
	}
	return r, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, err
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, g *prometheus.GaugeVec) (*prometheus.GaugeVec, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.GaugeVec), nil
		}
		return nil, err
	}
	return g, nil
}

func (r *PromRecorder) CapacityDecision(hubID, reason string, grantedKW float64) {
	r.decisions.WithLabelValues(hubID, reason).Inc()
	if grantedKW > 0 {
		r.grantedKW.WithLabelValues(hubID).Add(grantedKW)
	}
}

func (r *PromRecorder) HubLedger(hub domain.Hub, openWindows int) {
	r.allocated.WithLabelValues(hub.ID).Set(hub.Capacity.AllocatedKW)
	r.utilization.WithLabelValues(hub.ID).Set(hub.UtilizationPercent)
	r.windows.WithLabelValues(hub.ID).Set(float64(openWindows))
}

func (r *PromRecorder) Violation(hubID string, kind domain.ViolationType) {
	r.violations.WithLabelValues(hubID, string(kind)).Inc()
}

func (r *PromRecorder) Rebalanced(hubID string, trigger engine.Trigger) {
	r.rebalances.WithLabelValues(hubID, string(trigger)).Inc()
}
