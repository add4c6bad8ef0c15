package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/billing"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/metrics"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/service"
)

var now = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPromRecorder(reg)
	require.NoError(t, err)
	clock := func() time.Time { return now }
	e := engine.New(engine.DefaultConfig(),
		engine.WithLogger(zerolog.Nop()), engine.WithClock(clock), engine.WithRecorder(rec))
	l := billing.New(billing.WithLogger(zerolog.Nop()), billing.WithClock(clock), billing.WithCharger(e))
	svcs := service.New(e, l, service.WithDefaultRates(billing.RateCard{
		EnergyRateCADPerKWh: decimal.RequireFromString("0.10"),
	}))
	return NewApp(svcs, reg)
}

func call(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func seed(t *testing.T, app *fiber.App) {
	t.Helper()
	status, _ := call(t, app, "POST", "/hubs", map[string]any{"id": "hub-1", "total_kw": 500})
	require.Equal(t, fiber.StatusCreated, status)
	for id, kw := range map[string]float64{"a": 200, "b": 150, "c": 100} {
		status, _ := call(t, app, "POST", "/hubs/hub-1/tenants", map[string]any{"id": id, "initial_allocation_kw": kw})
		require.Equal(t, fiber.StatusCreated, status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)
	seed(t, app)
	call(t, app, "POST", "/hubs/hub-1/capacity-requests", map[string]any{"tenant_id": "a", "requested_kw": 10})

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `hub_capacity_decisions_total{hub_id="hub-1",reason="within-headroom"} 1`)
}

func TestHubsAndAdmission(t *testing.T) {
	app := newTestApp(t)
	seed(t, app)

	status, body := call(t, app, "POST", "/hubs", map[string]any{"id": "hub-1", "total_kw": 10})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation-error", body["reason"])

	status, body = call(t, app, "GET", "/hubs/hub-1", nil)
	require.Equal(t, fiber.StatusOK, status)
	hub := body["hub"].(map[string]any)
	assert.InDelta(t, 50, hub["capacity"].(map[string]any)["available_kw"], 1e-9)

	status, body = call(t, app, "POST", "/hubs/hub-1/capacity-requests", map[string]any{"tenant_id": "a", "requested_kw": 40})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["granted"])
	assert.Equal(t, "within-headroom", body["reason"])

	status, body = call(t, app, "POST", "/hubs/hub-1/capacity-requests", map[string]any{"tenant_id": "a", "requested_kw": 40})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["granted"])
	assert.Equal(t, "no-active-policy", body["reason"])

	status, body = call(t, app, "POST", "/hubs/hub-1/capacity-requests", map[string]any{"tenant_id": "a", "requested_kw": -1})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = call(t, app, "POST", "/hubs/hub-1/allocation-adjustments", map[string]any{"delta_kw": 20})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "invariant-violation", body["reason"])

	status, body = call(t, app, "POST", "/hubs/hub-1/capacity-releases", map[string]any{"tenant_id": "a", "kw": 40})
	require.Equal(t, fiber.StatusOK, status)
	assert.InDelta(t, 200, body["capacity"].(map[string]any)["allocated_kw"], 1e-9)

	status, body = call(t, app, "POST", "/hubs/hub-1/reservations", map[string]any{"delta_kw": 10})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "no-active-policy", body["reason"])

	status, _ = call(t, app, "GET", "/hubs/nowhere", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestPolicyLifecycleAndRebalance(t *testing.T) {
	app := newTestApp(t)
	seed(t, app)

	policy := map[string]any{
		"hub_id":           "hub-1",
		"name":             "fair",
		"type":             "standard",
		"allocation_rule":  map[string]any{"type": "equal-split"},
		"enforcement_rule": map[string]any{"type": "hard-cap"},
	}
	status, body := call(t, app, "POST", "/policies", policy)
	require.Equal(t, fiber.StatusCreated, status)
	id := body["id"].(string)
	assert.Equal(t, "draft", body["status"])

	status, body = call(t, app, "POST", "/policies/"+id+"/apply", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "active", body["status"])

	status, body = call(t, app, "POST", "/policies/"+id+"/archive", nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "invalid-transition", body["reason"])

	status, body = call(t, app, "POST", "/hubs/hub-1/capacity-requests", map[string]any{"tenant_id": "a", "requested_kw": 80})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "hard-cap-exceeded", body["reason"])

	status, body = call(t, app, "POST", "/hubs/hub-1/rebalance", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "equal-split", body["method"])
	assert.Equal(t, "manual", body["trigger"])
	assert.Len(t, body["shares"], 3)

	status, body = call(t, app, "POST", "/hubs/hub-1/rebalance", map[string]any{"trigger": "scheduled"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "scheduled", body["trigger"])

	status, body = call(t, app, "POST", "/hubs/hub-1/rebalance", map[string]any{"trigger": "nightly"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation-error", body["reason"])

	status, body = call(t, app, "POST", "/policies/simulate", map[string]any{"candidate": policy, "window_days": 1})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "synthetic", body["source"])

	status, body = call(t, app, "POST", "/policies/"+id+"/clone", map[string]any{"name": "fair v2"})
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "fair v2", body["name"])

	status, body = call(t, app, "GET", "/policies/missing", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "policy-not-found", body["reason"])
}

func TestTelemetryAndViolations(t *testing.T) {
	app := newTestApp(t)
	seed(t, app)

	status, body := call(t, app, "POST", "/telemetry", map[string]any{"tenant_id": "c", "current_kw": 130, "timestamp": now})
	require.Equal(t, fiber.StatusOK, status)
	obs := body["observation"].(map[string]any)
	assert.NotNil(t, obs["violation"])

	req := httptest.NewRequest("GET", "/tenants/c/violations", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	var vs []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vs))
	require.Len(t, vs, 1)
	assert.InDelta(t, 30, vs[0]["exceeded_by_kw"], 1e-9)

	status, body = call(t, app, "POST", "/tenants/c/violations/reset", map[string]any{"actor": "ops"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = call(t, app, "POST", "/tenants/c/violations/reset", map[string]any{"actor": "ops", "reason": "meter fault"})
	require.Equal(t, fiber.StatusOK, status)
	assert.InDelta(t, 1, body["violations_cleared"], 1e-9)

	status, _ = call(t, app, "POST", "/telemetry", map[string]any{"tenant_id": "c"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestTelemetry_MissingTimestampUsesReceiveTime(t *testing.T) {
	app := newTestApp(t)
	seed(t, app)

	status, body := call(t, app, "POST", "/telemetry", map[string]any{"tenant_id": "c", "current_kw": 130})
	require.Equal(t, fiber.StatusOK, status)
	obs := body["observation"].(map[string]any)
	v, ok := obs["violation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, now.Format(time.RFC3339), v["timestamp"])
}

func TestBillingPeriods(t *testing.T) {
	app := newTestApp(t)
	seed(t, app)

	status, body := call(t, app, "POST", "/billing-periods", map[string]any{
		"hub_id": "hub-1", "start": now.AddDate(0, 0, -1), "end": now.AddDate(0, 1, 0),
	})
	require.Equal(t, fiber.StatusCreated, status)
	id := body["id"].(string)
	assert.Equal(t, "draft", body["status"])

	status, body = call(t, app, "POST", "/billing-periods/"+id+"/accruals", map[string]any{
		"tenant_id": "a", "energy_kwh": 100, "demand_kw": 20,
	})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "10", body["total_cad"])

	status, _ = call(t, app, "POST", "/billing-periods/"+id+"/operating-costs", map[string]any{"amount_cad": "4"})
	require.Equal(t, fiber.StatusOK, status)

	status, body = call(t, app, "POST", "/billing-periods/"+id+"/finalize", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "finalized", body["status"])
	totals := body["totals"].(map[string]any)
	assert.Equal(t, "6", totals["net_revenue_cad"])
	assert.Equal(t, "10", totals["total_tenant_revenue_cad"])
	assert.Equal(t, "4", totals["total_operating_costs_cad"])
	assert.InDelta(t, 100, totals["total_energy_kwh"], 1e-9)

	status, body = call(t, app, "POST", "/billing-periods/"+id+"/accruals", map[string]any{"tenant_id": "a", "energy_kwh": 1})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "period-closed", body["reason"])

	status, body = call(t, app, "GET", "/tenants/a", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "10", body["billing"].(map[string]any)["current_balance_cad"])

	status, _ = call(t, app, "POST", "/billing-periods", map[string]any{"hub_id": "nowhere", "start": now, "end": now.Add(time.Hour)})
	assert.Equal(t, fiber.StatusNotFound, status)
}
