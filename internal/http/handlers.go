// Package http exposes the engine over a JSON API.
package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/service"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/telemetry"
)

type handlers struct {
	svcs *service.Services
}

func Register(app *fiber.App, svcs *service.Services) {
	h := &handlers{svcs: svcs}

	hubs := app.Group("/hubs")
	hubs.Post("/", h.createHub)
	hubs.Get("/:hubId", h.getHub)
	hubs.Put("/:hubId/status", h.setHubStatus)
	hubs.Get("/:hubId/overage-windows", h.overageWindows)
	hubs.Post("/:hubId/tenants", h.registerTenant)
	hubs.Get("/:hubId/tenants", h.listTenants)
	hubs.Get("/:hubId/policies", h.listPolicies)
	hubs.Post("/:hubId/capacity-requests", h.requestCapacity)
	hubs.Post("/:hubId/capacity-releases", h.releaseCapacity)
	hubs.Post("/:hubId/allocation-adjustments", h.adjustAllocation)
	hubs.Post("/:hubId/reservations", h.reserve)
	hubs.Post("/:hubId/rebalance", h.rebalance)

	tenants := app.Group("/tenants")
	tenants.Get("/:tenantId", h.getTenant)
	tenants.Get("/:tenantId/violations", h.listViolations)
	tenants.Post("/:tenantId/violations/reset", h.resetViolations)
	tenants.Get("/:tenantId/audits", h.listAudits)

	app.Post("/telemetry", h.ingest)

	registerPolicies(app, h)
	registerBilling(app, h)
}

func (h *handlers) createHub(c *fiber.Ctx) error {
	var spec engine.HubSpec
	if err := parse(c, &spec); err != nil {
		return fail(c, err)
	}
	hub, err := h.svcs.Engine.CreateHub(c.UserContext(), spec)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(hub)
}

func (h *handlers) getHub(c *fiber.Ctx) error {
	hub, err := h.svcs.Engine.Hub(c.Params("hubId"))
	if err != nil {
		return fail(c, err)
	}
	resp := fiber.Map{"hub": hub}
	if p, ok := h.svcs.Engine.ActivePolicy(hub.ID); ok {
		resp["active_policy_id"] = p.ID
	}
	return c.JSON(resp)
}

func (h *handlers) setHubStatus(c *fiber.Ctx) error {
	var body struct {
		Status domain.HubStatus `json:"status"`
	}
	if err := parse(c, &body); err != nil {
		return fail(c, err)
	}
	hub, err := h.svcs.Engine.SetHubStatus(c.UserContext(), c.Params("hubId"), body.Status)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(hub)
}

func (h *handlers) overageWindows(c *fiber.Ctx) error {
	ws, err := h.svcs.Engine.OverageWindows(c.Params("hubId"))
	if err != nil {
		return fail(c, err)
	}
	if ws == nil {
		ws = []domain.OverageWindow{}
	}
	return c.JSON(ws)
}

func (h *handlers) registerTenant(c *fiber.Ctx) error {
	var spec engine.TenantSpec
	if err := parse(c, &spec); err != nil {
		return fail(c, err)
	}
	t, err := h.svcs.Engine.RegisterTenant(c.UserContext(), c.Params("hubId"), spec)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(t)
}

func (h *handlers) listTenants(c *fiber.Ctx) error {
	items, err := h.svcs.Engine.Tenants(c.Params("hubId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(items)
}

func (h *handlers) getTenant(c *fiber.Ctx) error {
	t, err := h.svcs.Engine.Tenant(c.Params("tenantId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(t)
}

func (h *handlers) listPolicies(c *fiber.Ctx) error {
	hubID := c.Params("hubId")
	if _, err := h.svcs.Engine.Hub(hubID); err != nil {
		return fail(c, err)
	}
	items := h.svcs.Engine.Policies(hubID)
	if items == nil {
		items = []domain.Policy{}
	}
	return c.JSON(items)
}

func (h *handlers) requestCapacity(c *fiber.Ctx) error {
	var req engine.CapacityRequest
	if err := parse(c, &req); err != nil {
		return fail(c, err)
	}
	req.HubID = c.Params("hubId")
	dec, err := h.svcs.Engine.RequestCapacity(c.UserContext(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dec)
}

func (h *handlers) releaseCapacity(c *fiber.Ctx) error {
	var body struct {
		TenantID string  `json:"tenant_id"`
		KW       float64 `json:"kw"`
	}
	if err := parse(c, &body); err != nil {
		return fail(c, err)
	}
	t, err := h.svcs.Engine.ReleaseCapacity(c.UserContext(), c.Params("hubId"), body.TenantID, body.KW)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(t)
}

func (h *handlers) adjustAllocation(c *fiber.Ctx) error {
	var body struct {
		DeltaKW float64 `json:"delta_kw"`
	}
	if err := parse(c, &body); err != nil {
		return fail(c, err)
	}
	hubID := c.Params("hubId")
	allocated, ok, err := h.svcs.Engine.AdjustAllocation(c.UserContext(), hubID, body.DeltaKW)
	if err != nil {
		return fail(c, err)
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"applied": false,
			"reason":  domain.Reason(domain.ErrInvariantViolation),
		})
	}
	return c.JSON(fiber.Map{"applied": true, "allocated_kw": allocated})
}

func (h *handlers) reserve(c *fiber.Ctx) error {
	var body struct {
		DeltaKW float64 `json:"delta_kw"`
	}
	if err := parse(c, &body); err != nil {
		return fail(c, err)
	}
	hub, err := h.svcs.Engine.Reserve(c.UserContext(), c.Params("hubId"), body.DeltaKW)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(hub)
}

func (h *handlers) rebalance(c *fiber.Ctx) error {
	var body struct {
		Method  domain.AllocationMethod `json:"method"`
		Trigger engine.Trigger          `json:"trigger"`
	}
	if len(c.Body()) > 0 {
		if err := parse(c, &body); err != nil {
			return fail(c, err)
		}
	}
	if body.Trigger == "" {
		body.Trigger = engine.TriggerManual
	}
	res, err := h.svcs.Engine.Rebalance(c.UserContext(), c.Params("hubId"), body.Method, body.Trigger)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(res)
}

// ingest shares the meter wire form, so a missing timestamp is stamped
// with the engine's receive time.
func (h *handlers) ingest(c *fiber.Ctx) error {
	s, err := telemetry.Decode(c.Body(), h.svcs.Engine.Now())
	if err != nil {
		return fail(c, err)
	}
	res, err := h.svcs.Telemetry.Ingest(c.UserContext(), s)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(res)
}

func (h *handlers) listViolations(c *fiber.Ctx) error {
	vs, err := h.svcs.Engine.Violations(c.Params("tenantId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(vs)
}

func (h *handlers) resetViolations(c *fiber.Ctx) error {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := parse(c, &body); err != nil {
		return fail(c, err)
	}
	rec, err := h.svcs.Engine.ResetViolations(c.UserContext(), c.Params("tenantId"), body.Actor, body.Reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(rec)
}

func (h *handlers) listAudits(c *fiber.Ctx) error {
	recs, err := h.svcs.Audits(c.UserContext(), c.Params("tenantId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(recs)
}
