package http

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
)

func registerPolicies(app *fiber.App, h *handlers) {
	g := app.Group("/policies")
	g.Post("/", h.createPolicy)
	g.Post("/simulate", h.simulate)
	g.Get("/:id", h.getPolicy)
	g.Put("/:id", h.updatePolicy)
	g.Post("/:id/apply", h.transition(h.svcs.Engine.ApplyPolicy))
	g.Post("/:id/deactivate", h.transition(h.svcs.Engine.DeactivatePolicy))
	g.Post("/:id/archive", h.transition(h.svcs.Engine.ArchivePolicy))
	g.Post("/:id/clone", h.clonePolicy)
}

func (h *handlers) createPolicy(c *fiber.Ctx) error {
	var p domain.Policy
	if err := parse(c, &p); err != nil {
		return fail(c, err)
	}
	created, err := h.svcs.Engine.CreatePolicy(c.UserContext(), p)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *handlers) getPolicy(c *fiber.Ctx) error {
	p, err := h.svcs.Engine.Policy(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(p)
}

func (h *handlers) updatePolicy(c *fiber.Ctx) error {
	var p domain.Policy
	if err := parse(c, &p); err != nil {
		return fail(c, err)
	}
	updated, err := h.svcs.Engine.UpdatePolicy(c.UserContext(), c.Params("id"), p)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(updated)
}

func (h *handlers) transition(fn func(ctx context.Context, id string) (domain.Policy, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, err := fn(c.UserContext(), c.Params("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(p)
	}
}

func (h *handlers) clonePolicy(c *fiber.Ctx) error {
	var body struct {
		Name string `json:"name"`
	}
	if len(c.Body()) > 0 {
		if err := parse(c, &body); err != nil {
			return fail(c, err)
		}
	}
	p, err := h.svcs.Engine.ClonePolicy(c.UserContext(), c.Params("id"), body.Name)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (h *handlers) simulate(c *fiber.Ctx) error {
	var req engine.SimulationRequest
	if err := parse(c, &req); err != nil {
		return fail(c, err)
	}
	if req.HubID == "" {
		req.HubID = req.Candidate.HubID
	}
	res, err := h.svcs.Engine.Simulate(c.UserContext(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(res)
}
