package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/billing"
)

func registerBilling(app *fiber.App, h *handlers) {
	g := app.Group("/billing-periods")
	g.Post("/", h.createPeriod)
	g.Get("/:id", h.getPeriod)
	g.Post("/:id/accruals", h.accrue)
	g.Post("/:id/operating-costs", h.amount(h.svcs.Billing.RecordOperatingCost))
	g.Post("/:id/vpp-revenue", h.amount(h.svcs.Billing.RecordVPPRevenue))
	g.Post("/:id/finalize", h.finalize)
}

func (h *handlers) createPeriod(c *fiber.Ctx) error {
	var body struct {
		HubID string            `json:"hub_id"`
		Start time.Time         `json:"start"`
		End   time.Time         `json:"end"`
		Rates *billing.RateCard `json:"rates"`
	}
	if err := parse(c, &body); err != nil {
		return fail(c, err)
	}
	if _, err := h.svcs.Engine.Hub(body.HubID); err != nil {
		return fail(c, err)
	}
	rates := h.svcs.DefaultRates
	if body.Rates != nil {
		rates = *body.Rates
	}
	p, err := h.svcs.Billing.CreatePeriod(c.UserContext(), body.HubID, body.Start, body.End, rates)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (h *handlers) getPeriod(c *fiber.Ctx) error {
	p, err := h.svcs.Period(c.UserContext(), c.Params("id"), c.Query("hub_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(p)
}

func (h *handlers) accrue(c *fiber.Ctx) error {
	var body struct {
		TenantID string `json:"tenant_id"`
		billing.Accrual
	}
	if err := parse(c, &body); err != nil {
		return fail(c, err)
	}
	charge, err := h.svcs.Billing.Accrue(c.UserContext(), c.Params("id"), body.TenantID, body.Accrual)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(charge)
}

type amountFunc func(ctx context.Context, periodID string, amount decimal.Decimal) (billing.Period, error)

func (h *handlers) amount(fn amountFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			AmountCAD decimal.Decimal `json:"amount_cad"`
		}
		if err := parse(c, &body); err != nil {
			return fail(c, err)
		}
		p, err := fn(c.UserContext(), c.Params("id"), body.AmountCAD)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(p)
	}
}

func (h *handlers) finalize(c *fiber.Ctx) error {
	p, err := h.svcs.Billing.Finalize(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(p)
}
