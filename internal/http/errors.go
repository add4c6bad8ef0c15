package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

// statusFor maps engine error reasons to HTTP status codes.
func statusFor(reason string) int {
	switch reason {
	case "validation-error":
		return fiber.StatusBadRequest
	case "not-found", "policy-not-found":
		return fiber.StatusNotFound
	case "invariant-violation", "invalid-transition", "period-closed", "no-active-policy":
		return fiber.StatusConflict
	case "busy":
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func fail(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message, "reason": "validation-error"})
	}
	reason := domain.Reason(err)
	status := statusFor(reason)
	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error(), "reason": reason})
}

func parse(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}
