package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
)

func respondOK(c *fiber.Ctx, code int, data any) error {
	return c.Status(code).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func respondError(c *fiber.Ctx, code int, errCode, message string) error {
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   errCode,
		"message": message,
	})
}

func respondFields(c *fiber.Ctx, fields map[string]string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   "VALIDATION_ERROR",
		"fields":  fields,
	})
}

func respondDomainError(c *fiber.Ctx, err error) error {
	code, errCode := classify(err)
	return respondError(c, code, errCode, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrReservationConflict):
		return fiber.StatusConflict, "RESERVATION_CONFLICT"
	case errors.Is(err, domain.ErrAlreadyRefunded):
		return fiber.StatusConflict, "ALREADY_REFUNDED"
	case errors.Is(err, domain.ErrOrderNotFound):
		return fiber.StatusNotFound, "ORDER_NOT_FOUND"
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return fiber.StatusBadGateway, "GATEWAY_UNAVAILABLE"
	default:
		return fiber.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func actorFromCtx(c *fiber.Ctx) service.Actor {
	actor, ok := c.Locals("actor").(service.Actor)
	if !ok {
		return service.Actor{Role: "customer"}
	}
	return actor
}
