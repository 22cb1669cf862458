package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
	"go.uber.org/zap"
)

type ReservationHandler struct {
	svc    service.ReservationService
	logger *zap.Logger
}

func NewReservationHandler(svc service.ReservationService, logger *zap.Logger) *ReservationHandler {
	return &ReservationHandler{
		svc:    svc,
		logger: logger,
	}
}

func (h *ReservationHandler) ListFreeSlots(c *fiber.Ctx) error {
	productID, err := c.ParamsInt("productID")
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid product id")
	}

	date := c.Query("date")
	if date == "" {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "missing date query parameter")
	}

	slots, err := h.svc.ListFreeSlots(c.UserContext(), int64(productID), date)
	if err != nil {
		return respondDomainError(c, err)
	}

	return respondOK(c, fiber.StatusOK, fiber.Map{
		"product_id": productID,
		"date":       date,
		"free_slots": slots,
	})
}

func (h *ReservationHandler) CheckSlot(c *fiber.Ctx) error {
	productID, err := c.ParamsInt("productID")
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid product id")
	}

	date := c.Query("date")
	slotTime := c.Query("time")
	if date == "" || slotTime == "" {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "missing date or time query parameter")
	}

	free, err := h.svc.IsSlotFree(c.UserContext(), int64(productID), date, slotTime)
	if err != nil {
		return respondDomainError(c, err)
	}

	return respondOK(c, fiber.StatusOK, fiber.Map{
		"product_id": productID,
		"date":       date,
		"time":       slotTime,
		"free":       free,
	})
}
