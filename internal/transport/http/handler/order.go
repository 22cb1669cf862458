package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/utils"
	"go.uber.org/zap"
)

type OrderHandler struct {
	svc      service.ReconciliationService
	logger   *zap.Logger
	validate *validator.Validate
}

func NewOrderHandler(svc service.ReconciliationService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		svc:      svc,
		logger:   logger,
		validate: validator.New(),
	}
}

func (h *OrderHandler) Get(c *fiber.Ctx) error {
	orderID, err := c.ParamsInt("id")
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid order id")
	}

	order, err := h.svc.GetOrder(c.UserContext(), int64(orderID), actorFromCtx(c))
	if err != nil {
		return respondDomainError(c, err)
	}

	return respondOK(c, fiber.StatusOK, order)
}

func (h *OrderHandler) List(c *fiber.Ctx) error {
	actor := actorFromCtx(c)

	orders, err := h.svc.ListOrdersForUser(c.UserContext(), actor.UserID)
	if err != nil {
		return respondDomainError(c, err)
	}

	return respondOK(c, fiber.StatusOK, orders)
}

func (h *OrderHandler) ListGuest(c *fiber.Ctx) error {
	email := c.Query("email")
	if email == "" {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "missing email query parameter")
	}

	orders, err := h.svc.ListOrdersByGuestEmail(c.UserContext(), email)
	if err != nil {
		return respondDomainError(c, err)
	}

	return respondOK(c, fiber.StatusOK, orders)
}

func (h *OrderHandler) Cancel(c *fiber.Ctx) error {
	orderID, err := c.ParamsInt("id")
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid order id")
	}

	order, err := h.svc.UpdateOrderStatus(c.UserContext(), int64(orderID), domain.OrderStatusCancelled, nil, actorFromCtx(c))
	if err != nil {
		return respondDomainError(c, err)
	}

	mylogger.Info(c.UserContext(), h.logger, "order cancelled",
		zap.Int64("order_id", order.ID),
	)

	return respondOK(c, fiber.StatusOK, order)
}

type updateStatusRequest struct {
	Status         string  `json:"status" validate:"required"`
	TrackingNumber *string `json:"tracking_number"`
}

func (h *OrderHandler) UpdateStatus(c *fiber.Ctx) error {
	orderID, err := c.ParamsInt("id")
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid order id")
	}

	input := new(updateStatusRequest)
	if err := c.BodyParser(input); err != nil {
		h.logger.Warn("failed to parse body in update status", zap.Error(err))

		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "error parsing body")
	}

	if err := h.validate.Struct(input); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			return respondFields(c, utils.FormatValidationError(err))
		}

		return respondError(c, fiber.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	}

	order, err := h.svc.UpdateOrderStatus(
		c.UserContext(),
		int64(orderID),
		domain.OrderStatus(input.Status),
		input.TrackingNumber,
		actorFromCtx(c),
	)
	if err != nil {
		return respondDomainError(c, err)
	}

	mylogger.Info(c.UserContext(), h.logger, "order status updated",
		zap.Int64("order_id", order.ID),
		zap.String("status", string(order.Status)),
	)

	return respondOK(c, fiber.StatusOK, order)
}
