package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/utils"
	"go.uber.org/zap"
)

type CheckoutHandler struct {
	svc      service.ReconciliationService
	logger   *zap.Logger
	validate *validator.Validate
}

func NewCheckoutHandler(svc service.ReconciliationService, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		svc:      svc,
		logger:   logger,
		validate: validator.New(),
	}
}

func (h *CheckoutHandler) Begin(c *fiber.Ctx) error {
	input := new(service.BeginCheckoutRequest)

	if err := c.BodyParser(input); err != nil {
		h.logger.Warn("failed to parse body in checkout", zap.Error(err))

		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "error parsing body")
	}

	if err := h.validate.Struct(input); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			return respondFields(c, utils.FormatValidationError(err))
		}

		return respondError(c, fiber.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	}

	actor := actorFromCtx(c)
	if actor.UserID != 0 {
		userID := actor.UserID
		input.UserID = &userID
	}

	resp, err := h.svc.BeginCheckout(c.UserContext(), input)
	if err != nil {
		return respondDomainError(c, err)
	}

	mylogger.Info(c.UserContext(), h.logger, "checkout session opened",
		zap.String("correlation_id", resp.CorrelationID),
		zap.Int("orders", len(resp.OrderIDs)),
	)

	return respondOK(c, fiber.StatusCreated, resp)
}

func (h *CheckoutHandler) Finalize(c *fiber.Ctx) error {
	sessionID := c.Params("sessionID")
	if sessionID == "" {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "missing session id")
	}

	orders, err := h.svc.FinalizeCheckout(c.UserContext(), sessionID)
	if err != nil {
		return respondDomainError(c, err)
	}

	mylogger.Info(c.UserContext(), h.logger, "checkout finalized",
		zap.String("session_id", sessionID),
		zap.Int("orders", len(orders)),
	)

	return respondOK(c, fiber.StatusOK, orders)
}
