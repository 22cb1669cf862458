package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"go.uber.org/zap"
)

type RefundHandler struct {
	svc    service.ReconciliationService
	logger *zap.Logger
}

func NewRefundHandler(svc service.ReconciliationService, logger *zap.Logger) *RefundHandler {
	return &RefundHandler{
		svc:    svc,
		logger: logger,
	}
}

type issueRefundRequest struct {
	Amount *float64 `json:"amount"`
	Reason string   `json:"reason"`
}

// Issue records a manual refund. A missing amount refunds the remaining
// balance in full.
func (h *RefundHandler) Issue(c *fiber.Ctx) error {
	orderID, err := c.ParamsInt("id")
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid order id")
	}

	input := new(issueRefundRequest)
	if err := c.BodyParser(input); err != nil {
		h.logger.Warn("failed to parse body in refund", zap.Error(err))

		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "error parsing body")
	}

	refund, err := h.svc.IssueRefund(c.UserContext(), int64(orderID), input.Amount, input.Reason, actorFromCtx(c))
	if err != nil {
		return respondDomainError(c, err)
	}

	mylogger.Info(c.UserContext(), h.logger, "refund issued",
		zap.Int64("order_id", refund.OrderID),
		zap.String("refund_id", refund.RefundID),
		zap.Float64("amount", refund.Amount),
	)

	return respondOK(c, fiber.StatusCreated, refund)
}

func (h *RefundHandler) List(c *fiber.Ctx) error {
	orderID, err := c.ParamsInt("id")
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid order id")
	}

	refunds, err := h.svc.ListRefunds(c.UserContext(), int64(orderID), actorFromCtx(c))
	if err != nil {
		return respondDomainError(c, err)
	}

	return respondOK(c, fiber.StatusOK, refunds)
}
