package kafka

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/kafka"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"go.uber.org/zap"
)

// Consumer reacts to gateway webhook events relayed onto payment_events.
// A completed checkout session or a settled payment intent triggers the
// same finalize path the HTTP surface exposes, so a customer who never
// returns to the success page still gets their orders finalized.
type Consumer struct {
	service service.ReconciliationService
	logger  *zap.Logger
	groupID string
}

func NewConsumer(service service.ReconciliationService, logger *zap.Logger, groupID string) *Consumer {
	return &Consumer{
		service: service,
		logger:  logger,
		groupID: groupID,
	}
}

func (c *Consumer) Start(ctx context.Context, brokers []string) {
	consumerGroup := kafka.NewConsumerGroup(
		brokers,
		c.groupID,
		[]string{"payment_events"},
		c.processMessage,
		c.logger,
	)

	consumerGroup.Run(ctx)
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	mylogger.Info(
		ctx,
		c.logger,
		"Processing message",
		zap.String("topic", msg.Topic),
	)

	type EventWrapper struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}

	var wrapper EventWrapper
	if err := json.Unmarshal(msg.Value, &wrapper); err != nil {
		mylogger.Error(ctx, c.logger, "Error unmarshalling wrapper", zap.Error(err))
		return err
	}

	switch wrapper.Event {
	case "checkout.session.completed":
		var event domain.CheckoutSessionCompletedEvent
		if err := json.Unmarshal(wrapper.Payload, &event); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to unmarshal payload", zap.Error(err))
			return err
		}

		if _, err := c.service.FinalizeCheckout(ctx, event.SessionID); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to finalize checkout",
				zap.String("session_id", event.SessionID),
				zap.Error(err),
			)
			return err
		}
	case "payment_intent.succeeded":
		var event domain.PaymentIntentSucceededEvent
		if err := json.Unmarshal(wrapper.Payload, &event); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to unmarshal payload", zap.Error(err))
			return err
		}

		if _, err := c.service.FinalizeCheckout(ctx, event.IntentID); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to finalize intent checkout",
				zap.String("intent_id", event.IntentID),
				zap.Error(err),
			)
			return err
		}
	case "refund.updated":
		var event struct {
			RefundID string `json:"refund_id"`
			Status   string `json:"status"`
		}
		if err := json.Unmarshal(wrapper.Payload, &event); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to unmarshal payload", zap.Error(err))
			return err
		}

		if err := c.service.HandleRefundStatusUpdate(ctx, event.RefundID, event.Status); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to update refund status",
				zap.String("refund_id", event.RefundID),
				zap.Error(err),
			)
			return err
		}
	default:
		mylogger.Warn(ctx, c.logger, "Ignored event type", zap.String("event_type", wrapper.Event))
	}

	return nil
}
