package domain

import "time"

// Outbox event payloads. These are written inside the core transaction and
// published to kafka by the outbox worker, so notification side effects can
// never roll back an order state change.

type OrderStagedEvent struct {
	OrderID       int64   `json:"order_id"`
	CorrelationID string  `json:"correlation_id"`
	StoreID       int64   `json:"store_id"`
	TotalAmount   float64 `json:"total_amount"`
}

type OrderFinalizedEvent struct {
	OrderID       int64       `json:"order_id"`
	CorrelationID string      `json:"correlation_id"`
	Status        OrderStatus `json:"status"`
	TotalAmount   float64     `json:"total_amount"`
	PaidAt        time.Time   `json:"paid_at"`
}

type OrderCancelledEvent struct {
	OrderID     int64     `json:"order_id"`
	ActorID     int64     `json:"actor_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type RefundIssuedEvent struct {
	OrderID  int64   `json:"order_id"`
	RefundID string  `json:"refund_id"`
	Amount   float64 `json:"amount"`
	Reason   string  `json:"reason"`
	ActorID  int64   `json:"actor_id"`
}

// CheckoutSessionCompletedEvent arrives on payment_events when the webhook
// relay observes a completed gateway session.
type CheckoutSessionCompletedEvent struct {
	SessionID string `json:"session_id"`
}

// PaymentIntentSucceededEvent arrives on payment_events when a payment
// intent settles without a hosted checkout session.
type PaymentIntentSucceededEvent struct {
	IntentID string `json:"intent_id"`
}
