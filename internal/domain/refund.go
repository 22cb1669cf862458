package domain

import "time"

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

type Refund struct {
	ID              int64        `db:"id"`
	OrderID         int64        `db:"order_id"`
	PaymentIntentID string       `db:"payment_intent_id"`
	RefundID        string       `db:"refund_id"`
	Amount          float64      `db:"amount"`
	Currency        string       `db:"currency"`
	Reason          string       `db:"reason"`
	Status          RefundStatus `db:"status"`
	RefundedBy      int64        `db:"refunded_by"`

	CreatedAt time.Time `db:"created_at"`
}
