package domain

import (
	"math"
	"time"
)

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// AmountEpsilon is the tolerance used when comparing money amounts.
const AmountEpsilon = 0.01

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPendingPayment: {OrderStatusPending: true, OrderStatusProcessing: true, OrderStatusCancelled: true},
	OrderStatusPending:        {OrderStatusProcessing: true, OrderStatusCancelled: true},
	OrderStatusProcessing:     {OrderStatusShipped: true, OrderStatusCancelled: true},
	OrderStatusShipped:        {OrderStatusDelivered: true, OrderStatusCancelled: true},
	OrderStatusDelivered:      {},
	OrderStatusCancelled:      {},
}

func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

func (s OrderStatus) IsTerminal() bool {
	return len(validNext[s]) == 0
}

func ValidOrderStatus(s OrderStatus) bool {
	_, ok := validNext[s]
	return ok
}

type ShippingAddress struct {
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type Order struct {
	ID              int64           `db:"id"`
	UserID          *int64          `db:"user_id"`
	GuestEmail      *string         `db:"guest_email"`
	StoreID         int64           `db:"store_id"`
	StoreName       string          `db:"store_name"`
	Status          OrderStatus     `db:"status"`
	TotalAmount     float64         `db:"total_amount"`
	TotalRefunded   float64         `db:"total_refunded"`
	PaymentMethod   string          `db:"payment_method"`
	PaymentIntentID *string         `db:"payment_intent_id"`
	StripeSessionID *string         `db:"stripe_session_id"`
	TrackingNumber  *string         `db:"tracking_number"`
	ShippingAddress ShippingAddress `db:"shipping_address"`
	OrderedAt       time.Time       `db:"ordered_at"`
	Items           []OrderItem

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type OrderItem struct {
	ID               int64   `db:"id"`
	OrderID          int64   `db:"order_id"`
	ProductID        int64   `db:"product_id"`
	Name             string  `db:"name"`
	Image            string  `db:"image"`
	Quantity         int32   `db:"quantity"`
	Price            float64 `db:"price"`
	IsReservation    bool    `db:"is_reservation"`
	ReservationDate  *string `db:"reservation_date"`
	ReservationTime  *string `db:"reservation_time"`
	ReservationNotes *string `db:"reservation_notes"`
}

func (o *Order) CalculateTotal() {
	var total float64
	for _, item := range o.Items {
		total += item.Price * float64(item.Quantity)
	}
	o.TotalAmount = total
}

// RemainingRefundable is the balance still refundable against the order.
func (o *Order) RemainingRefundable() float64 {
	remaining := o.TotalAmount - o.TotalRefunded
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClampRefund caps a requested refund amount to the remaining balance.
func ClampRefund(requested, remaining float64) float64 {
	if requested > remaining {
		return remaining
	}
	return requested
}

// MinorUnits converts a decimal amount to gateway minor units (cents).
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromMinorUnits converts gateway minor units back to a decimal amount.
func FromMinorUnits(minor int64) float64 {
	return float64(minor) / 100
}
