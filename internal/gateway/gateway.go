package gateway

import (
	"context"
	"strings"

	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
)

// LineItem is a gateway-side view of one purchasable unit. Amounts are in
// minor units (cents). Store and reservation fields travel as metadata so a
// deferred-staging finalize can rebuild order groups from the session alone.
type LineItem struct {
	ProductID        int64  `json:"product_id"`
	StoreID          int64  `json:"store_id"`
	StoreName        string `json:"store_name"`
	Name             string `json:"name"`
	Image            string `json:"image,omitempty"`
	Quantity         int32  `json:"quantity"`
	UnitAmount       int64  `json:"unit_amount"`
	IsReservation    bool   `json:"is_reservation,omitempty"`
	ReservationDate  string `json:"reservation_date,omitempty"`
	ReservationTime  string `json:"reservation_time,omitempty"`
	ReservationNotes string `json:"reservation_notes,omitempty"`
}

type Session struct {
	ID          string
	RedirectURL string
}

type SessionStatus struct {
	PaymentStatus   string
	AmountTotal     int64
	Currency        string
	PaymentIntentID string
	CustomerEmail   string
	LineItems       []LineItem
	ShippingAddress *domain.ShippingAddress
	Metadata        map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
}

type IntentStatus struct {
	Status      string
	AmountTotal int64
	Currency    string
	LineItems   []LineItem
	Metadata    map[string]string
}

type RefundResult struct {
	ID     string
	Status string
}

// PaymentGateway is the narrow contract the reconciliation engine consumes.
// Implementations must bound every call with their own timeout; failures
// surface as domain.ErrGatewayUnavailable rather than hanging.
type PaymentGateway interface {
	CreateSession(ctx context.Context, items []LineItem, successURL, cancelURL string, metadata map[string]string) (*Session, error)
	CreateIntent(ctx context.Context, items []LineItem, amountMinorUnits int64, currency string, metadata map[string]string) (*Intent, error)
	GetSessionStatus(ctx context.Context, id string) (*SessionStatus, error)
	GetIntentStatus(ctx context.Context, id string) (*IntentStatus, error)
	Refund(ctx context.Context, paymentIntentID string, amountMinorUnits int64, reason string, metadata map[string]string) (*RefundResult, error)
	VoidSession(ctx context.Context, id string) error
}

// Paid reports whether a gateway payment status allows finalization.
func Paid(status string) bool {
	return status == "paid" || status == "succeeded"
}

// IsIntentID reports whether a correlation id names a payment intent rather
// than a checkout session. Intent ids carry the pi_ prefix and must be
// reconciled through GetIntentStatus.
func IsIntentID(id string) bool {
	return strings.HasPrefix(id, "pi_")
}
