package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{"pending_payment to pending", OrderStatusPendingPayment, OrderStatusPending, true},
		{"pending_payment to processing", OrderStatusPendingPayment, OrderStatusProcessing, true},
		{"pending_payment to cancelled", OrderStatusPendingPayment, OrderStatusCancelled, true},
		{"pending to processing", OrderStatusPending, OrderStatusProcessing, true},
		{"pending to cancelled", OrderStatusPending, OrderStatusCancelled, true},
		{"processing to shipped", OrderStatusProcessing, OrderStatusShipped, true},
		{"shipped to delivered", OrderStatusShipped, OrderStatusDelivered, true},
		{"shipped to cancelled", OrderStatusShipped, OrderStatusCancelled, true},
		{"no skipping to shipped", OrderStatusPending, OrderStatusShipped, false},
		{"no going back to pending", OrderStatusProcessing, OrderStatusPending, false},
		{"delivered is terminal", OrderStatusDelivered, OrderStatusCancelled, false},
		{"cancelled is terminal", OrderStatusCancelled, OrderStatusPending, false},
		{"unknown status", OrderStatus("refunded"), OrderStatusPending, false},
		{"pending_payment cannot jump to delivered", OrderStatusPendingPayment, OrderStatusDelivered, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, OrderStatusDelivered.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusPendingPayment.IsTerminal())
	assert.False(t, OrderStatusShipped.IsTerminal())
}

func TestValidOrderStatus(t *testing.T) {
	assert.True(t, ValidOrderStatus(OrderStatusPending))
	assert.True(t, ValidOrderStatus(OrderStatusCancelled))
	assert.False(t, ValidOrderStatus(OrderStatus("paid")))
	assert.False(t, ValidOrderStatus(OrderStatus("")))
}

func TestCalculateTotal(t *testing.T) {
	order := Order{
		Items: []OrderItem{
			{Price: 19.99, Quantity: 2},
			{Price: 5.50, Quantity: 1},
		},
	}

	order.CalculateTotal()

	assert.InDelta(t, 45.48, order.TotalAmount, AmountEpsilon)
}

func TestRemainingRefundable(t *testing.T) {
	order := Order{TotalAmount: 100, TotalRefunded: 30}
	assert.InDelta(t, 70, order.RemainingRefundable(), AmountEpsilon)

	over := Order{TotalAmount: 100, TotalRefunded: 120}
	assert.Equal(t, float64(0), over.RemainingRefundable())
}

func TestClampRefund(t *testing.T) {
	assert.Equal(t, 40.0, ClampRefund(40, 70))
	assert.Equal(t, 70.0, ClampRefund(100, 70))
	assert.Equal(t, 70.0, ClampRefund(70, 70))
}

func TestMinorUnitsRoundTrip(t *testing.T) {
	assert.Equal(t, int64(1999), MinorUnits(19.99))
	assert.Equal(t, int64(10), MinorUnits(0.1))
	assert.InDelta(t, 19.99, FromMinorUnits(1999), AmountEpsilon)
}
