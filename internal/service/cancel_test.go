package service_test

import (
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
)

func (s *IntegrationTestSuite) TestAdminCancelPaidOrderAutoRefunds() {
	order := s.paidOrder(75)

	cancelled, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusCancelled, nil, admin)
	s.Require().NoError(err)

	s.Equal(domain.OrderStatusCancelled, cancelled.Status)
	s.InDelta(75, cancelled.TotalRefunded, domain.AmountEpsilon)
	s.Equal(1, s.Gateway.refundCount())

	refunds, err := s.Engine.ListRefunds(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.Require().Len(refunds, 1)
	s.Equal("order cancelled", refunds[0].Reason)
}

func (s *IntegrationTestSuite) TestCancelSurvivesGatewayOutage() {
	order := s.paidOrder(75)

	s.Gateway.setRefundError(domain.ErrGatewayUnavailable)

	cancelled, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusCancelled, nil, admin)
	s.Require().NoError(err)

	// The cancellation lands; the balance stays open for a manual retry.
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)
	s.InDelta(0, cancelled.TotalRefunded, domain.AmountEpsilon)
}

func (s *IntegrationTestSuite) TestCancelPartiallyRefundedOrderRefundsRemainder() {
	order := s.paidOrder(100)

	amount := 30.0
	_, err := s.Engine.IssueRefund(s.Ctx, order.ID, &amount, "damaged item", admin)
	s.Require().NoError(err)

	cancelled, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusCancelled, nil, admin)
	s.Require().NoError(err)

	s.InDelta(100, cancelled.TotalRefunded, domain.AmountEpsilon)

	refunds, err := s.Engine.ListRefunds(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.Len(refunds, 2)
}

func (s *IntegrationTestSuite) TestCustomerCancelsOwnOrder() {
	order := s.paidOrder(20)

	customer := service.Actor{UserID: 10, Role: "customer"}
	cancelled, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusCancelled, nil, customer)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)
}

func (s *IntegrationTestSuite) TestCustomerCannotCancelForeignOrder() {
	order := s.paidOrder(20)

	stranger := service.Actor{UserID: 99, Role: "customer"}
	_, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusCancelled, nil, stranger)
	s.ErrorIs(err, domain.ErrOrderNotFound)
}

func (s *IntegrationTestSuite) TestCustomerCannotShipOrder() {
	order := s.paidOrder(20)

	customer := service.Actor{UserID: 10, Role: "customer"}
	_, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusProcessing, nil, customer)
	s.ErrorIs(err, domain.ErrForbidden)
}

func (s *IntegrationTestSuite) TestStatusProgression() {
	order := s.paidOrder(20)

	tracking := "TRACK-123"
	steps := []domain.OrderStatus{
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	}

	for _, next := range steps {
		updated, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, next, &tracking, admin)
		s.Require().NoError(err)
		s.Equal(next, updated.Status)
	}

	// Terminal: no way out of delivered.
	_, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusCancelled, nil, admin)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestStatusCannotSkipSteps() {
	order := s.paidOrder(20)

	_, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusDelivered, nil, admin)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestUnknownStatusRejected() {
	order := s.paidOrder(20)

	_, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatus("refunded"), nil, admin)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestCancelFreesReservationSlot() {
	date := futureDate(5)

	orders := s.checkoutAndPay(userCheckout(10, slotItem(5, 100, 60, date, "10:00")))
	s.Require().Len(orders, 1)

	free, err := s.Slots.IsSlotFree(s.Ctx, 5, date, "10:00")
	s.Require().NoError(err)
	s.False(free)

	_, err = s.Engine.UpdateOrderStatus(s.Ctx, orders[0].ID, domain.OrderStatusCancelled, nil, admin)
	s.Require().NoError(err)

	free, err = s.Slots.IsSlotFree(s.Ctx, 5, date, "10:00")
	s.Require().NoError(err)
	s.True(free)

	// And the slot can be booked again.
	_, err = s.Engine.BeginCheckout(s.Ctx, userCheckout(11, slotItem(5, 100, 60, date, "10:00")))
	s.NoError(err)
}
