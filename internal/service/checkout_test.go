package service_test

import (
	"errors"
	"sync"

	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
)

var admin = service.Actor{UserID: 1, Role: "admin"}

func (s *IntegrationTestSuite) TestBeginCheckoutStagesOrderPerStore() {
	req := userCheckout(10,
		productItem(1, 100, 19.99, 2),
		productItem(2, 100, 5.50, 1),
		productItem(3, 200, 42.00, 1),
	)

	resp, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.Require().NoError(err)

	s.Len(resp.OrderIDs, 2)
	s.NotEmpty(resp.RedirectURL)
	s.InDelta(87.48, resp.TotalAmount, domain.AmountEpsilon)

	for _, id := range resp.OrderIDs {
		order, err := s.Engine.GetOrder(s.Ctx, id, admin)
		s.Require().NoError(err)

		s.Equal(domain.OrderStatusPendingPayment, order.Status)
		s.Require().NotNil(order.StripeSessionID)
		s.Equal(resp.CorrelationID, *order.StripeSessionID)
	}
}

func (s *IntegrationTestSuite) TestBeginCheckoutRequiresOwner() {
	req := &service.BeginCheckoutRequest{
		Items: []service.CheckoutItem{productItem(1, 100, 10, 1)},
	}

	_, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestBeginCheckoutGuest() {
	email := "guest@example.com"
	req := &service.BeginCheckoutRequest{
		GuestEmail: &email,
		Items:      []service.CheckoutItem{productItem(1, 100, 10, 1)},
	}

	resp, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.Require().NoError(err)
	s.Gateway.markPaid(resp.CorrelationID)

	_, err = s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
	s.Require().NoError(err)

	orders, err := s.Engine.ListOrdersByGuestEmail(s.Ctx, email)
	s.Require().NoError(err)
	s.Len(orders, 1)
	s.Equal(domain.OrderStatusPending, orders[0].Status)
}

func (s *IntegrationTestSuite) TestBeginCheckoutIntentMode() {
	req := userCheckout(10, productItem(1, 100, 25.00, 1))
	req.PaymentMode = "intent"

	resp, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.Require().NoError(err)

	s.NotEmpty(resp.ClientSecret)
	s.Empty(resp.RedirectURL)
	s.Len(resp.OrderIDs, 1)
}

func (s *IntegrationTestSuite) TestBeginCheckoutRejectsNonPositivePrice() {
	req := userCheckout(10, productItem(1, 100, 0, 1))

	_, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.ErrorIs(err, domain.ErrValidation)

	negative := userCheckout(10, productItem(1, 100, -2.50, 1))
	_, err = s.Engine.BeginCheckout(s.Ctx, negative)
	s.ErrorIs(err, domain.ErrValidation)

	// Rejected before the gateway: nothing staged, nothing to void.
	orders, err := s.Engine.ListOrdersForUser(s.Ctx, 10)
	s.Require().NoError(err)
	s.Empty(orders)
}

func (s *IntegrationTestSuite) TestBeginCheckoutRejectsPastDate() {
	req := userCheckout(10, slotItem(5, 100, 60, "2020-01-01", "10:00"))

	_, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestBeginCheckoutRejectsMalformedSlot() {
	req := userCheckout(10, slotItem(5, 100, 60, futureDate(3), "noonish"))

	_, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestSlotConflictSecondCheckoutRejected() {
	date := futureDate(7)

	first := userCheckout(10, slotItem(5, 100, 60, date, "10:00"))
	_, err := s.Engine.BeginCheckout(s.Ctx, first)
	s.Require().NoError(err)

	second := userCheckout(11, slotItem(5, 100, 60, date, "10:00"))
	_, err = s.Engine.BeginCheckout(s.Ctx, second)
	s.ErrorIs(err, domain.ErrReservationConflict)

	// The loser must leave nothing staged behind, and its session must
	// have been voided so it can never be paid.
	orders, err := s.Engine.ListOrdersForUser(s.Ctx, 11)
	s.Require().NoError(err)
	s.Empty(orders)
	s.Equal(1, s.Gateway.expiredCount())
}

func (s *IntegrationTestSuite) TestSlotConflictDifferentTimesBothSucceed() {
	date := futureDate(7)

	_, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, slotItem(5, 100, 60, date, "10:00")))
	s.Require().NoError(err)

	_, err = s.Engine.BeginCheckout(s.Ctx, userCheckout(11, slotItem(5, 100, 60, date, "11:00")))
	s.NoError(err)
}

func (s *IntegrationTestSuite) TestConcurrentCheckoutsSameSlot() {
	date := futureDate(7)

	var wg sync.WaitGroup
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			req := userCheckout(int64(20+i), slotItem(5, 100, 60, date, "14:00"))
			_, errs[i] = s.Engine.BeginCheckout(s.Ctx, req)
		}(i)
	}
	wg.Wait()

	var conflicts, successes int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrReservationConflict):
			conflicts++
		}
	}

	s.Equal(1, successes, "exactly one checkout should win the slot")
	s.Equal(1, conflicts, "the other checkout should observe the conflict")
}
