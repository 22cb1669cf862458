package service_test

import (
	"strings"
	"sync"

	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
)

func (s *IntegrationTestSuite) TestFinalizePaidSession() {
	orders := s.checkoutAndPay(userCheckout(10,
		productItem(1, 100, 19.99, 2),
		productItem(3, 200, 42.00, 1),
	))

	s.Len(orders, 2)
	for _, order := range orders {
		s.Equal(domain.OrderStatusPending, order.Status)
		s.Require().NotNil(order.PaymentIntentID)
		s.NotEmpty(*order.PaymentIntentID)
	}
}

func (s *IntegrationTestSuite) TestFinalizeUnpaidSessionRejected() {
	resp, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, productItem(1, 100, 10, 1)))
	s.Require().NoError(err)

	_, err = s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
	s.ErrorIs(err, domain.ErrValidation)

	// The order must stay staged, not move forward.
	order, err := s.Engine.GetOrder(s.Ctx, resp.OrderIDs[0], admin)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPendingPayment, order.Status)
}

func (s *IntegrationTestSuite) TestFinalizeIntentCheckout() {
	req := userCheckout(10, productItem(1, 100, 25.50, 2))
	req.PaymentMode = "intent"

	resp, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.Require().NoError(err)
	s.Require().True(strings.HasPrefix(resp.CorrelationID, "pi_"))

	s.Gateway.markPaid(resp.CorrelationID)

	orders, err := s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
	s.Require().NoError(err)
	s.Require().Len(orders, 1)

	s.Equal(domain.OrderStatusPending, orders[0].Status)
	s.Require().NotNil(orders[0].PaymentIntentID)
	s.Equal(resp.CorrelationID, *orders[0].PaymentIntentID, "an intent settles against itself")
}

func (s *IntegrationTestSuite) TestFinalizeUnsettledIntentRejected() {
	req := userCheckout(10, productItem(1, 100, 25.50, 1))
	req.PaymentMode = "intent"

	resp, err := s.Engine.BeginCheckout(s.Ctx, req)
	s.Require().NoError(err)

	_, err = s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestFinalizeIsIdempotent() {
	resp, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, productItem(1, 100, 10, 1)))
	s.Require().NoError(err)
	s.Gateway.markPaid(resp.CorrelationID)

	first, err := s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
	s.Require().NoError(err)

	second, err := s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
	s.Require().NoError(err)

	s.Equal(len(first), len(second))
	s.Equal(first[0].ID, second[0].ID)
	s.Equal(domain.OrderStatusPending, second[0].Status)

	// Only one finalized event per order, no matter how many replays arrive.
	var count int
	err = s.DbPool.QueryRow(s.Ctx,
		`SELECT COUNT(*) FROM outbox WHERE event_type = 'OrderFinalized'`).Scan(&count)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *IntegrationTestSuite) TestFinalizeAmountMismatchFails() {
	resp, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, productItem(1, 100, 10, 1)))
	s.Require().NoError(err)
	s.Gateway.markPaid(resp.CorrelationID)

	// Simulate a tampered cart: the gateway took a different amount than
	// what was staged.
	s.Gateway.mu.Lock()
	s.Gateway.sessions[resp.CorrelationID].AmountTotal += 500
	s.Gateway.mu.Unlock()

	_, err = s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
	s.Require().Error(err)
	s.Contains(err.Error(), "amount mismatch")

	order, err := s.Engine.GetOrder(s.Ctx, resp.OrderIDs[0], admin)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPendingPayment, order.Status)
}

func (s *IntegrationTestSuite) TestFinalizeRebuildsOrdersFromSession() {
	resp, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10,
		productItem(1, 100, 19.99, 2),
		productItem(3, 200, 42.00, 1),
	))
	s.Require().NoError(err)

	// Simulate lost staging: the webhook arrives but the staged rows are gone.
	_, err = s.DbPool.Exec(s.Ctx, `DELETE FROM orders WHERE stripe_session_id = $1`, resp.CorrelationID)
	s.Require().NoError(err)

	s.Gateway.markPaid(resp.CorrelationID)

	orders, err := s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
	s.Require().NoError(err)

	s.Len(orders, 2)
	var total float64
	for _, order := range orders {
		s.Equal(domain.OrderStatusPending, order.Status)
		total += order.TotalAmount
	}
	s.InDelta(81.98, total, domain.AmountEpsilon)
}

func (s *IntegrationTestSuite) TestConcurrentFinalizeReplays() {
	resp, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, productItem(1, 100, 10, 1)))
	s.Require().NoError(err)
	s.Gateway.markPaid(resp.CorrelationID)

	// The success-page redirect and the webhook often land together; the
	// conditional transition lets both through with a single state change.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Engine.FinalizeCheckout(s.Ctx, resp.CorrelationID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		s.NoError(err)
	}

	order, err := s.Engine.GetOrder(s.Ctx, resp.OrderIDs[0], admin)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPending, order.Status)

	var count int
	err = s.DbPool.QueryRow(s.Ctx,
		`SELECT COUNT(*) FROM outbox WHERE event_type = 'OrderFinalized'`).Scan(&count)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *IntegrationTestSuite) TestFinalizeUnknownSession() {
	_, err := s.Engine.FinalizeCheckout(s.Ctx, "cs_test_missing")
	s.ErrorIs(err, domain.ErrGatewayUnavailable)
}
