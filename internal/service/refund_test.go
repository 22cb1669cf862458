package service_test

import (
	"fmt"
	"sync"

	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
)

func (s *IntegrationTestSuite) paidOrder(amount float64) *domain.Order {
	orders := s.checkoutAndPay(userCheckout(10, productItem(1, 100, amount, 1)))
	s.Require().Len(orders, 1)
	return &orders[0]
}

func (s *IntegrationTestSuite) TestPartialRefund() {
	order := s.paidOrder(100)

	amount := 30.0
	refund, err := s.Engine.IssueRefund(s.Ctx, order.ID, &amount, "customer complaint", admin)
	s.Require().NoError(err)

	s.InDelta(30, refund.Amount, domain.AmountEpsilon)
	s.Equal(domain.RefundStatusSucceeded, refund.Status)
	s.Equal("customer complaint", refund.Reason)

	updated, err := s.Engine.GetOrder(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.InDelta(30, updated.TotalRefunded, domain.AmountEpsilon)
	s.Equal(domain.OrderStatusPending, updated.Status, "partial refund must not cancel the order")
}

func (s *IntegrationTestSuite) TestRefundClampedToRemaining() {
	order := s.paidOrder(100)

	first := 80.0
	_, err := s.Engine.IssueRefund(s.Ctx, order.ID, &first, "damaged item", admin)
	s.Require().NoError(err)

	// Asking for more than the remaining 20 yields exactly 20.
	second := 50.0
	refund, err := s.Engine.IssueRefund(s.Ctx, order.ID, &second, "goodwill", admin)
	s.Require().NoError(err)
	s.InDelta(20, refund.Amount, domain.AmountEpsilon)

	updated, err := s.Engine.GetOrder(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.InDelta(100, updated.TotalRefunded, domain.AmountEpsilon)
	s.Equal(domain.OrderStatusCancelled, updated.Status, "a fully refunded order is cancelled")
}

func (s *IntegrationTestSuite) TestFullRefundByDefault() {
	order := s.paidOrder(55.25)

	refund, err := s.Engine.IssueRefund(s.Ctx, order.ID, nil, "order cancelled by store", admin)
	s.Require().NoError(err)
	s.InDelta(55.25, refund.Amount, domain.AmountEpsilon)

	updated, err := s.Engine.GetOrder(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, updated.Status)
}

func (s *IntegrationTestSuite) TestRefundAlreadyRefunded() {
	order := s.paidOrder(40)

	_, err := s.Engine.IssueRefund(s.Ctx, order.ID, nil, "", admin)
	s.Require().NoError(err)

	_, err = s.Engine.IssueRefund(s.Ctx, order.ID, nil, "", admin)
	s.ErrorIs(err, domain.ErrAlreadyRefunded)

	s.Equal(1, s.Gateway.refundCount(), "no second gateway call for an exhausted ledger")
}

func (s *IntegrationTestSuite) TestRefundLedgerNeverExceedsTotal() {
	order := s.paidOrder(100)

	for _, amount := range []float64{40, 40, 40} {
		a := amount
		if _, err := s.Engine.IssueRefund(s.Ctx, order.ID, &a, "", admin); err != nil {
			s.ErrorIs(err, domain.ErrAlreadyRefunded)
		}
	}

	refunds, err := s.Engine.ListRefunds(s.Ctx, order.ID, admin)
	s.Require().NoError(err)

	var sum float64
	for _, r := range refunds {
		sum += r.Amount
	}
	s.LessOrEqual(sum, order.TotalAmount+domain.AmountEpsilon)
}

func (s *IntegrationTestSuite) TestRefundCancelledOrderRejected() {
	order := s.paidOrder(40)

	s.Gateway.setRefundError(domain.ErrGatewayUnavailable)
	_, err := s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusCancelled, nil, admin)
	s.Require().NoError(err)
	s.Gateway.setRefundError(nil)

	_, err = s.Engine.IssueRefund(s.Ctx, order.ID, nil, "", admin)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestRefundRequiresStaff() {
	order := s.paidOrder(40)

	customer := service.Actor{UserID: 10, Role: "customer"}
	_, err := s.Engine.IssueRefund(s.Ctx, order.ID, nil, "", customer)
	s.ErrorIs(err, domain.ErrForbidden)
}

func (s *IntegrationTestSuite) TestRefundStagedOrderRejected() {
	resp, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, productItem(1, 100, 10, 1)))
	s.Require().NoError(err)

	_, err = s.Engine.IssueRefund(s.Ctx, resp.OrderIDs[0], nil, "", admin)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestRefundRejectsNonPositiveAmount() {
	order := s.paidOrder(40)

	zero := 0.0
	_, err := s.Engine.IssueRefund(s.Ctx, order.ID, &zero, "", admin)
	s.ErrorIs(err, domain.ErrValidation)

	negative := -5.0
	_, err = s.Engine.IssueRefund(s.Ctx, order.ID, &negative, "", admin)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestRefundGatewayFailure() {
	order := s.paidOrder(40)

	s.Gateway.setRefundError(domain.ErrGatewayUnavailable)

	amount := 10.0
	_, err := s.Engine.IssueRefund(s.Ctx, order.ID, &amount, "", admin)
	s.ErrorIs(err, domain.ErrGatewayUnavailable)

	// Nothing lands in the ledger when the gateway call failed.
	refunds, err := s.Engine.ListRefunds(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.Empty(refunds)
}

func (s *IntegrationTestSuite) TestRefundStatusWebhookUpdate() {
	order := s.paidOrder(40)

	refund, err := s.Engine.IssueRefund(s.Ctx, order.ID, nil, "", admin)
	s.Require().NoError(err)

	err = s.Engine.HandleRefundStatusUpdate(s.Ctx, refund.RefundID, "failed")
	s.Require().NoError(err)

	refunds, err := s.Engine.ListRefunds(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.Require().Len(refunds, 1)
	s.Equal(domain.RefundStatusFailed, refunds[0].Status)

	// A webhook for a refund the ledger never saw is acknowledged and dropped.
	s.NoError(s.Engine.HandleRefundStatusUpdate(s.Ctx, "re_unknown", "failed"))
}

func (s *IntegrationTestSuite) TestFailedRefundWebhookReopensBalance() {
	order := s.paidOrder(100)

	amount := 40.0
	refund, err := s.Engine.IssueRefund(s.Ctx, order.ID, &amount, "damaged item", admin)
	s.Require().NoError(err)

	s.Require().NoError(s.Engine.HandleRefundStatusUpdate(s.Ctx, refund.RefundID, "failed"))

	updated, err := s.Engine.GetOrder(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.InDelta(0, updated.TotalRefunded, domain.AmountEpsilon, "a failed refund gives its amount back")

	// Reissuing the full balance must not push total_refunded past the total.
	second, err := s.Engine.IssueRefund(s.Ctx, order.ID, nil, "reissued after failure", admin)
	s.Require().NoError(err)
	s.InDelta(100, second.Amount, domain.AmountEpsilon)

	updated, err = s.Engine.GetOrder(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.InDelta(100, updated.TotalRefunded, domain.AmountEpsilon)
	s.LessOrEqual(updated.TotalRefunded, updated.TotalAmount+domain.AmountEpsilon)

	// A replay of the same failed webhook must not release the amount twice.
	s.Require().NoError(s.Engine.HandleRefundStatusUpdate(s.Ctx, refund.RefundID, "failed"))
	updated, err = s.Engine.GetOrder(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.InDelta(100, updated.TotalRefunded, domain.AmountEpsilon)
}

func (s *IntegrationTestSuite) TestConcurrentRefundsNeverExceedTotal() {
	order := s.paidOrder(100)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			amount := 60.0
			_, errs[i] = s.Engine.IssueRefund(s.Ctx, order.ID, &amount, "split return", admin)
		}(i)
	}
	wg.Wait()

	// The row lock serializes them: the loser sees 40 remaining and clamps.
	for _, err := range errs {
		s.NoError(err)
	}

	refunds, err := s.Engine.ListRefunds(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.Require().Len(refunds, 2)

	var sum float64
	for _, r := range refunds {
		sum += r.Amount
	}
	s.InDelta(100, sum, domain.AmountEpsilon)

	updated, err := s.Engine.GetOrder(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.InDelta(100, updated.TotalRefunded, domain.AmountEpsilon)
	s.Equal(domain.OrderStatusCancelled, updated.Status)
}

func (s *IntegrationTestSuite) TestCancelRollsBackWhenLedgerAppendFails() {
	order := s.paidOrder(50)

	// Occupy the gateway refund id the next call will return, so the ledger
	// append collides after the money has already moved.
	s.Gateway.mu.Lock()
	next := fmt.Sprintf("re_test_%d", s.Gateway.seq+1)
	s.Gateway.mu.Unlock()

	_, err := s.DbPool.Exec(s.Ctx,
		`INSERT INTO refunds (order_id, payment_intent_id, refund_id, amount, currency, status)
		 VALUES ($1, 'pi_other', $2, 1, 'usd', 'failed')`, order.ID, next)
	s.Require().NoError(err)

	_, err = s.Engine.UpdateOrderStatus(s.Ctx, order.ID, domain.OrderStatusCancelled, nil, admin)
	s.Require().Error(err)
	s.Equal(1, s.Gateway.refundCount(), "the gateway call happened before the ledger failed")

	updated, err := s.Engine.GetOrder(s.Ctx, order.ID, admin)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPending, updated.Status, "the cancellation rolled back with the ledger append")
	s.InDelta(0, updated.TotalRefunded, domain.AmountEpsilon)
}
