package service_test

import (
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
)

func (s *IntegrationTestSuite) TestListFreeSlotsFullDay() {
	slots, err := s.Slots.ListFreeSlots(s.Ctx, 5, futureDate(3))
	s.Require().NoError(err)

	s.Len(slots, 8)
	s.Equal("09:00", slots[0])
	s.Equal("16:00", slots[len(slots)-1])
}

func (s *IntegrationTestSuite) TestListFreeSlotsExcludesBooked() {
	date := futureDate(3)

	_, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, slotItem(5, 100, 60, date, "10:00")))
	s.Require().NoError(err)

	slots, err := s.Slots.ListFreeSlots(s.Ctx, 5, date)
	s.Require().NoError(err)

	s.Len(slots, 7)
	s.NotContains(slots, "10:00")
}

func (s *IntegrationTestSuite) TestStagedOrderHoldsSlot() {
	date := futureDate(3)

	// Even before payment, a staged order keeps the slot off the market.
	_, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, slotItem(5, 100, 60, date, "10:00")))
	s.Require().NoError(err)

	free, err := s.Slots.IsSlotFree(s.Ctx, 5, date, "10:00")
	s.Require().NoError(err)
	s.False(free)
}

func (s *IntegrationTestSuite) TestSlotsAreScopedPerProduct() {
	date := futureDate(3)

	_, err := s.Engine.BeginCheckout(s.Ctx, userCheckout(10, slotItem(5, 100, 60, date, "10:00")))
	s.Require().NoError(err)

	free, err := s.Slots.IsSlotFree(s.Ctx, 6, date, "10:00")
	s.Require().NoError(err)
	s.True(free, "a booking on one product must not block another")
}

func (s *IntegrationTestSuite) TestListFreeSlotsRejectsPastDate() {
	_, err := s.Slots.ListFreeSlots(s.Ctx, 5, "2020-01-01")
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *IntegrationTestSuite) TestIsSlotFreeRejectsBadInput() {
	_, err := s.Slots.IsSlotFree(s.Ctx, 5, "not-a-date", "10:00")
	s.ErrorIs(err, domain.ErrValidation)

	_, err = s.Slots.IsSlotFree(s.Ctx, 5, futureDate(1), "25:99")
	s.ErrorIs(err, domain.ErrValidation)
}
