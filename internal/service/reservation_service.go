package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/repository"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	slotDateLayout = "2006-01-02"
	slotTimeLayout = "15:04"

	businessOpenHour  = 9
	businessCloseHour = 17
)

type ReservationService interface {
	IsSlotFree(ctx context.Context, productID int64, date, slotTime string) (bool, error)
	ListFreeSlots(ctx context.Context, productID int64, date string) ([]string, error)
	InvalidateSlots(ctx context.Context, productID int64, date string)
}

type reservationService struct {
	logger          *zap.Logger
	reservationRepo repository.ReservationRepository
	tracer          trace.Tracer
	now             func() time.Time
}

func NewReservationService(logger *zap.Logger, reservationRepo repository.ReservationRepository) ReservationService {
	return &reservationService{
		logger:          logger,
		reservationRepo: reservationRepo,
		tracer:          otel.Tracer("reservation_service"),
		now:             time.Now,
	}
}

// ValidateSlot checks the slot tuple shape shared by availability reads and
// checkout staging: calendar date, HH:MM time, and a date not in the past.
func ValidateSlot(date, slotTime string, now time.Time) error {
	day, err := time.Parse(slotDateLayout, date)
	if err != nil {
		return fmt.Errorf("%w: invalid reservation date %q", domain.ErrValidation, date)
	}

	if _, err := time.Parse(slotTimeLayout, slotTime); err != nil {
		return fmt.Errorf("%w: invalid reservation time %q", domain.ErrValidation, slotTime)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if day.Before(today) {
		return fmt.Errorf("%w: reservation date %s is in the past", domain.ErrValidation, date)
	}

	return nil
}

func (s *reservationService) IsSlotFree(ctx context.Context, productID int64, date, slotTime string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationService.IsSlotFree")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.String("date", date),
		attribute.String("time", slotTime),
	)

	if err := ValidateSlot(date, slotTime, s.now()); err != nil {
		return false, err
	}

	booked, err := s.reservationRepo.IsSlotBooked(ctx, productID, date, slotTime)
	if err != nil {
		return false, err
	}

	return !booked, nil
}

// ListFreeSlots returns the hourly business-hours times on the given date
// that no active order holds for this product.
func (s *reservationService) ListFreeSlots(ctx context.Context, productID int64, date string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationService.ListFreeSlots")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.String("date", date),
	)

	day, err := time.Parse(slotDateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid reservation date %q", domain.ErrValidation, date)
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if day.Before(today) {
		return nil, fmt.Errorf("%w: reservation date %s is in the past", domain.ErrValidation, date)
	}

	bookedTimes, err := s.reservationRepo.ListBookedTimes(ctx, productID, date)
	if err != nil {
		return nil, err
	}

	booked := make(map[string]struct{}, len(bookedTimes))
	for _, t := range bookedTimes {
		booked[t] = struct{}{}
	}

	free := make([]string, 0, businessCloseHour-businessOpenHour)
	for hour := businessOpenHour; hour < businessCloseHour; hour++ {
		slot := fmt.Sprintf("%02d:00", hour)
		if _, taken := booked[slot]; !taken {
			free = append(free, slot)
		}
	}

	mylogger.Debug(ctx, s.logger, "Computed free slots",
		zap.Int64("product_id", productID),
		zap.String("date", date),
		zap.Int("free_count", len(free)),
	)

	return free, nil
}

// InvalidateSlots is a hook for the caching decorator. The uncached service
// always reads live data, so there is nothing to do here.
func (s *reservationService) InvalidateSlots(context.Context, int64, string) {}
