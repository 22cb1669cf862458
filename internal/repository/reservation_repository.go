package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ReservationRepository interface {
	LockSlot(ctx context.Context, tx pgx.Tx, productID int64, date, slotTime string) error
	CountActiveBookings(ctx context.Context, tx pgx.Tx, productID int64, date, slotTime string) (int64, error)
	IsSlotBooked(ctx context.Context, productID int64, date, slotTime string) (bool, error)
	ListBookedTimes(ctx context.Context, productID int64, date string) ([]string, error)
}

type reservationRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewReservationRepository(pool *pgxpool.Pool, logger *zap.Logger) ReservationRepository {
	return &reservationRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/reservation_repo"),
	}
}

// LockSlot serializes concurrent bookings of one slot tuple. The advisory
// lock is transaction-scoped, so it releases automatically on commit or
// rollback; the caller must re-count bookings after acquiring it.
func (r *reservationRepo) LockSlot(ctx context.Context, tx pgx.Tx, productID int64, date, slotTime string) error {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.LockSlot")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.String("date", date),
		attribute.String("time", slotTime),
	)

	key := fmt.Sprintf("slot:%d:%s:%s", productID, date, slotTime)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Failed to acquire slot lock",
			zap.String("slot_key", key),
			zap.Error(err),
		)

		return fmt.Errorf("failed to acquire slot lock: %w", err)
	}

	return nil
}

const activeBookingsQuery = `
	SELECT COUNT(*)
	FROM order_items oi
	JOIN orders o ON o.id = oi.order_id
	WHERE oi.product_id = $1
		AND oi.is_reservation
		AND oi.reservation_date = $2
		AND oi.reservation_time = $3
		AND o.status <> 'cancelled'
`

func (r *reservationRepo) CountActiveBookings(ctx context.Context, tx pgx.Tx, productID int64, date, slotTime string) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.CountActiveBookings")
	defer span.End()

	var count int64
	if err := tx.QueryRow(ctx, activeBookingsQuery, productID, date, slotTime).Scan(&count); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}

	return count, nil
}

func (r *reservationRepo) IsSlotBooked(ctx context.Context, productID int64, date, slotTime string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.IsSlotBooked")
	defer span.End()

	var count int64
	if err := r.pool.QueryRow(ctx, activeBookingsQuery, productID, date, slotTime).Scan(&count); err != nil {
		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Failed to check slot availability", zap.Error(err))

		return false, fmt.Errorf("failed to check slot availability: %w", err)
	}

	return count > 0, nil
}

func (r *reservationRepo) ListBookedTimes(ctx context.Context, productID int64, date string) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.ListBookedTimes")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.String("date", date),
	)

	query := `
		SELECT DISTINCT oi.reservation_time
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.product_id = $1
			AND oi.is_reservation
			AND oi.reservation_date = $2
			AND oi.reservation_time IS NOT NULL
			AND o.status <> 'cancelled'
		ORDER BY oi.reservation_time
	`

	rows, err := r.pool.Query(ctx, query, productID, date)
	if err != nil {
		mylogger.Error(ctx, r.logger, "Failed to query booked times", zap.Error(err))

		return nil, fmt.Errorf("failed to query booked times: %w", err)
	}
	defer rows.Close()

	var times []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("error scanning booked time: %w", err)
		}
		times = append(times, t)
	}

	return times, rows.Err()
}
