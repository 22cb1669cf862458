package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RefundRepository interface {
	Create(ctx context.Context, tx pgx.Tx, refund *domain.Refund) error
	FindByOrderID(ctx context.Context, orderID int64) ([]domain.Refund, error)
	GetByGatewayID(ctx context.Context, tx pgx.Tx, refundID string) (*domain.Refund, error)
	TotalRefunded(ctx context.Context, tx pgx.Tx, orderID int64) (float64, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.RefundStatus) error
}

type refundRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewRefundRepository(pool *pgxpool.Pool, logger *zap.Logger) RefundRepository {
	return &refundRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/refund_repo"),
	}
}

// Create appends a row to the refund ledger. Rows are never updated or
// deleted afterwards, except for gateway-driven status flips.
func (r *refundRepo) Create(ctx context.Context, tx pgx.Tx, refund *domain.Refund) error {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", refund.OrderID),
		attribute.Float64("amount", refund.Amount),
	)

	query := `
		INSERT INTO refunds (order_id, payment_intent_id, refund_id, amount, currency,
			reason, status, refunded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id, created_at
	`

	if err := tx.QueryRow(
		ctx,
		query,
		refund.OrderID,
		refund.PaymentIntentID,
		refund.RefundID,
		refund.Amount,
		refund.Currency,
		refund.Reason,
		string(refund.Status),
		refund.RefundedBy,
	).Scan(&refund.ID, &refund.CreatedAt); err != nil {
		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Failed to insert refund",
			zap.Int64("order_id", refund.OrderID),
			zap.Error(err),
		)

		return fmt.Errorf("failed to insert refund: %w", err)
	}

	return nil
}

func (r *refundRepo) FindByOrderID(ctx context.Context, orderID int64) ([]domain.Refund, error) {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.FindByOrderID")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
	)

	query := `
		SELECT id, order_id, payment_intent_id, refund_id, amount, currency,
			reason, status, refunded_by, created_at
		FROM refunds
		WHERE order_id = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		mylogger.Error(ctx, r.logger, "Failed to query refunds", zap.Error(err))

		return nil, fmt.Errorf("failed to query refunds: %w", err)
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		var refund domain.Refund
		if err := rows.Scan(
			&refund.ID,
			&refund.OrderID,
			&refund.PaymentIntentID,
			&refund.RefundID,
			&refund.Amount,
			&refund.Currency,
			&refund.Reason,
			&refund.Status,
			&refund.RefundedBy,
			&refund.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning refund: %w", err)
		}

		refunds = append(refunds, refund)
	}

	return refunds, rows.Err()
}

// TotalRefunded sums the ledger inside the caller's transaction so the clamp
// decision and the new row land atomically.
func (r *refundRepo) TotalRefunded(ctx context.Context, tx pgx.Tx, orderID int64) (float64, error) {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.TotalRefunded")
	defer span.End()

	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM refunds
		WHERE order_id = $1 AND status <> 'failed'
	`

	var total float64
	if err := tx.QueryRow(ctx, query, orderID).Scan(&total); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}

	return total, nil
}

// GetByGatewayID looks a ledger row up by the gateway's refund id inside the
// caller's transaction.
func (r *refundRepo) GetByGatewayID(ctx context.Context, tx pgx.Tx, refundID string) (*domain.Refund, error) {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.GetByGatewayID")
	defer span.End()

	span.SetAttributes(
		attribute.String("refund_id", refundID),
	)

	query := `
		SELECT id, order_id, payment_intent_id, refund_id, amount, currency,
			reason, status, refunded_by, created_at
		FROM refunds
		WHERE refund_id = $1
	`

	var refund domain.Refund
	if err := tx.QueryRow(ctx, query, refundID).Scan(
		&refund.ID,
		&refund.OrderID,
		&refund.PaymentIntentID,
		&refund.RefundID,
		&refund.Amount,
		&refund.Currency,
		&refund.Reason,
		&refund.Status,
		&refund.RefundedBy,
		&refund.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRefundNotFound
		}

		span.RecordError(err)
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}

	return &refund, nil
}

func (r *refundRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.RefundStatus) error {
	ctx, span := r.tracer.Start(ctx, "RefundRepository.UpdateStatus")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("refund_id", id),
		attribute.String("status", string(status)),
	)

	query := `UPDATE refunds SET status = $2 WHERE id = $1`

	commandTag, err := tx.Exec(ctx, query, id, string(status))
	if err != nil {
		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Failed to update refund status",
			zap.Int64("refund_id", id),
			zap.Error(err),
		)

		return fmt.Errorf("failed to update refund status: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return domain.ErrRefundNotFound
	}

	return nil
}
