package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FinalizeParams carries the post-payment fields applied to a staged order.
type FinalizeParams struct {
	Status          domain.OrderStatus
	PaymentMethod   string
	PaymentIntentID string
	OrderedAt       time.Time
	ShippingAddress *domain.ShippingAddress
}

type OrderRepository interface {
	StageOrder(ctx context.Context, tx pgx.Tx, order *domain.Order) error
	ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.Order, error)
	FinalizeAfterPayment(ctx context.Context, tx pgx.Tx, orderID int64, params FinalizeParams) (bool, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, orderID int64, status domain.OrderStatus, trackingNumber *string) error
	AddRefundedAmount(ctx context.Context, tx pgx.Tx, orderID int64, amount float64) error
	GetByID(ctx context.Context, orderID int64) (*domain.Order, error)
	GetByIDForUser(ctx context.Context, orderID, userID int64) (*domain.Order, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Order, error)
	ListByGuestEmail(ctx context.Context, email string) ([]domain.Order, error)
	DeleteByCorrelationID(ctx context.Context, correlationID string) (int64, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error)
}

type orderRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewOrderRepository(pool *pgxpool.Pool, logger *zap.Logger) OrderRepository {
	return &orderRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/order_repo"),
	}
}

const orderColumns = `id, user_id, guest_email, store_id, store_name, status, total_amount,
		total_refunded, payment_method, payment_intent_id, stripe_session_id,
		tracking_number, shipping_address, ordered_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var address []byte

	if err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.GuestEmail,
		&o.StoreID,
		&o.StoreName,
		&o.Status,
		&o.TotalAmount,
		&o.TotalRefunded,
		&o.PaymentMethod,
		&o.PaymentIntentID,
		&o.StripeSessionID,
		&o.TrackingNumber,
		&address,
		&o.OrderedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(address) > 0 {
		if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
	}

	return &o, nil
}

func (r *orderRepo) StageOrder(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.StageOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("store_id", order.StoreID),
		attribute.Int("items_count", len(order.Items)),
	)

	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}

	queryOrder := `
		INSERT INTO orders (user_id, guest_email, store_id, store_name, status, total_amount,
			payment_method, payment_intent_id, stripe_session_id, shipping_address,
			ordered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	if err := tx.QueryRow(
		ctx,
		queryOrder,
		order.UserID,
		order.GuestEmail,
		order.StoreID,
		order.StoreName,
		string(order.Status),
		order.TotalAmount,
		order.PaymentMethod,
		order.PaymentIntentID,
		order.StripeSessionID,
		address,
		order.OrderedAt,
	).Scan(
		&order.ID,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		span.RecordError(err)

		mylogger.Warn(ctx, r.logger, "Failed to insert order", zap.Error(err))

		return err
	}

	queryItem := `
		INSERT INTO order_items (order_id, product_id, name, image, quantity, price,
			is_reservation, reservation_date, reservation_time, reservation_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID

		if err := tx.QueryRow(
			ctx,
			queryItem,
			order.ID,
			item.ProductID,
			item.Name,
			item.Image,
			item.Quantity,
			item.Price,
			item.IsReservation,
			item.ReservationDate,
			item.ReservationTime,
			item.ReservationNotes,
		).Scan(&item.ID); err != nil {
			span.RecordError(err)

			mylogger.Error(ctx, r.logger, "Failed to insert order item",
				zap.Int64("order_id", order.ID),
				zap.Int64("product_id", item.ProductID),
				zap.Error(err),
			)

			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return nil
}

func (r *orderRepo) ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ListByCorrelationID")
	defer span.End()

	span.SetAttributes(
		attribute.String("correlation_id", correlationID),
	)

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE stripe_session_id = $1 OR payment_intent_id = $1
		ORDER BY id
	`

	return r.list(ctx, query, correlationID)
}

func (r *orderRepo) FinalizeAfterPayment(ctx context.Context, tx pgx.Tx, orderID int64, params FinalizeParams) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.FinalizeAfterPayment")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("status", string(params.Status)),
	)

	var address []byte
	if params.ShippingAddress != nil {
		var err error
		address, err = json.Marshal(params.ShippingAddress)
		if err != nil {
			return false, fmt.Errorf("encode shipping address: %w", err)
		}
	}

	// Conditional on the staged status: a second finalize of the same order
	// matches zero rows and reports transitioned=false.
	query := `
		UPDATE orders
		SET status = $2,
			payment_method = COALESCE(NULLIF($3, ''), payment_method),
			payment_intent_id = COALESCE(NULLIF($4, ''), payment_intent_id),
			ordered_at = $5,
			shipping_address = COALESCE($6, shipping_address),
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending_payment'
	`

	commandTag, err := tx.Exec(ctx, query,
		orderID,
		string(params.Status),
		params.PaymentMethod,
		params.PaymentIntentID,
		params.OrderedAt,
		address,
	)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Failed to finalize order",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)

		return false, fmt.Errorf("failed to finalize order: %w", err)
	}

	return commandTag.RowsAffected() == 1, nil
}

func (r *orderRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, orderID int64, status domain.OrderStatus, trackingNumber *string) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.UpdateStatus")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("status", string(status)),
	)

	query := `
		UPDATE orders
		SET status = $2,
			tracking_number = COALESCE($3, tracking_number),
			updated_at = NOW()
		WHERE id = $1
	`

	commandTag, err := tx.Exec(ctx, query, orderID, string(status), trackingNumber)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Failed to update order status",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)

		return fmt.Errorf("failed to update order status: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}

	return nil
}

func (r *orderRepo) AddRefundedAmount(ctx context.Context, tx pgx.Tx, orderID int64, amount float64) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.AddRefundedAmount")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.Float64("amount", amount),
	)

	query := `
		UPDATE orders
		SET total_refunded = total_refunded + $2,
			updated_at = NOW()
		WHERE id = $1
	`

	commandTag, err := tx.Exec(ctx, query, orderID, amount)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to add refunded amount: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}

	return nil
}

func (r *orderRepo) GetByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetByID")
	defer span.End()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	return r.get(ctx, query, orderID)
}

// GetByIDForUser filters at the query level so callers cannot distinguish
// "not found" from "exists but belongs to someone else".
func (r *orderRepo) GetByIDForUser(ctx context.Context, orderID, userID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetByIDForUser")
	defer span.End()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND user_id = $2`

	return r.get(ctx, query, orderID, userID)
}

func (r *orderRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ListByUser")
	defer span.End()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY ordered_at DESC`

	return r.list(ctx, query, userID)
}

func (r *orderRepo) ListByGuestEmail(ctx context.Context, email string) ([]domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ListByGuestEmail")
	defer span.End()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE guest_email = $1 ORDER BY ordered_at DESC`

	return r.list(ctx, query, email)
}

// DeleteByCorrelationID removes every order staged under an abandoned or
// superseded session. Post-payment rows are never touched: the engine only
// calls this before any finalize happened.
func (r *orderRepo) DeleteByCorrelationID(ctx context.Context, correlationID string) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.DeleteByCorrelationID")
	defer span.End()

	span.SetAttributes(
		attribute.String("correlation_id", correlationID),
	)

	query := `
		DELETE FROM orders
		WHERE (stripe_session_id = $1 OR payment_intent_id = $1)
			AND status = 'pending_payment'
	`

	commandTag, err := r.pool.Exec(ctx, query, correlationID)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Failed to delete staged orders",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)

		return 0, fmt.Errorf("failed to delete staged orders: %w", err)
	}

	return commandTag.RowsAffected(), nil
}

func (r *orderRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetForUpdate")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
	)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	order, err := scanOrder(tx.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}

		span.RecordError(err)
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}

	items, err := r.loadItems(ctx, tx, []int64{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]

	return order, nil
}

func (r *orderRepo) get(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}

		mylogger.Error(ctx, r.logger, "Failed to query order", zap.Error(err))

		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	items, err := r.loadItems(ctx, r.pool, []int64{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]

	return order, nil
}

func (r *orderRepo) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		mylogger.Error(ctx, r.logger, "Failed to query orders", zap.Error(err))

		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	var ids []int64
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning order: %w", err)
		}
		orders = append(orders, *order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orders) == 0 {
		return orders, nil
	}

	items, err := r.loadItems(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *orderRepo) loadItems(ctx context.Context, q querier, orderIDs []int64) (map[int64][]domain.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, name, image, quantity, price,
			is_reservation, reservation_date, reservation_time, reservation_notes
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id
	`

	rows, err := q.Query(ctx, query, orderIDs)
	if err != nil {
		mylogger.Error(ctx, r.logger, "Failed to query order_items", zap.Error(err))

		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Name,
			&item.Image,
			&item.Quantity,
			&item.Price,
			&item.IsReservation,
			&item.ReservationDate,
			&item.ReservationTime,
			&item.ReservationNotes,
		); err != nil {
			return nil, fmt.Errorf("error scanning order item: %w", err)
		}

		result[item.OrderID] = append(result[item.OrderID], item)
	}

	return result, rows.Err()
}
