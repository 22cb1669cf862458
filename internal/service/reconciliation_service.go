package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/gateway"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/repository"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	outboxDomain "github.com/xiaofeng19920506/InvictusMall-sub000/pkg/outbox/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	topicOrderEvents  = "order_events"
	topicRefundEvents = "refund_events"

	uniqueViolationCode = "23505"
)

// CheckoutConfig carries the gateway-facing settings the engine stamps on
// every session it opens.
type CheckoutConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

// Actor identifies who is performing an operation. The zero value is an
// anonymous guest.
type Actor struct {
	UserID int64
	Role   string
}

func (a Actor) IsStaff() bool {
	return a.Role == "admin" || a.Role == "staff"
}

type CheckoutItem struct {
	ProductID        int64   `json:"product_id" validate:"required,gt=0"`
	StoreID          int64   `json:"store_id" validate:"required,gt=0"`
	StoreName        string  `json:"store_name"`
	Name             string  `json:"name" validate:"required"`
	Image            string  `json:"image"`
	Quantity         int32   `json:"quantity" validate:"required,gt=0"`
	Price            float64 `json:"price" validate:"required,gt=0"`
	IsReservation    bool    `json:"is_reservation"`
	ReservationDate  string  `json:"reservation_date"`
	ReservationTime  string  `json:"reservation_time"`
	ReservationNotes string  `json:"reservation_notes"`
}

type BeginCheckoutRequest struct {
	UserID          *int64                 `json:"user_id"`
	GuestEmail      *string                `json:"guest_email" validate:"omitempty,email"`
	PaymentMode     string                 `json:"payment_mode" validate:"omitempty,oneof=session intent"`
	Items           []CheckoutItem         `json:"items" validate:"required,min=1,dive"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
}

type BeginCheckoutResponse struct {
	CorrelationID string  `json:"correlation_id"`
	RedirectURL   string  `json:"redirect_url,omitempty"`
	ClientSecret  string  `json:"client_secret,omitempty"`
	OrderIDs      []int64 `json:"order_ids"`
	TotalAmount   float64 `json:"total_amount"`
}

type ReconciliationService interface {
	BeginCheckout(ctx context.Context, req *BeginCheckoutRequest) (*BeginCheckoutResponse, error)
	FinalizeCheckout(ctx context.Context, sessionID string) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, newStatus domain.OrderStatus, trackingNumber *string, actor Actor) (*domain.Order, error)
	IssueRefund(ctx context.Context, orderID int64, amount *float64, reason string, actor Actor) (*domain.Refund, error)
	GetOrder(ctx context.Context, orderID int64, actor Actor) (*domain.Order, error)
	ListOrdersForUser(ctx context.Context, userID int64) ([]domain.Order, error)
	ListOrdersByGuestEmail(ctx context.Context, email string) ([]domain.Order, error)
	ListRefunds(ctx context.Context, orderID int64, actor Actor) ([]domain.Refund, error)
	HandleRefundStatusUpdate(ctx context.Context, refundID, status string) error
}

type reconciliationService struct {
	pool            *pgxpool.Pool
	logger          *zap.Logger
	gateway         gateway.PaymentGateway
	orderRepo       repository.OrderRepository
	refundRepo      repository.RefundRepository
	reservationRepo repository.ReservationRepository
	outboxRepo      worker.OutboxRepository
	slots           ReservationService
	cfg             CheckoutConfig
	tracer          trace.Tracer
	now             func() time.Time
}

func NewReconciliationService(
	pool *pgxpool.Pool,
	logger *zap.Logger,
	pg gateway.PaymentGateway,
	orderRepo repository.OrderRepository,
	refundRepo repository.RefundRepository,
	reservationRepo repository.ReservationRepository,
	outboxRepo worker.OutboxRepository,
	slots ReservationService,
	cfg CheckoutConfig,
) ReconciliationService {
	return &reconciliationService{
		pool:            pool,
		logger:          logger,
		gateway:         pg,
		orderRepo:       orderRepo,
		refundRepo:      refundRepo,
		reservationRepo: reservationRepo,
		outboxRepo:      outboxRepo,
		slots:           slots,
		cfg:             cfg,
		tracer:          otel.Tracer("reconciliation_service"),
		now:             time.Now,
	}
}

// BeginCheckout opens a gateway session for the whole cart and stages one
// pending_payment order per store, keyed by the session ID. Reservation
// slots are checked under a per-slot lock inside the staging transaction,
// so two carts racing for the same slot cannot both stage it.
func (s *reconciliationService) BeginCheckout(ctx context.Context, req *BeginCheckoutRequest) (*BeginCheckoutResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.BeginCheckout")
	defer span.End()

	span.SetAttributes(
		attribute.Int("items_count", len(req.Items)),
		attribute.String("payment_mode", req.PaymentMode),
	)

	if req.UserID == nil && req.GuestEmail == nil {
		return nil, fmt.Errorf("%w: checkout requires a user or a guest email", domain.ErrValidation)
	}

	now := s.now()
	for _, item := range req.Items {
		if item.Price <= 0 {
			return nil, fmt.Errorf("%w: item %q must have a positive unit price", domain.ErrValidation, item.Name)
		}
		if !item.IsReservation {
			continue
		}
		if err := ValidateSlot(item.ReservationDate, item.ReservationTime, now); err != nil {
			return nil, err
		}
	}

	groups := groupByStore(req.Items)

	var grandTotal float64
	lineItems := make([]gateway.LineItem, 0, len(req.Items))
	for _, g := range groups {
		for _, item := range g.items {
			grandTotal += item.Price * float64(item.Quantity)
			lineItems = append(lineItems, gateway.LineItem{
				ProductID:        item.ProductID,
				StoreID:          item.StoreID,
				StoreName:        item.StoreName,
				Name:             item.Name,
				Image:            item.Image,
				Quantity:         item.Quantity,
				UnitAmount:       domain.MinorUnits(item.Price),
				IsReservation:    item.IsReservation,
				ReservationDate:  item.ReservationDate,
				ReservationTime:  item.ReservationTime,
				ReservationNotes: item.ReservationNotes,
			})
		}
	}

	metadata := map[string]string{}
	if req.UserID != nil {
		metadata["user_id"] = fmt.Sprintf("%d", *req.UserID)
	}
	if req.GuestEmail != nil {
		metadata["guest_email"] = *req.GuestEmail
	}

	resp := &BeginCheckoutResponse{TotalAmount: grandTotal}

	switch req.PaymentMode {
	case "intent":
		intent, err := s.gateway.CreateIntent(ctx, lineItems, domain.MinorUnits(grandTotal), s.cfg.Currency, metadata)
		if err != nil {
			return nil, err
		}
		resp.CorrelationID = intent.ID
		resp.ClientSecret = intent.ClientSecret
	default:
		session, err := s.gateway.CreateSession(ctx, lineItems, s.cfg.SuccessURL, s.cfg.CancelURL, metadata)
		if err != nil {
			return nil, err
		}
		resp.CorrelationID = session.ID
		resp.RedirectURL = session.RedirectURL
	}

	orderIDs, err := s.stageGroups(ctx, groups, req, resp.CorrelationID)
	if err != nil {
		s.compensateStaging(ctx, resp.CorrelationID, req.PaymentMode)
		return nil, err
	}

	resp.OrderIDs = orderIDs
	return resp, nil
}

type storeGroup struct {
	storeID   int64
	storeName string
	items     []CheckoutItem
}

func groupByStore(items []CheckoutItem) []storeGroup {
	byStore := make(map[int64]*storeGroup)
	for _, item := range items {
		g, ok := byStore[item.StoreID]
		if !ok {
			g = &storeGroup{storeID: item.StoreID, storeName: item.StoreName}
			byStore[item.StoreID] = g
		}
		g.items = append(g.items, item)
	}

	groups := make([]storeGroup, 0, len(byStore))
	for _, g := range byStore {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].storeID < groups[j].storeID })

	return groups
}

func (s *reconciliationService) stageGroups(ctx context.Context, groups []storeGroup, req *BeginCheckoutRequest, correlationID string) ([]int64, error) {
	orderIDs := make([]int64, 0, len(groups))

	for _, g := range groups {
		order, err := s.stageStoreOrder(ctx, g, req, correlationID)
		if err != nil {
			return nil, err
		}
		orderIDs = append(orderIDs, order.ID)

		for _, item := range g.items {
			if item.IsReservation {
				s.slots.InvalidateSlots(ctx, item.ProductID, item.ReservationDate)
			}
		}
	}

	return orderIDs, nil
}

func (s *reconciliationService) stageStoreOrder(ctx context.Context, g storeGroup, req *BeginCheckoutRequest, correlationID string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.stageStoreOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("store_id", g.storeID),
		attribute.String("correlation_id", correlationID),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Failed to begin transaction", zap.Error(err))
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	for _, item := range g.items {
		if !item.IsReservation {
			continue
		}

		if err := s.reservationRepo.LockSlot(ctx, tx, item.ProductID, item.ReservationDate, item.ReservationTime); err != nil {
			return nil, err
		}

		count, err := s.reservationRepo.CountActiveBookings(ctx, tx, item.ProductID, item.ReservationDate, item.ReservationTime)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			mylogger.Warn(ctx, s.logger, "Reservation slot already booked",
				zap.Int64("product_id", item.ProductID),
				zap.String("date", item.ReservationDate),
				zap.String("time", item.ReservationTime),
			)

			return nil, fmt.Errorf("%w: slot %s %s for product %d is taken",
				domain.ErrReservationConflict, item.ReservationDate, item.ReservationTime, item.ProductID)
		}
	}

	order := buildStagedOrder(g, req, correlationID, s.now())

	if err := s.orderRepo.StageOrder(ctx, tx, order); err != nil {
		return nil, fmt.Errorf("failed to stage order: %w", err)
	}

	if err := s.emitEvent(ctx, tx, topicOrderEvents, "OrderStaged", "order", order.ID, &domain.OrderStagedEvent{
		OrderID:       order.ID,
		CorrelationID: correlationID,
		StoreID:       order.StoreID,
		TotalAmount:   order.TotalAmount,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		mylogger.Error(ctx, s.logger, "Failed to commit staging transaction", zap.Error(err))
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return order, nil
}

func buildStagedOrder(g storeGroup, req *BeginCheckoutRequest, correlationID string, now time.Time) *domain.Order {
	items := make([]domain.OrderItem, 0, len(g.items))
	for _, item := range g.items {
		oi := domain.OrderItem{
			ProductID:     item.ProductID,
			Name:          item.Name,
			Image:         item.Image,
			Quantity:      item.Quantity,
			Price:         item.Price,
			IsReservation: item.IsReservation,
		}
		if item.IsReservation {
			date, slotTime, notes := item.ReservationDate, item.ReservationTime, item.ReservationNotes
			oi.ReservationDate = &date
			oi.ReservationTime = &slotTime
			if notes != "" {
				oi.ReservationNotes = &notes
			}
		}
		items = append(items, oi)
	}

	order := &domain.Order{
		UserID:          req.UserID,
		GuestEmail:      req.GuestEmail,
		StoreID:         g.storeID,
		StoreName:       g.storeName,
		Status:          domain.OrderStatusPendingPayment,
		PaymentMethod:   "card",
		StripeSessionID: &correlationID,
		ShippingAddress: req.ShippingAddress,
		OrderedAt:       now,
		Items:           items,
	}
	order.CalculateTotal()

	return order
}

// compensateStaging removes any orders already staged under a session that
// failed partway, then voids the session so the customer cannot pay for a
// cart the ledger no longer holds. Both steps are best effort.
func (s *reconciliationService) compensateStaging(ctx context.Context, correlationID, paymentMode string) {
	cleanupCtx := context.WithoutCancel(ctx)

	if _, err := s.orderRepo.DeleteByCorrelationID(cleanupCtx, correlationID); err != nil {
		mylogger.Error(cleanupCtx, s.logger, "Failed to clean up staged orders",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	}

	if paymentMode != "intent" {
		if err := s.gateway.VoidSession(cleanupCtx, correlationID); err != nil {
			mylogger.Warn(cleanupCtx, s.logger, "Failed to void gateway session",
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
		}
	}
}

// FinalizeCheckout reconciles a paid gateway session or payment intent with
// the staged orders. It is idempotent: replays match zero pending_payment
// rows and return the already-finalized orders without emitting duplicate
// events.
func (s *reconciliationService) FinalizeCheckout(ctx context.Context, sessionID string) ([]domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.FinalizeCheckout")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
	)

	status, err := s.lookupPayment(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !gateway.Paid(status.PaymentStatus) {
		mylogger.Warn(ctx, s.logger, "Finalize rejected for unpaid session",
			zap.String("session_id", sessionID),
			zap.String("payment_status", status.PaymentStatus),
		)

		return nil, fmt.Errorf("%w: session %s is not paid (status %s)",
			domain.ErrValidation, sessionID, status.PaymentStatus)
	}

	orders, err := s.orderRepo.ListByCorrelationID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Webhook raced ahead of staging, or staging was lost. Rebuild the
	// order groups from the session's own line items.
	if len(orders) == 0 {
		orders, err = s.stageFromSession(ctx, sessionID, status)
		if err != nil {
			return nil, err
		}
	}

	var stagedTotal float64
	for _, o := range orders {
		stagedTotal += o.TotalAmount
	}

	paidTotal := domain.FromMinorUnits(status.AmountTotal)
	if math.Abs(stagedTotal-paidTotal) > domain.AmountEpsilon {
		mylogger.Error(ctx, s.logger, "Paid amount does not match staged orders",
			zap.String("session_id", sessionID),
			zap.Float64("staged_total", stagedTotal),
			zap.Float64("paid_total", paidTotal),
		)

		return nil, fmt.Errorf("amount mismatch for session %s: staged %.2f, paid %.2f",
			sessionID, stagedTotal, paidTotal)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	paidAt := s.now()
	for _, o := range orders {
		params := repository.FinalizeParams{
			Status:          domain.OrderStatusPending,
			PaymentMethod:   "card",
			PaymentIntentID: status.PaymentIntentID,
			OrderedAt:       paidAt,
			ShippingAddress: status.ShippingAddress,
		}

		transitioned, err := s.orderRepo.FinalizeAfterPayment(ctx, tx, o.ID, params)
		if err != nil {
			return nil, err
		}
		if !transitioned {
			mylogger.Info(ctx, s.logger, "Order already finalized, skipping",
				zap.Int64("order_id", o.ID),
			)
			continue
		}

		if err := s.emitEvent(ctx, tx, topicOrderEvents, "OrderFinalized", "order", o.ID, &domain.OrderFinalizedEvent{
			OrderID:       o.ID,
			CorrelationID: sessionID,
			Status:        domain.OrderStatusPending,
			TotalAmount:   o.TotalAmount,
			PaidAt:        paidAt,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return s.orderRepo.ListByCorrelationID(ctx, sessionID)
}

// lookupPayment fetches the gateway's view of a checkout, routed by the
// correlation id: intent ids go through GetIntentStatus, everything else is
// a checkout session. An intent settles against itself, so it doubles as
// the payment intent id on the finalized orders.
func (s *reconciliationService) lookupPayment(ctx context.Context, correlationID string) (*gateway.SessionStatus, error) {
	if !gateway.IsIntentID(correlationID) {
		return s.gateway.GetSessionStatus(ctx, correlationID)
	}

	intent, err := s.gateway.GetIntentStatus(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	return &gateway.SessionStatus{
		PaymentStatus:   intent.Status,
		AmountTotal:     intent.AmountTotal,
		Currency:        intent.Currency,
		PaymentIntentID: correlationID,
		LineItems:       intent.LineItems,
		Metadata:        intent.Metadata,
	}, nil
}

// stageFromSession rebuilds per-store orders out of the line items the
// gateway session carries. A concurrent finalize staging the same session
// trips the (session, store) unique index; that loser just re-reads.
func (s *reconciliationService) stageFromSession(ctx context.Context, sessionID string, status *gateway.SessionStatus) ([]domain.Order, error) {
	if len(status.LineItems) == 0 {
		return nil, fmt.Errorf("%w: no orders staged for session %s and the session carries no line items",
			domain.ErrOrderNotFound, sessionID)
	}

	req := &BeginCheckoutRequest{}
	if v := status.Metadata["user_id"]; v != "" {
		var userID int64
		if _, err := fmt.Sscanf(v, "%d", &userID); err == nil {
			req.UserID = &userID
		}
	}
	if req.UserID == nil {
		email := status.CustomerEmail
		if v := status.Metadata["guest_email"]; v != "" {
			email = v
		}
		if email == "" {
			return nil, fmt.Errorf("%w: session %s has no owner metadata", domain.ErrValidation, sessionID)
		}
		req.GuestEmail = &email
	}
	if status.ShippingAddress != nil {
		req.ShippingAddress = *status.ShippingAddress
	}

	items := make([]CheckoutItem, 0, len(status.LineItems))
	for _, li := range status.LineItems {
		items = append(items, CheckoutItem{
			ProductID:        li.ProductID,
			StoreID:          li.StoreID,
			StoreName:        li.StoreName,
			Name:             li.Name,
			Image:            li.Image,
			Quantity:         li.Quantity,
			Price:            domain.FromMinorUnits(li.UnitAmount),
			IsReservation:    li.IsReservation,
			ReservationDate:  li.ReservationDate,
			ReservationTime:  li.ReservationTime,
			ReservationNotes: li.ReservationNotes,
		})
	}
	req.Items = items

	mylogger.Warn(ctx, s.logger, "No staged orders found, rebuilding from session",
		zap.String("session_id", sessionID),
		zap.Int("line_items", len(items)),
	)

	// The session is already paid, so a booked-out slot cannot block
	// staging here; the money is taken and the order must exist.
	_, err := s.stageGroups(ctx, groupByStore(items), req, sessionID)
	if err != nil && !isUniqueViolation(err) && !errors.Is(err, domain.ErrReservationConflict) {
		return nil, err
	}

	return s.orderRepo.ListByCorrelationID(ctx, sessionID)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// UpdateOrderStatus applies one transition of the order state machine.
// Cancelling a paid order refunds the remaining balance first, inside the
// same row lock, so the refund and the cancellation cannot interleave with
// a concurrent manual refund.
func (s *reconciliationService) UpdateOrderStatus(ctx context.Context, orderID int64, newStatus domain.OrderStatus, trackingNumber *string, actor Actor) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.UpdateOrderStatus")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("new_status", string(newStatus)),
	)

	if !domain.ValidOrderStatus(newStatus) {
		return nil, fmt.Errorf("%w: unknown order status %q", domain.ErrValidation, newStatus)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if !actor.IsStaff() {
		if newStatus != domain.OrderStatusCancelled {
			return nil, domain.ErrForbidden
		}
		if order.UserID == nil || *order.UserID != actor.UserID {
			return nil, domain.ErrOrderNotFound
		}
	}

	if !domain.CanTransition(order.Status, newStatus) {
		return nil, fmt.Errorf("%w: cannot transition order from %s to %s",
			domain.ErrValidation, order.Status, newStatus)
	}

	if newStatus == domain.OrderStatusCancelled {
		if err := s.autoRefundOnCancel(ctx, tx, order, actor); err != nil {
			return nil, err
		}
	}

	if err := s.orderRepo.UpdateStatus(ctx, tx, orderID, newStatus, trackingNumber); err != nil {
		return nil, err
	}

	if newStatus == domain.OrderStatusCancelled {
		if err := s.emitEvent(ctx, tx, topicOrderEvents, "OrderCancelled", "order", order.ID, &domain.OrderCancelledEvent{
			OrderID:     order.ID,
			ActorID:     actor.UserID,
			CancelledAt: s.now(),
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if newStatus == domain.OrderStatusCancelled {
		s.invalidateOrderSlots(ctx, order)
	}

	return s.orderRepo.GetByID(ctx, orderID)
}

// autoRefundOnCancel refunds whatever balance remains on a paid order being
// cancelled. A gateway failure does not block the cancellation; it is logged
// and the balance stays open for a manual retry.
func (s *reconciliationService) autoRefundOnCancel(ctx context.Context, tx pgx.Tx, order *domain.Order, actor Actor) error {
	if order.PaymentIntentID == nil || order.Status == domain.OrderStatusPendingPayment {
		return nil
	}

	refunded, err := s.refundRepo.TotalRefunded(ctx, tx, order.ID)
	if err != nil {
		return err
	}

	remaining := order.TotalAmount - refunded
	if remaining <= domain.AmountEpsilon {
		return nil
	}

	if _, err := s.refundLocked(ctx, tx, order, remaining, "order cancelled", actor); err != nil {
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			mylogger.Error(ctx, s.logger, "Auto-refund failed, cancelling without refund",
				zap.Int64("order_id", order.ID),
				zap.Float64("remaining", remaining),
				zap.Error(err),
			)

			return nil
		}

		return err
	}

	return nil
}

// IssueRefund records a manual refund against an order. A nil amount means
// a full refund of the remaining balance; an explicit amount is clamped to
// that balance. A fully refunded order becomes cancelled when its current
// status allows the transition.
func (s *reconciliationService) IssueRefund(ctx context.Context, orderID int64, amount *float64, reason string, actor Actor) (*domain.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.IssueRefund")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
	)

	if !actor.IsStaff() {
		return nil, domain.ErrForbidden
	}
	if amount != nil && *amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", domain.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == domain.OrderStatusCancelled {
		return nil, fmt.Errorf("%w: order %d is cancelled", domain.ErrValidation, orderID)
	}
	if order.PaymentIntentID == nil || order.Status == domain.OrderStatusPendingPayment {
		return nil, fmt.Errorf("%w: order %d has no captured payment to refund", domain.ErrValidation, orderID)
	}

	refunded, err := s.refundRepo.TotalRefunded(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}

	remaining := order.TotalAmount - refunded
	if remaining <= domain.AmountEpsilon {
		return nil, fmt.Errorf("%w: order %d is already fully refunded", domain.ErrAlreadyRefunded, orderID)
	}

	requested := remaining
	if amount != nil {
		requested = domain.ClampRefund(*amount, remaining)
	}

	refund, err := s.refundLocked(ctx, tx, order, requested, reason, actor)
	if err != nil {
		return nil, err
	}

	if remaining-requested <= domain.AmountEpsilon && domain.CanTransition(order.Status, domain.OrderStatusCancelled) {
		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, domain.OrderStatusCancelled, nil); err != nil {
			return nil, err
		}

		if err := s.emitEvent(ctx, tx, topicOrderEvents, "OrderCancelled", "order", order.ID, &domain.OrderCancelledEvent{
			OrderID:     order.ID,
			ActorID:     actor.UserID,
			CancelledAt: s.now(),
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return refund, nil
}

// refundLocked performs the gateway call and the ledger append for one
// refund. The caller must hold the order row lock in tx: the lock is what
// keeps the ledger-sum check and the new row atomic against concurrent
// refunds of the same order.
func (s *reconciliationService) refundLocked(ctx context.Context, tx pgx.Tx, order *domain.Order, amount float64, reason string, actor Actor) (*domain.Refund, error) {
	result, err := s.gateway.Refund(ctx, *order.PaymentIntentID, domain.MinorUnits(amount), reason, map[string]string{
		"order_id": fmt.Sprintf("%d", order.ID),
	})
	if err != nil {
		return nil, err
	}

	status := domain.RefundStatusPending
	if result.Status == "succeeded" {
		status = domain.RefundStatusSucceeded
	}

	refund := &domain.Refund{
		OrderID:         order.ID,
		PaymentIntentID: *order.PaymentIntentID,
		RefundID:        result.ID,
		Amount:          amount,
		Currency:        s.cfg.Currency,
		Reason:          reason,
		Status:          status,
		RefundedBy:      actor.UserID,
	}

	if err := s.refundRepo.Create(ctx, tx, refund); err != nil {
		s.logOrphanedRefund(ctx, order.ID, result.ID, amount, err)
		return nil, err
	}

	if err := s.orderRepo.AddRefundedAmount(ctx, tx, order.ID, amount); err != nil {
		s.logOrphanedRefund(ctx, order.ID, result.ID, amount, err)
		return nil, err
	}

	if err := s.emitEvent(ctx, tx, topicRefundEvents, "RefundIssued", "refund", order.ID, &domain.RefundIssuedEvent{
		OrderID:  order.ID,
		RefundID: refund.RefundID,
		Amount:   amount,
		Reason:   reason,
		ActorID:  actor.UserID,
	}); err != nil {
		s.logOrphanedRefund(ctx, order.ID, result.ID, amount, err)
		return nil, err
	}

	return refund, nil
}

// logOrphanedRefund flags a refund the gateway captured but the transaction
// could not record: the money has moved and the rollback cannot take it
// back, so support reconciles the gateway refund id against the ledger by
// hand.
func (s *reconciliationService) logOrphanedRefund(ctx context.Context, orderID int64, gatewayRefundID string, amount float64, err error) {
	mylogger.Error(ctx, s.logger, "Gateway refund captured but not recorded in ledger",
		zap.Int64("order_id", orderID),
		zap.String("refund_id", gatewayRefundID),
		zap.Float64("amount", amount),
		zap.Error(err),
	)
}

func (s *reconciliationService) GetOrder(ctx context.Context, orderID int64, actor Actor) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.GetOrder")
	defer span.End()

	if actor.IsStaff() {
		return s.orderRepo.GetByID(ctx, orderID)
	}

	return s.orderRepo.GetByIDForUser(ctx, orderID, actor.UserID)
}

func (s *reconciliationService) ListOrdersForUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.ListOrdersForUser")
	defer span.End()

	return s.orderRepo.ListByUser(ctx, userID)
}

func (s *reconciliationService) ListOrdersByGuestEmail(ctx context.Context, email string) ([]domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.ListOrdersByGuestEmail")
	defer span.End()

	return s.orderRepo.ListByGuestEmail(ctx, email)
}

func (s *reconciliationService) ListRefunds(ctx context.Context, orderID int64, actor Actor) ([]domain.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.ListRefunds")
	defer span.End()

	if _, err := s.GetOrder(ctx, orderID, actor); err != nil {
		return nil, err
	}

	return s.refundRepo.FindByOrderID(ctx, orderID)
}

// HandleRefundStatusUpdate applies a gateway webhook's view of a refund's
// final state to the ledger row. The order's total_refunded tracks the sum
// of non-failed ledger rows, so a refund flipping to failed gives its amount
// back to the refundable balance, and a flip out of failed takes it again.
func (s *reconciliationService) HandleRefundStatusUpdate(ctx context.Context, refundID, status string) error {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.HandleRefundStatusUpdate")
	defer span.End()

	span.SetAttributes(
		attribute.String("refund_id", refundID),
		attribute.String("status", status),
	)

	var mapped domain.RefundStatus
	switch status {
	case "succeeded":
		mapped = domain.RefundStatusSucceeded
	case "failed", "canceled":
		mapped = domain.RefundStatusFailed
	default:
		mapped = domain.RefundStatusPending
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	refund, err := s.refundRepo.GetByGatewayID(ctx, tx, refundID)
	if err != nil {
		if errors.Is(err, domain.ErrRefundNotFound) {
			mylogger.Warn(ctx, s.logger, "Refund webhook for unknown refund, ignoring",
				zap.String("refund_id", refundID),
			)

			return nil
		}

		return err
	}

	// Every writer that touches a refund row or total_refunded holds the
	// order row lock first, so take it and re-read the row it guards.
	if _, err := s.orderRepo.GetForUpdate(ctx, tx, refund.OrderID); err != nil {
		return err
	}

	refund, err = s.refundRepo.GetByGatewayID(ctx, tx, refundID)
	if err != nil {
		return err
	}
	if refund.Status == mapped {
		return nil
	}

	wasCounted := refund.Status != domain.RefundStatusFailed
	isCounted := mapped != domain.RefundStatusFailed
	if wasCounted != isCounted {
		delta := refund.Amount
		if !isCounted {
			delta = -delta
		}
		if err := s.orderRepo.AddRefundedAmount(ctx, tx, refund.OrderID, delta); err != nil {
			return err
		}
	}

	if err := s.refundRepo.UpdateStatus(ctx, tx, refund.ID, mapped); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *reconciliationService) invalidateOrderSlots(ctx context.Context, order *domain.Order) {
	for _, item := range order.Items {
		if item.IsReservation && item.ReservationDate != nil {
			s.slots.InvalidateSlots(ctx, item.ProductID, *item.ReservationDate)
		}
	}
}

func (s *reconciliationService) rollback(ctx context.Context, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)

	if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		mylogger.Warn(shutdownCtx, s.logger, "Error rolling back transaction", zap.Error(err))
	}
}

func (s *reconciliationService) emitEvent(ctx context.Context, tx pgx.Tx, topic, eventType, aggregateType string, aggregateID int64, payload any) error {
	wrapper := map[string]any{
		"event":   eventType,
		"payload": payload,
	}

	wrapperBytes, err := json.Marshal(wrapper)
	if err != nil {
		return fmt.Errorf("failed to marshal wrapper: %w", err)
	}

	outboxEvent := &outboxDomain.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   fmt.Sprintf("%d", aggregateID),
		EventType:     eventType,
		Topic:         topic,
		Payload:       wrapperBytes,
	}

	return s.outboxRepo.SaveOutboxEvent(ctx, tx, outboxEvent)
}
