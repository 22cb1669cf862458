package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/domain"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/utils"
	"go.uber.org/zap"
)

// lineItemsMetaKey carries the serialized line items in session metadata so
// GetSessionStatus can return them without a second expand round trip.
const lineItemsMetaKey = "line_items"

type StripeConfig struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
	Currency  string
}

type StripeGateway struct {
	cfg    StripeConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func NewStripeGateway(cfg StripeConfig, logger *zap.Logger) *StripeGateway {
	settings := gobreaker.Settings{
		Name:        "StripeGateway",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(
				"Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &StripeGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: logger,
	}
}

type stripeSession struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	PaymentStatus   string            `json:"payment_status"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	PaymentIntent   string            `json:"payment_intent"`
	CustomerEmail   string            `json:"customer_email"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Phone   string `json:"phone"`
		Address *struct {
			Line1      string `json:"line1"`
			Line2      string `json:"line2"`
			City       string `json:"city"`
			State      string `json:"state"`
			PostalCode string `json:"postal_code"`
			Country    string `json:"country"`
		} `json:"address"`
	} `json:"customer_details"`
}

type stripeIntent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *StripeGateway) CreateSession(ctx context.Context, items []LineItem, successURL, cancelURL string, metadata map[string]string) (*Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)

	for i, it := range items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[quantity]", strconv.FormatInt(int64(it.Quantity), 10))
		form.Set(prefix+"[price_data][currency]", g.cfg.Currency)
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(it.UnitAmount, 10))
		form.Set(prefix+"[price_data][product_data][name]", it.Name)
	}

	packed, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal line items: %w", err)
	}
	form.Set("metadata["+lineItemsMetaKey+"]", string(packed))
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var sess stripeSession
	if err := g.do(ctx, http.MethodPost, "/checkout/sessions", form, &sess); err != nil {
		return nil, err
	}

	return &Session{ID: sess.ID, RedirectURL: sess.URL}, nil
}

func (g *StripeGateway) CreateIntent(ctx context.Context, items []LineItem, amountMinorUnits int64, currency string, metadata map[string]string) (*Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountMinorUnits, 10))
	form.Set("currency", currency)

	packed, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal line items: %w", err)
	}
	form.Set("metadata["+lineItemsMetaKey+"]", string(packed))
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var intent stripeIntent
	if err := g.do(ctx, http.MethodPost, "/payment_intents", form, &intent); err != nil {
		return nil, err
	}

	return &Intent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (g *StripeGateway) GetSessionStatus(ctx context.Context, id string) (*SessionStatus, error) {
	var sess stripeSession
	if err := g.do(ctx, http.MethodGet, "/checkout/sessions/"+url.PathEscape(id), nil, &sess); err != nil {
		return nil, err
	}

	status := &SessionStatus{
		PaymentStatus:   sess.PaymentStatus,
		AmountTotal:     sess.AmountTotal,
		Currency:        sess.Currency,
		PaymentIntentID: sess.PaymentIntent,
		CustomerEmail:   sess.CustomerEmail,
		Metadata:        sess.Metadata,
	}

	if packed, ok := sess.Metadata[lineItemsMetaKey]; ok {
		if err := json.Unmarshal([]byte(packed), &status.LineItems); err != nil {
			mylogger.Warn(ctx, g.logger, "failed to unpack session line items",
				zap.String("session_id", id), zap.Error(err))
		}
	}

	if d := sess.CustomerDetails; d != nil && d.Address != nil {
		status.ShippingAddress = &domain.ShippingAddress{
			FullName:   d.Name,
			Phone:      d.Phone,
			Line1:      d.Address.Line1,
			Line2:      d.Address.Line2,
			City:       d.Address.City,
			State:      d.Address.State,
			PostalCode: d.Address.PostalCode,
			Country:    d.Address.Country,
		}
		if status.CustomerEmail == "" {
			status.CustomerEmail = d.Email
		}
	}

	return status, nil
}

func (g *StripeGateway) GetIntentStatus(ctx context.Context, id string) (*IntentStatus, error) {
	var intent stripeIntent
	if err := g.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(id), nil, &intent); err != nil {
		return nil, err
	}

	status := &IntentStatus{
		Status:      intent.Status,
		AmountTotal: intent.Amount,
		Currency:    intent.Currency,
		Metadata:    intent.Metadata,
	}

	if packed, ok := intent.Metadata[lineItemsMetaKey]; ok {
		if err := json.Unmarshal([]byte(packed), &status.LineItems); err != nil {
			mylogger.Warn(ctx, g.logger, "failed to unpack intent line items",
				zap.String("intent_id", id), zap.Error(err))
		}
	}

	return status, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentIntentID string, amountMinorUnits int64, reason string, metadata map[string]string) (*RefundResult, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)
	form.Set("amount", strconv.FormatInt(amountMinorUnits, 10))
	if reason != "" {
		form.Set("metadata[reason]", reason)
	}
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var refund stripeRefund
	if err := g.do(ctx, http.MethodPost, "/refunds", form, &refund); err != nil {
		return nil, err
	}

	return &RefundResult{ID: refund.ID, Status: refund.Status}, nil
}

func (g *StripeGateway) VoidSession(ctx context.Context, id string) error {
	var sess stripeSession
	return g.do(ctx, http.MethodPost, "/checkout/sessions/"+url.PathEscape(id)+"/expire", url.Values{}, &sess)
}

func (g *StripeGateway) do(ctx context.Context, method, path string, form url.Values, out any) error {
	body, err := utils.ExecuteWithBreaker(g.cb, func() ([]byte, error) {
		var reader io.Reader
		if form != nil {
			reader = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if method == http.MethodPost {
			req.Header.Set("Idempotency-Key", uuid.NewString())
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("gateway responded %d: %s", resp.StatusCode, raw)
		}

		return raw, nil
	})
	if err != nil {
		mylogger.Warn(ctx, g.logger, "gateway call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)

		return fmt.Errorf("%w: %s %s: %v", domain.ErrGatewayUnavailable, method, path, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrGatewayUnavailable, path, err)
	}

	return nil
}
