package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/ratelimit"
	"github.com/shopspring/decimal"
)

// BrokerageClient is the secondary quote source and the order venue.
type BrokerageClient struct {
	*baseClient
	orderRetry *RetryPolicy
}

type brokerageQuote struct {
	Quote struct {
		AskPrice  float64   `json:"ap"`
		BidPrice  float64   `json:"bp"`
		Timestamp time.Time `json:"t"`
	} `json:"quote"`
}

type brokerageOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

type brokerageOrder struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Status         string  `json:"status"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	RejectReason   string  `json:"reject_reason"`
}

// NewBrokerageClient creates a secondary provider client. Orders always use
// a single-attempt policy.
func NewBrokerageClient(cfg Config, opts ...Option) *BrokerageClient {
	return &BrokerageClient{
		baseClient: newBaseClient(RoleSecondary, cfg, opts),
		orderRetry: SingleAttemptPolicy(),
	}
}

func (c *BrokerageClient) authHeaders() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"X-API-Key": c.apiKey}
}

// FetchQuote returns the latest quote for symbol. Price is the bid/ask midpoint.
func (c *BrokerageClient) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var quote models.Quote
	err := c.call(ctx, ratelimit.ClassQuote, c.retry, func(ctx context.Context) error {
		path := fmt.Sprintf("/v2/stocks/%s/quotes/latest", url.PathEscape(symbol))
		data, err := c.do(ctx, http.MethodGet, path, nil, c.authHeaders(), false)
		if err != nil {
			return err
		}
		var raw brokerageQuote
		if err := c.decode(data, &raw); err != nil {
			return err
		}
		bid, ask := raw.Quote.BidPrice, raw.Quote.AskPrice
		if bid <= 0 || ask <= 0 {
			return NewValidationError(c.name, fmt.Sprintf("empty book for %s", symbol))
		}

		received := c.now()
		ts := raw.Quote.Timestamp
		if ts.IsZero() {
			ts = received
		}
		quote = models.Quote{
			Symbol:     symbol,
			Price:      (bid + ask) / 2,
			Bid:        bid,
			Ask:        ask,
			Timestamp:  ts,
			Source:     c.name,
			StaleAfter: received.Add(c.quoteTTL),
			Confidence: 1.0,
		}
		return nil
	})
	return quote, err
}

// SubmitOrder sends an order. It is never retried here.
func (c *BrokerageClient) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error) {
	body := brokerageOrderRequest{
		ClientOrderID: req.ClientOrderID,
		Symbol:        strings.ToUpper(req.Symbol),
		Qty:           req.Qty.String(),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   "day",
	}
	if req.Type == models.OrderTypeLimit {
		body.LimitPrice = req.LimitPrice.String()
	}

	var result models.ProviderResult
	err := c.call(ctx, ratelimit.ClassOrder, c.orderRetry, func(ctx context.Context) error {
		data, err := c.do(ctx, http.MethodPost, "/v2/orders", body, c.authHeaders(), true)
		if err != nil {
			return err
		}
		result, err = c.parseOrder(data)
		return err
	})
	return result, err
}

// OrderStatus looks an order up by its client order id.
func (c *BrokerageClient) OrderStatus(ctx context.Context, clientOrderID string) (models.ProviderResult, error) {
	var result models.ProviderResult
	err := c.call(ctx, ratelimit.ClassOrder, c.retry, func(ctx context.Context) error {
		path := "/v2/orders:by_client_order_id?client_order_id=" + url.QueryEscape(clientOrderID)
		data, err := c.do(ctx, http.MethodGet, path, nil, c.authHeaders(), false)
		if err != nil {
			return err
		}
		result, err = c.parseOrder(data)
		return err
	})
	return result, err
}

func (c *BrokerageClient) parseOrder(data []byte) (models.ProviderResult, error) {
	var raw brokerageOrder
	if err := c.decode(data, &raw); err != nil {
		return models.ProviderResult{}, err
	}
	if raw.ID == "" {
		return models.ProviderResult{}, NewParseError(c.name, fmt.Errorf("missing order id"), data)
	}

	result := models.ProviderResult{
		ProviderOrderID: raw.ID,
		Status:          brokerageStatus(raw.Status),
		Reason:          raw.RejectReason,
	}
	if raw.FilledAvgPrice != nil && *raw.FilledAvgPrice != "" {
		price, err := decimal.NewFromString(*raw.FilledAvgPrice)
		if err != nil {
			return models.ProviderResult{}, NewParseError(c.name, err, data)
		}
		result.FilledPrice = decimal.NewNullDecimal(price)
	}
	return result, nil
}

func brokerageStatus(s string) models.ProviderOrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return models.ProviderOrderFilled
	case "rejected", "canceled", "expired":
		return models.ProviderOrderRejected
	default:
		return models.ProviderOrderAccepted
	}
}

// Ping checks provider reachability.
func (c *BrokerageClient) Ping(ctx context.Context) error {
	return c.call(ctx, ratelimit.ClassQuote, SingleAttemptPolicy(), func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, "/v2/clock", nil, c.authHeaders(), false)
		return err
	})
}
