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
)

// MarketDataClient is the primary quote source.
type MarketDataClient struct {
	*baseClient
}

type marketDataQuote struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// NewMarketDataClient creates a primary provider client.
func NewMarketDataClient(cfg Config, opts ...Option) *MarketDataClient {
	return &MarketDataClient{baseClient: newBaseClient(RolePrimary, cfg, opts)}
}

func (c *MarketDataClient) authHeaders() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// FetchQuote returns the latest quote for symbol.
func (c *MarketDataClient) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var quote models.Quote
	err := c.call(ctx, ratelimit.ClassQuote, c.retry, func(ctx context.Context) error {
		data, err := c.do(ctx, http.MethodGet, "/v1/quotes/"+url.PathEscape(symbol), nil, c.authHeaders(), false)
		if err != nil {
			return err
		}
		var raw marketDataQuote
		if err := c.decode(data, &raw); err != nil {
			return err
		}
		if raw.Last <= 0 {
			return NewValidationError(c.name, fmt.Sprintf("non-positive price for %s", symbol))
		}

		received := c.now()
		ts := received
		if raw.Timestamp > 0 {
			ts = time.UnixMilli(raw.Timestamp)
		}
		quote = models.Quote{
			Symbol:     symbol,
			Price:      raw.Last,
			Bid:        raw.Bid,
			Ask:        raw.Ask,
			Timestamp:  ts,
			Source:     c.name,
			StaleAfter: received.Add(c.quoteTTL),
			Confidence: 1.0,
		}
		return nil
	})
	return quote, err
}

// Ping checks provider reachability.
func (c *MarketDataClient) Ping(ctx context.Context) error {
	return c.call(ctx, ratelimit.ClassQuote, SingleAttemptPolicy(), func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, "/v1/status", nil, c.authHeaders(), false)
		return err
	})
}
