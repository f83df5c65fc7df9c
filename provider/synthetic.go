package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/ratelimit"
)

const (
	// MaxSyntheticConfidence caps what an estimate may claim.
	MaxSyntheticConfidence     = 0.95
	defaultSyntheticConfidence = 0.5
)

// SyntheticClient asks an AI endpoint to estimate a quote. It is only used
// when every real provider has failed.
type SyntheticClient struct {
	*baseClient
}

type estimateReference struct {
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"timestamp"`
	Source    string  `json:"source"`
}

type estimateRequest struct {
	Symbol    string             `json:"symbol"`
	Reference *estimateReference `json:"reference,omitempty"`
}

type estimateResponse struct {
	Price      float64 `json:"price"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Confidence float64 `json:"confidence"`
}

// NewSyntheticClient creates the synthesis provider client.
func NewSyntheticClient(cfg Config, opts ...Option) *SyntheticClient {
	if cfg.Name == "" {
		cfg.Name = models.SourceSynthetic
	}
	return &SyntheticClient{baseClient: newBaseClient(RoleSynthetic, cfg, opts)}
}

// FetchQuote estimates a quote without a reference.
func (c *SyntheticClient) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	return c.Estimate(ctx, symbol, nil)
}

// Estimate returns a synthetic quote. The last known real quote, when
// available, is passed along as context for the estimate.
func (c *SyntheticClient) Estimate(ctx context.Context, symbol string, reference *models.Quote) (models.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	req := estimateRequest{Symbol: symbol}
	if reference != nil {
		req.Reference = &estimateReference{
			Price:     reference.Price,
			Bid:       reference.Bid,
			Ask:       reference.Ask,
			Timestamp: reference.Timestamp.UnixMilli(),
			Source:    reference.Source,
		}
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var quote models.Quote
	err := c.call(ctx, ratelimit.ClassSynthesis, c.retry, func(ctx context.Context) error {
		data, err := c.do(ctx, http.MethodPost, "/v1/estimate", req, headers, false)
		if err != nil {
			return err
		}
		var raw estimateResponse
		if err := c.decode(data, &raw); err != nil {
			return err
		}
		if raw.Price <= 0 {
			return NewValidationError(c.name, fmt.Sprintf("non-positive estimate for %s", symbol))
		}

		now := c.now()
		quote = models.Quote{
			Symbol:     symbol,
			Price:      raw.Price,
			Bid:        raw.Bid,
			Ask:        raw.Ask,
			Timestamp:  now,
			Source:     models.SourceSynthetic,
			StaleAfter: now.Add(c.quoteTTL),
			Confidence: clampConfidence(raw.Confidence),
		}
		return nil
	})
	return quote, err
}

func clampConfidence(v float64) float64 {
	switch {
	case v <= 0:
		return defaultSyntheticConfidence
	case v > MaxSyntheticConfidence:
		return MaxSyntheticConfidence
	default:
		return v
	}
}

// Ping checks provider reachability.
func (c *SyntheticClient) Ping(ctx context.Context) error {
	return c.call(ctx, ratelimit.ClassSynthesis, SingleAttemptPolicy(), func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil, false)
		return err
	})
}
