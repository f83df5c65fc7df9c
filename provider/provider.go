// Package provider wraps the external quote, brokerage and synthesis APIs.
// Every call carries a hard timeout, an explicit retry policy and a rate
// budget check, and reports its outcome to a health recorder.
package provider

import (
	"context"
	"time"

	metrics "github.com/evdnx/gotrademetrics"
	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/ratelimit"
)

// Role is the closed set of provider variants.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleSynthetic Role = "synthetic"
)

// QuoteProvider fetches real-time quotes.
type QuoteProvider interface {
	Name() string
	Role() Role
	FetchQuote(ctx context.Context, symbol string) (models.Quote, error)
	Ping(ctx context.Context) error
}

// OrderProvider submits and tracks orders.
type OrderProvider interface {
	Name() string
	SubmitOrder(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error)
	OrderStatus(ctx context.Context, clientOrderID string) (models.ProviderResult, error)
}

// SyntheticProvider estimates a quote when no real provider can serve one.
type SyntheticProvider interface {
	QuoteProvider
	Estimate(ctx context.Context, symbol string, reference *models.Quote) (models.Quote, error)
}

// HealthRecorder receives every call outcome.
type HealthRecorder interface {
	RecordSuccess(provider string, latency time.Duration)
	RecordFailure(provider string, err error)
}

// BudgetGate grants rate budget before a network call.
type BudgetGate interface {
	TryAcquire(ctx context.Context, provider string, class ratelimit.Class) error
}

// Config describes one provider endpoint.
type Config struct {
	Name      string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	QuoteTTL  time.Duration
	UserAgent string
	Retry     *RetryPolicy
}

const (
	defaultTimeout   = 5 * time.Second
	defaultQuoteTTL  = 5 * time.Second
	defaultUserAgent = "marketgate/1.0"
)

// Option configures a provider client.
type Option func(*baseClient)

// WithHealth attaches a health recorder.
func WithHealth(h HealthRecorder) Option {
	return func(c *baseClient) { c.health = h }
}

// WithBudget attaches a rate budget gate.
func WithBudget(b BudgetGate) Option {
	return func(c *baseClient) { c.budget = b }
}

// WithMetrics attaches a gotrademetrics collector to the HTTP client.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *baseClient) { c.metrics = m }
}

// WithClock overrides the time source used for quote timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *baseClient) { c.now = now }
}
