package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/evdnx/gohttpcl"
	"github.com/evdnx/golog"
	metrics "github.com/evdnx/gotrademetrics"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/ratelimit"
)

const clientComponent = "provider_client"

// baseClient holds what every provider shares: transport, policy, budget and health.
type baseClient struct {
	name      string
	role      Role
	baseURL   string
	apiKey    string
	userAgent string
	timeout   time.Duration
	quoteTTL  time.Duration
	retry     *RetryPolicy

	http    *gohttpcl.Client
	health  HealthRecorder
	budget  BudgetGate
	metrics *metrics.Metrics
	logger  *golog.Logger
	now     func() time.Time
}

func newBaseClient(role Role, cfg Config, opts []Option) *baseClient {
	c := &baseClient{
		name:      cfg.Name,
		role:      role,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		quoteTTL:  cfg.QuoteTTL,
		retry:     cfg.Retry,
		logger:    logutil.Default(),
		now:       time.Now,
	}
	if c.name == "" {
		c.name = string(role)
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.quoteTTL <= 0 {
		c.quoteTTL = defaultQuoteTTL
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.retry == nil {
		c.retry = DefaultRetryPolicy()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = newHTTPClient(c.timeout, c.metrics, c.name)
	return c
}

// newHTTPClient disables gohttpcl's own retries; RetryPolicy decides instead.
func newHTTPClient(timeout time.Duration, m *metrics.Metrics, service string) *gohttpcl.Client {
	opts := []gohttpcl.Option{
		gohttpcl.WithTimeout(timeout),
		gohttpcl.WithMaxRetries(0),
	}
	if collector := newHTTPMetricsCollector(m, service); collector != nil {
		opts = append(opts, gohttpcl.WithMetrics(collector))
	}
	return gohttpcl.New(opts...)
}

// Name returns the provider name.
func (c *baseClient) Name() string { return c.name }

// Role returns the provider variant.
func (c *baseClient) Role() Role { return c.role }

// call runs fn under the retry policy. Each attempt takes rate budget and
// gets its own timeout. The final outcome is reported to the health recorder.
func (c *baseClient) call(ctx context.Context, class ratelimit.Class, policy *RetryPolicy, fn func(context.Context) error) error {
	start := time.Now()
	err := policy.Do(ctx, func(ctx context.Context) error {
		if c.budget != nil {
			if err := c.budget.TryAcquire(ctx, c.name, class); err != nil {
				return NewBudgetError(c.name, err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(callCtx)
	})
	c.report(err, time.Since(start))
	return err
}

func (c *baseClient) report(err error, latency time.Duration) {
	if c.health == nil {
		return
	}
	switch {
	case err == nil:
		c.health.RecordSuccess(c.name, latency)
	case IsLocalBudget(err), KindOf(err) == KindCanceled:
		// Not an outcome of the provider itself.
	default:
		c.health.RecordFailure(c.name, err)
		c.logger.Warn(
			fmt.Sprintf("Provider %s call failed: %v", c.name, err),
			golog.String("component", clientComponent),
			golog.String("provider", c.name),
		)
	}
}

func headerOptions(headers map[string]string) []gohttpcl.ReqOption {
	if len(headers) == 0 {
		return nil
	}
	options := make([]gohttpcl.ReqOption, 0, len(headers))
	for k, v := range headers {
		options = append(options, gohttpcl.WithHeader(k, v))
	}
	return options
}

// do performs one HTTP exchange and returns the body of a 2xx response.
func (c *baseClient) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, orderPath bool) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	all := map[string]string{
		"Accept":     "application/json",
		"User-Agent": c.userAgent,
	}
	if body != nil {
		all["Content-Type"] = "application/json"
	}
	for k, v := range headers {
		all[k] = v
	}
	opts := headerOptions(all)

	fullURL := c.baseURL + path
	var resp *http.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = c.http.Get(ctx, fullURL, c.timeout, nil, opts...)
	case http.MethodPost:
		resp, err = c.http.Post(ctx, fullURL, bytes.NewReader(bodyBytes), c.timeout, nil, opts...)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, NewTransportError(c.name, err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, NewTransportError(c.name, readErr)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, NewHTTPError(c.name, resp.StatusCode, data, orderPath)
	}
	return data, nil
}

func (c *baseClient) decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return NewParseError(c.name, err, data)
	}
	return nil
}
