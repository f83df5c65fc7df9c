package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/ratelimit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedHealth struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
}

func newRecordedHealth() *recordedHealth {
	return &recordedHealth{successes: map[string]int{}, failures: map[string]int{}}
}

func (h *recordedHealth) RecordSuccess(provider string, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes[provider]++
}

func (h *recordedHealth) RecordFailure(provider string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[provider]++
}

func (h *recordedHealth) counts(provider string) (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successes[provider], h.failures[provider]
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		Retryable:      IsRetryable,
	}
}

func TestMarketDataFetchQuote(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/quotes/AAPL", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"symbol": "AAPL", "last": 190.5, "bid": 190.4, "ask": 190.6, "timestamp": 1_700_000_000_000,
		})
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_001, 0)
	h := newRecordedHealth()
	client := NewMarketDataClient(
		Config{Name: "primary", BaseURL: srv.URL, APIKey: "secret", QuoteTTL: 2 * time.Second},
		WithHealth(h), WithClock(func() time.Time { return now }),
	)

	q, err := client.FetchQuote(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 190.5, q.Price)
	assert.Equal(t, "primary", q.Source)
	assert.Equal(t, 1.0, q.Confidence)
	assert.Equal(t, now.Add(2*time.Second), q.StaleAfter)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000), q.Timestamp)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, RolePrimary, client.Role())

	ok, failed := h.counts("primary")
	assert.Equal(t, 1, ok)
	assert.Zero(t, failed)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"MSFT","last":410}`))
	}))
	defer srv.Close()

	h := newRecordedHealth()
	client := NewMarketDataClient(Config{Name: "primary", BaseURL: srv.URL, Retry: fastRetry()}, WithHealth(h))

	q, err := client.FetchQuote(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 410.0, q.Price)
	assert.Equal(t, int32(3), hits.Load())

	ok, failed := h.counts("primary")
	assert.Equal(t, 1, ok)
	assert.Zero(t, failed)
}

func TestAuthAndRateLimitAreNotRetried(t *testing.T) {
	for _, tc := range []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindAuthFailure},
		{http.StatusForbidden, KindAuthFailure},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusNotFound, KindInvalidSymbol},
	} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"message":"raw provider detail"}`))
		}))

		h := newRecordedHealth()
		client := NewMarketDataClient(Config{Name: "primary", BaseURL: srv.URL, Retry: fastRetry()}, WithHealth(h))
		_, err := client.FetchQuote(context.Background(), "AAPL")
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tc.kind, KindOf(err), "status %d", tc.status)
		assert.Equal(t, int32(1), hits.Load(), "status %d", tc.status)
		_, failed := h.counts("primary")
		assert.Equal(t, 1, failed)
	}
}

func TestTimeoutIsClassifiedAndAmbiguous(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewMarketDataClient(Config{
		Name:    "primary",
		BaseURL: srv.URL,
		Timeout: 30 * time.Millisecond,
		Retry:   SingleAttemptPolicy(),
	})

	_, err := client.FetchQuote(context.Background(), "MSFT")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, IsAmbiguous(err))
}

type denyBudget struct{}

func (denyBudget) TryAcquire(context.Context, string, ratelimit.Class) error {
	return ratelimit.ErrRateLimited
}

func TestBudgetDenialSkipsNetworkAndHealth(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	h := newRecordedHealth()
	client := NewBrokerageClient(Config{Name: "broker", BaseURL: srv.URL}, WithHealth(h), WithBudget(denyBudget{}))

	_, err := client.FetchQuote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.True(t, IsLocalBudget(err))
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimited))
	assert.Zero(t, hits.Load())

	ok, failed := h.counts("broker")
	assert.Zero(t, ok)
	assert.Zero(t, failed)
}

func TestBrokerageQuoteUsesMidpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/TSLA/quotes/latest", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{"quote":{"ap":101,"bp":99,"t":"2024-01-02T15:04:05Z"}}`))
	}))
	defer srv.Close()

	client := NewBrokerageClient(Config{Name: "broker", BaseURL: srv.URL, APIKey: "k"})
	q, err := client.FetchQuote(context.Background(), "TSLA")
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.Price)
	assert.Equal(t, "broker", q.Source)
	assert.Equal(t, RoleSecondary, client.Role())
}

func TestBrokerageSubmitOrder(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":"ord-1","client_order_id":"c-1","status":"filled","filled_avg_price":"189.25"}`))
	}))
	defer srv.Close()

	client := NewBrokerageClient(Config{Name: "broker", BaseURL: srv.URL})
	res, err := client.SubmitOrder(context.Background(), models.OrderRequest{
		ClientOrderID: "c-1",
		Symbol:        "aapl",
		Qty:           decimal.NewFromInt(10),
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.ProviderOrderID)
	assert.Equal(t, models.ProviderOrderFilled, res.Status)
	require.True(t, res.FilledPrice.Valid)
	assert.Equal(t, "189.25", res.FilledPrice.Decimal.String())

	assert.Equal(t, "c-1", body["client_order_id"])
	assert.Equal(t, "AAPL", body["symbol"])
	assert.Equal(t, "10", body["qty"])
	_, hasLimit := body["limit_price"]
	assert.False(t, hasLimit)
}

func TestBrokerageOrderErrorsAreNeverRetried(t *testing.T) {
	for _, tc := range []struct {
		status    int
		kind      Kind
		ambiguous bool
	}{
		{http.StatusInternalServerError, KindUnavailable, true},
		{http.StatusUnprocessableEntity, KindRejected, false},
	} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(tc.status)
		}))
		client := NewBrokerageClient(Config{Name: "broker", BaseURL: srv.URL, Retry: fastRetry()})
		_, err := client.SubmitOrder(context.Background(), models.OrderRequest{
			ClientOrderID: "c-2", Symbol: "AAPL", Qty: decimal.NewFromInt(1),
			Side: models.OrderSideSell, Type: models.OrderTypeMarket,
		})
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tc.kind, KindOf(err))
		assert.Equal(t, tc.ambiguous, IsAmbiguous(err))
		assert.Equal(t, int32(1), hits.Load())
	}
}

func TestBrokerageOrderStatusMapping(t *testing.T) {
	assert.Equal(t, models.ProviderOrderFilled, brokerageStatus("FILLED"))
	assert.Equal(t, models.ProviderOrderRejected, brokerageStatus("canceled"))
	assert.Equal(t, models.ProviderOrderAccepted, brokerageStatus("partially_filled"))
	assert.Equal(t, models.ProviderOrderAccepted, brokerageStatus("new"))
}

func TestSyntheticEstimate(t *testing.T) {
	var req estimateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, _ = w.Write([]byte(`{"price":250.1,"bid":250,"ask":250.2,"confidence":1.0}`))
	}))
	defer srv.Close()

	client := NewSyntheticClient(Config{BaseURL: srv.URL})
	ref := &models.Quote{Symbol: "TSLA", Price: 249, Source: "primary", Timestamp: time.Now()}
	q, err := client.Estimate(context.Background(), "tsla", ref)
	require.NoError(t, err)

	assert.Equal(t, models.SourceSynthetic, q.Source)
	assert.True(t, q.Synthetic())
	assert.Equal(t, MaxSyntheticConfidence, q.Confidence)
	assert.Less(t, q.Confidence, 1.0)
	assert.Equal(t, "TSLA", req.Symbol)
	require.NotNil(t, req.Reference)
	assert.Equal(t, 249.0, req.Reference.Price)
	assert.Equal(t, RoleSynthetic, client.Role())
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, defaultSyntheticConfidence, clampConfidence(0))
	assert.Equal(t, 0.3, clampConfidence(0.3))
	assert.Equal(t, MaxSyntheticConfidence, clampConfidence(7))
}

func TestRetryPolicyBackoffIsCapped(t *testing.T) {
	p := &RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, p.CalculateBackoff(1))
	assert.Equal(t, 200*time.Millisecond, p.CalculateBackoff(2))
	assert.Equal(t, 300*time.Millisecond, p.CalculateBackoff(5))
}

func TestRetryBudgetLimitsRetryRatio(t *testing.T) {
	rb := NewRetryBudget(0.1)
	rb.MinRequests = 10
	for i := 0; i < 10; i++ {
		rb.RecordRequest()
	}
	assert.True(t, rb.AllowRetry())
	rb.RecordRetry()
	assert.False(t, rb.AllowRetry())
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "GET /v1/quotes/:symbol", endpointLabel("get", "http://host/v1/quotes/AAPL"))
	assert.Equal(t, "GET /v2/orders:by_client_order_id", endpointLabel("GET", "http://host/v2/orders:by_client_order_id?client_order_id=x"))
	assert.Equal(t, "POST /v1/estimate", endpointLabel("POST", "/v1/estimate"))
}
