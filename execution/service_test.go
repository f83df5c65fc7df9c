package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evdnx/marketgate/idempotency"
	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/provider"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	calls       atomic.Int32
	statusCalls atomic.Int32
	submit      func(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error)
	status      func(ctx context.Context, id string) (models.ProviderResult, error)
}

func (b *fakeBroker) Name() string { return "broker" }

func (b *fakeBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error) {
	b.calls.Add(1)
	return b.submit(ctx, req)
}

func (b *fakeBroker) OrderStatus(ctx context.Context, id string) (models.ProviderResult, error) {
	b.statusCalls.Add(1)
	if b.status == nil {
		return models.ProviderResult{}, errors.New("not supported")
	}
	return b.status(ctx, id)
}

type recordingSink struct {
	mu     sync.Mutex
	orders []models.Order
}

func (s *recordingSink) Record(ctx context.Context, o models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func filled(price string) func(context.Context, models.OrderRequest) (models.ProviderResult, error) {
	return func(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error) {
		return models.ProviderResult{
			ProviderOrderID: "b-" + req.ClientOrderID,
			Status:          models.ProviderOrderFilled,
			FilledPrice:     decimal.NewNullDecimal(decimal.RequireFromString(price)),
		}, nil
	}
}

func marketBuy(id string) models.OrderRequest {
	return models.OrderRequest{
		ClientOrderID: id,
		Symbol:        "aapl",
		Qty:           decimal.RequireFromString("10"),
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
	}
}

func newService(t *testing.T, broker *fakeBroker, cfg Config) (*Service, *recordingSink) {
	t.Helper()
	ledger := idempotency.NewMemoryLedger(0)
	t.Cleanup(ledger.Stop)
	sink := &recordingSink{}
	s := NewService(cfg, ledger, broker, sink)
	t.Cleanup(s.Stop)
	return s, sink
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	gate := make(chan struct{})
	broker := &fakeBroker{submit: func(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error) {
		<-gate
		return filled("187.25")(ctx, req)
	}}
	s, sink := newService(t, broker, DefaultConfig())

	const n = 25
	results := make([]models.OrderResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Submit(context.Background(), marketBuy("c-1"))
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), broker.calls.Load())
	originals := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, models.OrderStateFilled, results[i].State)
		assert.Equal(t, "b-c-1", results[i].ProviderOrderID)
		assert.True(t, results[i].FilledPrice.Decimal.Equal(decimal.RequireFromString("187.25")))
		if !results[i].Duplicate {
			originals++
		}
	}
	assert.Equal(t, 1, originals)
	assert.Equal(t, 1, sink.count())
}

func TestResubmitAfterFillReturnsOriginal(t *testing.T) {
	broker := &fakeBroker{submit: filled("100")}
	s, _ := newService(t, broker, DefaultConfig())

	first, err := s.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := s.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ProviderOrderID, second.ProviderOrderID)
	assert.Equal(t, int32(1), broker.calls.Load())
}

func TestTimeoutBecomesUnknownAndIsNotRetried(t *testing.T) {
	broker := &fakeBroker{submit: func(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error) {
		<-ctx.Done()
		return models.ProviderResult{}, provider.NewTransportError("broker", ctx.Err())
	}}
	cfg := DefaultConfig()
	cfg.SubmitTimeout = 20 * time.Millisecond
	s, sink := newService(t, broker, cfg)

	res, err := s.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateUnknown, res.State)

	again, err := s.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, models.OrderStateUnknown, again.State)
	assert.Equal(t, int32(1), broker.calls.Load())

	unresolved := s.Unresolved()
	require.Len(t, unresolved, 1)
	assert.Equal(t, "c-1", unresolved[0].ClientOrderID)
	assert.Equal(t, 1, sink.count())

	// Status never retries the submission.
	o, err := s.Status(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateUnknown, o.State)
	assert.Zero(t, broker.statusCalls.Load())
}

func TestOutcomeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.OrderState
	}{
		{"budget", provider.NewBudgetError("broker", nil), models.OrderStateFailed},
		{"auth", provider.NewHTTPError("broker", 401, nil, true), models.OrderStateFailed},
		{"throttled", provider.NewHTTPError("broker", 429, nil, true), models.OrderStateFailed},
		{"rejected", provider.NewHTTPError("broker", 422, []byte(`{"message":"insufficient"}`), true), models.OrderStateRejected},
		{"server error", provider.NewHTTPError("broker", 502, nil, true), models.OrderStateUnknown},
		{"timeout", provider.NewTransportError("broker", context.DeadlineExceeded), models.OrderStateUnknown},
		{"bad body", provider.NewParseError("broker", errors.New("eof"), nil), models.OrderStateUnknown},
		{"refused", provider.NewTransportError("broker", errors.New("dial tcp: connection refused")), models.OrderStateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, reason := outcome(models.ProviderResult{}, tc.err)
			assert.Equal(t, tc.want, state)
			assert.NotEmpty(t, reason)
		})
	}

	state, _ := outcome(models.ProviderResult{Status: models.ProviderOrderAccepted}, nil)
	assert.Equal(t, models.OrderStateSubmitted, state)
}

func TestRejectedOrder(t *testing.T) {
	broker := &fakeBroker{submit: func(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error) {
		return models.ProviderResult{}, provider.NewHTTPError("broker", 403, nil, true)
	}}
	s, sink := newService(t, broker, DefaultConfig())

	res, err := s.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateFailed, res.State)
	assert.Empty(t, s.Unresolved())
	assert.Equal(t, 1, sink.count())
}

func TestAcceptedOrderResolvesThroughStatus(t *testing.T) {
	var fill atomic.Bool
	broker := &fakeBroker{
		submit: func(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error) {
			return models.ProviderResult{ProviderOrderID: "b-1", Status: models.ProviderOrderAccepted}, nil
		},
		status: func(ctx context.Context, id string) (models.ProviderResult, error) {
			if !fill.Load() {
				return models.ProviderResult{ProviderOrderID: "b-1", Status: models.ProviderOrderAccepted}, nil
			}
			return models.ProviderResult{
				ProviderOrderID: "b-1",
				Status:          models.ProviderOrderFilled,
				FilledPrice:     decimal.NewNullDecimal(decimal.RequireFromString("50")),
			}, nil
		},
	}
	s, sink := newService(t, broker, DefaultConfig())
	ctx := context.Background()

	res, err := s.Submit(ctx, marketBuy("c-1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateSubmitted, res.State)
	assert.Zero(t, sink.count())

	o, err := s.Status(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateSubmitted, o.State)

	fill.Store(true)
	o, err = s.Status(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateFilled, o.State)
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, 1, sink.count())

	dup, err := s.Submit(ctx, marketBuy("c-1"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, models.OrderStateFilled, dup.State)

	// Terminal orders are not refreshed again.
	_, err = s.Status(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), broker.statusCalls.Load())
	assert.Equal(t, 1, sink.count())
}

func TestSubmissionSurvivesCallerCancellation(t *testing.T) {
	gate := make(chan struct{})
	broker := &fakeBroker{submit: func(ctx context.Context, req models.OrderRequest) (models.ProviderResult, error) {
		<-gate
		if ctx.Err() != nil {
			return models.ProviderResult{}, ctx.Err()
		}
		return filled("10")(ctx, req)
	}}
	s, _ := newService(t, broker, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, marketBuy("c-1"))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(gate)
	assert.Eventually(t, func() bool {
		o, err := s.Status(context.Background(), "c-1")
		return err == nil && o.State == models.OrderStateFilled
	}, time.Second, 5*time.Millisecond)
}

func TestValidation(t *testing.T) {
	broker := &fakeBroker{submit: filled("1")}
	s, _ := newService(t, broker, DefaultConfig())

	bad := []func(*models.OrderRequest){
		func(r *models.OrderRequest) { r.ClientOrderID = "" },
		func(r *models.OrderRequest) { r.Qty = decimal.Zero },
		func(r *models.OrderRequest) { r.Side = "hold" },
		func(r *models.OrderRequest) { r.Type = models.OrderTypeLimit },
		func(r *models.OrderRequest) { r.Symbol = "" },
	}
	for _, mutate := range bad {
		req := marketBuy("c-1")
		mutate(&req)
		_, err := s.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Zero(t, broker.calls.Load())
}

func TestReusedIDWithDifferentParamsConflicts(t *testing.T) {
	broker := &fakeBroker{submit: filled("1")}
	s, _ := newService(t, broker, DefaultConfig())

	_, err := s.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)

	other := marketBuy("c-1")
	other.Qty = decimal.RequireFromString("20")
	_, err = s.Submit(context.Background(), other)
	assert.ErrorIs(t, err, idempotency.ErrConflict)
	assert.Equal(t, int32(1), broker.calls.Load())
}

func TestSharedLedgerAcrossInstances(t *testing.T) {
	ledger := idempotency.NewMemoryLedger(0)
	defer ledger.Stop()
	broker := &fakeBroker{submit: filled("42")}
	a := NewService(DefaultConfig(), ledger, broker, nil)
	b := NewService(DefaultConfig(), ledger, broker, nil)
	defer a.Stop()
	defer b.Stop()

	_, err := a.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)
	res, err := b.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int32(1), broker.calls.Load())

	o, err := b.Status(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateFilled, o.State)
}

func TestStatusNotFound(t *testing.T) {
	s, _ := newService(t, &fakeBroker{submit: filled("1")}, DefaultConfig())
	_, err := s.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateMachine(t *testing.T) {
	assert.NoError(t, canTransition(models.OrderStatePending, models.OrderStateSubmitted))
	assert.NoError(t, canTransition(models.OrderStateSubmitted, models.OrderStateFilled))
	assert.ErrorIs(t, canTransition(models.OrderStateSubmitted, models.OrderStatePending), ErrInvalidTransition)
	assert.ErrorIs(t, canTransition(models.OrderStateSubmitted, models.OrderStateUnknown), ErrInvalidTransition)
	for _, s := range []models.OrderState{models.OrderStateFilled, models.OrderStateRejected, models.OrderStateFailed, models.OrderStateUnknown} {
		assert.ErrorIs(t, canTransition(s, models.OrderStateFilled), ErrInvalidTransition)
	}
}

func TestPruneDropsOldTerminalOrders(t *testing.T) {
	s, _ := newService(t, &fakeBroker{submit: filled("1")}, DefaultConfig())
	_, err := s.Submit(context.Background(), marketBuy("c-1"))
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	s.prune()
	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Empty(t, s.orders)
}
