package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/evdnx/marketgate/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderRequest(id string) models.OrderRequest {
	return models.OrderRequest{
		ClientOrderID: id,
		Symbol:        "AAPL",
		Qty:           decimal.RequireFromString("10"),
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
	}
}

type ledgerFactory func(t *testing.T) Ledger

func backends() map[string]ledgerFactory {
	return map[string]ledgerFactory{
		"memory": func(t *testing.T) Ledger {
			l := NewMemoryLedger(0)
			t.Cleanup(l.Stop)
			return l
		},
		"redis": func(t *testing.T) Ledger {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisLedger(client, "", 5*time.Millisecond)
		},
	}
}

func TestFingerprintNormalizesParameters(t *testing.T) {
	a := orderRequest("c-1")
	b := orderRequest("c-1")
	b.Symbol = " aapl "
	b.Qty = decimal.RequireFromString("10.000")
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := orderRequest("c-2")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.Equal(t, RequestHash(a), RequestHash(c))

	d := orderRequest("c-1")
	d.Qty = decimal.RequireFromString("11")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(d))

	// Limit price only matters for limit orders.
	e := orderRequest("c-1")
	e.LimitPrice = decimal.RequireFromString("5")
	assert.Equal(t, Fingerprint(a), Fingerprint(e))
}

func TestLedgerBackends(t *testing.T) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("CreateOnce", func(t *testing.T) {
				l := factory(t)
				ctx := context.Background()
				rec := NewRecord(orderRequest("c-1"), time.Now(), time.Hour)

				created, got, err := l.CheckOrCreate(ctx, rec)
				require.NoError(t, err)
				assert.True(t, created)
				assert.Equal(t, StatusPending, got.Status)

				created, got, err = l.CheckOrCreate(ctx, rec)
				require.NoError(t, err)
				assert.False(t, created)
				assert.Equal(t, rec.Key, got.Key)
			})

			t.Run("ConcurrentCheckOrCreate", func(t *testing.T) {
				l := factory(t)
				rec := NewRecord(orderRequest("c-race"), time.Now(), time.Hour)

				var createdCount atomic.Int32
				var wg sync.WaitGroup
				for i := 0; i < 32; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						created, _, err := l.CheckOrCreate(context.Background(), rec)
						assert.NoError(t, err)
						if created {
							createdCount.Add(1)
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, int32(1), createdCount.Load())
			})

			t.Run("ConflictOnReusedID", func(t *testing.T) {
				l := factory(t)
				ctx := context.Background()
				_, _, err := l.CheckOrCreate(ctx, NewRecord(orderRequest("c-1"), time.Now(), time.Hour))
				require.NoError(t, err)

				other := orderRequest("c-1")
				other.Side = models.OrderSideSell
				_, _, err = l.CheckOrCreate(ctx, NewRecord(other, time.Now(), time.Hour))
				assert.ErrorIs(t, err, ErrConflict)
			})

			t.Run("MonotonicAdvance", func(t *testing.T) {
				l := factory(t)
				ctx := context.Background()
				rec := NewRecord(orderRequest("c-1"), time.Now(), time.Hour)
				_, _, err := l.CheckOrCreate(ctx, rec)
				require.NoError(t, err)

				got, err := l.Advance(ctx, rec.Key, StatusSubmitted, &models.OrderResult{ClientOrderID: "c-1", State: models.OrderStateSubmitted})
				require.NoError(t, err)
				assert.Equal(t, StatusSubmitted, got.Status)

				_, err = l.Advance(ctx, rec.Key, StatusPending, nil)
				assert.ErrorIs(t, err, ErrInvalidTransition)

				filled := &models.OrderResult{ClientOrderID: "c-1", State: models.OrderStateFilled, ProviderOrderID: "b-1"}
				_, err = l.Advance(ctx, rec.Key, StatusTerminal, filled)
				require.NoError(t, err)

				_, err = l.Advance(ctx, rec.Key, StatusTerminal, &models.OrderResult{State: models.OrderStateRejected})
				assert.ErrorIs(t, err, ErrTerminal)

				final, err := l.Get(ctx, rec.Key)
				require.NoError(t, err)
				require.NotNil(t, final.Result)
				assert.Equal(t, models.OrderStateFilled, final.Result.State)
				assert.Equal(t, "b-1", final.Result.ProviderOrderID)

				byID, err := l.GetByClientOrderID(ctx, "c-1")
				require.NoError(t, err)
				assert.Equal(t, rec.Key, byID.Key)
			})

			t.Run("WaitReturnsResolvedRecord", func(t *testing.T) {
				l := factory(t)
				ctx := context.Background()
				rec := NewRecord(orderRequest("c-wait"), time.Now(), time.Hour)
				_, _, err := l.CheckOrCreate(ctx, rec)
				require.NoError(t, err)

				done := make(chan Record, 1)
				go func() {
					r, err := l.Wait(ctx, rec.Key)
					assert.NoError(t, err)
					done <- r
				}()

				time.Sleep(20 * time.Millisecond)
				_, err = l.Advance(ctx, rec.Key, StatusTerminal, &models.OrderResult{ClientOrderID: "c-wait", State: models.OrderStateFilled})
				require.NoError(t, err)

				select {
				case r := <-done:
					assert.Equal(t, StatusTerminal, r.Status)
				case <-time.After(2 * time.Second):
					t.Fatal("Wait did not return")
				}
			})

			t.Run("WaitHonorsContext", func(t *testing.T) {
				l := factory(t)
				rec := NewRecord(orderRequest("c-ctx"), time.Now(), time.Hour)
				_, _, err := l.CheckOrCreate(context.Background(), rec)
				require.NoError(t, err)

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
				defer cancel()
				_, err = l.Wait(ctx, rec.Key)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			})

			t.Run("MissingKey", func(t *testing.T) {
				l := factory(t)
				_, err := l.Get(context.Background(), "nope")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = l.GetByClientOrderID(context.Background(), "nope")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = l.Advance(context.Background(), "nope", StatusTerminal, nil)
				assert.ErrorIs(t, err, ErrNotFound)
			})
		})
	}
}

func TestMemoryLedgerExpiry(t *testing.T) {
	l := NewMemoryLedger(0)
	defer l.Stop()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	rec := NewRecord(orderRequest("c-1"), now, time.Minute)
	created, _, err := l.CheckOrCreate(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)

	now = now.Add(2 * time.Minute)
	_, err = l.Get(ctx, rec.Key)
	assert.ErrorIs(t, err, ErrNotFound)

	// Past retention the same id may be reused, even with new parameters.
	other := orderRequest("c-1")
	other.Qty = decimal.RequireFromString("3")
	created, _, err = l.CheckOrCreate(ctx, NewRecord(other, now, time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMemoryLedgerJanitor(t *testing.T) {
	l := NewMemoryLedger(10 * time.Millisecond)
	defer l.Stop()
	_, _, err := l.CheckOrCreate(context.Background(), NewRecord(orderRequest("c-1"), time.Now(), 20*time.Millisecond))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisLedgerUsesKeyTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedisLedger(client, "test:", 0)

	rec := NewRecord(orderRequest("c-1"), time.Now(), time.Minute)
	_, _, err := l.CheckOrCreate(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:rec:"+rec.Key))
	assert.True(t, mr.Exists("test:client:c-1"))

	mr.FastForward(2 * time.Minute)
	_, err = l.Get(context.Background(), rec.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}
