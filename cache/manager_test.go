package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/evdnx/marketgate/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quoteAt(symbol string, price float64, ts time.Time, ttl time.Duration) models.Quote {
	return models.Quote{
		Symbol:     symbol,
		Price:      price,
		Bid:        price - 0.01,
		Ask:        price + 0.01,
		Timestamp:  ts,
		Source:     "primary",
		StaleAfter: ts.Add(ttl),
		Confidence: 1,
	}
}

func newRedisManager(t *testing.T, mr *miniredis.Miniredis, clock *testClock) *Manager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.ProbeInterval = 50 * time.Millisecond
	m, err := NewManager(cfg, NewRedisStore(client, "", ""), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestHotSetServesFromLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newTestClock()
	m := newRedisManager(t, mr, clock)
	ctx := context.Background()

	_, err := m.Set(ctx, "AAPL", quoteAt("AAPL", 190, clock.Now(), 5*time.Second), TierHot)
	require.NoError(t, err)

	e, l := m.Get(ctx, "AAPL")
	require.True(t, l.Found)
	assert.True(t, l.Fresh)
	assert.True(t, l.Local)
	assert.False(t, l.Degraded)
	assert.Equal(t, 190.0, e.Value.Price)
	assert.True(t, mr.Exists(defaultKeyPrefix+"AAPL"))
}

func TestColdSetPopulatesLocalOnRead(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newTestClock()
	m := newRedisManager(t, mr, clock)
	ctx := context.Background()

	_, err := m.Set(ctx, "MSFT", quoteAt("MSFT", 410, clock.Now(), 5*time.Second), TierCold)
	require.NoError(t, err)
	assert.Equal(t, 0, m.local.Len())

	_, l := m.Get(ctx, "MSFT")
	require.True(t, l.Found)
	assert.False(t, l.Local)

	_, l = m.Get(ctx, "MSFT")
	assert.True(t, l.Local)
}

func TestStaleEntriesAreFlaggedPastGrace(t *testing.T) {
	clock := newTestClock()
	cfg := DefaultConfig()
	cfg.Grace = time.Second
	m, err := NewManager(cfg, nil, WithClock(clock.Now))
	require.NoError(t, err)
	defer m.Stop()
	ctx := context.Background()

	_, err = m.Set(ctx, "AAPL", quoteAt("AAPL", 190, clock.Now(), 2*time.Second), TierHot)
	require.NoError(t, err)

	clock.Advance(2500 * time.Millisecond)
	_, l := m.Get(ctx, "AAPL")
	require.True(t, l.Found)
	assert.False(t, l.Fresh)
	assert.False(t, l.Degraded)

	clock.Advance(time.Second)
	_, l = m.Get(ctx, "AAPL")
	require.True(t, l.Found)
	assert.False(t, l.Fresh)
	assert.True(t, l.Degraded)
}

func TestOlderQuoteDoesNotOverwriteNewer(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newTestClock()
	m := newRedisManager(t, mr, clock)
	ctx := context.Background()

	now := clock.Now()
	_, err := m.Set(ctx, "AAPL", quoteAt("AAPL", 191, now, 5*time.Second), TierHot)
	require.NoError(t, err)
	_, err = m.Set(ctx, "AAPL", quoteAt("AAPL", 180, now.Add(-time.Second), 5*time.Second), TierHot)
	require.NoError(t, err)

	e, _ := m.Get(ctx, "AAPL")
	assert.Equal(t, 191.0, e.Value.Price)

	m.local.Clear()
	e, l := m.Get(ctx, "AAPL")
	require.True(t, l.Found)
	assert.Equal(t, 191.0, e.Value.Price)
}

func TestStoreOutageServesLocalDegraded(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newTestClock()
	m := newRedisManager(t, mr, clock)
	ctx := context.Background()

	_, err := m.Set(ctx, "AAPL", quoteAt("AAPL", 190, clock.Now(), 10*time.Second), TierHot)
	require.NoError(t, err)

	mr.Close()
	require.Error(t, m.Probe(ctx))
	require.True(t, m.Degraded())

	e, l := m.Get(ctx, "AAPL")
	require.True(t, l.Found)
	assert.True(t, l.Degraded)
	assert.True(t, l.Fresh)
	assert.Equal(t, 190.0, e.Value.Price)

	// Effective TTL is halved while degraded.
	clock.Advance(6 * time.Second)
	_, l = m.Get(ctx, "AAPL")
	assert.False(t, l.Fresh)
	assert.True(t, l.Degraded)

	// Writes keep landing in the local tier.
	_, err = m.Set(ctx, "MSFT", quoteAt("MSFT", 410, clock.Now(), 10*time.Second), TierCold)
	require.NoError(t, err)
	_, l = m.Get(ctx, "MSFT")
	assert.True(t, l.Found)
	assert.True(t, l.Degraded)

	_, l = m.Get(ctx, "TSLA")
	assert.False(t, l.Found)
	assert.True(t, l.Degraded)

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool { return m.Probe(ctx) == nil }, 2*time.Second, 20*time.Millisecond)
	assert.False(t, m.Degraded())
}

func TestSilentStoreFlagsLocalHits(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newTestClock()
	m := newRedisManager(t, mr, clock)
	ctx := context.Background()

	_, err := m.Set(ctx, "AAPL", quoteAt("AAPL", 190, clock.Now(), 10*time.Second), TierHot)
	require.NoError(t, err)
	mr.Close()

	_, l := m.Get(ctx, "AAPL")
	require.True(t, l.Local)
	assert.False(t, l.Degraded, "store answered within the probe interval")

	// No probe has run, but the store has been silent past the interval.
	clock.Advance(60 * time.Millisecond)
	e, l := m.Get(ctx, "AAPL")
	require.True(t, l.Found)
	assert.True(t, l.Local)
	assert.True(t, l.Fresh)
	assert.True(t, l.Degraded)
	assert.Equal(t, 190.0, e.Value.Price)
	assert.False(t, m.Degraded())

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool { return m.Probe(ctx) == nil }, 2*time.Second, 20*time.Millisecond)
	_, l = m.Get(ctx, "AAPL")
	assert.False(t, l.Degraded)
}

func TestWriteErrorEntersDegradedMode(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newTestClock()
	m := newRedisManager(t, mr, clock)
	ctx := context.Background()

	mr.Close()
	_, err := m.Set(ctx, "AAPL", quoteAt("AAPL", 190, clock.Now(), 5*time.Second), TierCold)
	require.NoError(t, err)
	assert.True(t, m.Degraded())

	_, l := m.Get(ctx, "AAPL")
	assert.True(t, l.Found)
	assert.True(t, l.Degraded)
}

func TestRemoteWriteInvalidatesLocalEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newTestClock()
	writer := newRedisManager(t, mr, clock)
	reader := newRedisManager(t, mr, clock)
	ctx := context.Background()

	reader.Start(ctx)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(defaultChannel)[defaultChannel] >= 1
	}, 2*time.Second, 10*time.Millisecond)

	now := clock.Now()
	_, err := writer.Set(ctx, "AAPL", quoteAt("AAPL", 190, now, 5*time.Second), TierHot)
	require.NoError(t, err)

	e, _ := reader.Get(ctx, "AAPL")
	require.Equal(t, 190.0, e.Value.Price)

	clock.Advance(time.Millisecond)
	_, err = writer.Set(ctx, "AAPL", quoteAt("AAPL", 195, now.Add(time.Second), 5*time.Second), TierHot)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		e, _ := reader.Get(ctx, "AAPL")
		return e.Value.Price == 195.0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnUpdateHook(t *testing.T) {
	m, err := NewManager(DefaultConfig(), nil)
	require.NoError(t, err)
	defer m.Stop()

	var got []models.QuoteResult
	m.OnUpdate(func(r models.QuoteResult) { got = append(got, r) })

	q := quoteAt("TSLA", 250, time.Now(), time.Second)
	q.Source = models.SourceSynthetic
	_, err = m.Set(context.Background(), "TSLA", q, TierHot)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.True(t, got[0].Degraded)
	assert.Equal(t, "TSLA", got[0].Quote.Symbol)
}

func TestLocalTierIsBounded(t *testing.T) {
	l, err := NewLocal(2, time.Hour, nil)
	require.NoError(t, err)
	defer l.Stop()

	for _, k := range []string{"A", "B", "C"} {
		l.Set(Entry{Key: k, ExpiresAt: time.Now().Add(time.Hour)})
	}
	assert.Equal(t, 2, l.Len())
	_, ok := l.Get("A")
	assert.False(t, ok)
}

func TestLocalJanitorRemovesExpired(t *testing.T) {
	clock := newTestClock()
	l, err := NewLocal(10, time.Hour, clock.Now)
	require.NoError(t, err)
	defer l.Stop()

	l.Set(Entry{Key: "A", ExpiresAt: clock.Now().Add(time.Second)})
	l.Set(Entry{Key: "B", ExpiresAt: clock.Now().Add(time.Minute)})
	clock.Advance(2 * time.Second)
	l.deleteExpired()

	_, okA := l.Peek("A")
	_, okB := l.Peek("B")
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestParseInvalidation(t *testing.T) {
	inv, ok := parseInvalidation("BRK|B|42")
	require.True(t, ok)
	assert.Equal(t, "BRK|B", inv.Key)
	assert.Equal(t, int64(42), inv.Version)

	_, ok = parseInvalidation("garbage")
	assert.False(t, ok)
}
