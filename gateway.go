// Package marketgate is the market-data and order gateway: a two-tier quote
// cache in front of failover-ordered providers, at-most-once order
// execution, and a streaming fan-out of quote updates.
package marketgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/cache"
	"github.com/evdnx/marketgate/execution"
	"github.com/evdnx/marketgate/failover"
	"github.com/evdnx/marketgate/health"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/ratelimit"
	"github.com/evdnx/marketgate/stream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const gatewayComponent = "gateway"

// MaxBatchSymbols bounds GetQuotes and Subscribe requests.
const MaxBatchSymbols = 100

// Options configures a Gateway.
type Options struct {
	// Tolerance applies to requests that do not choose their own.
	Tolerance models.Tolerance
	// MaxConcurrency bounds provider fetches of batch requests and refreshes.
	MaxConcurrency int
	// RefreshInterval is how often subscribed symbols are refreshed.
	RefreshInterval time.Duration
}

// DefaultOptions returns the default gateway options.
func DefaultOptions() Options {
	return Options{
		Tolerance:       models.Tolerance{AllowSynthetic: true, MaxStaleness: 30 * time.Second},
		MaxConcurrency:  8,
		RefreshInterval: time.Second,
	}
}

// Components are the collaborators a Gateway drives.
type Components struct {
	Cache       *cache.Manager
	Failover    *failover.Orchestrator
	Orders      *execution.Service
	Broadcaster *stream.Broadcaster
	Budgets     *ratelimit.Tracker
}

// ProviderStatus is the health and budget view of one provider.
type ProviderStatus struct {
	health.Snapshot
	Budgets []models.ProviderBudget `json:"budgets,omitempty"`
}

// Gateway is the entry point for quotes, orders and streams.
type Gateway struct {
	c       Components
	opts    Options
	flights singleflight.Group
	refresh *refresher
	logger  *golog.Logger

	closersMu sync.Mutex
	closers   []func()
}

// New wires components into a gateway. Cache updates are published to the
// broadcaster.
func New(opts Options, c Components) (*Gateway, error) {
	if c.Cache == nil || c.Failover == nil || c.Broadcaster == nil {
		return nil, errors.New("cache, failover and broadcaster are required")
	}
	def := DefaultOptions()
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = def.MaxConcurrency
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = def.RefreshInterval
	}

	g := &Gateway{c: c, opts: opts, logger: logutil.Default()}
	g.refresh = newRefresher(opts.RefreshInterval, opts.MaxConcurrency, func(ctx context.Context, symbol string) error {
		_, err := g.GetQuote(ctx, symbol, nil)
		return err
	})
	c.Cache.OnUpdate(func(r models.QuoteResult) {
		c.Broadcaster.Publish(r)
	})
	return g, nil
}

// addCloser registers fn to run on Stop after every component has stopped.
func (g *Gateway) addCloser(fn func()) {
	g.closersMu.Lock()
	defer g.closersMu.Unlock()
	g.closers = append(g.closers, fn)
}

// Start starts every background loop.
func (g *Gateway) Start(ctx context.Context) {
	g.c.Cache.Start(ctx)
	g.c.Failover.Start(ctx)
	if g.c.Orders != nil {
		g.c.Orders.Start(ctx)
	}
	g.refresh.start(ctx)
	g.logger.Info("Gateway started", golog.String("component", gatewayComponent))
}

// Stop stops background loops, waits for in-flight orders and closes
// every subscription.
func (g *Gateway) Stop() {
	g.refresh.stop()
	g.c.Failover.Stop()
	if g.c.Orders != nil {
		g.c.Orders.Stop()
	}
	g.c.Cache.Stop()
	g.c.Broadcaster.Close()

	g.closersMu.Lock()
	closers := g.closers
	g.closers = nil
	g.closersMu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	g.logger.Info("Gateway stopped", golog.String("component", gatewayComponent))
}

func (g *Gateway) tolerance(tol *models.Tolerance) models.Tolerance {
	if tol == nil {
		return g.opts.Tolerance
	}
	return *tol
}

// GetQuote answers from the cache when fresh, otherwise from the providers.
// Concurrent misses for the same symbol share one provider fetch. A nil
// tolerance uses the gateway default.
func (g *Gateway) GetQuote(ctx context.Context, symbol string, tol *models.Tolerance) (models.QuoteResult, error) {
	key := cache.Key(symbol)
	if key == "" {
		return models.QuoteResult{}, newError(KindInvalidRequest, "symbol is required", nil)
	}
	t := g.tolerance(tol)

	entry, lookup := g.c.Cache.Get(ctx, key)
	if lookup.Found && lookup.Fresh {
		return models.QuoteResult{
			Quote:    entry.Value,
			Degraded: lookup.Degraded,
			Fresh:    true,
			Cached:   true,
		}, nil
	}
	var lastKnown *models.Quote
	if lookup.Found {
		q := entry.Value
		lastKnown = &q
	}

	flight := fmt.Sprintf("%s|%t|%d", key, t.AllowSynthetic, t.MaxStaleness)
	ch := g.flights.DoChan(flight, func() (interface{}, error) {
		return g.resolve(context.WithoutCancel(ctx), key, t, lastKnown)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.QuoteResult{}, Sanitize(res.Err)
		}
		return res.Val.(models.QuoteResult), nil
	case <-ctx.Done():
		return models.QuoteResult{}, Sanitize(ctx.Err())
	}
}

// resolve fetches through the orchestrator and stores real quotes.
// Synthetic estimates are published but never cached.
func (g *Gateway) resolve(ctx context.Context, key string, tol models.Tolerance, lastKnown *models.Quote) (models.QuoteResult, error) {
	res, err := g.c.Failover.Resolve(ctx, key, tol, lastKnown)
	if err != nil {
		return models.QuoteResult{}, err
	}

	out := models.QuoteResult{
		Quote:    res.Quote,
		Degraded: res.Degraded || g.c.Cache.Degraded(),
		Fresh:    !res.FromCache && !res.Degraded,
		Cached:   res.FromCache,
	}
	switch {
	case res.FromCache:
	case res.Quote.Synthetic():
		g.c.Broadcaster.Publish(out)
	default:
		if _, err := g.c.Cache.Set(ctx, key, res.Quote, cache.TierHot); err != nil {
			g.logger.Warn(
				fmt.Sprintf("Failed to cache quote for %s: %v", key, err),
				golog.String("component", gatewayComponent),
				golog.String("symbol", key),
			)
		}
	}
	return out, nil
}

// GetQuotes fetches symbols through a bounded pool. Symbols that fail are
// reported in a *BatchError alongside the successful results.
func (g *Gateway) GetQuotes(ctx context.Context, symbols []string, tol *models.Tolerance) (map[string]models.QuoteResult, error) {
	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, newError(KindInvalidRequest, "at least one symbol is required", nil)
	}
	if len(symbols) > MaxBatchSymbols {
		return nil, newError(KindInvalidRequest, fmt.Sprintf("at most %d symbols per request", MaxBatchSymbols), nil)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]models.QuoteResult, len(symbols))
		failed  = make(map[string]*Error)
	)
	var eg errgroup.Group
	eg.SetLimit(g.opts.MaxConcurrency)
	for _, s := range symbols {
		symbol := s
		eg.Go(func() error {
			res, err := g.GetQuote(ctx, symbol, tol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[symbol] = Sanitize(err)
				return nil
			}
			results[symbol] = res
			return nil
		})
	}
	_ = eg.Wait()

	if len(failed) > 0 {
		return results, &BatchError{Errors: failed}
	}
	return results, nil
}

// SubmitOrder executes req at most once per client order id.
func (g *Gateway) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if g.c.Orders == nil {
		return models.OrderResult{}, newError(KindUnavailable, "order execution is not configured", nil)
	}
	res, err := g.c.Orders.Submit(ctx, req)
	if err != nil {
		return models.OrderResult{}, Sanitize(err)
	}
	return res, nil
}

// GetOrderStatus returns the current view of an order.
func (g *Gateway) GetOrderStatus(ctx context.Context, clientOrderID string) (models.Order, error) {
	if g.c.Orders == nil {
		return models.Order{}, newError(KindUnavailable, "order execution is not configured", nil)
	}
	o, err := g.c.Orders.Status(ctx, clientOrderID)
	if err != nil {
		return models.Order{}, Sanitize(err)
	}
	return o, nil
}

// UnresolvedOrders lists orders awaiting manual reconciliation.
func (g *Gateway) UnresolvedOrders() []models.Order {
	if g.c.Orders == nil {
		return nil
	}
	return g.c.Orders.Unresolved()
}

// Subscribe streams updates for symbols. The symbols are refreshed until the
// subscription is closed or ctx ends.
func (g *Gateway) Subscribe(ctx context.Context, symbols []string) (*stream.Subscription, error) {
	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, newError(KindInvalidRequest, "at least one symbol is required", nil)
	}
	if len(symbols) > MaxBatchSymbols {
		return nil, newError(KindInvalidRequest, fmt.Sprintf("at most %d symbols per subscription", MaxBatchSymbols), nil)
	}

	sub := g.c.Broadcaster.Subscribe(symbols)
	release := g.refresh.track(symbols)
	go func() {
		select {
		case <-sub.Done():
		case <-ctx.Done():
			sub.Close()
		}
		release()
	}()
	return sub, nil
}

// Providers returns the health and budgets of every provider.
func (g *Gateway) Providers() []ProviderStatus {
	snaps := g.c.Failover.Statuses()
	out := make([]ProviderStatus, 0, len(snaps))
	for _, s := range snaps {
		ps := ProviderStatus{Snapshot: s}
		if g.c.Budgets != nil {
			for _, class := range []ratelimit.Class{ratelimit.ClassQuote, ratelimit.ClassOrder, ratelimit.ClassSynthesis} {
				if b, ok := g.c.Budgets.Snapshot(s.Provider, class); ok {
					ps.Budgets = append(ps.Budgets, b)
				}
			}
		}
		out = append(out, ps)
	}
	return out
}

// Health reports whether the gateway can serve authoritative data.
func (g *Gateway) Health() map[string]interface{} {
	preferred := 0
	for _, s := range g.c.Failover.Statuses() {
		if s.Preferred {
			preferred++
		}
	}
	return map[string]interface{}{
		"cacheDegraded":      g.c.Cache.Degraded(),
		"preferredProviders": preferred,
		"subscribers":        g.c.Broadcaster.Subscribers(),
		"unresolvedOrders":   len(g.UnresolvedOrders()),
	}
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		for _, part := range strings.Split(s, ",") {
			key := cache.Key(part)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}
