// Package failover picks which provider answers a request. Providers keep
// their configured priority while their health score stays above the
// preference threshold; demoted providers are tried last, by score, and are
// probed in the background until they recover.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/health"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/provider"
)

var (
	// ErrAllProvidersFailed matches any ExhaustedError.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrUnavailable is returned when no provider, cached quote or permitted
	// estimate can answer.
	ErrUnavailable = errors.New("quote unavailable")
	// ErrNoProviders is returned when nothing is registered for a data type.
	ErrNoProviders = errors.New("no providers registered")
)

// Attempt records one provider's failure.
type Attempt struct {
	Provider string
	Err      error
}

// ExhaustedError lists every failed attempt of a request.
type ExhaustedError struct {
	Symbol   string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all providers failed for %s (%s)", e.Symbol, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Kind returns the shared kind of every attempt, or unavailable when they differ.
func (e *ExhaustedError) Kind() provider.Kind {
	if len(e.Attempts) == 0 {
		return provider.KindUnavailable
	}
	kind := provider.KindOf(e.Attempts[0].Err)
	for _, a := range e.Attempts[1:] {
		if provider.KindOf(a.Err) != kind {
			return provider.KindUnavailable
		}
	}
	return kind
}

// Config contains configuration for the orchestrator.
type Config struct {
	// ProbeInterval is how often demoted providers are pinged.
	ProbeInterval time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{ProbeInterval: 15 * time.Second}
}

// Resolution is the answer to a quote request.
type Resolution struct {
	Quote    models.Quote
	Degraded bool
	// FromCache is set when a stale cached quote was used as the fallback.
	FromCache bool
}

// Orchestrator routes quote requests across providers.
type Orchestrator struct {
	mu        sync.RWMutex
	providers map[models.DataType][]provider.QuoteProvider
	synthetic provider.SyntheticProvider

	health *health.Tracker
	config Config
	now    func() time.Time
	logger *golog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const orchestratorComponent = "failover_orchestrator"

// NewOrchestrator creates an orchestrator reading scores from tracker.
func NewOrchestrator(config Config, tracker *health.Tracker) *Orchestrator {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultConfig().ProbeInterval
	}
	return &Orchestrator{
		providers: make(map[models.DataType][]provider.QuoteProvider),
		health:    tracker,
		config:    config,
		now:       time.Now,
		logger:    logutil.Default(),
	}
}

// Register adds p for dataType after the providers already registered.
func (o *Orchestrator) Register(dataType models.DataType, p provider.QuoteProvider) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.providers[dataType] = append(o.providers[dataType], p)
	o.logger.Info(
		fmt.Sprintf("Registered %s provider %s for %s", p.Role(), p.Name(), dataType),
		golog.String("component", orchestratorComponent),
	)
}

// SetSynthetic installs the last-resort estimator.
func (o *Orchestrator) SetSynthetic(sp provider.SyntheticProvider) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.synthetic = sp
	o.logger.Info(
		fmt.Sprintf("Registered synthetic provider %s", sp.Name()),
		golog.String("component", orchestratorComponent),
	)
}

// Order returns the providers for dataType in the order they will be tried.
func (o *Orchestrator) Order(dataType models.DataType) []provider.QuoteProvider {
	o.mu.RLock()
	registered := o.providers[dataType]
	o.mu.RUnlock()

	preferred := make([]provider.QuoteProvider, 0, len(registered))
	var demoted []provider.QuoteProvider
	for _, p := range registered {
		if o.health.Preferred(p.Name()) {
			preferred = append(preferred, p)
		} else {
			demoted = append(demoted, p)
		}
	}
	sort.SliceStable(demoted, func(i, j int) bool {
		return o.health.Score(demoted[i].Name()) > o.health.Score(demoted[j].Name())
	})
	return append(preferred, demoted...)
}

// FetchQuote tries real providers in order. Rate-limited providers are
// skipped. An invalid symbol ends the request since no provider will know it.
func (o *Orchestrator) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	order := o.Order(models.DataTypeQuote)
	if len(order) == 0 {
		return models.Quote{}, ErrNoProviders
	}

	exhausted := &ExhaustedError{Symbol: symbol}
	for _, p := range order {
		q, err := p.FetchQuote(ctx, symbol)
		if err == nil {
			return q, nil
		}
		exhausted.Attempts = append(exhausted.Attempts, Attempt{Provider: p.Name(), Err: err})

		switch provider.KindOf(err) {
		case provider.KindInvalidSymbol, provider.KindCanceled:
			return models.Quote{}, exhausted
		case provider.KindRateLimited:
			o.logger.Debug(
				fmt.Sprintf("Provider %s rate limited for %s, failing over", p.Name(), symbol),
				golog.String("component", orchestratorComponent),
			)
		default:
			o.logger.Info(
				fmt.Sprintf("Provider %s failed for %s, failing over: %v", p.Name(), symbol, err),
				golog.String("component", orchestratorComponent),
			)
		}
		if ctx.Err() != nil {
			return models.Quote{}, exhausted
		}
	}
	return models.Quote{}, exhausted
}

// Resolve answers a quote request. When every real provider fails it falls
// back to lastKnown if it is within tol.MaxStaleness, then to a synthetic
// estimate if tol allows one. Fallback answers are always degraded.
func (o *Orchestrator) Resolve(ctx context.Context, symbol string, tol models.Tolerance, lastKnown *models.Quote) (Resolution, error) {
	q, err := o.FetchQuote(ctx, symbol)
	if err == nil {
		return Resolution{Quote: q}, nil
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		if k := exhausted.Kind(); k == provider.KindInvalidSymbol || k == provider.KindCanceled {
			return Resolution{}, err
		}
	}

	if lastKnown != nil && tol.MaxStaleness > 0 && !lastKnown.Synthetic() &&
		o.now().Before(lastKnown.StaleAfter.Add(tol.MaxStaleness)) {
		return Resolution{Quote: *lastKnown, Degraded: true, FromCache: true}, nil
	}

	if !tol.AllowSynthetic {
		return Resolution{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sq, serr := o.Synthesize(ctx, symbol, lastKnown)
	if serr != nil {
		return Resolution{}, fmt.Errorf("%w: %v; synthesis: %v", ErrUnavailable, err, serr)
	}
	o.logger.Warn(
		fmt.Sprintf("Serving synthetic quote for %s (confidence %.2f)", symbol, sq.Confidence),
		golog.String("component", orchestratorComponent),
	)
	return Resolution{Quote: sq, Degraded: true}, nil
}

// Synthesize asks the synthetic provider for an estimate.
func (o *Orchestrator) Synthesize(ctx context.Context, symbol string, reference *models.Quote) (models.Quote, error) {
	o.mu.RLock()
	sp := o.synthetic
	o.mu.RUnlock()
	if sp == nil {
		return models.Quote{}, fmt.Errorf("synthetic provider: %w", ErrNoProviders)
	}
	if reference != nil && reference.Synthetic() {
		reference = nil
	}

	q, err := sp.Estimate(ctx, symbol, reference)
	if err != nil {
		return models.Quote{}, err
	}
	// An estimate never claims full confidence.
	if q.Confidence >= 1 {
		q.Confidence = provider.MaxSyntheticConfidence
	}
	q.Source = models.SourceSynthetic
	return q, nil
}

// Statuses returns the health of every registered provider.
func (o *Orchestrator) Statuses() []health.Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	seen := map[string]bool{}
	var out []health.Snapshot
	for _, list := range o.providers {
		for _, p := range list {
			if !seen[p.Name()] {
				seen[p.Name()] = true
				out = append(out, o.health.Snapshot(p.Name()))
			}
		}
	}
	if o.synthetic != nil {
		out = append(out, o.health.Snapshot(o.synthetic.Name()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Start starts probing demoted providers.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.probeLoop(ctx)
	}()
}

// Stop stops the probe loop.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(o.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.ProbeDemoted(ctx)
		case <-ctx.Done():
			o.logger.Info(
				"Stopping provider probe loop",
				golog.String("component", orchestratorComponent),
			)
			return
		}
	}
}

// ProbeDemoted pings every provider below the preference threshold. The
// provider clients report the outcome to the health tracker.
func (o *Orchestrator) ProbeDemoted(ctx context.Context) {
	o.mu.RLock()
	var targets []provider.QuoteProvider
	seen := map[string]bool{}
	for _, list := range o.providers {
		for _, p := range list {
			if !seen[p.Name()] && !o.health.Preferred(p.Name()) {
				seen[p.Name()] = true
				targets = append(targets, p)
			}
		}
	}
	o.mu.RUnlock()

	for _, p := range targets {
		if err := p.Ping(ctx); err != nil {
			o.logger.Debug(
				fmt.Sprintf("Probe of %s failed: %v", p.Name(), err),
				golog.String("component", orchestratorComponent),
			)
		}
	}
}
