package marketgate

import (
	"context"
	"fmt"

	"github.com/evdnx/golog"
	metrics "github.com/evdnx/gotrademetrics"
	"github.com/evdnx/marketgate/audit"
	"github.com/evdnx/marketgate/cache"
	"github.com/evdnx/marketgate/config"
	"github.com/evdnx/marketgate/execution"
	"github.com/evdnx/marketgate/failover"
	"github.com/evdnx/marketgate/health"
	"github.com/evdnx/marketgate/idempotency"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/provider"
	"github.com/evdnx/marketgate/ratelimit"
	"github.com/evdnx/marketgate/security"
	"github.com/evdnx/marketgate/stream"
	"github.com/redis/go-redis/v9"
)

// Deps are externally owned resources. Nil fields are created from config
// where possible.
type Deps struct {
	Redis   redis.UniversalClient
	Metrics *metrics.Metrics
	Keys    *security.KeyManager
	Secrets security.SecretSource
	Audit   audit.Sink
}

// NewFromConfig builds a gateway from cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config, deps Deps) (*Gateway, error) {
	logger := logutil.Default()

	if deps.Keys == nil && cfg.KeyStore.Path != "" {
		keys, err := security.OpenKeyManager(cfg.KeyStore.Path, cfg.KeyStore.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("open key store: %w", err)
		}
		deps.Keys = keys
	}

	tracker := health.NewTracker(health.Config{
		Decay:           cfg.Failover.Decay,
		Recovery:        cfg.Failover.Recovery,
		PreferThreshold: cfg.Failover.PreferThreshold,
	})
	budgets := ratelimit.NewTracker()
	if err := ApplyBudgets(budgets, cfg.Providers); err != nil {
		return nil, err
	}

	var closers []func()
	ownRedis := false
	if deps.Redis == nil && cfg.Redis.Enabled {
		deps.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ownRedis = true
	}
	if ownRedis {
		client := deps.Redis
		closers = append(closers, func() { _ = client.Close() })
	}

	if deps.Secrets == nil && cfg.Secrets.Enabled {
		secrets, err := security.NewGCPSecrets(ctx, cfg.Secrets.ProjectID)
		if err != nil {
			runClosers(closers)
			return nil, err
		}
		closers = append(closers, func() { _ = secrets.Close() })
		deps.Secrets = secrets
	}

	var store cache.Store
	if deps.Redis != nil {
		prefix := cfg.Redis.KeyPrefix
		store = cache.NewRedisStore(deps.Redis, prefix+"quote:", prefix+"quote:invalidate")
	}
	cacheManager, err := cache.NewManager(cache.Config{
		LocalMaxEntries:   cfg.Cache.LocalMaxEntries,
		Grace:             cfg.Cache.Grace,
		Retention:         cfg.Cache.Retention,
		DegradedTTLFactor: cfg.Cache.DegradedTTLFactor,
		ProbeInterval:     cfg.Cache.ProbeInterval,
		CleanupInterval:   cfg.Cache.CleanupInterval,
	}, store)
	if err != nil {
		runClosers(closers)
		return nil, fmt.Errorf("create cache: %w", err)
	}

	orchestrator := failover.NewOrchestrator(failover.Config{ProbeInterval: cfg.Failover.ProbeInterval}, tracker)
	opts := []provider.Option{
		provider.WithHealth(tracker),
		provider.WithBudget(budgets),
		provider.WithMetrics(deps.Metrics),
	}

	orderCfg, hasOrders := cfg.OrderProvider()
	var broker provider.OrderProvider
	for _, pc := range cfg.Providers {
		pcfg, err := providerConfig(ctx, pc, deps.Keys, deps.Secrets)
		if err != nil {
			runClosers(closers)
			return nil, err
		}

		switch provider.Role(pc.Role) {
		case provider.RolePrimary:
			orchestrator.Register(models.DataTypeQuote, provider.NewMarketDataClient(pcfg, opts...))
		case provider.RoleSecondary:
			client := provider.NewBrokerageClient(pcfg, opts...)
			orchestrator.Register(models.DataTypeQuote, client)
			if hasOrders && orderCfg.Name == pc.Name {
				broker = client
			}
		case provider.RoleSynthetic:
			orchestrator.SetSynthetic(provider.NewSyntheticClient(pcfg, opts...))
		}
	}
	if hasOrders && broker == nil {
		runClosers(closers)
		return nil, fmt.Errorf("orders provider %s must be a secondary (brokerage) provider", orderCfg.Name)
	}

	var orders *execution.Service
	if broker != nil {
		ledger, stopLedger, err := newLedger(cfg, deps.Redis)
		if err != nil {
			runClosers(closers)
			return nil, err
		}
		closers = append(closers, stopLedger)

		sink := deps.Audit
		if sink == nil && cfg.Audit.Enabled {
			pg, err := audit.NewPostgresSink(ctx, cfg.Audit.DatabaseURL)
			if err != nil {
				runClosers(closers)
				return nil, err
			}
			if err := pg.EnsureSchema(ctx); err != nil {
				pg.Close()
				runClosers(closers)
				return nil, err
			}
			closers = append(closers, pg.Close)
			sink = pg
		}

		orders = execution.NewService(execution.Config{
			SubmitTimeout:   cfg.Orders.SubmitTimeout,
			StatusTimeout:   cfg.Orders.StatusTimeout,
			Retention:       cfg.Idempotency.Retention,
			CleanupInterval: cfg.Cache.CleanupInterval,
		}, ledger, broker, sink)
	} else {
		logger.Warn("No brokerage provider configured, order execution disabled", golog.String("component", gatewayComponent))
	}

	g, err := New(Options{
		Tolerance: models.Tolerance{
			AllowSynthetic: cfg.Failover.AllowSynthetic,
			MaxStaleness:   cfg.Failover.MaxStaleness,
		},
		MaxConcurrency:  cfg.Stream.MaxConcurrency,
		RefreshInterval: cfg.Stream.RefreshInterval,
	}, Components{
		Cache:       cacheManager,
		Failover:    orchestrator,
		Orders:      orders,
		Broadcaster: stream.NewBroadcaster(cfg.Stream.QueueSize),
		Budgets:     budgets,
	})
	if err != nil {
		runClosers(closers)
		return nil, err
	}
	for _, fn := range closers {
		g.addCloser(fn)
	}
	return g, nil
}

// ApplyBudgets registers every configured provider budget. It is safe to
// call again after a configuration reload.
func ApplyBudgets(budgets *ratelimit.Tracker, providers []config.ProviderConfig) error {
	for _, p := range providers {
		for _, b := range p.Budgets {
			if err := budgets.Register(p.Name, ratelimit.Class(b.Class), b.Limit, b.Window); err != nil {
				return fmt.Errorf("register budget for %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Budgets returns the gateway's rate budget tracker.
func (g *Gateway) Budgets() *ratelimit.Tracker {
	return g.c.Budgets
}

func providerConfig(ctx context.Context, pc config.ProviderConfig, keys *security.KeyManager, secrets security.SecretSource) (provider.Config, error) {
	apiKey := pc.APIKey
	switch {
	case pc.APIKeySecretPath != "":
		if secrets == nil {
			return provider.Config{}, fmt.Errorf("provider %s references secret %s but no secret source is configured", pc.Name, pc.APIKeySecretPath)
		}
		v, err := secrets.Secret(ctx, pc.APIKeySecretPath)
		if err != nil {
			return provider.Config{}, fmt.Errorf("failed to access API key secret for provider %s: %w", pc.Name, err)
		}
		apiKey = v
	case pc.APIKeyRef != "":
		if keys == nil {
			return provider.Config{}, fmt.Errorf("provider %s references key %s but no key store is configured", pc.Name, pc.APIKeyRef)
		}
		v, err := keys.GetKey(pc.APIKeyRef)
		if err != nil {
			return provider.Config{}, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		apiKey = v
	}

	var retry *provider.RetryPolicy
	if pc.Retry.MaxAttempts > 0 {
		retry = provider.DefaultRetryPolicy()
		retry.MaxAttempts = pc.Retry.MaxAttempts
		if pc.Retry.InitialBackoff > 0 {
			retry.InitialBackoff = pc.Retry.InitialBackoff
		}
		if pc.Retry.MaxBackoff > 0 {
			retry.MaxBackoff = pc.Retry.MaxBackoff
		}
	}

	return provider.Config{
		Name:     pc.Name,
		BaseURL:  pc.BaseURL,
		APIKey:   apiKey,
		Timeout:  pc.Timeout,
		QuoteTTL: pc.QuoteTTL,
		Retry:    retry,
	}, nil
}

func newLedger(cfg *config.Config, client redis.UniversalClient) (idempotency.Ledger, func(), error) {
	switch cfg.Idempotency.Backend {
	case "redis":
		if client == nil {
			return nil, nil, fmt.Errorf("idempotency backend redis requires a redis client")
		}
		return idempotency.NewRedisLedger(client, cfg.Redis.KeyPrefix+"idem:", cfg.Idempotency.PollInterval), func() {}, nil
	default:
		l := idempotency.NewMemoryLedger(cfg.Cache.CleanupInterval)
		return l, l.Stop, nil
	}
}

func runClosers(closers []func()) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
