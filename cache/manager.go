// Package cache is the two-tier quote cache: a bounded process-local LRU in
// front of an authoritative distributed store. When the store is
// unreachable the manager serves from the local tier only and flags every
// response as degraded until a probe succeeds. Local hits are also flagged
// once the store has not answered for longer than the probe interval, so an
// outage shows up on hot keys before the next failed round-trip.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/models"
)

const managerComponent = "cache_manager"

// Lookup describes how a Get was answered.
type Lookup struct {
	Found    bool
	Fresh    bool
	Degraded bool
	// Local is set when the local tier answered without a store round-trip.
	Local bool
}

// Manager coordinates both tiers.
type Manager struct {
	cfg      Config
	local    *Local
	store    Store
	degraded atomic.Bool
	// lastContact is the UnixNano time of the last successful store call.
	lastContact atomic.Int64
	now         func() time.Time
	logger      *golog.Logger

	hooksMu sync.RWMutex
	hooks   []func(models.QuoteResult)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. A nil store makes the local tier authoritative.
func NewManager(cfg Config, store Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		store:  store,
		now:    time.Now,
		logger: logutil.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	local, err := NewLocal(m.cfg.LocalMaxEntries, m.cfg.CleanupInterval, m.now)
	if err != nil {
		return nil, err
	}
	m.local = local
	m.touch()
	return m, nil
}

func (m *Manager) touch() {
	m.lastContact.Store(m.now().UnixNano())
}

// unconfirmed reports whether the store has been silent for longer than the
// probe interval.
func (m *Manager) unconfirmed() bool {
	if m.store == nil {
		return false
	}
	last := time.Unix(0, m.lastContact.Load())
	return m.now().Sub(last) > m.cfg.ProbeInterval
}

// Key normalizes a symbol into a cache key.
func Key(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// OnUpdate registers fn to run after every successful Set.
func (m *Manager) OnUpdate(fn func(models.QuoteResult)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Degraded reports whether the distributed store is currently bypassed.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// Get checks the local tier, then the distributed store, populating the
// local tier on a distributed hit.
func (m *Manager) Get(ctx context.Context, key string) (Entry, Lookup) {
	if e, ok := m.local.Get(key); ok {
		l := m.lookup(e)
		l.Local = true
		if m.unconfirmed() {
			l.Degraded = true
		}
		return e, l
	}

	if m.store == nil {
		return Entry{}, Lookup{}
	}
	if m.degraded.Load() {
		return Entry{}, Lookup{Degraded: true}
	}

	e, found, err := m.store.Get(ctx, key)
	if err != nil {
		m.enterDegraded(err)
		return Entry{}, Lookup{Degraded: true}
	}
	m.touch()
	if !found {
		return Entry{}, Lookup{}
	}
	m.setLocalIfNewer(e)
	return e, m.lookup(e)
}

// lookup applies the freshness rules. In degraded mode the effective TTL is
// shortened and the entry is always flagged.
func (m *Manager) lookup(e Entry) Lookup {
	now := m.now()
	degraded := m.degraded.Load()

	staleAfter := e.Value.StaleAfter
	if degraded && e.StoredAt.Before(staleAfter) {
		ttl := float64(staleAfter.Sub(e.StoredAt)) * m.cfg.DegradedTTLFactor
		staleAfter = e.StoredAt.Add(time.Duration(ttl))
	}

	pastGrace := !now.Before(staleAfter.Add(m.cfg.Grace))
	return Lookup{
		Found:    true,
		Fresh:    now.Before(staleAfter),
		Degraded: degraded || pastGrace || e.Value.Synthetic(),
	}
}

// Set stores q under key. Writes carrying a quote older than the one already
// cached are dropped.
func (m *Manager) Set(ctx context.Context, key string, q models.Quote, tier Tier) (Entry, error) {
	now := m.now()
	e := Entry{
		Key:       key,
		Value:     q,
		StoredAt:  now,
		ExpiresAt: q.StaleAfter.Add(m.cfg.Grace + m.cfg.Retention),
		Version:   now.UnixNano(),
		Tier:      tier,
	}

	writeLocal := tier == TierHot || m.store == nil
	if m.store != nil && !m.degraded.Load() {
		written, err := m.store.Set(ctx, e)
		if err == nil || written {
			m.touch()
		}
		switch {
		case err != nil && !written:
			m.enterDegraded(err)
			writeLocal = true
		case err != nil:
			// Stored, but the invalidation was not announced.
			m.logger.Warn(
				fmt.Sprintf("Cache write for %s not announced: %v", key, err),
				golog.String("component", managerComponent),
			)
		case !written:
			return e, nil
		}
	} else if m.store != nil {
		writeLocal = true
	}

	if writeLocal && !m.setLocalIfNewer(e) {
		return e, nil
	}

	m.notify(models.QuoteResult{
		Quote:    q,
		Fresh:    true,
		Degraded: m.degraded.Load() || q.Synthetic(),
	})
	return e, nil
}

func (m *Manager) setLocalIfNewer(e Entry) bool {
	if cur, ok := m.local.Peek(e.Key); ok && cur.Value.Timestamp.After(e.Value.Timestamp) {
		return false
	}
	m.local.Set(e)
	return true
}

// Delete removes key from both tiers.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.local.Delete(key)
	if m.store == nil || m.degraded.Load() {
		return nil
	}
	if err := m.store.Delete(ctx, key); err != nil {
		m.enterDegraded(err)
		return err
	}
	m.touch()
	return nil
}

func (m *Manager) notify(r models.QuoteResult) {
	m.hooksMu.RLock()
	hooks := m.hooks
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(r)
	}
}

func (m *Manager) enterDegraded(err error) {
	if m.degraded.CompareAndSwap(false, true) {
		m.logger.Warn(
			fmt.Sprintf("Distributed cache unreachable, serving local tier only: %v", err),
			golog.String("component", managerComponent),
		)
	}
}

func (m *Manager) exitDegraded() {
	if m.degraded.CompareAndSwap(true, false) {
		// Writes made elsewhere during the outage were never announced here.
		m.local.Clear()
		m.logger.Info(
			"Distributed cache reachable again, leaving degraded mode",
			golog.String("component", managerComponent),
		)
	}
}

// Probe pings the distributed store and updates degraded mode accordingly.
func (m *Manager) Probe(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeInterval)
	defer cancel()
	if err := m.store.Ping(ctx); err != nil {
		m.enterDegraded(err)
		return err
	}
	m.touch()
	m.exitDegraded()
	return nil
}

// Start runs the store probe loop and the invalidation listener.
func (m *Manager) Start(ctx context.Context) {
	if m.store == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.probeLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.invalidationLoop(ctx)
	}()
}

// Stop stops background work and the local janitor.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.local.Stop()
}

// probeLoop pings twice per probe interval, keeping lastContact within one
// interval while the store is healthy.
func (m *Manager) probeLoop(ctx context.Context) {
	interval := m.cfg.ProbeInterval / 2
	if interval <= 0 {
		interval = m.cfg.ProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Probe(ctx)
		}
	}
}

// invalidationLoop drops local entries older than writes announced by any
// instance. It resubscribes after the subscription ends.
func (m *Manager) invalidationLoop(ctx context.Context) {
	for {
		ch, err := m.store.Invalidations(ctx)
		if err == nil {
			for inv := range ch {
				if cur, ok := m.local.Peek(inv.Key); ok && cur.Version < inv.Version {
					m.local.Delete(inv.Key)
				}
			}
		} else {
			m.enterDegraded(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ProbeInterval):
		}
	}
}
