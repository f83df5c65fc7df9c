// Package health keeps a rolling health score per provider. Scores decay
// multiplicatively on failure and move back toward 1.0 on success.
package health

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/internal/logutil"
)

const healthComponent = "health_tracker"

// Config controls how scores move.
type Config struct {
	// Decay multiplies the score on every failure.
	Decay float64
	// Recovery is the fraction of the gap to 1.0 closed on every success.
	Recovery float64
	// PreferThreshold is the score below which a provider loses its configured priority.
	PreferThreshold float64
}

// DefaultConfig returns the default scoring parameters.
func DefaultConfig() Config {
	return Config{
		Decay:           0.9,
		Recovery:        0.5,
		PreferThreshold: 0.75,
	}
}

// Snapshot is a point-in-time view of one provider.
type Snapshot struct {
	Provider            string        `json:"provider"`
	Score               float64       `json:"score"`
	Preferred           bool          `json:"preferred"`
	ConsecutiveFailures int64         `json:"consecutiveFailures"`
	TotalFailures       int64         `json:"totalFailures"`
	LastError           string        `json:"lastError,omitempty"`
	LastLatency         time.Duration `json:"lastLatency"`
	LastSuccess         time.Time     `json:"lastSuccess"`
	LastFailure         time.Time     `json:"lastFailure"`
}

type entry struct {
	score         atomic.Uint64 // float64 bits
	consecutive   atomic.Int64
	totalFailures atomic.Int64
	lastLatency   atomic.Int64
	lastSuccess   atomic.Int64
	lastFailure   atomic.Int64
	lastError     atomic.Value // string
}

func newEntry() *entry {
	e := &entry{}
	e.score.Store(math.Float64bits(1.0))
	e.lastError.Store("")
	return e
}

// update applies fn to the score atomically and returns the old and new values.
func (e *entry) update(fn func(float64) float64) (float64, float64) {
	for {
		oldBits := e.score.Load()
		old := math.Float64frombits(oldBits)
		next := fn(old)
		if next < 0 {
			next = 0
		}
		if next > 1 {
			next = 1
		}
		if e.score.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return old, next
		}
	}
}

// Tracker owns the health state of every provider.
type Tracker struct {
	cfg     Config
	entries sync.Map // string -> *entry
	now     func() time.Time
	logger  *golog.Logger
}

// NewTracker creates a tracker. Zero fields in cfg take their defaults.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = def.Decay
	}
	if cfg.Recovery <= 0 || cfg.Recovery > 1 {
		cfg.Recovery = def.Recovery
	}
	if cfg.PreferThreshold <= 0 || cfg.PreferThreshold > 1 {
		cfg.PreferThreshold = def.PreferThreshold
	}
	return &Tracker{
		cfg:    cfg,
		now:    time.Now,
		logger: logutil.Default(),
	}
}

func (t *Tracker) entry(provider string) *entry {
	if v, ok := t.entries.Load(provider); ok {
		return v.(*entry)
	}
	v, _ := t.entries.LoadOrStore(provider, newEntry())
	return v.(*entry)
}

// RecordSuccess moves the provider's score toward 1.0.
func (t *Tracker) RecordSuccess(provider string, latency time.Duration) {
	e := t.entry(provider)
	e.consecutive.Store(0)
	e.lastLatency.Store(int64(latency))
	e.lastSuccess.Store(t.now().UnixNano())

	old, next := e.update(func(s float64) float64 {
		return s + (1-s)*t.cfg.Recovery
	})
	if old < t.cfg.PreferThreshold && next >= t.cfg.PreferThreshold {
		t.logger.Info(
			fmt.Sprintf("Provider %s recovered (score %.3f)", provider, next),
			golog.String("component", healthComponent),
			golog.String("provider", provider),
		)
	}
}

// RecordFailure decays the provider's score.
func (t *Tracker) RecordFailure(provider string, err error) {
	e := t.entry(provider)
	consecutive := e.consecutive.Add(1)
	e.totalFailures.Add(1)
	e.lastFailure.Store(t.now().UnixNano())
	if err != nil {
		e.lastError.Store(err.Error())
	}

	old, next := e.update(func(s float64) float64 {
		return s * t.cfg.Decay
	})
	if old >= t.cfg.PreferThreshold && next < t.cfg.PreferThreshold {
		t.logger.Warn(
			fmt.Sprintf("Provider %s demoted after %d consecutive failures (score %.3f)", provider, consecutive, next),
			golog.String("component", healthComponent),
			golog.String("provider", provider),
		)
	}
}

// Score returns the provider's current score. Unknown providers score 1.0.
func (t *Tracker) Score(provider string) float64 {
	v, ok := t.entries.Load(provider)
	if !ok {
		return 1.0
	}
	return math.Float64frombits(v.(*entry).score.Load())
}

// Preferred reports whether the provider keeps its configured priority.
func (t *Tracker) Preferred(provider string) bool {
	return t.Score(provider) >= t.cfg.PreferThreshold
}

// Threshold returns the preference threshold.
func (t *Tracker) Threshold() float64 {
	return t.cfg.PreferThreshold
}

// Snapshot returns the provider's current state.
func (t *Tracker) Snapshot(provider string) Snapshot {
	e := t.entry(provider)
	score := math.Float64frombits(e.score.Load())
	s := Snapshot{
		Provider:            provider,
		Score:               score,
		Preferred:           score >= t.cfg.PreferThreshold,
		ConsecutiveFailures: e.consecutive.Load(),
		TotalFailures:       e.totalFailures.Load(),
		LastError:           e.lastError.Load().(string),
		LastLatency:         time.Duration(e.lastLatency.Load()),
	}
	if ns := e.lastSuccess.Load(); ns > 0 {
		s.LastSuccess = time.Unix(0, ns)
	}
	if ns := e.lastFailure.Load(); ns > 0 {
		s.LastFailure = time.Unix(0, ns)
	}
	return s
}

// All returns snapshots for every provider seen so far, sorted by name.
func (t *Tracker) All() []Snapshot {
	var names []string
	t.entries.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		out = append(out, t.Snapshot(n))
	}
	return out
}
