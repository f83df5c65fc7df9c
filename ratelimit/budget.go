// Package ratelimit tracks per-provider call budgets. Each (provider, class)
// pair keeps the times of its last limit grants in a ring claimed through an
// atomic sequence, so no rolling window ever holds more than limit grants and
// concurrent callers never contend on a lock.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/models"
)

// ErrRateLimited is returned when a budget window is exhausted.
var ErrRateLimited = errors.New("rate budget exhausted")

// Class groups provider endpoints that share one budget.
type Class string

const (
	ClassQuote     Class = "quote"
	ClassOrder     Class = "order"
	ClassSynthesis Class = "synthesis"
)

// MaxLimit is the largest per-window limit a bucket can hold.
const MaxLimit = 1 << 20

const trackerComponent = "rate_budget"

// slot holds the time of one grant. seq is the grant number plus one and is
// stored after at, so a reader that sees seq also sees at.
type slot struct {
	seq atomic.Uint64
	at  atomic.Int64
}

type bucket struct {
	limit  uint64
	window time.Duration
	next   atomic.Uint64
	slots  []slot
}

func newBucket(limit int, window time.Duration) *bucket {
	return &bucket{limit: uint64(limit), window: window, slots: make([]slot, limit)}
}

// tryAcquire claims grant k only when grant k-limit is at least a window old.
func (b *bucket) tryAcquire(now time.Time) bool {
	if b.limit == 0 {
		return false
	}
	ts := now.UnixNano()
	for {
		k := b.next.Load()
		if k >= b.limit {
			s := &b.slots[k%b.limit]
			seq := s.seq.Load()
			want := k - b.limit + 1
			switch {
			case seq > want:
				continue
			case seq < want || ts-s.at.Load() < int64(b.window):
				// Grant k-limit is still being recorded or too recent.
				if b.next.Load() != k {
					continue
				}
				return false
			}
		}
		if b.next.CompareAndSwap(k, k+1) {
			s := &b.slots[k%b.limit]
			s.at.Store(ts)
			s.seq.Store(k + 1)
			return true
		}
	}
}

// untilFree returns how long until the oldest grant in the ring leaves the window.
func (b *bucket) untilFree(now time.Time) time.Duration {
	if b.limit == 0 {
		return b.window
	}
	k := b.next.Load()
	if k < b.limit {
		return 0
	}
	s := &b.slots[k%b.limit]
	if s.seq.Load() != k-b.limit+1 {
		return b.window
	}
	return time.Duration(s.at.Load()+int64(b.window)) - time.Duration(now.UnixNano())
}

// recent returns the grant times inside the window ending at now, oldest first.
func (b *bucket) recent(now time.Time) []int64 {
	ts := now.UnixNano()
	var out []int64
	for i := range b.slots {
		s := &b.slots[i]
		if s.seq.Load() == 0 {
			continue
		}
		if at := s.at.Load(); ts-at < int64(b.window) {
			out = append(out, at)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// seed records grant times carried over from a replaced bucket.
func (b *bucket) seed(times []int64) {
	if uint64(len(times)) > b.limit {
		times = times[uint64(len(times))-b.limit:]
	}
	for i, at := range times {
		s := &b.slots[i]
		s.at.Store(at)
		s.seq.Store(uint64(i) + 1)
	}
	b.next.Store(uint64(len(times)))
}

// Tracker hands out rate budgets. Pairs that were never registered are unlimited.
type Tracker struct {
	buckets sync.Map // string -> *bucket
	grace   time.Duration
	now     func() time.Time
	logger  *golog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithGrace lets TryAcquire wait when budget frees up within d.
func WithGrace(d time.Duration) Option {
	return func(t *Tracker) { t.grace = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:    time.Now,
		logger: logutil.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func bucketKey(provider string, class Class) string {
	return provider + "/" + string(class)
}

// Register sets the budget for a pair. Re-registering carries the grants of
// the current window over to the new budget.
func (t *Tracker) Register(provider string, class Class, limit int, window time.Duration) error {
	if limit < 0 || limit > MaxLimit {
		return fmt.Errorf("limit %d for %s out of range", limit, bucketKey(provider, class))
	}
	if window <= 0 {
		return fmt.Errorf("window for %s must be positive", bucketKey(provider, class))
	}

	key := bucketKey(provider, class)
	b := newBucket(limit, window)
	if existing, ok := t.buckets.Load(key); ok {
		old := existing.(*bucket)
		if old.limit == uint64(limit) && old.window == window {
			return nil
		}
		b.seed(old.recent(t.now()))
	}
	t.buckets.Store(key, b)

	t.logger.Info(
		fmt.Sprintf("Registered rate budget %s: %d per %s", key, limit, window),
		golog.String("component", trackerComponent),
	)
	return nil
}

// TryAcquire takes one unit of budget or fails fast with ErrRateLimited. With a
// grace period configured it waits at most once for budget that frees up soon.
func (t *Tracker) TryAcquire(ctx context.Context, provider string, class Class) error {
	v, ok := t.buckets.Load(bucketKey(provider, class))
	if !ok {
		return nil
	}
	b := v.(*bucket)

	now := t.now()
	if b.tryAcquire(now) {
		return nil
	}

	if wait := b.untilFree(now); t.grace > 0 && wait <= t.grace {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if b.tryAcquire(t.now()) {
			return nil
		}
	}

	return fmt.Errorf("%s: %w", bucketKey(provider, class), ErrRateLimited)
}

// Snapshot reports the grants inside the window ending now.
func (t *Tracker) Snapshot(provider string, class Class) (models.ProviderBudget, bool) {
	v, ok := t.buckets.Load(bucketKey(provider, class))
	if !ok {
		return models.ProviderBudget{}, false
	}
	b := v.(*bucket)

	now := t.now()
	return models.ProviderBudget{
		Provider:    provider,
		Class:       string(class),
		WindowStart: now.Add(-b.window),
		Count:       len(b.recent(now)),
		Limit:       int(b.limit),
	}, true
}
