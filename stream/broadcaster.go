// Package stream fans quote updates out to subscribers. Each subscriber owns
// a bounded queue that drops its oldest update when the consumer falls
// behind, so publishers never block. Updates for one symbol are published
// in non-decreasing timestamp order per source class: real quotes carry the
// exchange clock and synthetic estimates the gateway clock, so each class is
// ordered against its own history and a real quote is never held back by an
// earlier estimate.
package stream

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

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 64

const broadcasterComponent = "stream_broadcaster"

// Update is one quote delivered to subscribers.
type Update struct {
	Quote     models.Quote `json:"quote"`
	Degraded  bool         `json:"degraded"`
	Synthetic bool         `json:"synthetic"`
}

type symbolState struct {
	mu            sync.Mutex
	lastReal      time.Time
	lastSynthetic time.Time
}

// admit records ts for the quote's source class. It reports false when ts is
// older than the last quote of the same class.
func (st *symbolState) admit(ts time.Time, synthetic bool) bool {
	last := &st.lastReal
	if synthetic {
		last = &st.lastSynthetic
	}
	if ts.Before(*last) {
		return false
	}
	*last = ts
	return true
}

// Broadcaster distributes updates to subscriptions.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64

	symbols   sync.Map // string -> *symbolState
	queueSize int
	logger    *golog.Logger
}

// NewBroadcaster creates a broadcaster. Non-positive queueSize uses the default.
func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
		logger:    logutil.Default(),
	}
}

func (b *Broadcaster) state(symbol string) *symbolState {
	if v, ok := b.symbols.Load(symbol); ok {
		return v.(*symbolState)
	}
	v, _ := b.symbols.LoadOrStore(symbol, &symbolState{})
	return v.(*symbolState)
}

// Subscribe registers interest in symbols. No symbols means every symbol.
func (b *Broadcaster) Subscribe(symbols []string) *Subscription {
	s := &Subscription{
		id:      b.nextID.Add(1),
		symbols: make(map[string]struct{}, len(symbols)),
		queue:   newRing(b.queueSize),
		owner:   b,
	}
	for _, sym := range symbols {
		s.symbols[strings.ToUpper(sym)] = struct{}{}
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Publish delivers res to matching subscribers. It returns false when the
// quote is older than the last one of the same source class published for
// its symbol.
func (b *Broadcaster) Publish(res models.QuoteResult) bool {
	symbol := strings.ToUpper(res.Quote.Symbol)
	st := b.state(symbol)

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.admit(res.Quote.Timestamp, res.Quote.Synthetic()) {
		return false
	}

	u := Update{
		Quote:     res.Quote,
		Degraded:  res.Degraded || res.Quote.Synthetic(),
		Synthetic: res.Quote.Synthetic(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(symbol) {
			continue
		}
		if s.queue.push(u) {
			b.logger.Debug(
				fmt.Sprintf("Subscriber %d behind, dropped oldest update", s.id),
				golog.String("component", broadcasterComponent),
				golog.String("symbol", symbol),
			)
		}
	}
	return true
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.queue.close()
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one consumer's view of the stream.
type Subscription struct {
	id      uint64
	symbols map[string]struct{}
	queue   *ring
	owner   *Broadcaster
}

func (s *Subscription) wants(symbol string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

// ID identifies the subscription.
func (s *Subscription) ID() uint64 { return s.id }

// Symbols returns the subscribed symbols, empty for all.
func (s *Subscription) Symbols() []string {
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

// Next returns the oldest queued update, blocking until one arrives.
func (s *Subscription) Next(ctx context.Context) (Update, error) {
	return s.queue.next(ctx)
}

// Pending returns the number of queued updates.
func (s *Subscription) Pending() int { return s.queue.len() }

// Dropped returns how many updates were evicted because the consumer lagged.
func (s *Subscription) Dropped() uint64 { return s.queue.dropped.Load() }

// Done is closed when the subscription closes.
func (s *Subscription) Done() <-chan struct{} { return s.queue.done }

// Close unsubscribes. Queued updates can still be drained with Next.
func (s *Subscription) Close() {
	if s.queue.close() {
		s.owner.remove(s.id)
	}
}
