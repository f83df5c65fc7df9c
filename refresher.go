package marketgate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/internal/logutil"
	"golang.org/x/sync/errgroup"
)

const refresherComponent = "quote_refresher"

// refresher keeps subscribed symbols warm. Each symbol is refreshed while at
// least one subscription tracks it.
type refresher struct {
	interval time.Duration
	limit    int
	fetch    func(ctx context.Context, symbol string) error

	mu      sync.Mutex
	refs    map[string]int
	trigger chan struct{}

	logger *golog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRefresher(interval time.Duration, limit int, fetch func(context.Context, string) error) *refresher {
	if interval <= 0 {
		interval = time.Second
	}
	if limit <= 0 {
		limit = 1
	}
	return &refresher{
		interval: interval,
		limit:    limit,
		fetch:    fetch,
		refs:     make(map[string]int),
		trigger:  make(chan struct{}, 1),
		logger:   logutil.Default(),
	}
}

// track adds a reference to each symbol and returns its release function.
func (r *refresher) track(symbols []string) func() {
	r.mu.Lock()
	added := false
	for _, s := range symbols {
		if r.refs[s] == 0 {
			added = true
		}
		r.refs[s]++
	}
	r.mu.Unlock()

	if added {
		select {
		case r.trigger <- struct{}{}:
		default:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, s := range symbols {
				if r.refs[s]--; r.refs[s] <= 0 {
					delete(r.refs, s)
				}
			}
		})
	}
}

func (r *refresher) symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.refs))
	for s := range r.refs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *refresher) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

func (r *refresher) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *refresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		r.refreshAll(ctx)
	}
}

// refreshAll refreshes every tracked symbol through a bounded pool.
func (r *refresher) refreshAll(ctx context.Context) {
	symbols := r.symbols()
	if len(symbols) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(r.limit)
	for _, s := range symbols {
		symbol := s
		g.Go(func() error {
			if err := r.fetch(ctx, symbol); err != nil && ctx.Err() == nil {
				r.logger.Debug(
					fmt.Sprintf("Refresh of %s failed: %v", symbol, err),
					golog.String("component", refresherComponent),
					golog.String("symbol", symbol),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
