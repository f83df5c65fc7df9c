package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/evdnx/marketgate/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Tier says which cache tiers an entry is written to.
type Tier string

const (
	// TierHot entries are written through both tiers.
	TierHot Tier = "hot"
	// TierCold entries go to the distributed store only and reach the local
	// tier on first read.
	TierCold Tier = "cold"
)

// Entry is a cached quote. Version orders writes to the same key.
type Entry struct {
	Key       string       `json:"key"`
	Value     models.Quote `json:"value"`
	StoredAt  time.Time    `json:"storedAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Version   int64        `json:"version"`
	Tier      Tier         `json:"tier"`
}

// Local is the bounded process-local tier. Least recently used entries are
// evicted under pressure and expired entries are removed by a janitor.
type Local struct {
	items           *lru.Cache[string, Entry]
	cleanupInterval time.Duration
	now             func() time.Time
	stopJanitor     chan struct{}
	stopOnce        sync.Once
}

// NewLocal creates a local tier holding at most maxEntries.
func NewLocal(maxEntries int, cleanupInterval time.Duration, now func() time.Time) (*Local, error) {
	items, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	l := &Local{
		items:           items,
		cleanupInterval: cleanupInterval,
		now:             now,
		stopJanitor:     make(chan struct{}),
	}

	go l.janitor()

	return l, nil
}

// Set stores e.
func (l *Local) Set(e Entry) {
	l.items.Add(e.Key, e)
}

// Get retrieves an entry that has not expired.
func (l *Local) Get(key string) (Entry, bool) {
	e, ok := l.items.Get(key)
	if !ok {
		return Entry{}, false
	}
	if !e.ExpiresAt.IsZero() && l.now().After(e.ExpiresAt) {
		l.items.Remove(key)
		return Entry{}, false
	}
	return e, true
}

// Peek returns an entry without updating its recency.
func (l *Local) Peek(key string) (Entry, bool) {
	return l.items.Peek(key)
}

// Delete removes an entry
func (l *Local) Delete(key string) {
	l.items.Remove(key)
}

// Len returns the number of entries.
func (l *Local) Len() int {
	return l.items.Len()
}

// Clear removes all entries
func (l *Local) Clear() {
	l.items.Purge()
}

func (l *Local) janitor() {
	interval := l.cleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.deleteExpired()
		case <-l.stopJanitor:
			return
		}
	}
}

// Stop stops the janitor goroutine
func (l *Local) Stop() {
	l.stopOnce.Do(func() { close(l.stopJanitor) })
}

func (l *Local) deleteExpired() {
	now := l.now()
	for _, key := range l.items.Keys() {
		if e, ok := l.items.Peek(key); ok && !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			l.items.Remove(key)
		}
	}
}
