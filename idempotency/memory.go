package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/models"
)

const memoryComponent = "memory_ledger"

// MemoryLedger keeps records in process. A single mutex guards every
// check-or-create.
type MemoryLedger struct {
	mu       sync.Mutex
	records  map[string]*Record
	byClient map[string]string
	changed  map[string]chan struct{}

	now    func() time.Time
	logger *golog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryLedger creates a ledger. A positive cleanupInterval starts a
// janitor that drops expired records.
func NewMemoryLedger(cleanupInterval time.Duration) *MemoryLedger {
	l := &MemoryLedger{
		records:  make(map[string]*Record),
		byClient: make(map[string]string),
		changed:  make(map[string]chan struct{}),
		now:      time.Now,
		logger:   logutil.Default(),
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.janitor(cleanupInterval)
	}
	return l
}

// live returns the record for key unless it has expired. Callers hold mu.
func (l *MemoryLedger) live(key string) (*Record, bool) {
	rec, ok := l.records[key]
	if !ok {
		return nil, false
	}
	if !l.now().Before(rec.ExpiresAt) {
		l.remove(rec)
		return nil, false
	}
	return rec, true
}

func (l *MemoryLedger) remove(rec *Record) {
	delete(l.records, rec.Key)
	if l.byClient[rec.ClientOrderID] == rec.Key {
		delete(l.byClient, rec.ClientOrderID)
	}
}

// CheckOrCreate implements Ledger.
func (l *MemoryLedger) CheckOrCreate(ctx context.Context, rec Record) (bool, Record, error) {
	if err := ctx.Err(); err != nil {
		return false, Record{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if key, ok := l.byClient[rec.ClientOrderID]; ok && key != rec.Key {
		if _, alive := l.live(key); alive {
			return false, Record{}, fmt.Errorf("%w: %s", ErrConflict, rec.ClientOrderID)
		}
	}
	if existing, ok := l.live(rec.Key); ok {
		return false, cloneRecord(existing), nil
	}

	rec.Status = StatusPending
	stored := cloneRecord(&rec)
	l.records[rec.Key] = &stored
	l.byClient[rec.ClientOrderID] = rec.Key
	return true, cloneRecord(&stored), nil
}

// Advance implements Ledger.
func (l *MemoryLedger) Advance(ctx context.Context, key string, status Status, result *models.OrderResult) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.live(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	if err := checkAdvance(rec.Status, status); err != nil {
		return cloneRecord(rec), err
	}
	rec.Status = status
	if result != nil {
		r := *result
		rec.Result = &r
	}
	rec.UpdatedAt = l.now()

	if ch, ok := l.changed[key]; ok {
		close(ch)
		delete(l.changed, key)
	}
	return cloneRecord(rec), nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(ctx context.Context, key string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.live(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// GetByClientOrderID implements Ledger.
func (l *MemoryLedger) GetByClientOrderID(ctx context.Context, clientOrderID string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.byClient[clientOrderID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, ok := l.live(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Wait implements Ledger.
func (l *MemoryLedger) Wait(ctx context.Context, key string) (Record, error) {
	for {
		l.mu.Lock()
		rec, ok := l.live(key)
		if !ok {
			l.mu.Unlock()
			return Record{}, ErrNotFound
		}
		if rec.Resolved() {
			out := cloneRecord(rec)
			l.mu.Unlock()
			return out, nil
		}
		ch, ok := l.changed[key]
		if !ok {
			ch = make(chan struct{})
			l.changed[key] = ch
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
}

// Len returns the number of stored records, expired ones included.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Stop stops the janitor.
func (l *MemoryLedger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *MemoryLedger) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.deleteExpired(); n > 0 {
				l.logger.Debug(
					fmt.Sprintf("Expired %d idempotency records", n),
					golog.String("component", memoryComponent),
				)
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *MemoryLedger) deleteExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for _, rec := range l.records {
		if !now.Before(rec.ExpiresAt) {
			l.remove(rec)
			n++
		}
	}
	return n
}

func cloneRecord(rec *Record) Record {
	out := *rec
	if rec.Result != nil {
		r := *rec.Result
		out.Result = &r
	}
	return out
}
