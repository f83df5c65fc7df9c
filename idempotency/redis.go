package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/evdnx/marketgate/models"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "marketgate:idem:"
	defaultPollEvery   = 50 * time.Millisecond
	maxAdvanceAttempts = 16
)

// createIfAbsent returns 1 when created, 0 when the key exists and -1 when
// the client order id is bound to a different key.
var createIfAbsent = redis.NewScript(`
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[1] then
  return -1
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 's', ARGV[2], 'd', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
return 1
`)

// advanceIfStatus swaps the record when its status still equals ARGV[1].
// Returns 1 on success, 0 on a concurrent change, -1 when terminal and -2
// when missing.
var advanceIfStatus = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 's')
if not s then
  return -2
end
if tonumber(s) == 3 then
  return -1
end
if s ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 's', ARGV[2], 'd', ARGV[3])
return 1
`)

// RedisLedger shares records across instances. Check-or-create and advance
// are single Lua scripts so they are atomic on the server.
type RedisLedger struct {
	client    redis.UniversalClient
	prefix    string
	pollEvery time.Duration
	now       func() time.Time
}

// NewRedisLedger wraps client. Empty prefix and zero pollEvery take defaults.
func NewRedisLedger(client redis.UniversalClient, prefix string, pollEvery time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if pollEvery <= 0 {
		pollEvery = defaultPollEvery
	}
	return &RedisLedger{client: client, prefix: prefix, pollEvery: pollEvery, now: time.Now}
}

func (l *RedisLedger) recordKey(key string) string {
	return l.prefix + "rec:" + key
}

func (l *RedisLedger) indexKey(clientOrderID string) string {
	return l.prefix + "client:" + clientOrderID
}

// CheckOrCreate implements Ledger.
func (l *RedisLedger) CheckOrCreate(ctx context.Context, rec Record) (bool, Record, error) {
	ttl := rec.ExpiresAt.Sub(l.now())
	if ttl <= 0 {
		return false, Record{}, fmt.Errorf("record %s already expired", rec.Key)
	}
	rec.Status = StatusPending
	data, err := json.Marshal(rec)
	if err != nil {
		return false, Record{}, fmt.Errorf("encode record %s: %w", rec.Key, err)
	}

	res, err := createIfAbsent.Run(ctx, l.client,
		[]string{l.recordKey(rec.Key), l.indexKey(rec.ClientOrderID)},
		rec.Key, int(StatusPending), string(data), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, Record{}, fmt.Errorf("redis check-or-create %s: %w", rec.Key, err)
	}

	switch res {
	case 1:
		return true, rec, nil
	case -1:
		return false, Record{}, fmt.Errorf("%w: %s", ErrConflict, rec.ClientOrderID)
	default:
		existing, err := l.Get(ctx, rec.Key)
		if err != nil {
			return false, Record{}, err
		}
		return false, existing, nil
	}
}

// Advance implements Ledger. It retries when another writer advanced the
// record between the read and the swap.
func (l *RedisLedger) Advance(ctx context.Context, key string, status Status, result *models.OrderResult) (Record, error) {
	for attempt := 0; attempt < maxAdvanceAttempts; attempt++ {
		current, err := l.Get(ctx, key)
		if err != nil {
			return Record{}, err
		}
		if err := checkAdvance(current.Status, status); err != nil {
			return current, err
		}

		next := current
		next.Status = status
		if result != nil {
			r := *result
			next.Result = &r
		}
		next.UpdatedAt = l.now()
		data, err := json.Marshal(next)
		if err != nil {
			return Record{}, fmt.Errorf("encode record %s: %w", key, err)
		}

		res, err := advanceIfStatus.Run(ctx, l.client,
			[]string{l.recordKey(key)},
			strconv.Itoa(int(current.Status)), int(status), string(data),
		).Int()
		if err != nil {
			return Record{}, fmt.Errorf("redis advance %s: %w", key, err)
		}
		switch res {
		case 1:
			return next, nil
		case -1:
			latest, gerr := l.Get(ctx, key)
			if gerr != nil {
				return Record{}, ErrTerminal
			}
			return latest, ErrTerminal
		case -2:
			return Record{}, ErrNotFound
		}
	}
	return Record{}, fmt.Errorf("advance %s: too much contention", key)
}

// Get implements Ledger.
func (l *RedisLedger) Get(ctx context.Context, key string) (Record, error) {
	raw, err := l.client.HGet(ctx, l.recordKey(key), "d").Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, nil
}

// GetByClientOrderID implements Ledger.
func (l *RedisLedger) GetByClientOrderID(ctx context.Context, clientOrderID string) (Record, error) {
	key, err := l.client.Get(ctx, l.indexKey(clientOrderID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis index %s: %w", clientOrderID, err)
	}
	return l.Get(ctx, key)
}

// Wait implements Ledger by polling.
func (l *RedisLedger) Wait(ctx context.Context, key string) (Record, error) {
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		rec, err := l.Get(ctx, key)
		if err != nil {
			return Record{}, err
		}
		if rec.Resolved() {
			return rec, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
}
