package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the distributed, authoritative tier.
type Store interface {
	// Get returns the entry for key, if any.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set writes e unless the store already holds a newer quote for the key.
	Set(ctx context.Context, e Entry) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	// Invalidations streams write notifications from every instance until ctx is done.
	Invalidations(ctx context.Context) (<-chan Invalidation, error)
}

// Invalidation announces a write of Version to Key.
type Invalidation struct {
	Key     string
	Version int64
}

const (
	defaultKeyPrefix = "marketgate:quote:"
	defaultChannel   = "marketgate:quote:invalidate"
)

// setIfNewer refuses writes carrying an older quote timestamp (field t, millis).
var setIfNewer = redis.NewScript(`
local t = redis.call('HGET', KEYS[1], 't')
if t and tonumber(t) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 't', ARGV[2], 'd', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisStore keeps entries in Redis hashes and announces writes over pub/sub.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	channel string
	now     func() time.Time
}

// NewRedisStore wraps client. Empty prefix or channel take defaults.
func NewRedisStore(client redis.UniversalClient, prefix, channel string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisStore{client: client, prefix: prefix, channel: channel, now: time.Now}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.HGet(ctx, s.redisKey(key), "d").Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return e, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, e Entry) (bool, error) {
	ttl := e.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return false, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", e.Key, err)
	}

	written, err := setIfNewer.Run(ctx, s.client,
		[]string{s.redisKey(e.Key)},
		e.Version, e.Value.Timestamp.UnixMilli(), string(data), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis set %s: %w", e.Key, err)
	}
	if written == 0 {
		return false, nil
	}

	msg := e.Key + "|" + strconv.FormatInt(e.Version, 10)
	if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		return true, fmt.Errorf("publish invalidation %s: %w", e.Key, err)
	}
	return true, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	msg := key + "|" + strconv.FormatInt(s.now().UnixNano(), 10)
	return s.client.Publish(ctx, s.channel, msg).Err()
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Invalidations implements Store.
func (s *RedisStore) Invalidations(ctx context.Context) (<-chan Invalidation, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	out := make(chan Invalidation, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				inv, ok := parseInvalidation(msg.Payload)
				if !ok {
					continue
				}
				select {
				case out <- inv:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func parseInvalidation(payload string) (Invalidation, bool) {
	i := strings.LastIndexByte(payload, '|')
	if i <= 0 {
		return Invalidation{}, false
	}
	v, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return Invalidation{}, false
	}
	return Invalidation{Key: payload[:i], Version: v}, true
}
