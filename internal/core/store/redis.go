package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core"
)

// Redis keys are laid out as <prefix><kind>:<limit key>. The kind segment
// keeps the three state spaces from colliding when different algorithms
// share a limit key.
const (
	redisBucketPrefix  = "bucket:"
	redisWindowPrefix  = "window:"
	redisCounterPrefix = "counter:"

	defaultRedisKeyPrefix = "gatewarden:"
	defaultRedisIdleTTL   = time.Hour
)

// windowAppendScript prunes, counts, and conditionally appends in one atomic
// round trip. Scores are unix milliseconds; events at or before the window
// start are dropped, matching the other backends. Returns {count, admitted,
// oldest-score-or-0}.
var windowAppendScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	local count = redis.call('ZCARD', KEYS[1])
	local admitted = 0
	if count < tonumber(ARGV[2]) then
		redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
		count = count + 1
		admitted = 1
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	local oldest = 0
	local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if head[2] then
		oldest = head[2]
	end
	return {count, admitted, oldest}
`)

// bucketTakeScript refills from the elapsed time and takes the demand in one
// atomic round trip, so processes sharing a bucket cannot lose each other's
// debits. Timestamps are unix milliseconds; balances are written with fixed
// formatting because Lua's default number conversion switches to scientific
// notation for large values. Returns {admitted, balance-after}.
var bucketTakeScript = redis.NewScript(`
	local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
	local last = tonumber(redis.call('HGET', KEYS[1], 'last_refill'))
	local now = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill = tonumber(ARGV[3])
	local demand = tonumber(ARGV[4])
	if tokens == nil or last == nil then
		tokens = capacity
		last = now
	end
	local elapsed = (now - last) / 1000.0
	if elapsed > 0 then
		tokens = tokens + elapsed * refill
		if tokens > capacity then
			tokens = capacity
		end
	end
	local admitted = 0
	if demand <= 0 then
		admitted = 1
	elseif demand <= tokens then
		tokens = tokens - demand
		admitted = 1
	end
	local balance = string.format('%.6f', tokens)
	redis.call('HSET', KEYS[1], 'tokens', balance, 'last_refill', ARGV[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return {admitted, balance}
`)

// counterIncrScript resets the counter when the stored window index differs,
// then increments. Returns the count after the increment.
var counterIncrScript = redis.NewScript(`
	local index = redis.call('HGET', KEYS[1], 'window_index')
	local count
	if index == ARGV[1] then
		count = redis.call('HINCRBY', KEYS[1], 'request_count', 1)
	else
		redis.call('HSET', KEYS[1], 'window_index', ARGV[1], 'request_count', 1)
		count = 1
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return count
`)

// RedisStore keeps limit state in Redis so several instances can enforce one
// budget. Buckets, sliding windows, and counters all mutate through Lua
// scripts; GetBucket and PutBucket remain for admin listing and seeding.
//
// Every key carries a TTL so idle keys age out of the cache. An evicted
// bucket reads as absent and is recreated full, which matches what refill
// would have produced for any key idle past the TTL.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	idleTTL time.Duration
}

func openRedis(ctx context.Context, cfg config.StoreConfig) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("store redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis store: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Redis.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}

	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultRedisIdleTTL
	}

	return &RedisStore{client: client, prefix: prefix, idleTTL: idleTTL}, nil
}

func (s *RedisStore) GetBucket(ctx context.Context, key string) (*core.BucketState, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	values, err := s.client.HMGet(ctx, s.bucketKey(key), "tokens", "last_refill").Result()
	if err != nil {
		return nil, fmt.Errorf("fetch bucket: %w", err)
	}
	if len(values) < 2 || values[0] == nil || values[1] == nil {
		return nil, nil
	}

	tokens, err := toFloat64(values[0])
	if err != nil {
		return nil, fmt.Errorf("fetch bucket: %w", err)
	}
	lastRefill, err := toInt64(values[1])
	if err != nil {
		return nil, fmt.Errorf("fetch bucket: %w", err)
	}

	return &core.BucketState{
		Tokens:     tokens,
		LastRefill: time.UnixMilli(lastRefill).UTC(),
	}, nil
}

// TakeTokens runs the bucket refill-and-take as a single Lua script.
func (s *RedisStore) TakeTokens(ctx context.Context, key string, req TokenRequest) (TokenGrant, error) {
	if s == nil || s.client == nil {
		return TokenGrant{}, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	values, err := bucketTakeScript.Run(ctx, s.client, []string{s.bucketKey(key)},
		req.Now.UTC().UnixMilli(), req.Capacity, req.RefillPerSec, req.Demand,
		s.idleTTL.Milliseconds()).Result()
	if err != nil {
		return TokenGrant{}, fmt.Errorf("take bucket tokens: %w", err)
	}

	reply, ok := values.([]any)
	if !ok || len(reply) < 2 {
		return TokenGrant{}, fmt.Errorf("take bucket tokens: unexpected reply %v", values)
	}

	admitted, err := toInt64(reply[0])
	if err != nil {
		return TokenGrant{}, fmt.Errorf("take bucket tokens: %w", err)
	}
	tokens, err := toFloat64(reply[1])
	if err != nil {
		return TokenGrant{}, fmt.Errorf("take bucket tokens: %w", err)
	}

	return TokenGrant{Allowed: admitted == 1, Tokens: tokens}, nil
}

func (s *RedisStore) PutBucket(ctx context.Context, key string, state *core.BucketState) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if state == nil {
		return errors.New("bucket state is required")
	}

	bucketKey := s.bucketKey(key)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, bucketKey,
		"tokens", state.Tokens,
		"last_refill", state.LastRefill.UTC().UnixMilli(),
	)
	pipe.Expire(ctx, bucketKey, s.idleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store bucket: %w", err)
	}

	return nil
}

func (s *RedisStore) AppendWindowEvent(ctx context.Context, key string, at time.Time, windowStart time.Time, limit int) (WindowResult, error) {
	if s == nil || s.client == nil {
		return WindowResult{}, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	atMs := at.UTC().UnixMilli()
	member := strconv.FormatInt(atMs, 10) + "-" + uuid.NewString()
	ttl := s.retention(at.Sub(windowStart))

	values, err := windowAppendScript.Run(ctx, s.client, []string{s.windowKey(key)},
		windowStart.UTC().UnixMilli(), limit, atMs, member, ttl.Milliseconds()).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("append window event: %w", err)
	}

	reply, ok := values.([]any)
	if !ok || len(reply) < 3 {
		return WindowResult{}, fmt.Errorf("append window event: unexpected reply %v", values)
	}

	count, err := toInt64(reply[0])
	if err != nil {
		return WindowResult{}, fmt.Errorf("append window event: %w", err)
	}
	admitted, err := toInt64(reply[1])
	if err != nil {
		return WindowResult{}, fmt.Errorf("append window event: %w", err)
	}
	oldestMs, err := toInt64(reply[2])
	if err != nil {
		return WindowResult{}, fmt.Errorf("append window event: %w", err)
	}

	result := WindowResult{Count: int(count), Admitted: admitted == 1}
	if oldestMs > 0 {
		result.Oldest = time.UnixMilli(oldestMs).UTC()
	}
	return result, nil
}

func (s *RedisStore) IncrCounter(ctx context.Context, key string, windowIndex int64, window time.Duration) (int, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ttl := s.retention(window)
	value, err := counterIncrScript.Run(ctx, s.client, []string{s.counterKey(key)},
		strconv.FormatInt(windowIndex, 10), ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}

	count, err := toInt64(value)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return int(count), nil
}

func (s *RedisStore) ListStates(ctx context.Context, q StateQuery) ([]StateEntry, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("store is not initialized")
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	entries := []StateEntry{}

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		kind, key, ok := s.splitKey(iter.Val())
		if !ok || !q.Matches(key) {
			continue
		}

		entry, err := s.describe(ctx, kind, key)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}

	sortStateEntries(entries)
	return entries, nil
}

func (s *RedisStore) describe(ctx context.Context, kind StateKind, key string) (*StateEntry, error) {
	switch kind {
	case StateBucket:
		state, err := s.GetBucket(ctx, key)
		if err != nil || state == nil {
			return nil, err
		}
		return &StateEntry{
			Kind:       StateBucket,
			Key:        key,
			Tokens:     state.Tokens,
			LastRefill: state.LastRefill,
		}, nil
	case StateWindow:
		windowKey := s.windowKey(key)
		count, err := s.client.ZCard(ctx, windowKey).Result()
		if err != nil {
			return nil, fmt.Errorf("describe window: %w", err)
		}
		entry := &StateEntry{Kind: StateWindow, Key: key, Events: int(count)}
		head, err := s.client.ZRangeWithScores(ctx, windowKey, 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("describe window: %w", err)
		}
		if len(head) > 0 {
			entry.Oldest = time.UnixMilli(int64(head[0].Score)).UTC()
		}
		return entry, nil
	case StateCounter:
		values, err := s.client.HMGet(ctx, s.counterKey(key), "window_index", "request_count").Result()
		if err != nil {
			return nil, fmt.Errorf("describe counter: %w", err)
		}
		if len(values) < 2 || values[0] == nil || values[1] == nil {
			return nil, nil
		}
		index, err := toInt64(values[0])
		if err != nil {
			return nil, fmt.Errorf("describe counter: %w", err)
		}
		count, err := toInt64(values[1])
		if err != nil {
			return nil, fmt.Errorf("describe counter: %w", err)
		}
		return &StateEntry{Kind: StateCounter, Key: key, WindowIndex: index, Count: int(count)}, nil
	default:
		return nil, nil
	}
}

func (s *RedisStore) CountStates(ctx context.Context, q StateQuery) (int, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("store is not initialized")
	}
	if err := q.Validate(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if _, key, ok := s.splitKey(iter.Val()); ok && q.Matches(key) {
			count++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("count states: %w", err)
	}

	return count, nil
}

func (s *RedisStore) ResetStates(ctx context.Context, q StateQuery) (int64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("store is not initialized")
	}
	if err := q.Validate(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	matched := []string{}
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if _, key, ok := s.splitKey(iter.Val()); ok && q.Matches(key) {
			matched = append(matched, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("reset states: %w", err)
	}

	var removed int64
	for len(matched) > 0 {
		batch := matched
		if len(batch) > 100 {
			batch = batch[:100]
		}
		matched = matched[len(batch):]

		deleted, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return 0, fmt.Errorf("reset states: %w", err)
		}
		removed += deleted
	}

	return removed, nil
}

func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis store: %w", err)
	}
	return nil
}

func (s *RedisStore) Driver() string {
	return driverRedis
}

// Close releases client resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) bucketKey(key string) string {
	return s.prefix + redisBucketPrefix + key
}

func (s *RedisStore) windowKey(key string) string {
	return s.prefix + redisWindowPrefix + key
}

func (s *RedisStore) counterKey(key string) string {
	return s.prefix + redisCounterPrefix + key
}

func (s *RedisStore) splitKey(full string) (StateKind, string, bool) {
	rest, ok := strings.CutPrefix(full, s.prefix)
	if !ok {
		return "", "", false
	}
	if key, ok := strings.CutPrefix(rest, redisBucketPrefix); ok {
		return StateBucket, key, true
	}
	if key, ok := strings.CutPrefix(rest, redisWindowPrefix); ok {
		return StateWindow, key, true
	}
	if key, ok := strings.CutPrefix(rest, redisCounterPrefix); ok {
		return StateCounter, key, true
	}
	return "", "", false
}

// retention keeps state alive for at least two windows so a budget cannot
// reset early, and at least the idle TTL so admin listings stay useful.
func (s *RedisStore) retention(window time.Duration) time.Duration {
	ttl := 2 * window
	if ttl < s.idleTTL {
		ttl = s.idleTTL
	}
	if ttl <= 0 {
		ttl = defaultRedisIdleTTL
	}
	return ttl
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value type %T", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	default:
		return 0, fmt.Errorf("unexpected value type %T", value)
	}
}
