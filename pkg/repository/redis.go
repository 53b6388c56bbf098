package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ============================================================================
// Redis Configuration
// ============================================================================

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addresses        []string      `json:"addresses" yaml:"addresses"`
	Password         string        `json:"password" yaml:"password"`
	DB               int           `json:"db" yaml:"db"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	PoolSize         int           `json:"pool_size" yaml:"pool_size"`
	MinIdleConns     int           `json:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout      time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout      time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PoolTimeout      time.Duration `json:"pool_timeout" yaml:"pool_timeout"`
	ClusterMode      bool          `json:"cluster_mode" yaml:"cluster_mode"`
	MasterName       string        `json:"master_name" yaml:"master_name"` // For Sentinel mode
	SentinelPassword string        `json:"sentinel_password" yaml:"sentinel_password"`
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addresses:    []string{"localhost:6379"},
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// ============================================================================
// Redis Connection
// ============================================================================

// RedisConn represents a Redis connection wrapper.
type RedisConn struct {
	client redis.UniversalClient
	config RedisConfig
}

// NewRedisConn creates a new Redis connection.
func NewRedisConn(cfg RedisConfig) (*RedisConn, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("redis: no addresses configured")
	}

	var client redis.UniversalClient

	if cfg.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			MaxRetries:   cfg.MaxRetries,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolTimeout:  cfg.PoolTimeout,
		})
	} else if cfg.MasterName != "" {
		// Sentinel mode
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.Addresses,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
			MaxRetries:       cfg.MaxRetries,
			PoolSize:         cfg.PoolSize,
			MinIdleConns:     cfg.MinIdleConns,
			DialTimeout:      cfg.DialTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PoolTimeout:      cfg.PoolTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolTimeout:  cfg.PoolTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisConn{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *RedisConn) Close() error {
	return c.client.Close()
}

// Ping tests the connection.
func (c *RedisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// IsHealthy returns true if the connection is healthy.
func (c *RedisConn) IsHealthy(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// Client returns the underlying Redis client.
func (c *RedisConn) Client() redis.UniversalClient {
	return c.client
}

// ============================================================================
// Redis Event Store
// ============================================================================

// RedisEventStore implements EventStore on Redis. Every call runs under its own
// timeout; a timed out call is reported as a storage failure.
type RedisEventStore struct {
	conn    *RedisConn
	prefix  string
	timeout time.Duration
}

// NewRedisEventStore creates an event store. An empty prefix leaves keys as given.
func NewRedisEventStore(conn *RedisConn, prefix string, timeout time.Duration) *RedisEventStore {
	return &RedisEventStore{
		conn:    conn,
		prefix:  prefix,
		timeout: timeout,
	}
}

// key prefixes the key with namespace.
func (s *RedisEventStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *RedisEventStore) IncrementWithExpiry(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	k := s.key(key)
	var incr *redis.IntCmd
	_, err := s.conn.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, k, amount)
		if ttl > 0 {
			// NX keeps the expiry anchored to the first write of the window.
			pipe.ExpireNX(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, storageError("increment", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisEventStore) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := s.conn.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err()
	return storageError("zadd", key, err)
}

func (s *RedisEventStore) SortedSetRemove(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.conn.client.ZRem(ctx, s.key(key), args...).Result()
	if err != nil {
		return 0, storageError("zrem", key, err)
	}
	return n, nil
}

// addWithinLimit trims, counts and conditionally adds in one server-side step.
// KEYS[1] set; ARGV trim bound, score, member, limit, ttl in milliseconds.
var addWithinLimit = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[4]) then
	return {0, count}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
if tonumber(ARGV[5]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return {1, count + 1}
`)

func (s *RedisEventStore) SortedSetAddWithinLimit(ctx context.Context, key, member string, score, trimBelow float64, limit int64, ttl time.Duration) (bool, int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	res, err := addWithinLimit.Run(ctx, s.conn.client, []string{s.key(key)},
		formatScore(trimBelow), formatScore(score), member, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, storageError("zadd-limit", key, err)
	}
	if len(res) != 2 {
		return false, 0, storageError("zadd-limit", key, fmt.Errorf("unexpected script reply %v", res))
	}
	return res[0] == 1, res[1], nil
}

func (s *RedisEventStore) SortedSetRemoveRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := s.conn.client.ZRemRangeByScore(ctx, s.key(key), formatScore(min), formatScore(max)).Err()
	return storageError("zremrangebyscore", key, err)
}

func (s *RedisEventStore) SortedSetCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.conn.client.ZCount(ctx, s.key(key), formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, storageError("zcount", key, err)
	}
	return n, nil
}

func (s *RedisEventStore) SortedSetRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	zs, err := s.conn.client.ZRangeWithScores(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, storageError("zrange", key, err)
	}
	return toScored(zs), nil
}

func (s *RedisEventStore) SortedSetRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	zs, err := s.conn.client.ZRevRangeWithScores(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, storageError("zrevrange", key, err)
	}
	return toScored(zs), nil
}

func (s *RedisEventStore) SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	opt := &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if limit > 0 {
		opt.Count = limit
	}
	zs, err := s.conn.client.ZRangeByScoreWithScores(ctx, s.key(key), opt).Result()
	if err != nil {
		return nil, storageError("zrangebyscore", key, err)
	}
	return toScored(zs), nil
}

func (s *RedisEventStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return storageError("sadd", key, s.conn.client.SAdd(ctx, s.key(key), args...).Err())
}

func (s *RedisEventStore) SetCardinality(ctx context.Context, key string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.conn.client.SCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, storageError("scard", key, err)
	}
	return n, nil
}

func (s *RedisEventStore) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.conn.client.SIsMember(ctx, s.key(key), member).Result()
	if err != nil {
		return false, storageError("sismember", key, err)
	}
	return ok, nil
}

func (s *RedisEventStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	val, err := s.conn.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", storageError("get", key, err)
	}
	return val, nil
}

func (s *RedisEventStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	return storageError("set", key, s.conn.client.Set(ctx, s.key(key), value, ttl).Err())
}

// CompareAndSwap watches key so that a write racing the comparison aborts
// the transaction; an aborted swap reports false.
func (s *RedisEventStore) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	k := s.key(key)
	swapped := false
	err := s.conn.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if old != "" {
				return nil
			}
		case err != nil:
			return err
		case current != old:
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, value, ttl)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, storageError("cas", key, err)
	}
	return swapped, nil
}

// ExtendWithExpiry sets key when absent, otherwise only lengthens its expiry.
func (s *RedisEventStore) ExtendWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	k := s.key(key)
	_, err := s.conn.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, k, value, ttl)
		if ttl > 0 {
			pipe.ExpireGT(ctx, k, ttl)
		} else {
			pipe.Persist(ctx, k)
		}
		return nil
	})
	return storageError("extend", key, err)
}

func (s *RedisEventStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	return storageError("del", keys[0], s.conn.client.Del(ctx, prefixed...).Err())
}

func (s *RedisEventStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.conn.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, storageError("exists", key, err)
	}
	return count > 0, nil
}

func (s *RedisEventStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if ttl <= 0 {
		return storageError("persist", key, s.conn.client.Persist(ctx, s.key(key)).Err())
	}
	return storageError("expire", key, s.conn.client.Expire(ctx, s.key(key), ttl).Err())
}

// TTL returns the remaining lifetime of key; zero means the key never expires.
func (s *RedisEventStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	d, err := s.conn.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, storageError("ttl", key, err)
	}
	switch {
	case d == -2:
		return 0, ErrKeyNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

func (s *RedisEventStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	return storageError("publish", channel, s.conn.client.Publish(ctx, s.key(channel), payload).Err())
}

// Subscribe opens a subscription and waits for Redis to confirm it.
func (s *RedisEventStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	prefixed := make([]string, len(channels))
	for i, c := range channels {
		prefixed[i] = s.key(c)
	}

	ps := s.conn.client.Subscribe(ctx, prefixed...)
	rctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		ps.Close()
		return nil, storageError("subscribe", fmt.Sprint(channels), err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan Message, 64),
	}
	trim := len(s.key(""))
	if s.prefix == "" {
		trim = 0
	}
	go sub.forward(trim)
	return sub, nil
}

func (s *RedisEventStore) StreamAppend(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.conn.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(stream),
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", storageError("xadd", stream, err)
	}
	return id, nil
}

func (s *RedisEventStore) StreamRevRange(ctx context.Context, stream string, count int64) ([]StreamEntry, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	msgs, err := s.conn.client.XRevRangeN(ctx, s.key(stream), "+", "-", count).Result()
	if err != nil {
		return nil, storageError("xrevrange", stream, err)
	}
	entries := make([]StreamEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = StreamEntry{ID: m.ID, Values: m.Values}
	}
	return entries, nil
}

// Ping tests the underlying connection.
func (s *RedisEventStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// IsHealthy returns true if the underlying connection is healthy.
func (s *RedisEventStore) IsHealthy(ctx context.Context) bool {
	return s.conn.IsHealthy(ctx)
}

func toScored(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

// redisSubscription adapts a go-redis PubSub to Subscription.
type redisSubscription struct {
	ps        *redis.PubSub
	out       chan Message
	closeOnce sync.Once
}

func (r *redisSubscription) forward(trim int) {
	defer close(r.out)
	for msg := range r.ps.Channel() {
		channel := msg.Channel
		if trim > 0 && len(channel) >= trim {
			channel = channel[trim:]
		}
		r.out <- Message{Channel: channel, Payload: []byte(msg.Payload)}
	}
}

func (r *redisSubscription) Messages() <-chan Message {
	return r.out
}

func (r *redisSubscription) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.ps.Close()
	})
	return err
}
