package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/awgw/internal/observability"
	"github.com/vyrodovalexey/awgw/internal/retry"
)

// incrementWithExpiryScript atomically increments a counter and stamps the
// expiration on first write.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = expiration in seconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisStore implements Store using Redis, for quota enforcement shared
// between gateway instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger observability.Logger
	closed bool
	mu     sync.Mutex
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectRetry governs the initial connection attempt. Nil uses the
	// default retry policy.
	ConnectRetry *retry.Policy

	Logger observability.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Prefix:       "awgw:admission:",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis store and verifies connectivity,
// retrying transient connection failures per the configured policy.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.Prefix == "" {
		config.Prefix = "awgw:admission:"
	}

	logger := config.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	policy := config.ConnectRetry
	if policy == nil {
		policy = retry.DefaultPolicy()
	}

	err := policy.Do(context.Background(), "redis_connect", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Address, err)
	}

	logger.Info("redis admission store connected",
		observability.String("address", config.Address),
		observability.Int("db", config.DB),
	)

	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		logger: logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client, which the caller owns.
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger observability.Logger) *RedisStore {
	if prefix == "" {
		prefix = "awgw:admission:"
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	val, err := s.client.Get(ctx, s.prefixKey(key)).Result()
	recordRedisOp("get", start)

	if err == redis.Nil {
		recordRedisStatus("get", "not_found")
		return 0, &ErrKeyNotFound{Key: key}
	}
	if err != nil {
		recordRedisStatus("get", "error")
		return 0, fmt.Errorf("redis get error: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		recordRedisStatus("get", "error")
		return 0, fmt.Errorf("failed to parse value: %w", err)
	}

	recordRedisStatus("get", "success")
	return n, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	start := time.Now()

	err := s.client.Set(ctx, s.prefixKey(key), value, expiration).Err()
	recordRedisOp("set", start)

	if err != nil {
		recordRedisStatus("set", "error")
		return fmt.Errorf("redis set error: %w", err)
	}

	recordRedisStatus("set", "success")
	return nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	start := time.Now()

	val, err := s.client.IncrBy(ctx, s.prefixKey(key), delta).Result()
	recordRedisOp("increment", start)

	if err != nil {
		recordRedisStatus("increment", "error")
		return 0, fmt.Errorf("redis incr error: %w", err)
	}

	recordRedisStatus("increment", "success")
	return val, nil
}

// IncrementWithExpiry implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	start := time.Now()

	expirationSecs := int64(expiration.Seconds())
	if expirationSecs < 1 {
		expirationSecs = 1
	}

	result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.prefixKey(key)}, delta, expirationSecs).Result()
	recordRedisOp("increment_with_expiry", start)

	if err != nil {
		recordRedisStatus("increment_with_expiry", "error")
		return 0, fmt.Errorf("redis script error: %w", err)
	}

	val, ok := result.(int64)
	if !ok {
		recordRedisStatus("increment_with_expiry", "error")
		return 0, fmt.Errorf("redis script returned unexpected type: %T", result)
	}

	recordRedisStatus("increment_with_expiry", "success")
	return val, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	start := time.Now()

	err := s.client.Del(ctx, s.prefixKey(key)).Err()
	recordRedisOp("delete", start)

	if err != nil {
		recordRedisStatus("delete", "error")
		return fmt.Errorf("redis del error: %w", err)
	}

	recordRedisStatus("delete", "success")
	return nil
}

// Close implements Store. Safe to call multiple times.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
