package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

type Config struct {
	RedisURL string
	Password string
	DB       int
	TTL      time.Duration
	MaxSize  int
}

type Cache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Exists(key string) bool
	Clear() error
	CheckLimitsBatch(ctx context.Context, ops []BatchOp) ([]BatchResult, error)
	// SetIfAbsent sets key only if it does not already exist, returning
	// whether this call was the one that set it. Used to dedupe one-shot
	// events (e.g. a budget warning) across concurrent requests.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// BatchOp is one atomic increment-and-check operation submitted to
// CheckLimitsBatch. Ops run in order within a single pipeline round-trip;
// a later op's failure does not roll back an earlier op's increment in the
// same batch. Callers that need all-or-nothing semantics issue
// compensating refunds for the ops that already succeeded.
type BatchOp struct {
	Key    string
	Amount int64
	Limit  int64
	TTL    time.Duration
}

// BatchResult is the outcome of one BatchOp: the counter value after the
// increment was applied, and whether it stayed within Limit.
type BatchResult struct {
	NewValue int64
	Allowed  bool
}

// checkLimitsBatchInMemory mirrors the Redis Lua script's semantics: an op
// that would push its counter over Limit is never applied, and its result
// reports the pre-increment value.
func checkLimitsBatchInMemory(c *InMemoryCache, ops []BatchOp) ([]BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]BatchResult, len(ops))
	now := time.Now()
	for i, op := range ops {
		item, exists := c.data[op.Key]
		var current int64
		if exists && now.Before(item.expiresAt) {
			current, _ = strconv.ParseInt(string(item.value), 10, 64)
		}
		newValue := current + op.Amount
		if op.Limit > 0 && newValue > op.Limit {
			results[i] = BatchResult{NewValue: current, Allowed: false}
			continue
		}
		ttl := op.TTL
		if ttl == 0 {
			ttl = c.ttl
		}
		c.data[op.Key] = cacheItem{
			value:     []byte(strconv.FormatInt(newValue, 10)),
			expiresAt: now.Add(ttl),
		}
		results[i] = BatchResult{NewValue: newValue, Allowed: true}
	}
	return results, nil
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func Initialize(cfg *Config) error {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis URL: %w", err)
	}
	
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	
	client = redis.NewClient(opt)
	
	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	
	return nil
}

func NewRedisCache(ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

// NewRedisCacheWithClient builds a RedisCache around an explicit client
// instead of the package-level singleton, for tests and for callers that
// manage their own Redis connection lifecycle.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisCache) Set(key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) Exists(key string) bool {
	exists, _ := c.client.Exists(ctx, key).Result()
	return exists > 0
}

func (c *RedisCache) Clear() error {
	return c.client.FlushDB(ctx).Err()
}

func (c *RedisCache) GetJSON(key string, dest interface{}) error {
	data, err := c.Get(key)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func (c *RedisCache) SetJSON(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(key, data, ttl)
}

// checkAndIncrScript atomically checks whether applying amount to key would
// exceed limit; if it would, the counter is left untouched and the
// pre-increment value is returned. Otherwise the increment is applied (and
// the key's TTL refreshed) and the post-increment value is returned.
// KEYS[1] = counter key
// ARGV[1] = increment amount
// ARGV[2] = limit (<= 0 means unlimited)
// ARGV[3] = TTL in seconds to set on the key when incrementing
// Returns {value, allowed} where allowed is 1 or 0.
var checkAndIncrScript = redis.NewScript(`
	local key    = KEYS[1]
	local amount = tonumber(ARGV[1])
	local limit  = tonumber(ARGV[2])
	local ttl    = tonumber(ARGV[3])

	local current = tonumber(redis.call('GET', key) or '0')
	local newValue = current + amount

	if limit > 0 and newValue > limit then
		return {current, 0}
	end

	redis.call('INCRBY', key, amount)
	if ttl > 0 then
		redis.call('EXPIRE', key, ttl)
	end
	return {newValue, 1}
`)

// CheckLimitsBatch runs every op's check-and-increment atomically via
// checkAndIncrScript, pipelined into a single Redis round trip. Ops are not
// transactional against each other: if op 3 exceeds its limit, ops 1 and 2
// have already been incremented and stay incremented. An op that itself
// exceeds its limit never applies its own increment, so its result reports
// the pre-increment value. Callers that need all-or-nothing semantics must
// refund the ops that succeeded before the rejecting one.
func (c *RedisCache) CheckLimitsBatch(ctx context.Context, ops []BatchOp) ([]BatchResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.Cmd, len(ops))
	for i, op := range ops {
		ttl := op.TTL
		if ttl == 0 {
			ttl = c.ttl
		}
		cmds[i] = checkAndIncrScript.Run(ctx, pipe, []string{op.Key}, op.Amount, op.Limit, int64(ttl.Seconds()))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("executing batch pipeline: %w", err)
	}

	results := make([]BatchResult, len(ops))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("reading batch op %d result: %w", i, err)
		}
		pair, ok := raw.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("unexpected batch op %d result shape: %v", i, raw)
		}
		newValue, err := toInt64(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parsing batch op %d value: %w", i, err)
		}
		allowed, err := toInt64(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parsing batch op %d allowed flag: %w", i, err)
		}
		results[i] = BatchResult{NewValue: newValue, Allowed: allowed == 1}
	}

	return results, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// SetIfAbsent is Redis SETNX with an expiry attached atomically.
func (c *RedisCache) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

func GenerateCacheKey(prefix string, params map[string]interface{}) string {
	data, _ := json.Marshal(params)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(hash[:]))
}

func GeneratePromptCacheKey(provider, model, prompt string, params map[string]interface{}) string {
	combined := map[string]interface{}{
		"provider": provider,
		"model":    model,
		"prompt":   prompt,
		"params":   params,
	}
	return GenerateCacheKey("prompt", combined)
}

func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

func GetClient() *redis.Client {
	return client
}

func IsHealthy() bool {
	if client == nil {
		return false
	}
	
	if err := client.Ping(ctx).Err(); err != nil {
		return false
	}
	
	return true
}

type CacheStats struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Size   int64   `json:"size"`
	Keys   int64   `json:"keys"`
}

func GetStats() (*CacheStats, error) {
	if client == nil {
		return nil, fmt.Errorf("cache not initialized")
	}
	
	// TODO: Parse Redis INFO stats
	// info := client.Info(ctx, "stats")
	// This is simplified, actual implementation would parse the INFO response
	
	keys, _ := client.DBSize(ctx).Result()
	
	return &CacheStats{
		Keys: keys,
	}, nil
}

type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheItem
	ttl  time.Duration
}

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

func NewInMemoryCache(ttl time.Duration) *InMemoryCache {
	cache := &InMemoryCache{
		data: make(map[string]cacheItem),
		ttl:  ttl,
	}

	// Start cleanup goroutine
	go cache.cleanup()

	return cache
}

func (c *InMemoryCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.data[key]
	if !exists {
		return nil, nil
	}

	if time.Now().After(item.expiresAt) {
		delete(c.data, key)
		return nil, nil
	}

	return item.value, nil
}

func (c *InMemoryCache) Set(key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheItem{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (c *InMemoryCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *InMemoryCache) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.data[key]
	return exists
}

func (c *InMemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]cacheItem)
	return nil
}

// CheckLimitsBatch mirrors RedisCache's semantics for tests and
// lite-mode deployments: each op is applied in order, without rollback of
// earlier ops if a later one exceeds its limit.
func (c *InMemoryCache) CheckLimitsBatch(ctx context.Context, ops []BatchOp) ([]BatchResult, error) {
	return checkLimitsBatchInMemory(c, ops)
}

// SetIfAbsent mirrors RedisCache's SETNX-with-TTL semantics in-process.
func (c *InMemoryCache) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.data[key]; exists && time.Now().Before(item.expiresAt) {
		return false, nil
	}

	c.data[key] = cacheItem{value: []byte("1"), expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, item := range c.data {
			if now.After(item.expiresAt) {
				delete(c.data, key)
			}
		}
		c.mu.Unlock()
	}
}