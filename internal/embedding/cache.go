package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lodestar/api/internal/search"
)

// RedisCache stores query embeddings keyed by model and text hash. Entries
// are immutable for a given model, so only a TTL bounds them.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: "kg:qemb:", ttl: ttl}
}

func (c *RedisCache) key(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + model + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached vector and whether it was present.
func (c *RedisCache) Get(ctx context.Context, model, text string) ([]float32, bool, error) {
	raw, err := c.client.Get(ctx, c.key(model, text)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup query embedding: %w", err)
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil, false, fmt.Errorf("unmarshal query embedding: %w", err)
	}
	return vector, true, nil
}

func (c *RedisCache) Set(ctx context.Context, model, text string, vector []float32) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal query embedding: %w", err)
	}
	if err := c.client.Set(ctx, c.key(model, text), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("save query embedding: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedEmbedder consults the cache before calling the wrapped embedder.
// Cache failures are logged and never fail the query.
type CachedEmbedder struct {
	next   search.QueryEmbedder
	cache  *RedisCache
	model  string
	logger *zap.Logger
}

func NewCachedEmbedder(next search.QueryEmbedder, cache *RedisCache, model string, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{next: next, cache: cache, model: model, logger: logger}
}

func (e *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	vector, ok, err := e.cache.Get(ctx, e.model, text)
	if err != nil {
		e.logger.Warn("embedding: cache lookup failed", zap.Error(err))
	}
	if ok {
		return vector, nil
	}

	vector, err = e.next.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, e.model, text, vector); err != nil {
		e.logger.Warn("embedding: cache store failed", zap.Error(err))
	}
	return vector, nil
}
