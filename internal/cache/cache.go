// Package cache provides the Redis read-through cache used by search and
// retrieval paths. Callers treat it as best-effort: a miss or a Redis outage
// falls back to Postgres.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
)

const keyPrefix = "puo_memo"

// Kind names the cached value classes. Each kind carries its own TTL.
type Kind string

const (
	KindEmbedding   Kind = "embedding"
	KindEntityGraph Kind = "entity_graph"
	KindMemory      Kind = "memory"
	KindMetadata    Kind = "metadata"
	KindSearch      Kind = "search"
	KindList        Kind = "list"
)

var ttls = map[Kind]time.Duration{
	KindEmbedding:   30 * 24 * time.Hour,
	KindEntityGraph: 24 * time.Hour,
	KindMemory:      12 * time.Hour,
	KindMetadata:    6 * time.Hour,
	KindSearch:      time.Hour,
	KindList:        5 * time.Minute,
}

// TTLFor returns the TTL for a kind, defaulting to the search TTL for
// unknown kinds.
func TTLFor(kind Kind) time.Duration {
	if d, ok := ttls[kind]; ok {
		return d
	}
	return ttls[KindSearch]
}

// Key builds the namespaced cache key puo_memo:{kind}:{id}.
func Key(kind Kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, kind, id)
}

// TenantKey scopes an id under a tenant so invalidation can sweep one tenant
// without touching the others.
func TenantKey(kind Kind, tenantID, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, kind, tenantID, id)
}

// TextHash derives a stable cache id from free text. Query strings and memory
// content are hashed so keys stay bounded and free of key-separator bytes.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}

// Stats is a cumulative hit/miss snapshot.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// StatsReporter is implemented by caches that count hits and misses.
type StatsReporter interface {
	Stats() Stats
}

type Redis struct {
	client *redis.Client
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// New connects to Redis at url. An empty url returns a no-op cache so the
// server runs without Redis in development.
func New(ctx context.Context, url string, logger *zap.Logger) (domain.Cache, error) {
	if url == "" {
		logger.Info("cache disabled, no redis url configured")
		return Noop{}, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, domain.WrapError(domain.KindUpstreamUnavailable, "redis unreachable", err)
	}

	logger.Info("cache connected", zap.String("addr", opts.Addr))
	return &Redis{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client; tests use this with miniredis.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		// Errors count as misses too; either way the caller falls back.
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// Stats reports cumulative hit/miss counts since startup.
func (c *Redis) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Redis) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache delete failed", zap.Error(err))
	}
}

// DeletePattern removes keys matching a glob pattern using SCAN, never KEYS,
// so a large keyspace does not block Redis.
func (c *Redis) DeletePattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			c.logger.Warn("cache scan failed", zap.String("pattern", pattern), zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("cache pattern delete failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (c *Redis) Close() error {
	return c.client.Close()
}

// Noop satisfies domain.Cache when Redis is not configured.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool)         { return nil, false }
func (Noop) Set(context.Context, string, []byte, time.Duration) {}
func (Noop) Delete(context.Context, ...string)                  {}
func (Noop) DeletePattern(context.Context, string)              {}
func (Noop) Stats() Stats                                       { return Stats{} }
