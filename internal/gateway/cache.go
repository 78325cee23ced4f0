package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botfleet/backend/internal/config"
	"github.com/botfleet/backend/internal/credits"
)

// BalanceCache is the gate's hot-path balance read. Postgres stays the
// source of truth; Redis only shortens the pre-check, and every debit
// through the gate invalidates the key. A cache outage degrades to
// direct ledger reads.
type BalanceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBalanceCache connects to Redis. A nil return with error means the
// caller should run without a cache.
func NewBalanceCache(cfg config.RedisConfig, ttl time.Duration) (*BalanceCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}

	slog.Info("balance cache connected", "addr", cfg.Addr, "db", cfg.DB)
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &BalanceCache{rdb: rdb, ttl: ttl}, nil
}

func balanceKey(tenant string) string { return "gate:balance:" + tenant }

// Get returns the cached balance, or ok=false on miss/outage.
func (c *BalanceCache) Get(ctx context.Context, tenant string) (credits.Amount, bool) {
	if c == nil {
		return 0, false
	}
	val, err := c.rdb.Get(ctx, balanceKey(tenant)).Result()
	if err != nil {
		return 0, false
	}
	raw, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return credits.FromRaw(raw), true
}

// Put stores the balance with the cache TTL; best effort.
func (c *BalanceCache) Put(ctx context.Context, tenant string, bal credits.Amount) {
	if c == nil {
		return
	}
	if err := c.rdb.Set(ctx, balanceKey(tenant), strconv.FormatInt(bal.Raw(), 10), c.ttl).Err(); err != nil {
		slog.Debug("balance cache put failed", "tenant", tenant, "error", err)
	}
}

// Invalidate drops the key after any ledger write for the tenant.
func (c *BalanceCache) Invalidate(ctx context.Context, tenant string) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, balanceKey(tenant)).Err(); err != nil {
		slog.Debug("balance cache invalidate failed", "tenant", tenant, "error", err)
	}
}

// Close shuts down the Redis client.
func (c *BalanceCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
