package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketplace-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/set_stock.lua
var setStockScript string

// ErrStockNotCached is returned when the stock mirror has no entry for a product.
var ErrStockNotCached = errors.New("stock not cached")

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	stockScript   *redis.Script
	stockTTL      time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		stockScript:   redis.NewScript(setStockScript),
		stockTTL:      time.Hour,
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks that Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("inventory:%d", productID)
}

// SetAvailable mirrors a product's committed stock level. The ledger in the
// database stays authoritative; the mirror only serves catalog reads. A level
// older than the stored one is ignored.
func (c *Client) SetAvailable(ctx context.Context, productID int64, level models.StockLevel) error {
	err := c.stockScript.Run(ctx, c.rdb, []string{stockKey(productID)},
		level.Available, level.Version, int64(c.stockTTL/time.Second), time.Now().Unix()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("set stock script failed: %w", err)
	}
	return nil
}

// GetAvailable retrieves the mirrored stock level
func (c *Client) GetAvailable(ctx context.Context, productID int64) (int, error) {
	val, err := c.rdb.HGet(ctx, stockKey(productID), "available").Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrStockNotCached
	}
	if err != nil {
		return 0, err
	}

	available, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt stock entry for product %d: %w", productID, err)
	}
	return available, nil
}

// AcquireLock acquires a distributed lock and returns the owner token
// needed to release it.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if the token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
