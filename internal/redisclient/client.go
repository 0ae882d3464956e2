package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"access-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

// lockPollInterval is how often a blocked caller re-attempts SetNX while
// waiting for a held lock.
const lockPollInterval = 50 * time.Millisecond

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
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

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Locker wraps the distributed lock operations with fixed TTL and wait
// bounds so callers hold an interface rather than tuning knobs.
type Locker struct {
	client *Client
	ttl    time.Duration
	wait   time.Duration
}

// NewLocker creates a Locker with the given lock TTL and maximum wait.
func NewLocker(client *Client, ttl, wait time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl, wait: wait}
}

// Acquire blocks up to the configured wait for the per-key lock. Returns the
// fencing token on success, ok=false when the wait bound elapses.
func (l *Locker) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", key), token, l.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return token, true, nil
		}
		if time.Now().After(deadline) {
			return "", false, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release releases the lock only if token still owns it.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	_, err := l.client.releaseScript.Run(ctx, l.client.rdb, []string{fmt.Sprintf("lock:%s", key)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// GetBudgetSnapshot returns the cached ledger balance for a policy, or nil on
// a cache miss or expired entry.
func (c *Client) GetBudgetSnapshot(ctx context.Context, policyID string) (*models.BudgetSnapshot, error) {
	key := fmt.Sprintf("budget:%s", policyID)

	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	snapshot := &models.BudgetSnapshot{}
	snapshot.Total, _ = strconv.ParseInt(result["total"], 10, 64)
	snapshot.Committed, _ = strconv.ParseInt(result["committed"], 10, 64)
	snapshot.Reserved, _ = strconv.ParseInt(result["reserved"], 10, 64)
	if fetchedAt, err := strconv.ParseInt(result["fetched_at"], 10, 64); err == nil {
		snapshot.FetchedAt = time.Unix(0, fetchedAt)
	}

	return snapshot, nil
}

// SetBudgetSnapshot caches a ledger balance with the given TTL.
func (c *Client) SetBudgetSnapshot(ctx context.Context, policyID string, snapshot *models.BudgetSnapshot, ttl time.Duration) error {
	key := fmt.Sprintf("budget:%s", policyID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key,
		"total", snapshot.Total,
		"committed", snapshot.Committed,
		"reserved", snapshot.Reserved,
		"fetched_at", snapshot.FetchedAt.UnixNano())
	pipe.Expire(ctx, key, ttl)

	_, err := pipe.Exec(ctx)
	return err
}

// InvalidateBudgetSnapshot drops the cached balance, forcing the next read to
// refresh from the ledger. Called after a committed spend.
func (c *Client) InvalidateBudgetSnapshot(ctx context.Context, policyID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("budget:%s", policyID)).Err()
}
