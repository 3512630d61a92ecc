package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	return NewClientWithOptions(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
}

func NewClientWithOptions(opts *redis.Options) (*Client, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", opts.Addr))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// FingerprintTTL bounds how long a cached fingerprint can outlive a failed
// cache update.
const FingerprintTTL = 10 * time.Minute

func fingerprintKey(party, scope string) string {
	return fmt.Sprintf("fingerprint:%s:%s", party, scope)
}

func (c *Client) SetFingerprint(ctx context.Context, party, scope, fingerprint string) error {
	err := c.client.Set(ctx, fingerprintKey(party, scope), fingerprint, FingerprintTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set fingerprint cache: %w", err)
	}

	logger.Debug("Fingerprint cached", zap.String("party", party), zap.String("scope", scope))
	return nil
}

func (c *Client) GetFingerprint(ctx context.Context, party, scope string) (string, bool, error) {
	fp, err := c.client.Get(ctx, fingerprintKey(party, scope)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get fingerprint cache: %w", err)
	}
	return fp, true, nil
}

func (c *Client) DeleteFingerprint(ctx context.Context, party, scope string) error {
	if err := c.client.Del(ctx, fingerprintKey(party, scope)).Err(); err != nil {
		return fmt.Errorf("failed to delete fingerprint cache: %w", err)
	}
	return nil
}

// InvalidateFingerprints drops every cached fingerprint and returns how many
// keys were removed.
func (c *Client) InvalidateFingerprints(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, "fingerprint:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Fingerprint cache invalidated", zap.Int("keys", removed))
	return removed, nil
}

// Allow counts one hit against key in a fixed window starting at the first
// hit. It reports whether the hit is within limit. The window is created and
// counted in one transaction so a counter can never exist without its TTL.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := fmt.Sprintf("ratelimit:%s", key)

	var hits *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, k, 0, window)
		hits = pipe.Incr(ctx, k)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to count rate limit hit: %w", err)
	}

	return hits.Val() <= int64(limit), nil
}
