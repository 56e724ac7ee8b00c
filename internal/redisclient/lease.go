package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func leaseKey(key string) string {
	return fmt.Sprintf("lease:%s", key)
}

// AcquireLease claims key for ttl. ok is false when another holder owns it.
// The returned token must be passed to ReleaseLease.
func (c *Client) AcquireLease(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLease deletes the lease if token still holds it. released is false
// when the lease already expired or was taken over by another holder.
func (c *Client) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	n, err := c.releaseScript.Run(ctx, c.rdb, []string{leaseKey(key)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", key, err)
	}
	return n == 1, nil
}
