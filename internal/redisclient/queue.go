package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stock-service/internal/models"

	"github.com/go-redis/redis/v8"
)

const compensationQueueKey = "queue:saga:compensation"

// PushCompensation appends a failed release to the retry queue.
func (c *Client) PushCompensation(ctx context.Context, task models.CompensationTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode compensation task: %w", err)
	}
	return c.rdb.RPush(ctx, compensationQueueKey, raw).Err()
}

// PopCompensation removes the oldest queued task. It returns nil when the queue is empty.
func (c *Client) PopCompensation(ctx context.Context) (*models.CompensationTask, error) {
	raw, err := c.rdb.LPop(ctx, compensationQueueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop compensation task: %w", err)
	}

	var task models.CompensationTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode compensation task: %w", err)
	}
	return &task, nil
}

// CompensationBacklog returns the number of queued tasks.
func (c *Client) CompensationBacklog(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, compensationQueueKey).Result()
}
