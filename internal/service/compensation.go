package service

import (
	"context"

	"stock-service/internal/models"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

const compensationBatchSize = 100

// Releaser is the part of the inventory gateway compensation needs.
type Releaser interface {
	Release(ctx context.Context, productID, warehouseID int64, quantity int) error
}

// backlogReporter is implemented by queues that can report their length.
type backlogReporter interface {
	CompensationBacklog(ctx context.Context) (int64, error)
}

// CompensationRetrier drains the queue of failed compensating releases.
type CompensationRetrier struct {
	queue       CompensationQueue
	inventory   Releaser
	maxAttempts int
	logger      *zap.Logger
}

func NewCompensationRetrier(queue CompensationQueue, inventory Releaser, maxAttempts int) *CompensationRetrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &CompensationRetrier{
		queue:       queue,
		inventory:   inventory,
		maxAttempts: maxAttempts,
		logger:      util.GetLogger(),
	}
}

// RetryPending takes up to one batch off the queue and retries each release.
// Tasks that fail again are requeued until they reach maxAttempts, then dropped
// with an error log for out-of-band reconciliation.
func (r *CompensationRetrier) RetryPending(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "CompensationRetrier.RetryPending")
	defer span.End()

	var batch []models.CompensationTask
	for len(batch) < compensationBatchSize {
		task, err := r.queue.PopCompensation(ctx)
		if err != nil {
			r.requeue(ctx, batch)
			return 0, err
		}
		if task == nil {
			break
		}
		batch = append(batch, *task)
	}

	released := 0
	for i, task := range batch {
		if ctx.Err() != nil {
			r.requeue(ctx, batch[i:])
			return released, ctx.Err()
		}

		err := r.inventory.Release(ctx, task.ProductID, task.WarehouseID, task.Quantity)
		if err == nil {
			released++
			r.logger.Info("Compensation retried successfully",
				zap.Int64("order_id", task.OrderID),
				zap.Int64("product_id", task.ProductID),
				zap.Int("attempts", task.Attempts+1))
			continue
		}

		task.Attempts++
		task.LastError = err.Error()
		if task.Attempts >= r.maxAttempts {
			r.logger.Error("Compensation abandoned, manual reconciliation required",
				zap.Int64("order_id", task.OrderID),
				zap.Int64("product_id", task.ProductID),
				zap.Int64("warehouse_id", task.WarehouseID),
				zap.Int("quantity", task.Quantity),
				zap.Int("attempts", task.Attempts),
				zap.Error(err))
			continue
		}
		r.requeue(ctx, []models.CompensationTask{task})
	}

	r.reportBacklog(ctx)
	return released, nil
}

func (r *CompensationRetrier) reportBacklog(ctx context.Context) {
	q, ok := r.queue.(backlogReporter)
	if !ok {
		return
	}
	n, err := q.CompensationBacklog(ctx)
	if err != nil {
		r.logger.Warn("Failed to read compensation backlog", zap.Error(err))
		return
	}
	util.CompensationBacklogSize.Set(float64(n))
}

func (r *CompensationRetrier) requeue(ctx context.Context, tasks []models.CompensationTask) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range tasks {
		if err := r.queue.PushCompensation(ctx, t); err != nil {
			r.logger.Error("Failed to requeue compensation",
				zap.Int64("order_id", t.OrderID),
				zap.Int64("product_id", t.ProductID),
				zap.Error(err))
		}
	}
}
