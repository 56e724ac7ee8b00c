package worker

import (
	"context"
	"time"

	"stock-service/internal/service"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// Auditor reconciles every inventory record against its ledger.
type Auditor interface {
	Audit(ctx context.Context) ([]service.Reconciliation, error)
}

// Retrier drains failed compensations.
type Retrier interface {
	RetryPending(ctx context.Context) (int, error)
}

// PeriodicJob runs fn on a fixed interval until its context is cancelled.
type PeriodicJob struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	logger   *zap.Logger
}

func NewPeriodicJob(name string, interval time.Duration, fn func(ctx context.Context) error) *PeriodicJob {
	return &PeriodicJob{name: name, interval: interval, fn: fn, logger: util.GetLogger()}
}

// NewAuditJob logs every record whose ledger replay disagrees with its quantity.
func NewAuditJob(ledger Auditor, interval time.Duration) *PeriodicJob {
	j := NewPeriodicJob("ledger-audit", interval, nil)
	j.fn = func(ctx context.Context) error {
		results, err := ledger.Audit(ctx)
		if err != nil {
			return err
		}
		drift := 0
		for _, r := range results {
			if !r.Consistent {
				drift++
			}
		}
		j.logger.Info("Ledger audit finished",
			zap.Int("records", len(results)),
			zap.Int("drift", drift))
		return nil
	}
	return j
}

func NewCompensationJob(retrier Retrier, interval time.Duration) *PeriodicJob {
	j := NewPeriodicJob("compensation-retry", interval, nil)
	j.fn = func(ctx context.Context) error {
		n, err := retrier.RetryPending(ctx)
		if n > 0 {
			j.logger.Info("Compensations released", zap.Int("count", n))
		}
		return err
	}
	return j
}

// Run blocks until ctx is cancelled. A failed run is logged and retried on the next tick.
func (j *PeriodicJob) Run(ctx context.Context) error {
	if j.interval <= 0 {
		j.logger.Info("Periodic job disabled", zap.String("job", j.name))
		<-ctx.Done()
		return ctx.Err()
	}

	j.logger.Info("Starting periodic job", zap.String("job", j.name), zap.Duration("interval", j.interval))
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Stopping periodic job", zap.String("job", j.name))
			return ctx.Err()
		case <-ticker.C:
			if err := j.fn(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("Periodic job failed", zap.String("job", j.name), zap.Error(err))
			}
		}
	}
}
