package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"stock-service/config"
	"stock-service/internal/apperror"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// leaseGuard serializes work on one inventory key through the Locker.
type leaseGuard struct {
	locker Locker
	cfg    config.LeaseConfig
	logger *zap.Logger
}

func inventoryKey(productID, warehouseID int64) string {
	return fmt.Sprintf("inventory:%d:%d", productID, warehouseID)
}

// withLease runs fn while holding the lease for key. Acquisition is retried with
// exponential backoff and jitter up to cfg.MaxAttempts, then fails with LeaseUnavailable.
// The lease is released on every exit path; a crashed holder's lease expires after cfg.TTL.
func (g *leaseGuard) withLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	maxAttempts := g.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var token string
	for attempt := 1; ; attempt++ {
		tok, ok, err := g.tryAcquire(ctx, key)
		if err != nil {
			g.logger.Warn("Lease acquisition attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if ok {
			token = tok
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= maxAttempts {
			util.LeaseUnavailableTotal.Inc()
			return apperror.LeaseUnavailable(key, attempt)
		}

		util.LeaseAcquireRetries.Inc()
		if err := sleepCtx(ctx, g.backoff(attempt)); err != nil {
			return err
		}
	}

	defer g.release(key, token)
	return fn(ctx)
}

// tryAcquire bounds a single SETNX round trip. If the timeout fires after Redis
// has applied the SETNX, the lease is orphaned: nobody holds its token, so the
// key stays blocked until TTL expires.
// tryLease runs fn only if the lease for key is free on the first attempt. It
// reports whether fn ran.
func (g *leaseGuard) tryLease(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	token, ok, err := g.tryAcquire(ctx, key)
	if err != nil || !ok {
		return false, nil
	}
	defer g.release(key, token)
	return true, fn(ctx)
}

func (g *leaseGuard) tryAcquire(ctx context.Context, key string) (string, bool, error) {
	acquireCtx := ctx
	if timeout := g.acquireTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return g.locker.AcquireLease(acquireCtx, key, g.cfg.TTL)
}

// acquireTimeout keeps the per-attempt timeout at most half the TTL, which bounds
// how long an orphaned lease can block the key relative to a normal hold.
func (g *leaseGuard) acquireTimeout() time.Duration {
	timeout := g.cfg.AcquireTimeout
	if timeout <= 0 || g.cfg.TTL <= 0 {
		return timeout
	}
	if limit := g.cfg.TTL / 2; timeout > limit {
		return limit
	}
	return timeout
}

// release uses its own context so a cancelled request still gives the lease back.
func (g *leaseGuard) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	released, err := g.locker.ReleaseLease(ctx, key, token)
	if err != nil {
		g.logger.Error("Failed to release lease, it will expire on its own",
			zap.String("key", key), zap.Error(err))
		return
	}
	if !released {
		g.logger.Warn("Lease expired before release", zap.String("key", key))
	}
}

// backoff returns base*2^(attempt-1) capped at BackoffMax, with up to 50% jitter.
func (g *leaseGuard) backoff(attempt int) time.Duration {
	base := g.cfg.BackoffBase
	if base <= 0 {
		base = time.Millisecond
	}
	d := base
	for i := 1; i < attempt && (g.cfg.BackoffMax <= 0 || d < g.cfg.BackoffMax); i++ {
		d *= 2
	}
	if g.cfg.BackoffMax > 0 && d > g.cfg.BackoffMax {
		d = g.cfg.BackoffMax
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
