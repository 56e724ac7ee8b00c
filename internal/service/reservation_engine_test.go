package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"stock-service/config"
	"stock-service/internal/apperror"
	"stock-service/internal/models"
	"stock-service/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLeaseConfig() config.LeaseConfig {
	return config.LeaseConfig{
		TTL:            5 * time.Second,
		AcquireTimeout: 100 * time.Millisecond,
		MaxAttempts:    200,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
}

type engineFixture struct {
	repo      *memInventory
	locker    *memLocker
	cache     *memCache
	publisher *recordingPublisher
	engine    *ReservationEngine
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		repo:      newMemInventory(),
		locker:    newMemLocker(),
		cache:     newMemCache(),
		publisher: &recordingPublisher{},
	}
	f.engine = NewReservationEngine(f.repo, f.locker, f.cache, f.publisher, testLeaseConfig(), time.Minute)
	return f
}

func TestReserveReleaseScenario(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 0, nil)
	ctx := context.Background()

	ok, err := f.engine.Reserve(ctx, 1, 1, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	rec := f.repo.get(1, 1)
	assert.Equal(t, [3]int{10, 7, 3}, [3]int{rec.Quantity, rec.Reserved, rec.Available()})

	ok, err = f.engine.Reserve(ctx, 1, 1, 5)
	require.NoError(t, err)
	assert.False(t, ok, "3 available cannot cover 5")
	rec = f.repo.get(1, 1)
	assert.Equal(t, [3]int{10, 7, 3}, [3]int{rec.Quantity, rec.Reserved, rec.Available()})

	require.NoError(t, f.engine.Release(ctx, 1, 1, 7))
	rec = f.repo.get(1, 1)
	assert.Equal(t, [3]int{10, 0, 10}, [3]int{rec.Quantity, rec.Reserved, rec.Available()})
	assert.Zero(t, f.locker.heldCount())
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 5, 0, nil)

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
		errs      []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.engine.Reserve(context.Background(), 1, 1, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case ok:
				successes++
			default:
				failures++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 5, successes)
	assert.Equal(t, callers-5, failures)

	rec := f.repo.get(1, 1)
	assert.Equal(t, 5, rec.Reserved)
	assert.Equal(t, 0, rec.Available())
	assert.True(t, rec.Valid())
}

func TestConcurrentReservesWithRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	repo := newMemInventory()
	repo.seed(4, 2, 5, 0, nil)
	engine := NewReservationEngine(repo, redisclient.NewFromRedis(rdb), nil, nil, testLeaseConfig(), time.Minute)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := engine.Reserve(context.Background(), 4, 2, 1)
			if err == nil && ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	assert.Equal(t, 5, repo.get(4, 2).Reserved)
	assert.False(t, mr.Exists("lease:inventory:4:2"), "lease must be released after the last caller")
}

func TestReleaseClampsAtZero(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 3, nil)

	require.NoError(t, f.engine.Release(context.Background(), 1, 1, 100))

	rec := f.repo.get(1, 1)
	assert.Equal(t, 0, rec.Reserved)
	assert.Equal(t, 10, rec.Available())

	require.NoError(t, f.engine.Release(context.Background(), 1, 1, 1), "double release is harmless")
	assert.Equal(t, 0, f.repo.get(1, 1).Reserved)
}

func TestReserveLeaseExhausted(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 0, nil)
	f.locker.stuck = true

	cfg := testLeaseConfig()
	cfg.MaxAttempts = 3
	engine := NewReservationEngine(f.repo, f.locker, nil, nil, cfg, time.Minute)

	ok, err := engine.Reserve(context.Background(), 1, 1, 1)
	assert.False(t, ok)
	require.ErrorIs(t, err, apperror.ErrLeaseUnavailable)
	assert.True(t, apperror.From(err).Retriable())
	assert.Equal(t, 0, f.repo.get(1, 1).Reserved)
}

func TestLeaseReleasedWhenMutationFails(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 0, nil)
	f.repo.failWrite = errBoom

	ok, err := f.engine.Reserve(context.Background(), 1, 1, 2)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, f.locker.heldCount())
	assert.Equal(t, f.locker.acquired, f.locker.released)
}

func TestReserveCancelledContextStopsRetrying(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 0, nil)
	f.locker.stuck = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.engine.Reserve(ctx, 1, 1, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReserveValidatesInput(t *testing.T) {
	f := newEngineFixture()

	_, err := f.engine.Reserve(context.Background(), 1, 1, 0)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.engine.Reserve(context.Background(), 5, 5, 1)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestApplyMovementSequenceReconciles(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()

	for _, mv := range []MovementRequest{
		{ProductID: 1, WarehouseID: 1, Type: models.MovementIn, Quantity: 100, Reason: "receipt"},
		{ProductID: 1, WarehouseID: 1, Type: models.MovementOut, Quantity: 30, ReferenceNo: "SO-1"},
		{ProductID: 1, WarehouseID: 1, Type: models.MovementReturn, Quantity: 5},
	} {
		_, err := f.engine.ApplyMovement(ctx, mv)
		require.NoError(t, err)
	}

	rec := f.repo.get(1, 1)
	assert.Equal(t, 75, rec.Quantity)

	ledger := NewStockLedger(f.repo)
	movements, err := ledger.ListMovements(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, movements, 3)

	r, err := ledger.Reconcile(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, r.Consistent)
	assert.Equal(t, 75, r.Expected)
	assert.Equal(t, 3, r.MovementCount)
}

func TestApplyMovementRejectsBelowReserved(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 8, nil)

	_, err := f.engine.ApplyMovement(context.Background(),
		MovementRequest{ProductID: 1, WarehouseID: 1, Type: models.MovementOut, Quantity: 5})
	require.ErrorIs(t, err, apperror.ErrInsufficientStock)

	rec := f.repo.get(1, 1)
	assert.Equal(t, 10, rec.Quantity)
	assert.Zero(t, f.repo.movementCount(), "no ledger row without a movement")
}

func TestApplyMovementOnMissingRecord(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()

	_, err := f.engine.ApplyMovement(ctx, MovementRequest{ProductID: 2, WarehouseID: 1, Type: models.MovementTransfer, Quantity: 1})
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	rec, err := f.engine.ApplyMovement(ctx, MovementRequest{ProductID: 2, WarehouseID: 1, Type: models.MovementAdjustment, Quantity: 12})
	require.NoError(t, err)
	assert.Equal(t, 12, rec.Quantity)
	assert.Equal(t, 1, f.repo.movementCount())

	rec, err = f.engine.ApplyMovement(ctx, MovementRequest{ProductID: 2, WarehouseID: 1, Type: models.MovementAdjustment, Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Quantity, "adjustment sets an absolute value")

	_, err = f.engine.ApplyMovement(ctx, MovementRequest{ProductID: 2, WarehouseID: 1, Type: models.MovementIn, Quantity: 0})
	assert.ErrorIs(t, err, apperror.ErrValidation)
	_, err = f.engine.ApplyMovement(ctx, MovementRequest{ProductID: 2, WarehouseID: 1, Type: "SCRAP", Quantity: 1})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestLowStockIsEdgeTriggered(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 0, intPtr(3))
	ctx := context.Background()

	ok, err := f.engine.Reserve(ctx, 1, 1, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, f.publisher.lowStock, 1)
	assert.Equal(t, 3, f.publisher.lowStock[0].AvailableQuantity)
	assert.Equal(t, 3, f.publisher.lowStock[0].MinimumQuantity)

	ok, err = f.engine.Reserve(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, f.publisher.lowStock, 1, "still low, no new notification")

	require.NoError(t, f.engine.Release(ctx, 1, 1, 8))
	assert.False(t, f.repo.get(1, 1).LowStockNotified, "leaving low stock re-arms")

	ok, err = f.engine.Reserve(ctx, 1, 1, 8)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, f.publisher.lowStock, 2)

	low, err := f.engine.ListLowStock(ctx)
	require.NoError(t, err)
	assert.Len(t, low, 1)
}

func TestLowStockPublishFailureIsRetried(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 0, intPtr(3))
	f.publisher.failLowStock = errBoom
	ctx := context.Background()

	ok, err := f.engine.Reserve(ctx, 1, 1, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, f.repo.get(1, 1).LowStockNotified)

	f.publisher.failLowStock = nil
	ok, err = f.engine.Reserve(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, f.publisher.lowStock, 1)
	assert.True(t, f.repo.get(1, 1).LowStockNotified)
}

func TestCommitShipsReservedStock(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 4, nil)

	require.NoError(t, f.engine.Commit(context.Background(), 1, 1, 4, "ORD-1"))

	rec := f.repo.get(1, 1)
	assert.Equal(t, 6, rec.Quantity)
	assert.Equal(t, 0, rec.Reserved)

	movements, _ := f.repo.ListMovements(context.Background(), 1, 1)
	require.Len(t, movements, 1)
	assert.Equal(t, models.MovementOut, movements[0].Type)
	assert.Equal(t, "ORD-1", movements[0].ReferenceNo)

	err := f.engine.Commit(context.Background(), 1, 1, 50, "ORD-2")
	assert.ErrorIs(t, err, apperror.ErrInsufficientStock)
}

func TestCreateRecord(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()

	rec, err := f.engine.CreateRecord(ctx, CreateRecordRequest{ProductID: 3, WarehouseID: 2, Quantity: 40, MinimumThreshold: intPtr(5)})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, 1, f.repo.movementCount())

	_, err = f.engine.CreateRecord(ctx, CreateRecordRequest{ProductID: 3, WarehouseID: 2})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.engine.CreateRecord(ctx, CreateRecordRequest{ProductID: 3, WarehouseID: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.movementCount(), "empty record has no opening movement")

	byProduct, err := f.engine.ListByProduct(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, byProduct, 2)

	byWarehouse, err := f.engine.ListByWarehouse(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, byWarehouse, 1)
}

func TestGetRecordReadsThroughCache(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 0, nil)
	ctx := context.Background()

	rec, err := f.engine.GetRecord(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Quantity)
	assert.True(t, f.cache.has(inventoryKey(1, 1)))

	ok, err := f.engine.Reserve(ctx, 1, 1, 4)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err = f.engine.GetRecord(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Reserved, "mutations refresh the cached copy")

	av, err := f.engine.GetAvailability(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, av.Known)
	assert.Equal(t, 6, av.Available)

	noCache := NewReservationEngine(f.repo, f.locker, nil, nil, testLeaseConfig(), time.Minute)
	rec, err = noCache.GetRecord(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Reserved, "no cache behaves like a miss")
}

func TestBackoffIsBounded(t *testing.T) {
	g := &leaseGuard{cfg: config.LeaseConfig{BackoffBase: 10 * time.Millisecond, BackoffMax: 80 * time.Millisecond}}
	for attempt := 1; attempt < 20; attempt++ {
		d := g.backoff(attempt)
		assert.LessOrEqual(t, d, 80*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
	assert.GreaterOrEqual(t, g.backoff(1), 5*time.Millisecond)
}

func TestCommitIsIdempotentPerReference(t *testing.T) {
	f := newEngineFixture()
	f.repo.seed(1, 1, 10, 6, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.Commit(ctx, 1, 1, 3, "ORD-7"))
	require.NoError(t, f.engine.Commit(ctx, 1, 1, 3, "ORD-7"), "a replayed shipment is accepted")

	rec := f.repo.get(1, 1)
	assert.Equal(t, 7, rec.Quantity)
	assert.Equal(t, 3, rec.Reserved)
	assert.Equal(t, 1, f.repo.movementCount())

	require.NoError(t, f.engine.Commit(ctx, 1, 1, 3, "ORD-8"))
	rec = f.repo.get(1, 1)
	assert.Equal(t, 4, rec.Quantity)
	assert.Equal(t, 0, rec.Reserved)
	assert.Equal(t, 2, f.repo.movementCount())
}

// leaseAwareCache records whether the key's lease was held on every write.
type leaseAwareCache struct {
	*memCache
	locker *memLocker

	mu        sync.Mutex
	writes    int
	outsideLease int
}

func (c *leaseAwareCache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	c.mu.Lock()
	c.writes++
	if c.locker.heldCount() == 0 {
		c.outsideLease++
	}
	c.mu.Unlock()
	return c.memCache.SetJSON(ctx, key, v, ttl)
}

func TestCacheWritesHappenUnderLease(t *testing.T) {
	repo := newMemInventory()
	repo.seed(1, 1, 100, 0, nil)
	locker := newMemLocker()
	cache := &leaseAwareCache{memCache: newMemCache(), locker: locker}
	engine := NewReservationEngine(repo, locker, cache, nil, testLeaseConfig(), time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = engine.Reserve(ctx, 1, 1, 3)
		}()
		go func() {
			defer wg.Done()
			_, _ = engine.GetRecord(ctx, 1, 1)
		}()
	}
	wg.Wait()
	require.NoError(t, engine.Release(ctx, 1, 1, 6))

	assert.Positive(t, cache.writes)
	assert.Zero(t, cache.outsideLease)

	cached, err := engine.GetRecord(ctx, 1, 1)
	require.NoError(t, err)
	stored := repo.get(1, 1)
	assert.Equal(t, stored.Reserved, cached.Reserved)
	assert.Equal(t, 24, stored.Reserved)
}

func TestAcquireTimeoutStaysBelowTTL(t *testing.T) {
	g := &leaseGuard{cfg: config.LeaseConfig{TTL: 2 * time.Second, AcquireTimeout: 5 * time.Second}}
	assert.Equal(t, time.Second, g.acquireTimeout())

	g.cfg.AcquireTimeout = 200 * time.Millisecond
	assert.Equal(t, 200*time.Millisecond, g.acquireTimeout())

	g.cfg.AcquireTimeout = 0
	assert.Zero(t, g.acquireTimeout())
}
