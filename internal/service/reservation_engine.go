package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stock-service/config"
	"stock-service/internal/apperror"
	"stock-service/internal/models"
	"stock-service/internal/redisclient"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// ReservationEngine owns every mutation of inventory records. Each mutation runs
// inside the lease for its (product, warehouse) key.
type ReservationEngine struct {
	repo      InventoryRepository
	lease     *leaseGuard
	cache     Cache
	cacheTTL  time.Duration
	publisher LowStockPublisher
	logger    *zap.Logger
}

// NewReservationEngine creates the engine. cache and publisher may be nil.
func NewReservationEngine(
	repo InventoryRepository,
	locker Locker,
	cache Cache,
	publisher LowStockPublisher,
	leaseCfg config.LeaseConfig,
	cacheTTL time.Duration,
) *ReservationEngine {
	logger := util.GetLogger()
	return &ReservationEngine{
		repo:      repo,
		lease:     &leaseGuard{locker: locker, cfg: leaseCfg, logger: logger},
		cache:     cache,
		cacheTTL:  cacheTTL,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateRecordRequest describes a new inventory record.
type CreateRecordRequest struct {
	ProductID        int64   `json:"product_id" binding:"required"`
	WarehouseID      int64   `json:"warehouse_id" binding:"required"`
	Quantity         int     `json:"quantity" binding:"min=0"`
	MinimumThreshold *int    `json:"minimum_threshold,omitempty" binding:"omitempty,min=0"`
	ShelfLocation    *string `json:"shelf_location,omitempty"`
}

// MovementRequest describes one stock movement.
type MovementRequest struct {
	ProductID   int64               `json:"product_id" binding:"required"`
	WarehouseID int64               `json:"warehouse_id" binding:"required"`
	Type        models.MovementType `json:"type" binding:"required"`
	Quantity    int                 `json:"quantity" binding:"min=0"`
	Reason      string              `json:"reason"`
	ReferenceNo string              `json:"reference_no"`
}

func (r MovementRequest) validate() error {
	if r.ProductID <= 0 || r.WarehouseID <= 0 {
		return apperror.Validation("product_id and warehouse_id must be positive")
	}
	if !r.Type.Valid() {
		return apperror.Validation("unknown movement type %q", r.Type)
	}
	if r.Type == models.MovementAdjustment {
		if r.Quantity < 0 {
			return apperror.Validation("adjustment quantity must not be negative")
		}
		return nil
	}
	if r.Quantity <= 0 {
		return apperror.Validation("movement quantity must be positive")
	}
	return nil
}

func validateKey(productID, warehouseID int64, quantity int) error {
	if productID <= 0 || warehouseID <= 0 {
		return apperror.Validation("product_id and warehouse_id must be positive")
	}
	if quantity <= 0 {
		return apperror.Validation("quantity must be positive")
	}
	return nil
}

// Reserve holds quantity against available stock. It returns false without
// error when available stock is insufficient, and LeaseUnavailable when the key
// stays contended after all retries.
func (e *ReservationEngine) Reserve(ctx context.Context, productID, warehouseID int64, quantity int) (bool, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Reserve")
	defer span.End()

	if err := validateKey(productID, warehouseID, quantity); err != nil {
		return false, err
	}

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	var (
		updated *models.InventoryRecord
		notify  bool
	)
	err := e.lease.withLease(ctx, inventoryKey(productID, warehouseID), func(ctx context.Context) error {
		rec, err := e.repo.GetInventory(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		if rec.Available() < quantity {
			return nil
		}

		rec.Reserved += quantity
		notify = markLowStock(rec)
		if err := e.repo.UpdateReservation(ctx, rec); err != nil {
			return fmt.Errorf("persist reservation: %w", err)
		}
		e.cacheRecord(ctx, rec)
		updated = rec
		return nil
	})
	if err != nil {
		util.InventoryReservationsFailed.WithLabelValues(failureReason(err)).Inc()
		span.RecordError(err)
		return false, err
	}
	if updated == nil {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		e.logger.Info("Insufficient stock for reservation",
			zap.Int64("product_id", productID),
			zap.Int64("warehouse_id", warehouseID),
			zap.Int("requested", quantity))
		return false, nil
	}

	e.notifyIfCrossed(ctx, updated, notify)
	return true, nil
}

// Release returns quantity from reserved to available. Releasing more than is
// reserved clamps reserved at zero.
func (e *ReservationEngine) Release(ctx context.Context, productID, warehouseID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Release")
	defer span.End()

	if err := validateKey(productID, warehouseID, quantity); err != nil {
		return err
	}

	var (
		updated *models.InventoryRecord
		notify  bool
	)
	err := e.lease.withLease(ctx, inventoryKey(productID, warehouseID), func(ctx context.Context) error {
		rec, err := e.repo.GetInventory(ctx, productID, warehouseID)
		if err != nil {
			return err
		}

		if quantity > rec.Reserved {
			e.logger.Debug("Release exceeds reservation, clamping",
				zap.Int64("product_id", productID),
				zap.Int64("warehouse_id", warehouseID),
				zap.Int("reserved", rec.Reserved),
				zap.Int("requested", quantity))
			rec.Reserved = 0
		} else {
			rec.Reserved -= quantity
		}
		notify = markLowStock(rec)
		if err := e.repo.UpdateReservation(ctx, rec); err != nil {
			return fmt.Errorf("persist release: %w", err)
		}
		e.cacheRecord(ctx, rec)
		updated = rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	e.notifyIfCrossed(ctx, updated, notify)
	return nil
}

// ApplyMovement changes on-hand quantity and appends the ledger row in the same
// transaction. IN, RETURN and ADJUSTMENT on a missing record create it.
func (e *ReservationEngine) ApplyMovement(ctx context.Context, req MovementRequest) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.ApplyMovement")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	var (
		updated *models.InventoryRecord
		notify  bool
	)
	err := e.lease.withLease(ctx, inventoryKey(req.ProductID, req.WarehouseID), func(ctx context.Context) error {
		mv := &models.StockMovement{
			ProductID:   req.ProductID,
			WarehouseID: req.WarehouseID,
			Type:        req.Type,
			Quantity:    req.Quantity,
			Reason:      req.Reason,
			ReferenceNo: req.ReferenceNo,
		}

		rec, err := e.repo.GetInventory(ctx, req.ProductID, req.WarehouseID)
		if errors.Is(err, apperror.ErrNotFound) {
			if req.Type == models.MovementOut || req.Type == models.MovementTransfer {
				return err
			}
			rec = &models.InventoryRecord{
				ProductID:   req.ProductID,
				WarehouseID: req.WarehouseID,
				Quantity:    req.Type.Apply(0, req.Quantity),
			}
			if err := e.repo.CreateInventory(ctx, rec, mv); err != nil {
				return err
			}
			e.cacheRecord(ctx, rec)
			updated = rec
			return nil
		}
		if err != nil {
			return err
		}

		next := req.Type.Apply(rec.Quantity, req.Quantity)
		if next-rec.Reserved < 0 {
			return apperror.InsufficientStock(
				"%s of %d would leave product %d in warehouse %d below its %d reserved units",
				req.Type, req.Quantity, req.ProductID, req.WarehouseID, rec.Reserved)
		}

		rec.Quantity = next
		notify = markLowStock(rec)
		if err := e.repo.ApplyMovement(ctx, rec, mv); err != nil {
			return fmt.Errorf("persist movement: %w", err)
		}
		e.cacheRecord(ctx, rec)
		updated = rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	util.StockMovementsTotal.WithLabelValues(string(req.Type)).Inc()
	e.logger.Info("Stock movement applied",
		zap.Int64("product_id", req.ProductID),
		zap.Int64("warehouse_id", req.WarehouseID),
		zap.String("type", string(req.Type)),
		zap.Int("quantity", req.Quantity),
		zap.Int("on_hand", updated.Quantity))

	e.notifyIfCrossed(ctx, updated, notify)
	return updated, nil
}

// Commit turns a reservation into a shipment: reserved and on-hand both drop by
// quantity and an OUT row referencing referenceNo is appended. A referenceNo that
// already has an OUT row for the key is a no-op, so retried shipments commit once.
func (e *ReservationEngine) Commit(ctx context.Context, productID, warehouseID int64, quantity int, referenceNo string) error {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Commit")
	defer span.End()

	if err := validateKey(productID, warehouseID, quantity); err != nil {
		return err
	}

	var (
		updated *models.InventoryRecord
		notify  bool
	)
	err := e.lease.withLease(ctx, inventoryKey(productID, warehouseID), func(ctx context.Context) error {
		if referenceNo != "" {
			done, err := e.repo.HasMovement(ctx, productID, warehouseID, models.MovementOut, referenceNo)
			if err != nil {
				return err
			}
			if done {
				e.logger.Info("Shipment already committed",
					zap.Int64("product_id", productID),
					zap.Int64("warehouse_id", warehouseID),
					zap.String("reference_no", referenceNo))
				return nil
			}
		}

		rec, err := e.repo.GetInventory(ctx, productID, warehouseID)
		if err != nil {
			return err
		}

		reserved := rec.Reserved - quantity
		if reserved < 0 {
			reserved = 0
		}
		onHand := rec.Quantity - quantity
		if onHand-reserved < 0 {
			return apperror.InsufficientStock(
				"cannot ship %d of product %d from warehouse %d: %d on hand, %d reserved",
				quantity, productID, warehouseID, rec.Quantity, rec.Reserved)
		}

		rec.Reserved = reserved
		rec.Quantity = onHand
		notify = markLowStock(rec)
		mv := &models.StockMovement{
			ProductID:   productID,
			WarehouseID: warehouseID,
			Type:        models.MovementOut,
			Quantity:    quantity,
			Reason:      "order shipped",
			ReferenceNo: referenceNo,
		}
		if err := e.repo.ApplyMovement(ctx, rec, mv); err != nil {
			return fmt.Errorf("persist commit: %w", err)
		}
		e.cacheRecord(ctx, rec)
		updated = rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if updated == nil {
		return nil
	}
	util.StockMovementsTotal.WithLabelValues(string(models.MovementOut)).Inc()
	e.notifyIfCrossed(ctx, updated, notify)
	return nil
}

// CreateRecord registers a (product, warehouse) pair. A positive opening quantity
// is booked as an IN movement so the ledger reconciles from the start.
func (e *ReservationEngine) CreateRecord(ctx context.Context, req CreateRecordRequest) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.CreateRecord")
	defer span.End()

	if req.ProductID <= 0 || req.WarehouseID <= 0 {
		return nil, apperror.Validation("product_id and warehouse_id must be positive")
	}
	if req.Quantity < 0 {
		return nil, apperror.Validation("quantity must not be negative")
	}
	if req.MinimumThreshold != nil && *req.MinimumThreshold < 0 {
		return nil, apperror.Validation("minimum_threshold must not be negative")
	}

	var (
		created *models.InventoryRecord
		notify  bool
	)
	err := e.lease.withLease(ctx, inventoryKey(req.ProductID, req.WarehouseID), func(ctx context.Context) error {
		_, err := e.repo.GetInventory(ctx, req.ProductID, req.WarehouseID)
		if err == nil {
			return apperror.Validation("inventory for product %d in warehouse %d already exists",
				req.ProductID, req.WarehouseID)
		}
		if !errors.Is(err, apperror.ErrNotFound) {
			return err
		}

		rec := &models.InventoryRecord{
			ProductID:        req.ProductID,
			WarehouseID:      req.WarehouseID,
			Quantity:         req.Quantity,
			MinimumThreshold: req.MinimumThreshold,
			ShelfLocation:    req.ShelfLocation,
		}
		notify = markLowStock(rec)

		var initial *models.StockMovement
		if req.Quantity > 0 {
			initial = &models.StockMovement{
				ProductID:   req.ProductID,
				WarehouseID: req.WarehouseID,
				Type:        models.MovementIn,
				Quantity:    req.Quantity,
				Reason:      "initial stock",
			}
		}
		if err := e.repo.CreateInventory(ctx, rec, initial); err != nil {
			return err
		}
		e.cacheRecord(ctx, rec)
		created = rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.notifyIfCrossed(ctx, created, notify)
	return created, nil
}

// GetRecord reads through the cache. Cache failures behave as misses, and a
// miss fills the cache only when the key's lease is free.
func (e *ReservationEngine) GetRecord(ctx context.Context, productID, warehouseID int64) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.GetRecord")
	defer span.End()

	key := inventoryKey(productID, warehouseID)
	if e.cache != nil {
		var cached models.InventoryRecord
		err := e.cache.GetJSON(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, redisclient.ErrCacheMiss) {
			e.logger.Warn("Inventory cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	if e.cache != nil {
		// Fill the cache only while holding the lease, so a fill cannot
		// overwrite a newer record written by a concurrent mutation.
		var rec *models.InventoryRecord
		ran, err := e.lease.tryLease(ctx, key, func(ctx context.Context) error {
			var err error
			rec, err = e.repo.GetInventory(ctx, productID, warehouseID)
			if err != nil {
				return err
			}
			e.cacheRecord(ctx, rec)
			return nil
		})
		if ran {
			return rec, err
		}
	}
	return e.repo.GetInventory(ctx, productID, warehouseID)
}

// GetAvailability reports the current available quantity for the saga.
func (e *ReservationEngine) GetAvailability(ctx context.Context, productID, warehouseID int64) (*Availability, error) {
	rec, err := e.GetRecord(ctx, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	return &Availability{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Available:   rec.Available(),
		Known:       true,
	}, nil
}

func (e *ReservationEngine) ListLowStock(ctx context.Context) ([]models.InventoryRecord, error) {
	return e.repo.ListLowStock(ctx)
}

func (e *ReservationEngine) ListByProduct(ctx context.Context, productID int64) ([]models.InventoryRecord, error) {
	return e.repo.ListInventoryByProduct(ctx, productID)
}

func (e *ReservationEngine) ListByWarehouse(ctx context.Context, warehouseID int64) ([]models.InventoryRecord, error) {
	return e.repo.ListInventoryByWarehouse(ctx, warehouseID)
}

// IsLowStock reports whether rec is at or below its minimum threshold.
func (e *ReservationEngine) IsLowStock(rec *models.InventoryRecord) bool {
	return rec.IsLowStock()
}

// markLowStock updates the edge flag on rec and reports whether rec just crossed
// into low stock. Leaving low stock re-arms the flag.
func markLowStock(rec *models.InventoryRecord) bool {
	low := rec.IsLowStock()
	crossed := low && !rec.LowStockNotified
	rec.LowStockNotified = low
	return crossed
}

func (e *ReservationEngine) notifyIfCrossed(ctx context.Context, rec *models.InventoryRecord, notify bool) {
	if notify {
		e.notifyLowStock(ctx, rec)
	}
}

// cacheRecord must run inside the key's lease, after the store write, so cache
// writes land in the same order as the store writes they mirror.
func (e *ReservationEngine) cacheRecord(ctx context.Context, rec *models.InventoryRecord) {
	if e.cache == nil {
		return
	}
	key := inventoryKey(rec.ProductID, rec.WarehouseID)
	if err := e.cache.SetJSON(ctx, key, rec, e.cacheTTL); err != nil {
		e.logger.Warn("Inventory cache write failed, evicting", zap.String("key", key), zap.Error(err))
		_ = e.cache.Delete(ctx, key)
	}
}

// notifyLowStock publishes after the crossing is persisted. A failed publish
// clears the flag so the next mutation that still finds low stock retries.
func (e *ReservationEngine) notifyLowStock(ctx context.Context, rec *models.InventoryRecord) {
	logger := e.logger.With(
		zap.Int64("product_id", rec.ProductID),
		zap.Int64("warehouse_id", rec.WarehouseID),
		zap.Int("available", rec.Available()),
		zap.Int("minimum", *rec.MinimumThreshold))
	logger.Warn("Low stock detected")

	if e.publisher == nil {
		return
	}

	event := &models.LowStockEvent{
		BaseEvent:         models.NewBaseEvent(models.EventTypeLowStock),
		ProductID:         rec.ProductID,
		WarehouseID:       rec.WarehouseID,
		AvailableQuantity: rec.Available(),
		MinimumQuantity:   *rec.MinimumThreshold,
	}
	if err := e.publisher.PublishLowStock(ctx, event); err != nil {
		logger.Error("Failed to publish low stock event", zap.Error(err))
		rec.LowStockNotified = false
		if err := e.repo.SetLowStockNotified(ctx, rec.ProductID, rec.WarehouseID, false); err != nil {
			logger.Error("Failed to reset low stock flag", zap.Error(err))
		}
		if e.cache != nil {
			_ = e.cache.Delete(ctx, inventoryKey(rec.ProductID, rec.WarehouseID))
		}
		return
	}
	util.LowStockNotificationsTotal.Inc()
}

func failureReason(err error) string {
	switch apperror.From(err).Code {
	case apperror.CodeLeaseUnavailable:
		return "lease_unavailable"
	case apperror.CodeNotFound:
		return "not_found"
	case apperror.CodeValidation:
		return "validation"
	default:
		return "error"
	}
}
