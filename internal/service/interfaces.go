package service

import (
	"context"
	"time"

	"stock-service/internal/models"
)

// Locker is the mutual-exclusion service: short-lived, auto-expiring leases by key.
type Locker interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLease(ctx context.Context, key, token string) (released bool, err error)
}

// Cache is a best-effort JSON read-through cache.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) error
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// InventoryRepository persists inventory records and their ledger.
type InventoryRepository interface {
	GetInventory(ctx context.Context, productID, warehouseID int64) (*models.InventoryRecord, error)
	CreateInventory(ctx context.Context, rec *models.InventoryRecord, initial *models.StockMovement) error
	UpdateReservation(ctx context.Context, rec *models.InventoryRecord) error
	ApplyMovement(ctx context.Context, rec *models.InventoryRecord, mv *models.StockMovement) error
	SetLowStockNotified(ctx context.Context, productID, warehouseID int64, notified bool) error
	ListLowStock(ctx context.Context) ([]models.InventoryRecord, error)
	ListInventoryByProduct(ctx context.Context, productID int64) ([]models.InventoryRecord, error)
	ListInventoryByWarehouse(ctx context.Context, warehouseID int64) ([]models.InventoryRecord, error)
	ListInventory(ctx context.Context) ([]models.InventoryRecord, error)
	ListMovements(ctx context.Context, productID, warehouseID int64) ([]models.StockMovement, error)
	HasMovement(ctx context.Context, productID, warehouseID int64, typ models.MovementType, referenceNo string) (bool, error)
}

// OrderRepository persists orders with their lines.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID int64) ([]models.Order, error)
	// UpdateOrderStatus applies only while the order is still in from; a lost race
	// returns InvalidTransition.
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error
}

// ProductRepository is the local product catalog.
type ProductRepository interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
}

// LoyaltyRepository records loyalty accrual idempotently by event id.
type LoyaltyRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	AwardLoyaltyPoints(ctx context.Context, eventID, eventType string, customerID int64, points int) (bool, error)
}

// LowStockPublisher emits low-stock notifications.
type LowStockPublisher interface {
	PublishLowStock(ctx context.Context, event *models.LowStockEvent) error
}

// OrderEventPublisher emits order lifecycle events.
type OrderEventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
}

// ProductLookup resolves catalog details. Remote implementations return
// models.UnavailableProduct instead of an error when the catalog cannot be reached.
type ProductLookup interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
}

// Availability is the saga's view of stock for one line. Known is false for a
// fallback placeholder whose quantity could not be determined.
type Availability struct {
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
	Available   int   `json:"available"`
	Known       bool  `json:"known"`
}

// InventoryGateway is what the saga needs from the reservation engine, in process or remote.
type InventoryGateway interface {
	GetAvailability(ctx context.Context, productID, warehouseID int64) (*Availability, error)
	Reserve(ctx context.Context, productID, warehouseID int64, quantity int) (bool, error)
	Release(ctx context.Context, productID, warehouseID int64, quantity int) error
	Commit(ctx context.Context, productID, warehouseID int64, quantity int, referenceNo string) error
}

// CompensationQueue holds failed compensating releases for retry.
type CompensationQueue interface {
	PushCompensation(ctx context.Context, task models.CompensationTask) error
	PopCompensation(ctx context.Context) (*models.CompensationTask, error)
}
