package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types double as topic names / routing keys.
const (
	EventTypeOrderCreated   = "order.created"
	EventTypeOrderConfirmed = "order.confirmed"
	EventTypeOrderCancelled = "order.cancelled"
	EventTypeLowStock       = "inventory.low.stock"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderCreatedEvent carries the full line-item payload.
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  int64           `json:"customer_id"`
	WarehouseID int64           `json:"warehouse_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OrderConfirmedEvent is the lightweight confirmation signal.
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	CustomerID  int64  `json:"customer_id"`
}

// OrderCancelledEvent published when order is cancelled (compensation)
type OrderCancelledEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	CustomerID  int64  `json:"customer_id"`
}

// LowStockEvent is emitted when a record crosses into low stock.
type LowStockEvent struct {
	BaseEvent
	ProductID         int64 `json:"product_id"`
	WarehouseID       int64 `json:"warehouse_id"`
	AvailableQuantity int   `json:"available_quantity"`
	MinimumQuantity   int   `json:"minimum_quantity"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// NewOrderCreatedEvent builds the detailed creation event for o.
func NewOrderCreatedEvent(o *Order) *OrderCreatedEvent {
	items := make([]OrderItemData, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, OrderItemData{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			LineTotal:   l.LineTotal,
		})
	}
	return &OrderCreatedEvent{
		BaseEvent:   NewBaseEvent(EventTypeOrderCreated),
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		WarehouseID: o.WarehouseID,
		TotalAmount: o.TotalAmount,
		Items:       items,
		CreatedAt:   o.CreatedAt,
	}
}
