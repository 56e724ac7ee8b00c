package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog view the saga prices lines from.
type Product struct {
	ID        int64           `db:"id" json:"id"`
	SKU       string          `db:"sku" json:"sku"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`

	// Unavailable marks the placeholder returned when the catalog cannot be reached.
	Unavailable bool `db:"-" json:"-"`
}

// UnavailableProductName is the name carried by the catalog fallback placeholder.
const UnavailableProductName = "Product Unavailable"

// UnavailableProduct is the sentinel returned by a product lookup that failed remotely.
func UnavailableProduct(id int64) *Product {
	return &Product{
		ID:          id,
		SKU:         "N/A",
		Name:        UnavailableProductName,
		Price:       decimal.Zero,
		Unavailable: true,
	}
}

// InventoryRecord is the stock position of one product in one warehouse.
// Available is derived from Quantity and Reserved and is never written directly.
type InventoryRecord struct {
	ID               int64     `db:"id" json:"id"`
	ProductID        int64     `db:"product_id" json:"product_id"`
	WarehouseID      int64     `db:"warehouse_id" json:"warehouse_id"`
	Quantity         int       `db:"quantity" json:"quantity"`
	Reserved         int       `db:"reserved" json:"reserved"`
	MinimumThreshold *int      `db:"minimum_threshold" json:"minimum_threshold,omitempty"`
	ShelfLocation    *string   `db:"shelf_location" json:"shelf_location,omitempty"`
	LowStockNotified bool      `db:"low_stock_notified" json:"-"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns quantity minus reserved.
func (r *InventoryRecord) Available() int {
	return r.Quantity - r.Reserved
}

// IsLowStock is true iff a threshold is set and available stock is at or below it.
func (r *InventoryRecord) IsLowStock() bool {
	return r.MinimumThreshold != nil && r.Available() <= *r.MinimumThreshold
}

// Valid reports whether 0 <= reserved <= quantity.
func (r *InventoryRecord) Valid() bool {
	return r.Reserved >= 0 && r.Quantity >= 0 && r.Reserved <= r.Quantity
}

// InventoryView is the JSON shape returned to clients.
type InventoryView struct {
	InventoryRecord
	Available int  `json:"available"`
	LowStock  bool `json:"low_stock"`
}

// View builds the client representation of the record.
func (r *InventoryRecord) View() InventoryView {
	return InventoryView{
		InventoryRecord: *r,
		Available:       r.Available(),
		LowStock:        r.IsLowStock(),
	}
}

// MovementType classifies a stock ledger row.
type MovementType string

const (
	MovementIn         MovementType = "IN"
	MovementOut        MovementType = "OUT"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementReturn     MovementType = "RETURN"
	MovementTransfer   MovementType = "TRANSFER"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementAdjustment, MovementReturn, MovementTransfer:
		return true
	}
	return false
}

// Apply returns the on-hand quantity after a movement of qty.
func (t MovementType) Apply(current, qty int) int {
	switch t {
	case MovementIn, MovementReturn:
		return current + qty
	case MovementOut, MovementTransfer:
		return current - qty
	case MovementAdjustment:
		return qty
	}
	return current
}

// StockMovement is an immutable ledger row.
type StockMovement struct {
	ID          int64        `db:"id" json:"id"`
	ProductID   int64        `db:"product_id" json:"product_id"`
	WarehouseID int64        `db:"warehouse_id" json:"warehouse_id"`
	Type        MovementType `db:"type" json:"type"`
	Quantity    int          `db:"quantity" json:"quantity"`
	Reason      string       `db:"reason" json:"reason,omitempty"`
	ReferenceNo string       `db:"reference_no" json:"reference_no,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// OrderStatus is a state in the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// Order represents a customer order
type Order struct {
	ID             int64           `db:"id" json:"id"`
	OrderNumber    string          `db:"order_number" json:"order_number"`
	CustomerID     int64           `db:"customer_id" json:"customer_id"`
	WarehouseID    int64           `db:"warehouse_id" json:"warehouse_id"`
	Status         OrderStatus     `db:"status" json:"status"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	Notes          *string         `db:"notes" json:"notes,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`

	Lines []OrderLine `db:"-" json:"lines"`
}

// OrderLine represents one priced line of an order
type OrderLine struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	ProductSKU  string          `db:"product_sku" json:"product_sku"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal   decimal.Decimal `db:"line_total" json:"line_total"`
}

// NewOrderLine prices a line from the catalog's authoritative unit price.
func NewOrderLine(p *Product, quantity int) OrderLine {
	return OrderLine{
		ProductID:   p.ID,
		ProductName: p.Name,
		ProductSKU:  p.SKU,
		Quantity:    quantity,
		UnitPrice:   p.Price,
		LineTotal:   p.Price.Mul(decimal.NewFromInt(int64(quantity))),
	}
}

// SumLines returns the sum of line totals.
func SumLines(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal)
	}
	return total
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// CompensationTask is a compensating release that failed during rollback and awaits retry.
type CompensationTask struct {
	OrderID     int64     `json:"order_id"`
	ProductID   int64     `json:"product_id"`
	WarehouseID int64     `json:"warehouse_id"`
	Quantity    int       `json:"quantity"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}
