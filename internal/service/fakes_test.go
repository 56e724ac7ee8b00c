package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"stock-service/internal/apperror"
	"stock-service/internal/models"
	"stock-service/internal/redisclient"
)

type invKey struct{ product, warehouse int64 }

// memInventory is an in-memory InventoryRepository. Reads return copies so only
// persisted writes are visible to other callers.
type memInventory struct {
	mu        sync.Mutex
	records   map[invKey]models.InventoryRecord
	movements []models.StockMovement
	nextID    int64
	failWrite error
}

func newMemInventory() *memInventory {
	return &memInventory{records: map[invKey]models.InventoryRecord{}}
}

func (m *memInventory) seed(productID, warehouseID int64, quantity, reserved int, threshold *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.records[invKey{productID, warehouseID}] = models.InventoryRecord{
		ID: m.nextID, ProductID: productID, WarehouseID: warehouseID,
		Quantity: quantity, Reserved: reserved, MinimumThreshold: threshold,
	}
}

func (m *memInventory) get(productID, warehouseID int64) models.InventoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[invKey{productID, warehouseID}]
}

func (m *memInventory) movementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.movements)
}

func (m *memInventory) GetInventory(_ context.Context, productID, warehouseID int64) (*models.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[invKey{productID, warehouseID}]
	if !ok {
		return nil, apperror.NotFound("inventory for product %d in warehouse %d not found", productID, warehouseID)
	}
	return &rec, nil
}

func (m *memInventory) CreateInventory(_ context.Context, rec *models.InventoryRecord, initial *models.StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	k := invKey{rec.ProductID, rec.WarehouseID}
	if _, ok := m.records[k]; ok {
		return apperror.Validation("duplicate")
	}
	m.nextID++
	rec.ID = m.nextID
	m.records[k] = *rec
	if initial != nil {
		m.appendMovement(initial)
	}
	return nil
}

func (m *memInventory) UpdateReservation(_ context.Context, rec *models.InventoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	k := invKey{rec.ProductID, rec.WarehouseID}
	stored := m.records[k]
	stored.Reserved = rec.Reserved
	stored.LowStockNotified = rec.LowStockNotified
	m.records[k] = stored
	return nil
}

func (m *memInventory) ApplyMovement(_ context.Context, rec *models.InventoryRecord, mv *models.StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.records[invKey{rec.ProductID, rec.WarehouseID}] = *rec
	m.appendMovement(mv)
	return nil
}

func (m *memInventory) appendMovement(mv *models.StockMovement) {
	mv.ID = int64(len(m.movements) + 1)
	mv.CreatedAt = time.Now()
	m.movements = append(m.movements, *mv)
}

func (m *memInventory) SetLowStockNotified(_ context.Context, productID, warehouseID int64, notified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := invKey{productID, warehouseID}
	rec := m.records[k]
	rec.LowStockNotified = notified
	m.records[k] = rec
	return nil
}

func (m *memInventory) list(filter func(models.InventoryRecord) bool) []models.InventoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.InventoryRecord{}
	for _, r := range m.records {
		if filter(r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *memInventory) ListLowStock(context.Context) ([]models.InventoryRecord, error) {
	return m.list(func(r models.InventoryRecord) bool { return r.IsLowStock() }), nil
}

func (m *memInventory) ListInventoryByProduct(_ context.Context, productID int64) ([]models.InventoryRecord, error) {
	return m.list(func(r models.InventoryRecord) bool { return r.ProductID == productID }), nil
}

func (m *memInventory) ListInventoryByWarehouse(_ context.Context, warehouseID int64) ([]models.InventoryRecord, error) {
	return m.list(func(r models.InventoryRecord) bool { return r.WarehouseID == warehouseID }), nil
}

func (m *memInventory) ListInventory(context.Context) ([]models.InventoryRecord, error) {
	return m.list(func(models.InventoryRecord) bool { return true }), nil
}

func (m *memInventory) ListMovements(_ context.Context, productID, warehouseID int64) ([]models.StockMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.StockMovement{}
	for _, mv := range m.movements {
		if mv.ProductID == productID && mv.WarehouseID == warehouseID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *memInventory) HasMovement(_ context.Context, productID, warehouseID int64, typ models.MovementType, referenceNo string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range m.movements {
		if mv.ProductID == productID && mv.WarehouseID == warehouseID && mv.Type == typ && mv.ReferenceNo == referenceNo {
			return true, nil
		}
	}
	return false, nil
}

// memLocker is an in-process Locker with the same exclusivity as the Redis lease.
type memLocker struct {
	mu       sync.Mutex
	held     map[string]string
	seq      int
	acquired int
	released int
	stuck    bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]string{}}
}

func (l *memLocker) AcquireLease(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stuck {
		return "", false, nil
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("t%d", l.seq)
	l.held[key] = token
	l.acquired++
	return token, true, nil
}

func (l *memLocker) ReleaseLease(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return false, nil
	}
	delete(l.held, key)
	l.released++
	return true, nil
}

func (l *memLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}}
}

func (c *memCache) GetJSON(_ context.Context, key string, dst interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return redisclient.ErrCacheMiss
	}
	return json.Unmarshal(raw, dst)
}

func (c *memCache) SetJSON(_ context.Context, key string, v interface{}, _ time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// recordingPublisher captures published events in order.
type recordingPublisher struct {
	mu           sync.Mutex
	events       []string
	lowStock     []*models.LowStockEvent
	created      []*models.OrderCreatedEvent
	failLowStock error
}

func (p *recordingPublisher) record(t string) {
	p.events = append(p.events, t)
}

func (p *recordingPublisher) PublishLowStock(_ context.Context, e *models.LowStockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failLowStock != nil {
		return p.failLowStock
	}
	p.record(e.EventType)
	p.lowStock = append(p.lowStock, e)
	return nil
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(e.EventType)
	p.created = append(p.created, e)
	return nil
}

func (p *recordingPublisher) PublishOrderConfirmed(_ context.Context, e *models.OrderConfirmedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type memOrders struct {
	mu     sync.Mutex
	orders map[int64]models.Order
	nextID int64
}

func newMemOrders() *memOrders {
	return &memOrders{orders: map[int64]models.Order{}}
}

func (m *memOrders) CreateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.ID = m.nextID
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	for i := range o.Lines {
		o.Lines[i].ID = int64(i + 1)
		o.Lines[i].OrderID = o.ID
	}
	stored := *o
	stored.Lines = append([]models.OrderLine(nil), o.Lines...)
	m.orders[o.ID] = stored
	return nil
}

func (m *memOrders) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperror.NotFound("order %d not found", id)
	}
	return &o, nil
}

func (m *memOrders) GetOrderByNumber(_ context.Context, number string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderNumber == number {
			return &o, nil
		}
	}
	return nil, apperror.NotFound("order %s not found", number)
}

func (m *memOrders) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, nil
}

func (m *memOrders) ListOrdersByCustomer(_ context.Context, customerID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Order{}
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memOrders) UpdateOrderStatus(_ context.Context, id int64, from, to models.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return apperror.NotFound("order %d not found", id)
	}
	if o.Status != from {
		return apperror.InvalidTransition(string(o.Status), string(to))
	}
	o.Status = to
	m.orders[id] = o
	return nil
}

// forceStatus overwrites the status without the compare step.
func (m *memOrders) forceStatus(id int64, status models.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.Status = status
	m.orders[id] = o
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type memProducts map[int64]*models.Product

func (m memProducts) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	p, ok := m[id]
	if !ok {
		return nil, apperror.NotFound("product %d not found", id)
	}
	cp := *p
	return &cp, nil
}

// memQueue is an in-memory CompensationQueue.
type memQueue struct {
	mu    sync.Mutex
	tasks []models.CompensationTask
}

func (q *memQueue) PushCompensation(_ context.Context, t models.CompensationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *memQueue) PopCompensation(context.Context) (*models.CompensationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return &t, nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

var errBoom = errors.New("boom")

func intPtr(v int) *int { return &v }
