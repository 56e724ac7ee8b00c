package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stock-service/internal/apperror"
	"stock-service/internal/models"
	"stock-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderSaga drives order creation, cancellation and fulfilment against the
// inventory gateway, compensating reservations when a step fails.
type OrderSaga struct {
	orders        OrderRepository
	products      ProductLookup
	inventory     InventoryGateway
	publisher     OrderEventPublisher
	compensations CompensationQueue
	logger        *zap.Logger
	now           func() time.Time
}

// NewOrderSaga creates the orchestrator. compensations may be nil, in which case
// failed compensating releases are only logged.
func NewOrderSaga(
	orders OrderRepository,
	products ProductLookup,
	inventory InventoryGateway,
	publisher OrderEventPublisher,
	compensations CompensationQueue,
) *OrderSaga {
	return &OrderSaga{
		orders:        orders,
		products:      products,
		inventory:     inventory,
		publisher:     publisher,
		compensations: compensations,
		logger:        util.GetLogger(),
		now:           time.Now,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID     int64              `json:"customer_id" binding:"required"`
	WarehouseID    int64              `json:"warehouse_id" binding:"required"`
	Lines          []OrderLineRequest `json:"lines" binding:"required,min=1,dive"`
	Notes          *string            `json:"notes,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderLineRequest represents a line in an order
type OrderLineRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

func (r *CreateOrderRequest) validate() error {
	if r.CustomerID <= 0 || r.WarehouseID <= 0 {
		return apperror.Validation("customer_id and warehouse_id must be positive")
	}
	if len(r.Lines) == 0 {
		return apperror.Validation("order must have at least one line")
	}
	for i, l := range r.Lines {
		if l.ProductID <= 0 || l.Quantity <= 0 {
			return apperror.Validation("line %d: product_id and quantity must be positive", i+1)
		}
	}
	return nil
}

// newOrderNumber formats ORD-<yyyyMMddHHmmss>-<6 hex>.
func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102150405"), suffix)
}

// CreateOrder prices and reserves every line. On the first failed reservation
// the lines reserved so far are released and the order ends FAILED.
func (s *OrderSaga) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderSaga.CreateOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.OrderSagaLatency.Observe(time.Since(start).Seconds())
	}()

	if err := req.validate(); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.orders.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return existing, nil
		}
	}

	lines, err := s.priceLines(ctx, req.Lines)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("product_lookup").Inc()
		return nil, err
	}

	if err := s.checkAvailability(ctx, req.WarehouseID, lines); err != nil {
		util.OrdersFailedTotal.WithLabelValues("availability").Inc()
		return nil, err
	}

	order := &models.Order{
		OrderNumber: newOrderNumber(s.now()),
		CustomerID:  req.CustomerID,
		WarehouseID: req.WarehouseID,
		Status:      models.OrderStatusPending,
		TotalAmount: models.SumLines(lines),
		Notes:       req.Notes,
		Lines:       lines,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	logger := util.WithTrace(ctx, s.logger).With(zap.Int64("order_id", order.ID), zap.String("order_number", order.OrderNumber))
	logger.Info("Order persisted as pending", zap.Int("lines", len(order.Lines)))

	if err := s.reserveLines(ctx, order); err != nil {
		s.markFailed(ctx, order)
		util.OrdersFailedTotal.WithLabelValues("reservation_failed").Inc()
		span.RecordError(err)
		return nil, err
	}

	if err := s.orders.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusConfirmed); err != nil {
		s.compensate(ctx, order, order.Lines)
		if errors.Is(err, apperror.ErrInvalidTransition) {
			logger.Warn("Order changed status while reserving, reservations rolled back", zap.Error(err))
			util.OrdersFailedTotal.WithLabelValues("cancelled").Inc()
			return nil, err
		}
		logger.Error("Failed to confirm order, reservations rolled back", zap.Error(err))
		s.markFailed(ctx, order)
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to confirm order: %w", err)
	}
	order.Status = models.OrderStatusConfirmed

	util.OrdersCreatedTotal.Inc()
	logger.Info("Order confirmed", zap.String("total", order.TotalAmount.String()))

	s.publishConfirmed(ctx, order)
	return order, nil
}

func (s *OrderSaga) priceLines(ctx context.Context, reqLines []OrderLineRequest) ([]models.OrderLine, error) {
	lines := make([]models.OrderLine, 0, len(reqLines))
	for _, l := range reqLines {
		product, err := s.products.GetProductByID(ctx, l.ProductID)
		if err != nil {
			return nil, err
		}
		if product.Unavailable {
			return nil, apperror.DependencyUnavailable(
				fmt.Sprintf("product %d is unavailable, catalog unreachable", l.ProductID), nil)
		}
		lines = append(lines, models.NewOrderLine(product, l.Quantity))
	}
	return lines, nil
}

func (s *OrderSaga) checkAvailability(ctx context.Context, warehouseID int64, lines []models.OrderLine) error {
	for _, l := range lines {
		av, err := s.inventory.GetAvailability(ctx, l.ProductID, warehouseID)
		if err != nil {
			return err
		}
		if !av.Known {
			return apperror.InsufficientStock(
				"availability of product %d in warehouse %d is unknown", l.ProductID, warehouseID)
		}
		if av.Available < l.Quantity {
			return apperror.InsufficientStock(
				"product %d in warehouse %d: requested %d, available %d",
				l.ProductID, warehouseID, l.Quantity, av.Available)
		}
	}
	return nil
}

// reserveLines reserves sequentially and compensates the already reserved prefix on failure.
func (s *OrderSaga) reserveLines(ctx context.Context, order *models.Order) error {
	for i, l := range order.Lines {
		ok, err := s.inventory.Reserve(ctx, l.ProductID, order.WarehouseID, l.Quantity)
		if err == nil && ok {
			continue
		}

		s.logger.Warn("Reservation failed, compensating",
			zap.Int64("order_id", order.ID),
			zap.Int64("product_id", l.ProductID),
			zap.Int("line", i+1),
			zap.Error(err))
		s.compensate(ctx, order, order.Lines[:i])

		if err != nil {
			return err
		}
		return apperror.InsufficientStock(
			"insufficient stock for product %d in warehouse %d", l.ProductID, order.WarehouseID)
	}
	return nil
}

// compensate releases lines best-effort. Failures are logged and queued for retry,
// never returned, so the primary error still reaches the caller.
func (s *OrderSaga) compensate(ctx context.Context, order *models.Order, lines []models.OrderLine) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range lines {
		err := s.inventory.Release(ctx, l.ProductID, order.WarehouseID, l.Quantity)
		if err == nil {
			continue
		}

		util.CompensationFailuresTotal.Inc()
		s.logger.Error("Failed to compensate reservation",
			zap.Int64("order_id", order.ID),
			zap.Int64("product_id", l.ProductID),
			zap.Int64("warehouse_id", order.WarehouseID),
			zap.Int("quantity", l.Quantity),
			zap.Error(err))

		if s.compensations == nil {
			continue
		}
		task := models.CompensationTask{
			OrderID:     order.ID,
			ProductID:   l.ProductID,
			WarehouseID: order.WarehouseID,
			Quantity:    l.Quantity,
			Attempts:    1,
			LastError:   err.Error(),
			EnqueuedAt:  s.now().UTC(),
		}
		if err := s.compensations.PushCompensation(ctx, task); err != nil {
			s.logger.Error("Failed to queue compensation for retry",
				zap.Int64("order_id", order.ID),
				zap.Int64("product_id", l.ProductID),
				zap.Error(err))
		}
	}
}

func (s *OrderSaga) markFailed(ctx context.Context, order *models.Order) {
	err := s.orders.UpdateOrderStatus(context.WithoutCancel(ctx), order.ID, models.OrderStatusPending, models.OrderStatusFailed)
	if errors.Is(err, apperror.ErrInvalidTransition) {
		s.logger.Info("Order left pending before it could be marked failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}
	if err != nil {
		s.logger.Error("Failed to mark order failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}
	order.Status = models.OrderStatusFailed
}

func (s *OrderSaga) publishConfirmed(ctx context.Context, order *models.Order) {
	if err := s.publisher.PublishOrderCreated(ctx, models.NewOrderCreatedEvent(order)); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	confirmed := &models.OrderConfirmedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderConfirmed),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
	}
	if err := s.publisher.PublishOrderConfirmed(ctx, confirmed); err != nil {
		s.logger.Error("Failed to publish OrderConfirmed event", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// CancelOrder moves the order to CANCELLED and then releases every line. Only
// the caller that wins the status change releases, so concurrent cancels release
// once. A PENDING order is still owned by the CreateOrder call reserving it,
// which rolls its reservations back when its confirmation loses to the cancel.
func (s *OrderSaga) CancelOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderSaga.CancelOrder")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := order.Status
	if !from.CanTransitionTo(models.OrderStatusCancelled) {
		return nil, apperror.InvalidTransition(string(from), string(models.OrderStatusCancelled))
	}

	if err := s.orders.UpdateOrderStatus(ctx, order.ID, from, models.OrderStatusCancelled); err != nil {
		return nil, err
	}
	order.Status = models.OrderStatusCancelled

	if from != models.OrderStatusPending {
		s.compensate(ctx, order, order.Lines)
	}
	util.OrdersCancelledTotal.Inc()

	event := &models.OrderCancelledEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
	}
	if err := s.publisher.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	s.logger.Info("Order cancelled", zap.Int64("order_id", order.ID))
	return order, nil
}

// UpdateStatus applies a state-machine transition. Cancelling goes through
// CancelOrder; shipping commits every line's reservation to the ledger.
func (s *OrderSaga) UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderSaga.UpdateStatus")
	defer span.End()

	if !status.Valid() {
		return nil, apperror.Validation("unknown order status %q", status)
	}
	if status == models.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID)
	}

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := order.Status
	if !from.CanTransitionTo(status) {
		return nil, apperror.InvalidTransition(string(from), string(status))
	}

	// The status moves first so a concurrent cancel cannot release lines being shipped.
	if err := s.orders.UpdateOrderStatus(ctx, order.ID, from, status); err != nil {
		return nil, err
	}

	if status == models.OrderStatusShipped {
		if err := s.commitLines(ctx, order); err != nil {
			if rerr := s.orders.UpdateOrderStatus(context.WithoutCancel(ctx), order.ID, status, from); rerr != nil {
				s.logger.Error("Failed to roll back shipment status",
					zap.Int64("order_id", order.ID), zap.Error(rerr))
			}
			return nil, err
		}
	}

	s.logger.Info("Order status updated",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	order.Status = status
	return order, nil
}

// commitLines ships every line. Commit is idempotent per order number, so a
// retried shipment only commits the lines that failed before.
func (s *OrderSaga) commitLines(ctx context.Context, order *models.Order) error {
	for _, l := range order.Lines {
		if err := s.inventory.Commit(ctx, l.ProductID, order.WarehouseID, l.Quantity, order.OrderNumber); err != nil {
			s.logger.Error("Failed to commit stock for shipment",
				zap.Int64("order_id", order.ID),
				zap.Int64("product_id", l.ProductID),
				zap.Error(err))
			return err
		}
	}
	return nil
}

func (s *OrderSaga) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.orders.GetOrderByID(ctx, orderID)
}

func (s *OrderSaga) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	if number == "" {
		return nil, apperror.Validation("order number is required")
	}
	return s.orders.GetOrderByNumber(ctx, number)
}

func (s *OrderSaga) ListOrdersByCustomer(ctx context.Context, customerID int64) ([]models.Order, error) {
	if customerID <= 0 {
		return nil, apperror.Validation("customer_id must be positive")
	}
	return s.orders.ListOrdersByCustomer(ctx, customerID)
}
