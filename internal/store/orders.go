package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stock-service/internal/apperror"
	"stock-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_number, customer_id, warehouse_id, status, total_amount, notes,
	idempotency_key, created_at, updated_at`

// CreateOrder inserts the order and its lines in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lines := order.Lines
	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (order_number, customer_id, warehouse_id, status, total_amount, notes, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+orderColumns,
		order.OrderNumber, order.CustomerID, order.WarehouseID, order.Status, order.TotalAmount,
		order.Notes, order.IdempotencyKey)
	if isUniqueViolation(err) {
		return apperror.Validation("order %s already exists", order.OrderNumber)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	order.Lines = lines

	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		err := tx.GetContext(ctx, &line.ID, `
			INSERT INTO order_lines (order_id, product_id, product_name, product_sku, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			line.OrderID, line.ProductID, line.ProductName, line.ProductSKU, line.Quantity,
			line.UnitPrice, line.LineTotal)
		if err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order with its lines
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	order, err := s.getOrder(ctx, "id = $1", id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperror.NotFound("order %d not found", id)
	}
	return order, nil
}

// GetOrderByNumber retrieves an order by its public number
func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	order, err := s.getOrder(ctx, "order_number = $1", number)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperror.NotFound("order %s not found", number)
	}
	return order, nil
}

// GetOrderByIdempotencyKey returns nil without error when no order carries key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return s.getOrder(ctx, "idempotency_key = $1", key)
}

func (s *Store) getOrder(ctx context.Context, where string, arg interface{}) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	lines, err := s.getOrderLines(ctx, []int64{order.ID})
	if err != nil {
		return nil, err
	}
	order.Lines = lines[order.ID]
	return &order, nil
}

// ListOrdersByCustomer returns a customer's orders, newest first
func (s *Store) ListOrdersByCustomer(ctx context.Context, customerID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE customer_id = $1 ORDER BY created_at DESC, id DESC",
		customerID)
	if err != nil {
		return nil, fmt.Errorf("list orders for customer %d: %w", customerID, err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	lines, err := s.getOrderLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return orders, nil
}

func (s *Store) getOrderLines(ctx context.Context, orderIDs []int64) (map[int64][]models.OrderLine, error) {
	query, args, err := sqlx.In(`
		SELECT id, order_id, product_id, product_name, product_sku, quantity, unit_price, line_total
		FROM order_lines WHERE order_id IN (?) ORDER BY id`, orderIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var lines []models.OrderLine
	if err := s.db.SelectContext(ctx, &lines, query, args...); err != nil {
		return nil, fmt.Errorf("get order lines: %w", err)
	}

	byOrder := make(map[int64][]models.OrderLine, len(orderIDs))
	for _, l := range lines {
		byOrder[l.OrderID] = append(byOrder[l.OrderID], l)
	}
	return byOrder, nil
}

// UpdateOrderStatus moves an order from one status to another. The write only
// applies while the order is still in from; otherwise it fails with
// InvalidTransition carrying the status that won.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return fmt.Errorf("update order %d status: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current models.OrderStatus
	err = s.db.GetContext(ctx, &current, "SELECT status FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound("order %d not found", orderID)
	}
	if err != nil {
		return fmt.Errorf("get order %d status: %w", orderID, err)
	}
	return apperror.InvalidTransition(string(current), string(to))
}
