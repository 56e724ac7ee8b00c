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

const inventoryColumns = `id, product_id, warehouse_id, quantity, reserved, minimum_threshold,
	shelf_location, low_stock_notified, created_at, updated_at`

// GetInventory retrieves the record for a product in a warehouse
func (s *Store) GetInventory(ctx context.Context, productID, warehouseID int64) (*models.InventoryRecord, error) {
	var rec models.InventoryRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT "+inventoryColumns+" FROM inventory WHERE product_id = $1 AND warehouse_id = $2",
		productID, warehouseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("inventory for product %d in warehouse %d not found", productID, warehouseID)
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory %d/%d: %w", productID, warehouseID, err)
	}
	return &rec, nil
}

// CreateInventory inserts rec and, when initial is non-nil, its first ledger row in one transaction.
func (s *Store) CreateInventory(ctx context.Context, rec *models.InventoryRecord, initial *models.StockMovement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, rec, `
		INSERT INTO inventory (product_id, warehouse_id, quantity, reserved, minimum_threshold,
			shelf_location, low_stock_notified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+inventoryColumns,
		rec.ProductID, rec.WarehouseID, rec.Quantity, rec.Reserved, rec.MinimumThreshold,
		rec.ShelfLocation, rec.LowStockNotified)
	if isUniqueViolation(err) {
		return apperror.Validation("inventory for product %d in warehouse %d already exists",
			rec.ProductID, rec.WarehouseID)
	}
	if err != nil {
		return fmt.Errorf("insert inventory: %w", err)
	}

	if initial != nil {
		if err := insertMovement(ctx, tx, initial); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdateReservation persists a reserve/release outcome.
func (s *Store) UpdateReservation(ctx context.Context, rec *models.InventoryRecord) error {
	return s.db.GetContext(ctx, &rec.UpdatedAt, `
		UPDATE inventory SET reserved = $1, low_stock_notified = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING updated_at`,
		rec.Reserved, rec.LowStockNotified, rec.ID)
}

// ApplyMovement writes the new quantities and appends the ledger row atomically.
func (s *Store) ApplyMovement(ctx context.Context, rec *models.InventoryRecord, mv *models.StockMovement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, &rec.UpdatedAt, `
		UPDATE inventory SET quantity = $1, reserved = $2, low_stock_notified = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at`,
		rec.Quantity, rec.Reserved, rec.LowStockNotified, rec.ID)
	if err != nil {
		return fmt.Errorf("update inventory %d: %w", rec.ID, err)
	}

	if err := insertMovement(ctx, tx, mv); err != nil {
		return err
	}

	return tx.Commit()
}

func insertMovement(ctx context.Context, tx *sqlx.Tx, mv *models.StockMovement) error {
	err := tx.GetContext(ctx, mv, `
		INSERT INTO stock_movements (product_id, warehouse_id, type, quantity, reason, reference_no)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, product_id, warehouse_id, type, quantity, reason, reference_no, created_at`,
		mv.ProductID, mv.WarehouseID, mv.Type, mv.Quantity, mv.Reason, mv.ReferenceNo)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

// SetLowStockNotified overwrites the low-stock edge flag.
func (s *Store) SetLowStockNotified(ctx context.Context, productID, warehouseID int64, notified bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE inventory SET low_stock_notified = $1 WHERE product_id = $2 AND warehouse_id = $3",
		notified, productID, warehouseID)
	return err
}

// ListLowStock returns records whose available stock is at or below their threshold
func (s *Store) ListLowStock(ctx context.Context) ([]models.InventoryRecord, error) {
	return s.selectInventory(ctx, `
		SELECT `+inventoryColumns+` FROM inventory
		WHERE minimum_threshold IS NOT NULL AND quantity - reserved <= minimum_threshold
		ORDER BY product_id, warehouse_id`)
}

func (s *Store) ListInventoryByProduct(ctx context.Context, productID int64) ([]models.InventoryRecord, error) {
	return s.selectInventory(ctx,
		"SELECT "+inventoryColumns+" FROM inventory WHERE product_id = $1 ORDER BY warehouse_id", productID)
}

func (s *Store) ListInventoryByWarehouse(ctx context.Context, warehouseID int64) ([]models.InventoryRecord, error) {
	return s.selectInventory(ctx,
		"SELECT "+inventoryColumns+" FROM inventory WHERE warehouse_id = $1 ORDER BY product_id", warehouseID)
}

// ListInventory returns every record. Used by the ledger audit.
func (s *Store) ListInventory(ctx context.Context) ([]models.InventoryRecord, error) {
	return s.selectInventory(ctx,
		"SELECT "+inventoryColumns+" FROM inventory ORDER BY product_id, warehouse_id")
}

func (s *Store) selectInventory(ctx context.Context, query string, args ...interface{}) ([]models.InventoryRecord, error) {
	records := []models.InventoryRecord{}
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	return records, nil
}

// ListMovements returns the ledger for one key in append order
func (s *Store) ListMovements(ctx context.Context, productID, warehouseID int64) ([]models.StockMovement, error) {
	movements := []models.StockMovement{}
	err := s.db.SelectContext(ctx, &movements, `
		SELECT id, product_id, warehouse_id, type, quantity, reason, reference_no, created_at
		FROM stock_movements WHERE product_id = $1 AND warehouse_id = $2
		ORDER BY id`,
		productID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("list movements %d/%d: %w", productID, warehouseID, err)
	}
	return movements, nil
}

// HasMovement reports whether a movement of type with referenceNo was already
// booked against the key.
func (s *Store) HasMovement(ctx context.Context, productID, warehouseID int64, typ models.MovementType, referenceNo string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM stock_movements
			WHERE product_id = $1 AND warehouse_id = $2 AND type = $3 AND reference_no = $4
		)`,
		productID, warehouseID, typ, referenceNo)
	if err != nil {
		return false, fmt.Errorf("check movement %s/%s: %w", typ, referenceNo, err)
	}
	return exists, nil
}
