package service

import (
	"context"

	"stock-service/internal/models"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// LedgerRepository is the read side the ledger needs.
type LedgerRepository interface {
	GetInventory(ctx context.Context, productID, warehouseID int64) (*models.InventoryRecord, error)
	ListInventory(ctx context.Context) ([]models.InventoryRecord, error)
	ListMovements(ctx context.Context, productID, warehouseID int64) ([]models.StockMovement, error)
}

// StockLedger answers history and audit questions over stock movements.
type StockLedger struct {
	repo   LedgerRepository
	logger *zap.Logger
}

func NewStockLedger(repo LedgerRepository) *StockLedger {
	return &StockLedger{repo: repo, logger: util.GetLogger()}
}

// Reconciliation compares the ledger replay with the record's on-hand quantity.
type Reconciliation struct {
	ProductID     int64 `json:"product_id"`
	WarehouseID   int64 `json:"warehouse_id"`
	Expected      int   `json:"expected_quantity"`
	Actual        int   `json:"actual_quantity"`
	MovementCount int   `json:"movement_count"`
	Consistent    bool  `json:"consistent"`
}

// Replay folds movements in order: IN and RETURN add, OUT and TRANSFER subtract,
// ADJUSTMENT resets the running total.
func Replay(movements []models.StockMovement) int {
	total := 0
	for _, mv := range movements {
		total = mv.Type.Apply(total, mv.Quantity)
	}
	return total
}

func (l *StockLedger) ListMovements(ctx context.Context, productID, warehouseID int64) ([]models.StockMovement, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.ListMovements")
	defer span.End()

	if _, err := l.repo.GetInventory(ctx, productID, warehouseID); err != nil {
		return nil, err
	}
	return l.repo.ListMovements(ctx, productID, warehouseID)
}

// Reconcile replays the ledger for one key against its record.
func (l *StockLedger) Reconcile(ctx context.Context, productID, warehouseID int64) (*Reconciliation, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Reconcile")
	defer span.End()

	rec, err := l.repo.GetInventory(ctx, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	return l.reconcile(ctx, rec)
}

func (l *StockLedger) reconcile(ctx context.Context, rec *models.InventoryRecord) (*Reconciliation, error) {
	movements, err := l.repo.ListMovements(ctx, rec.ProductID, rec.WarehouseID)
	if err != nil {
		return nil, err
	}

	expected := Replay(movements)
	return &Reconciliation{
		ProductID:     rec.ProductID,
		WarehouseID:   rec.WarehouseID,
		Expected:      expected,
		Actual:        rec.Quantity,
		MovementCount: len(movements),
		Consistent:    expected == rec.Quantity,
	}, nil
}

// Audit reconciles every record, logs drift and exports the drift count.
func (l *StockLedger) Audit(ctx context.Context) ([]Reconciliation, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Audit")
	defer span.End()

	records, err := l.repo.ListInventory(ctx)
	if err != nil {
		return nil, err
	}

	drifted := []Reconciliation{}
	for i := range records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r, err := l.reconcile(ctx, &records[i])
		if err != nil {
			l.logger.Error("Failed to reconcile inventory record",
				zap.Int64("product_id", records[i].ProductID),
				zap.Int64("warehouse_id", records[i].WarehouseID),
				zap.Error(err))
			continue
		}
		if !r.Consistent {
			l.logger.Warn("Inventory drift detected",
				zap.Int64("product_id", r.ProductID),
				zap.Int64("warehouse_id", r.WarehouseID),
				zap.Int("expected", r.Expected),
				zap.Int("actual", r.Actual))
			drifted = append(drifted, *r)
		}
	}

	util.LedgerDriftRecords.Set(float64(len(drifted)))
	l.logger.Info("Inventory audit completed",
		zap.Int("records", len(records)),
		zap.Int("drifted", len(drifted)))
	return drifted, nil
}
