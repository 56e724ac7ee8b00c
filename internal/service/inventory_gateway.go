package service

import (
	"context"
	"errors"
	"fmt"

	"stock-service/config"
	"stock-service/internal/apperror"
	"stock-service/internal/models"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// StockRequest is the wire shape of reserve, release and commit calls.
type StockRequest struct {
	ProductID   int64  `json:"product_id" binding:"required"`
	WarehouseID int64  `json:"warehouse_id" binding:"required"`
	Quantity    int    `json:"quantity" binding:"required,min=1"`
	ReferenceNo string `json:"reference_no,omitempty"`
}

// HTTPInventoryGateway reaches a remote inventory service through a circuit breaker.
type HTTPInventoryGateway struct {
	client *remoteClient
	logger *zap.Logger
}

var (
	_ InventoryGateway = (*HTTPInventoryGateway)(nil)
	_ InventoryGateway = (*ReservationEngine)(nil)
)

func NewHTTPInventoryGateway(baseURL string, cfg config.RemoteConfig) *HTTPInventoryGateway {
	logger := util.GetLogger()
	return &HTTPInventoryGateway{
		client: newRemoteClient("inventory-service", baseURL, cfg, logger),
		logger: logger,
	}
}

// GetAvailability falls back to an unknown-quantity placeholder when the service is unreachable.
func (g *HTTPInventoryGateway) GetAvailability(ctx context.Context, productID, warehouseID int64) (*Availability, error) {
	ctx, span := util.StartSpan(ctx, "HTTPInventoryGateway.GetAvailability")
	defer span.End()

	var view models.InventoryView
	path := fmt.Sprintf("/api/v1/inventory/products/%d/warehouses/%d", productID, warehouseID)
	err := g.client.do(ctx, "GET", path, nil, &view)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		g.logger.Warn("Inventory availability lookup failed, using fallback",
			zap.Int64("product_id", productID),
			zap.Int64("warehouse_id", warehouseID),
			zap.Error(err))
		return &Availability{ProductID: productID, WarehouseID: warehouseID}, nil
	}

	return &Availability{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Available:   view.Available,
		Known:       true,
	}, nil
}

// Reserve reports false when stock is short or the service is unreachable.
func (g *HTTPInventoryGateway) Reserve(ctx context.Context, productID, warehouseID int64, quantity int) (bool, error) {
	ctx, span := util.StartSpan(ctx, "HTTPInventoryGateway.Reserve")
	defer span.End()

	var out struct {
		Reserved bool `json:"reserved"`
	}
	err := g.client.do(ctx, "POST", "/api/v1/inventory/reserve",
		StockRequest{ProductID: productID, WarehouseID: warehouseID, Quantity: quantity}, &out)
	switch {
	case err == nil:
		return out.Reserved, nil
	case errors.Is(err, apperror.ErrInsufficientStock):
		return false, nil
	case errors.Is(err, apperror.ErrDependencyUnavailable):
		g.logger.Warn("Remote reservation failed, treating as not reserved",
			zap.Int64("product_id", productID), zap.Error(err))
		return false, nil
	default:
		return false, err
	}
}

func (g *HTTPInventoryGateway) Release(ctx context.Context, productID, warehouseID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "HTTPInventoryGateway.Release")
	defer span.End()

	return g.client.do(ctx, "POST", "/api/v1/inventory/release",
		StockRequest{ProductID: productID, WarehouseID: warehouseID, Quantity: quantity}, nil)
}

func (g *HTTPInventoryGateway) Commit(ctx context.Context, productID, warehouseID int64, quantity int, referenceNo string) error {
	ctx, span := util.StartSpan(ctx, "HTTPInventoryGateway.Commit")
	defer span.End()

	return g.client.do(ctx, "POST", "/api/v1/inventory/commit",
		StockRequest{ProductID: productID, WarehouseID: warehouseID, Quantity: quantity, ReferenceNo: referenceNo}, nil)
}
