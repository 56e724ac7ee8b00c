package service

import (
	"context"
	"testing"

	"stock-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay(t *testing.T) {
	movements := []models.StockMovement{
		{Type: models.MovementIn, Quantity: 100},
		{Type: models.MovementOut, Quantity: 30},
		{Type: models.MovementAdjustment, Quantity: 50},
		{Type: models.MovementReturn, Quantity: 5},
		{Type: models.MovementTransfer, Quantity: 10},
	}
	assert.Equal(t, 45, Replay(movements))
	assert.Equal(t, 0, Replay(nil))
}

func TestAuditReportsDrift(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()

	_, err := f.engine.ApplyMovement(ctx, MovementRequest{ProductID: 1, WarehouseID: 1, Type: models.MovementIn, Quantity: 20})
	require.NoError(t, err)
	// written behind the engine's back, no ledger rows
	f.repo.seed(2, 1, 50, 0, nil)

	drifted, err := NewStockLedger(f.repo).Audit(ctx)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, int64(2), drifted[0].ProductID)
	assert.Equal(t, 0, drifted[0].Expected)
	assert.Equal(t, 50, drifted[0].Actual)
	assert.False(t, drifted[0].Consistent)
}
