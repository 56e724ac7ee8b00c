package service

import (
	"context"
	"fmt"

	"stock-service/internal/models"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// LoyaltyService credits customers for confirmed orders.
type LoyaltyService struct {
	repo           LoyaltyRepository
	pointsPerOrder int
	logger         *zap.Logger
}

func NewLoyaltyService(repo LoyaltyRepository, pointsPerOrder int) *LoyaltyService {
	return &LoyaltyService{repo: repo, pointsPerOrder: pointsPerOrder, logger: util.GetLogger()}
}

// HandleOrderConfirmed awards points once per event id; redelivered events are ignored.
func (s *LoyaltyService) HandleOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	ctx, span := util.StartSpan(ctx, "LoyaltyService.HandleOrderConfirmed")
	defer span.End()

	processed, err := s.repo.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		s.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	awarded, err := s.repo.AwardLoyaltyPoints(ctx, event.EventID, event.EventType, event.CustomerID, s.pointsPerOrder)
	if err != nil {
		return fmt.Errorf("failed to award loyalty points: %w", err)
	}
	if !awarded {
		s.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	util.LoyaltyPointsAwardedTotal.Add(float64(s.pointsPerOrder))
	s.logger.Info("Loyalty points awarded",
		zap.Int64("customer_id", event.CustomerID),
		zap.Int64("order_id", event.OrderID),
		zap.Int("points", s.pointsPerOrder))
	return nil
}
