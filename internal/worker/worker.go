package worker

import (
	"context"

	"stock-service/internal/broker"
	"stock-service/internal/models"
	"stock-service/internal/service"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// Consumer is the part of broker.Consumer a worker drives.
type Consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// EventWorker consumes one topic and routes each message by event type.
type EventWorker struct {
	name         string
	consumer     Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

func newEventWorker(name string, consumer Consumer) *EventWorker {
	return &EventWorker{
		name:         name,
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		logger:       util.GetLogger(),
	}
}

// NewLoyaltyWorker credits loyalty points for every confirmed order.
func NewLoyaltyWorker(consumer Consumer, loyalty *service.LoyaltyService) *EventWorker {
	w := newEventWorker("loyalty", consumer)
	w.eventHandler.OnOrderConfirmed(loyalty.HandleOrderConfirmed)
	return w
}

// NewCancellationWorker records cancelled orders for the customer-facing side.
func NewCancellationWorker(consumer Consumer) *EventWorker {
	w := newEventWorker("cancellation", consumer)
	w.eventHandler.OnOrderCancelled(w.handleOrderCancelled)
	return w
}

func (w *EventWorker) handleOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	w.logger.Info("Order cancelled",
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", event.OrderID),
		zap.String("order_number", event.OrderNumber),
		zap.Int64("customer_id", event.CustomerID))
	return nil
}

// Start blocks until ctx is cancelled.
func (w *EventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker", zap.String("worker", w.name))
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

func (w *EventWorker) Stop() error {
	w.logger.Info("Stopping worker", zap.String("worker", w.name))
	return w.consumer.Close()
}
