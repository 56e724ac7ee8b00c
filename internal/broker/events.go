package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"stock-service/config"
	"stock-service/internal/models"
	"stock-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the publishing side of the producer.
type EventWriter interface {
	PublishEvent(ctx context.Context, topic, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	writer EventWriter
	topics config.KafkaConfig
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer EventWriter, topics config.KafkaConfig) *EventPublisher {
	return &EventPublisher{writer: writer, topics: topics}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.writer.PublishEvent(ctx, ep.topics.TopicCreated, orderKey(event.OrderID), event)
}

// PublishOrderConfirmed publishes OrderConfirmed event
func (ep *EventPublisher) PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	return ep.writer.PublishEvent(ctx, ep.topics.TopicConfirmed, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.writer.PublishEvent(ctx, ep.topics.TopicCancelled, orderKey(event.OrderID), event)
}

// PublishLowStock publishes LowStock event
func (ep *EventPublisher) PublishLowStock(ctx context.Context, event *models.LowStockEvent) error {
	key := fmt.Sprintf("inventory-%d-%d", event.ProductID, event.WarehouseID)
	return ep.writer.PublishEvent(ctx, ep.topics.TopicLowStock, key, event)
}

// EventHandler routes incoming events by event_type
type EventHandler struct {
	onOrderCreated   func(context.Context, *models.OrderCreatedEvent) error
	onOrderConfirmed func(context.Context, *models.OrderConfirmedEvent) error
	onOrderCancelled func(context.Context, *models.OrderCancelledEvent) error
	onLowStock       func(context.Context, *models.LowStockEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

func (eh *EventHandler) OnOrderCreated(handler func(context.Context, *models.OrderCreatedEvent) error) {
	eh.onOrderCreated = handler
}

func (eh *EventHandler) OnOrderConfirmed(handler func(context.Context, *models.OrderConfirmedEvent) error) {
	eh.onOrderConfirmed = handler
}

func (eh *EventHandler) OnOrderCancelled(handler func(context.Context, *models.OrderCancelledEvent) error) {
	eh.onOrderCancelled = handler
}

func (eh *EventHandler) OnLowStock(handler func(context.Context, *models.LowStockEvent) error) {
	eh.onLowStock = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderCreated:
		if eh.onOrderCreated != nil {
			var event models.OrderCreatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderCreated event: %w", err)
			}
			return eh.onOrderCreated(ctx, &event)
		}

	case models.EventTypeOrderConfirmed:
		if eh.onOrderConfirmed != nil {
			var event models.OrderConfirmedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderConfirmed event: %w", err)
			}
			return eh.onOrderConfirmed(ctx, &event)
		}

	case models.EventTypeOrderCancelled:
		if eh.onOrderCancelled != nil {
			var event models.OrderCancelledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderCancelled event: %w", err)
			}
			return eh.onOrderCancelled(ctx, &event)
		}

	case models.EventTypeLowStock:
		if eh.onLowStock != nil {
			var event models.LowStockEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal LowStock event: %w", err)
			}
			return eh.onLowStock(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
