package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"access-service/internal/models"
	"access-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events. Publication is best
// effort: callers log failures and never let them gate a state change.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func (ep *EventPublisher) publish(ctx context.Context, eventType, key string, event interface{}) error {
	err := ep.producer.PublishEvent(ctx, key, event)
	if err != nil {
		util.EventsPublishedTotal.WithLabelValues(eventType, "error").Inc()
		return err
	}
	util.EventsPublishedTotal.WithLabelValues(eventType, "ok").Inc()
	return nil
}

// PublishAccessRedeemed publishes AccessRedeemed event
func (ep *EventPublisher) PublishAccessRedeemed(ctx context.Context, event *models.AccessRedeemedEvent) error {
	key := fmt.Sprintf("policy-%s", event.PolicyID)
	return ep.publish(ctx, event.EventType, key, event)
}

// PublishRedemptionReversed publishes RedemptionReversed event
func (ep *EventPublisher) PublishRedemptionReversed(ctx context.Context, event *models.RedemptionReversedEvent) error {
	key := fmt.Sprintf("policy-%s", event.PolicyID)
	return ep.publish(ctx, event.EventType, key, event)
}

// PublishAssignmentAllocated publishes AssignmentAllocated event
func (ep *EventPublisher) PublishAssignmentAllocated(ctx context.Context, event *models.AssignmentAllocatedEvent) error {
	key := fmt.Sprintf("assignment-%s", event.AssignmentID)
	return ep.publish(ctx, event.EventType, key, event)
}

// PublishAssignmentStateChanged publishes AssignmentStateChanged events
func (ep *EventPublisher) PublishAssignmentStateChanged(ctx context.Context, event *models.AssignmentStateChangedEvent) error {
	key := fmt.Sprintf("assignment-%s", event.AssignmentID)
	return ep.publish(ctx, event.EventType, key, event)
}

// PublishAccessRequested publishes AccessRequested event
func (ep *EventPublisher) PublishAccessRequested(ctx context.Context, event *models.AccessRequestedEvent) error {
	key := fmt.Sprintf("policy-%s", event.PolicyID)
	return ep.publish(ctx, event.EventType, key, event)
}

// PublishAccessRequestReminder publishes AccessRequestReminder event
func (ep *EventPublisher) PublishAccessRequestReminder(ctx context.Context, event *models.AccessRequestReminderEvent) error {
	key := fmt.Sprintf("policy-%s", event.PolicyID)
	return ep.publish(ctx, event.EventType, key, event)
}

// EventHandler routes consumed events to registered handlers
type EventHandler struct {
	logger                *zap.Logger
	onAssignmentAllocated func(context.Context, *models.AssignmentAllocatedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnAssignmentAllocated registers a handler for AssignmentAllocated events
func (eh *EventHandler) OnAssignmentAllocated(handler func(context.Context, *models.AssignmentAllocatedEvent) error) {
	eh.onAssignmentAllocated = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeAssignmentAllocated:
		if eh.onAssignmentAllocated != nil {
			var event models.AssignmentAllocatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal AssignmentAllocated event: %w", err)
			}
			return eh.onAssignmentAllocated(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
