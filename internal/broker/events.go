package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deal-service/internal/models"
	"deal-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles outbound domain events: notifications and
// dead letters.
type EventPublisher struct {
	notifications *Producer
	deadLetters   *Producer
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(notifications, deadLetters *Producer) *EventPublisher {
	return &EventPublisher{notifications: notifications, deadLetters: deadLetters}
}

// PublishNotification publishes a best-effort notification event.
func (ep *EventPublisher) PublishNotification(ctx context.Context, event *models.NotificationEvent) error {
	return ep.notifications.PublishEvent(ctx, "notify-"+event.RecipientID, event)
}

// PublishDeadLetter routes an unprocessable inbound event to the DLQ topic
// for operator review.
func (ep *EventPublisher) PublishDeadLetter(ctx context.Context, kind, reason string, original []byte) error {
	event := &models.DeadLetterEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventKind: kind,
			Timestamp: time.Now(),
		},
		Reason:   reason,
		Original: original,
	}
	return ep.deadLetters.PublishEvent(ctx, "dlq-"+kind, event)
}

// EventHandler routes inbound messages to one strongly typed handler per
// channel. Messages for a channel with no registered handler are acked; they
// are not this consumer's to retry.
type EventHandler struct {
	onChainJobFinalized func(context.Context, *models.ChainJobFinalizedEvent) error
	onStorageJobDone    func(context.Context, *models.StorageJobDoneEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.NamedLogger("events")}
}

// OnChainJobFinalized registers the handler for chain finalization events.
func (eh *EventHandler) OnChainJobFinalized(handler func(context.Context, *models.ChainJobFinalizedEvent) error) {
	eh.onChainJobFinalized = handler
}

// OnStorageJobDone registers the handler for storage completion events.
func (eh *EventHandler) OnStorageJobDone(handler func(context.Context, *models.StorageJobDoneEvent) error) {
	eh.onStorageJobDone = handler
}

// HandleChainMessage decodes and dispatches a channel-A message.
func (eh *EventHandler) HandleChainMessage(ctx context.Context, msg kafka.Message) error {
	if eh.onChainJobFinalized == nil {
		return nil
	}

	var event models.ChainJobFinalizedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal chain event: %w", err)
	}

	eh.logger.Info("Handling chain event",
		zap.String("event_id", event.EventID),
		zap.String("kind", event.EventKind),
		zap.String("job_id", event.JobID))

	return eh.onChainJobFinalized(ctx, &event)
}

// HandleStorageMessage decodes and dispatches a channel-B message.
func (eh *EventHandler) HandleStorageMessage(ctx context.Context, msg kafka.Message) error {
	if eh.onStorageJobDone == nil {
		return nil
	}

	var event models.StorageJobDoneEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal storage event: %w", err)
	}

	eh.logger.Info("Handling storage event", zap.String("job_id", event.JobID))

	return eh.onStorageJobDone(ctx, &event)
}
