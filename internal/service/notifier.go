package service

import (
	"context"
	"time"

	"deal-service/internal/models"
	"deal-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationPublisher publishes outbound notification events.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, event *models.NotificationEvent) error
}

// Notifier sends best-effort transition notifications to deal parties. Sends
// run in a detached goroutine with a bounded timeout, outside any transaction
// boundary; failures are logged and never affect the triggering operation.
type Notifier struct {
	publisher NotificationPublisher
	logger    *zap.Logger
}

// NewNotifier creates a new notifier.
func NewNotifier(publisher NotificationPublisher) *Notifier {
	return &Notifier{publisher: publisher, logger: util.NamedLogger("notifier")}
}

// Notify fires a notification to each recipient and returns immediately.
func (n *Notifier) Notify(recipients []uuid.UUID, subject, body, subjectType string, subjectID uuid.UUID) {
	if n == nil || n.publisher == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, recipient := range recipients {
			event := &models.NotificationEvent{
				BaseEvent: models.BaseEvent{
					EventID:   uuid.New().String(),
					EventKind: models.EventKindNotification,
					Timestamp: time.Now(),
				},
				RecipientID: recipient.String(),
				Subject:     subject,
				Body:        body,
				SubjectType: subjectType,
				SubjectID:   subjectID.String(),
			}

			if err := n.publisher.PublishNotification(ctx, event); err != nil {
				util.NotificationsFailedTotal.Inc()
				n.logger.Warn("Failed to publish notification",
					zap.String("recipient_id", recipient.String()),
					zap.String("subject", subject),
					zap.Error(err))
			}
		}
	}()
}
