package mailbox

import (
	"context"

	"github.com/coregx/mailbox/model"
)

// NotificationService defines an optional interface for surfacing routing
// events (terminal failures, subscription lifecycle) to external systems.
//
// Implementations might send emails, chat messages, or feed monitoring.
type NotificationService interface {
	// NotifyDeliveryFailure is called on every failed delivery attempt,
	// before any retry is scheduled.
	NotifyDeliveryFailure(ctx context.Context, confirmation *model.DeliveryConfirmation, err error) error

	// NotifyDeadLetter is called when a confirmation goes terminally
	// FAILED after exhausting retries. The message itself stays persisted
	// for inspection and manual replay.
	NotifyDeadLetter(ctx context.Context, confirmation *model.DeliveryConfirmation) error

	// NotifySubscriptionCreated is called when a new subscription is created.
	NotifySubscriptionCreated(ctx context.Context, subscription model.Subscription) error

	// NotifySubscriptionRemoved is called when a subscription is removed.
	NotifySubscriptionRemoved(ctx context.Context, subscription model.Subscription) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyDeliveryFailure does nothing.
func (n *NoOpNotificationService) NotifyDeliveryFailure(_ context.Context, _ *model.DeliveryConfirmation, _ error) error {
	return nil
}

// NotifyDeadLetter does nothing.
func (n *NoOpNotificationService) NotifyDeadLetter(_ context.Context, _ *model.DeliveryConfirmation) error {
	return nil
}

// NotifySubscriptionCreated does nothing.
func (n *NoOpNotificationService) NotifySubscriptionCreated(_ context.Context, _ model.Subscription) error {
	return nil
}

// NotifySubscriptionRemoved does nothing.
func (n *NoOpNotificationService) NotifySubscriptionRemoved(_ context.Context, _ model.Subscription) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeliveryFailure logs the failed attempt.
func (n *LoggingNotificationService) NotifyDeliveryFailure(_ context.Context, c *model.DeliveryConfirmation, err error) error {
	n.logger.Warnf("delivery failed: message=%s target=%s attempt=%d error=%v",
		c.MessageID, c.Target, c.RetryCount, err)
	return nil
}

// NotifyDeadLetter logs the terminal failure.
func (n *LoggingNotificationService) NotifyDeadLetter(_ context.Context, c *model.DeliveryConfirmation) error {
	n.logger.Warnf("message dead-lettered: message=%s target=%s attempts=%d",
		c.MessageID, c.Target, len(c.Attempts))
	return nil
}

// NotifySubscriptionCreated logs the subscription.
func (n *LoggingNotificationService) NotifySubscriptionCreated(_ context.Context, s model.Subscription) error {
	n.logger.Infof("subscription created: id=%s participant=%s target=%s mode=%s",
		s.ID, s.Participant, s.Target, s.Mode)
	return nil
}

// NotifySubscriptionRemoved logs the removal.
func (n *LoggingNotificationService) NotifySubscriptionRemoved(_ context.Context, s model.Subscription) error {
	n.logger.Infof("subscription removed: id=%s participant=%s", s.ID, s.Participant)
	return nil
}
