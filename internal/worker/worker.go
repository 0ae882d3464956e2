package worker

import (
	"context"
	"time"

	"access-service/internal/broker"
	"access-service/internal/models"
	"access-service/internal/service"
	"access-service/internal/util"

	"go.uber.org/zap"
)

// EventDeduper tracks processed event IDs so redelivered messages are
// acknowledged without reprocessing.
type EventDeduper interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// NotificationWorker consumes AssignmentAllocated events and marks the
// assignment NOTIFIED once the learner has been told.
type NotificationWorker struct {
	consumer    *broker.Consumer
	assignments *service.AssignmentService
	deduper     EventDeduper
	logger      *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, assignments *service.AssignmentService, deduper EventDeduper) *NotificationWorker {
	return &NotificationWorker{
		consumer:    consumer,
		assignments: assignments,
		deduper:     deduper,
		logger:      util.GetLogger(),
	}
}

// Start consumes until ctx is cancelled.
func (w *NotificationWorker) Start(ctx context.Context) error {
	handler := broker.NewEventHandler()
	handler.OnAssignmentAllocated(w.handleAllocated)

	w.logger.Info("Notification worker started")
	return w.consumer.StartConsuming(ctx, handler.HandleMessage)
}

func (w *NotificationWorker) handleAllocated(ctx context.Context, event *models.AssignmentAllocatedEvent) error {
	processed, err := w.deduper.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Debug("Skipping already processed event",
			zap.String("event_id", event.EventID))
		return nil
	}

	// Delivery of the notification itself is out of process; marking the
	// assignment is what records it happened.
	if _, err := w.assignments.MarkNotified(ctx, event.AssignmentID); err != nil {
		w.logger.Error("Failed to mark assignment notified",
			zap.String("assignment_id", event.AssignmentID), zap.Error(err))
		return err
	}

	if err := w.deduper.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		return err
	}

	w.logger.Info("Assignment notified",
		zap.String("assignment_id", event.AssignmentID),
		zap.String("learner_id", event.LearnerID))
	return nil
}

// SweepScheduler runs the periodic assignment sweeps on a fixed interval:
// expiring overdue assignments and re-applying REDEEMED transitions lost
// after a committed spend.
type SweepScheduler struct {
	assignments *service.AssignmentService
	redemptions *service.RedemptionService
	interval    time.Duration
	logger      *zap.Logger
}

// NewSweepScheduler creates a new sweep scheduler
func NewSweepScheduler(assignments *service.AssignmentService, redemptions *service.RedemptionService, interval time.Duration) *SweepScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepScheduler{
		assignments: assignments,
		redemptions: redemptions,
		interval:    interval,
		logger:      util.GetLogger(),
	}
}

// Start sweeps until ctx is cancelled.
func (s *SweepScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Assignment sweep scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Assignment sweep scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.assignments.ExpireDue(ctx); err != nil {
				s.logger.Error("Expiry sweep failed", zap.Error(err))
			}
			if _, err := s.redemptions.RepairAssignments(ctx); err != nil {
				s.logger.Error("Redemption repair sweep failed", zap.Error(err))
			}
		}
	}
}

// ReminderScheduler periodically nudges policy admins about access requests
// that have sat unreviewed past the configured age.
type ReminderScheduler struct {
	requests *service.RequestService
	interval time.Duration
	logger   *zap.Logger
}

// NewReminderScheduler creates a new reminder scheduler
func NewReminderScheduler(requests *service.RequestService, interval time.Duration) *ReminderScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ReminderScheduler{
		requests: requests,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start reminds until ctx is cancelled.
func (s *ReminderScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Request reminder scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Request reminder scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.requests.RemindPending(ctx); err != nil {
				s.logger.Error("Request reminder sweep failed", zap.Error(err))
			}
		}
	}
}
