package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"access-service/internal/models"
	"access-service/internal/store"
	"access-service/internal/util"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// AssignmentConfig tunes the assignment lifecycle service.
type AssignmentConfig struct {
	// AssignmentTTL is how long an assignment may sit non-terminal before
	// the expiry sweep reclaims it.
	AssignmentTTL time.Duration
	// ConflictRetries bounds refetch-and-retry on version conflicts.
	ConflictRetries int
	// SweepBatchSize caps how many assignments one sweep pass expires.
	SweepBatchSize int
}

// AssignmentService owns the content assignment lifecycle: allocation against
// policy budget, the guarded state transitions, and the expiry sweep.
type AssignmentService struct {
	policies    PolicyStore
	assignments AssignmentStore
	evaluator   *PolicyEvaluator
	locker      Locker
	cache       BudgetCache
	publisher   Publisher
	cfg         AssignmentConfig
	logger      *zap.Logger
}

// NewAssignmentService creates a new assignment service
func NewAssignmentService(
	policies PolicyStore,
	assignments AssignmentStore,
	evaluator *PolicyEvaluator,
	locker Locker,
	cache BudgetCache,
	publisher Publisher,
	cfg AssignmentConfig,
) *AssignmentService {
	if cfg.AssignmentTTL <= 0 {
		cfg.AssignmentTTL = 90 * 24 * time.Hour
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	return &AssignmentService{
		policies:    policies,
		assignments: assignments,
		evaluator:   evaluator,
		locker:      locker,
		cache:       cache,
		publisher:   publisher,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// AllocateRequest asks to earmark budget for a learner and content item.
type AllocateRequest struct {
	PolicyID   string `json:"policy_id" binding:"required"`
	LearnerID  string `json:"learner_id" binding:"required"`
	ContentKey string `json:"content_key" binding:"required"`
}

// Allocate creates an ALLOCATED assignment, placing a hold against the
// policy's budget. Re-allocating while a live assignment exists for the same
// learner and content returns the existing one unchanged.
func (s *AssignmentService) Allocate(ctx context.Context, req *AllocateRequest) (*models.ContentAssignment, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentService.Allocate")
	defer span.End()

	if req.PolicyID == "" {
		return nil, &models.ValidationError{Field: "policy_id", Msg: "must not be empty"}
	}
	if req.LearnerID == "" {
		return nil, &models.ValidationError{Field: "learner_id", Msg: "must not be empty"}
	}
	if req.ContentKey == "" {
		return nil, &models.ValidationError{Field: "content_key", Msg: "must not be empty"}
	}

	lockKey := "policy:" + req.PolicyID
	token, ok, err := s.locker.Acquire(ctx, lockKey)
	if err != nil {
		return nil, &models.ExternalServiceError{Service: "lock", Err: err}
	}
	if !ok {
		return nil, &models.ConcurrencyConflictError{Key: lockKey}
	}
	defer func() {
		if err := s.locker.Release(ctx, lockKey, token); err != nil {
			s.logger.Warn("Failed to release policy lock",
				zap.String("key", lockKey), zap.Error(err))
		}
	}()

	if existing, err := s.findLive(ctx, req); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	policy, err := s.policies.GetPolicy(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}

	decision, err := s.evaluator.EvaluateAllocation(ctx, policy, req.ContentKey)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &models.PolicyDeniedError{Reason: decision.Reason}
	}

	now := time.Now()
	assignment := &models.ContentAssignment{
		ID:         uuid.New().String(),
		PolicyID:   req.PolicyID,
		LearnerID:  req.LearnerID,
		ContentKey: req.ContentKey,
		Quantity:   decision.Price,
		State:      models.AssignmentAllocated,
		Version:    1,
		ExpiresAt:  now.Add(s.cfg.AssignmentTTL),
	}
	if err := s.assignments.CreateAllocatedAssignment(ctx, assignment); err != nil {
		if errors.Is(err, store.ErrInsufficientHeadroom) {
			return nil, &models.PolicyDeniedError{Reason: models.DenialBudgetExhausted}
		}
		return nil, fmt.Errorf("failed to allocate assignment: %w", err)
	}

	util.AssignmentsAllocatedTotal.Inc()
	s.logger.Info("Assignment allocated",
		zap.String("assignment_id", assignment.ID),
		zap.String("policy_id", assignment.PolicyID),
		zap.String("learner_id", assignment.LearnerID),
		zap.Int64("quantity", assignment.Quantity))

	if err := s.cache.InvalidateBudgetSnapshot(ctx, assignment.PolicyID); err != nil {
		s.logger.Warn("Failed to invalidate budget snapshot", zap.Error(err))
	}

	event := &models.AssignmentAllocatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeAssignmentAllocated,
			Timestamp: now,
		},
		AssignmentID: assignment.ID,
		PolicyID:     assignment.PolicyID,
		LearnerID:    assignment.LearnerID,
		ContentKey:   assignment.ContentKey,
		Quantity:     assignment.Quantity,
		ExpiresAt:    assignment.ExpiresAt,
	}
	if err := s.publisher.PublishAssignmentAllocated(ctx, event); err != nil {
		s.logger.Error("Failed to publish AssignmentAllocated event", zap.Error(err))
	}

	return assignment, nil
}

func (s *AssignmentService) findLive(ctx context.Context, req *AllocateRequest) (*models.ContentAssignment, error) {
	for _, state := range []models.AssignmentState{
		models.AssignmentAllocated,
		models.AssignmentNotified,
		models.AssignmentAccepted,
	} {
		existing, err := s.assignments.FindAssignment(ctx, req.PolicyID, req.LearnerID, req.ContentKey, state)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, nil
}

// MarkNotified records that the learner has been told about the assignment.
func (s *AssignmentService) MarkNotified(ctx context.Context, id string) (*models.ContentAssignment, error) {
	return s.transition(ctx, id, models.AssignmentNotified)
}

// Accept records the learner accepting the assignment.
func (s *AssignmentService) Accept(ctx context.Context, id string) (*models.ContentAssignment, error) {
	return s.transition(ctx, id, models.AssignmentAccepted)
}

// Cancel withdraws an assignment and reclaims its budget hold. Cancelling an
// already-cancelled assignment is a no-op.
func (s *AssignmentService) Cancel(ctx context.Context, id string) (*models.ContentAssignment, error) {
	return s.transition(ctx, id, models.AssignmentCancelled)
}

// GetAssignment retrieves an assignment by ID
func (s *AssignmentService) GetAssignment(ctx context.Context, id string) (*models.ContentAssignment, error) {
	return s.assignments.GetAssignment(ctx, id)
}

// ListByPolicy lists a policy's assignments, newest first.
func (s *AssignmentService) ListByPolicy(ctx context.Context, policyID string) ([]models.ContentAssignment, error) {
	return s.assignments.GetAssignmentsByPolicy(ctx, policyID)
}

// transition moves an assignment to the target state with version-guarded
// optimistic concurrency, refetching on conflict a bounded number of times.
// Requesting the state the assignment is already in returns it unchanged.
func (s *AssignmentService) transition(ctx context.Context, id string, to models.AssignmentState) (*models.ContentAssignment, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentService.transition")
	defer span.End()

	for attempt := 0; attempt < s.cfg.ConflictRetries; attempt++ {
		assignment, err := s.assignments.GetAssignment(ctx, id)
		if err != nil {
			return nil, err
		}
		if assignment.State == to {
			return assignment, nil
		}

		updated, err := s.assignments.TransitionAssignment(ctx, id, assignment.Version, to, "")
		if err == nil {
			util.AssignmentTransitionsTotal.WithLabelValues(string(to)).Inc()
			s.publishStateChanged(ctx, updated)
			return updated, nil
		}
		if errors.Is(err, store.ErrStaleVersion) {
			util.AssignmentConflictsTotal.Inc()
			continue
		}
		return nil, err
	}

	return nil, &models.ConcurrencyConflictError{Key: "assignment:" + id}
}

// ExpireDue reclaims holds for assignments past their expiry, at most one
// batch per call. Rows that move under the sweep's feet are skipped; the next
// pass picks up anything still due.
func (s *AssignmentService) ExpireDue(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentService.ExpireDue")
	defer span.End()
	timer := prometheus.NewTimer(util.AssignmentSweepDuration)
	defer timer.ObserveDuration()

	due, err := s.assignments.DueForExpiry(ctx, time.Now(), s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list assignments due for expiry: %w", err)
	}

	expired := 0
	for i := range due {
		assignment := &due[i]
		updated, err := s.assignments.TransitionAssignment(ctx, assignment.ID, assignment.Version, models.AssignmentExpired, "")
		if err != nil {
			// Lost to a concurrent accept, cancel, or redemption.
			if errors.Is(err, store.ErrStaleVersion) {
				util.AssignmentConflictsTotal.Inc()
				continue
			}
			var invalid *models.InvalidStateTransitionError
			if errors.As(err, &invalid) {
				continue
			}
			s.logger.Error("Failed to expire assignment",
				zap.String("assignment_id", assignment.ID), zap.Error(err))
			continue
		}
		expired++
		util.AssignmentTransitionsTotal.WithLabelValues(string(models.AssignmentExpired)).Inc()
		s.publishStateChanged(ctx, updated)
	}

	if expired > 0 {
		s.logger.Info("Expiry sweep reclaimed assignments", zap.Int("expired", expired))
	}
	return expired, nil
}

var stateEventTypes = map[models.AssignmentState]string{
	models.AssignmentNotified:  models.EventTypeAssignmentNotified,
	models.AssignmentAccepted:  models.EventTypeAssignmentAccepted,
	models.AssignmentCancelled: models.EventTypeAssignmentCancelled,
	models.AssignmentExpired:   models.EventTypeAssignmentExpired,
	models.AssignmentRedeemed:  models.EventTypeAssignmentRedeemed,
}

func (s *AssignmentService) publishStateChanged(ctx context.Context, a *models.ContentAssignment) {
	eventType, ok := stateEventTypes[a.State]
	if !ok {
		return
	}
	event := &models.AssignmentStateChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		AssignmentID: a.ID,
		PolicyID:     a.PolicyID,
		LearnerID:    a.LearnerID,
		ContentKey:   a.ContentKey,
		State:        a.State,
	}
	if err := s.publisher.PublishAssignmentStateChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish assignment state change", zap.Error(err))
	}
}
