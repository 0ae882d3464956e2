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
	"go.uber.org/zap"
)

// RequestConfig tunes the access request service.
type RequestConfig struct {
	// ConflictRetries bounds refetch-and-retry on version conflicts.
	ConflictRetries int
	// RemindAfter is how long a request may sit unreviewed before the
	// reminder sweep nudges the policy's admins about it again.
	RemindAfter time.Duration
	// ReminderBatchSize caps how many requests one reminder pass covers.
	ReminderBatchSize int
}

// RequestService owns learner-initiated access requests: submission, the
// admin review decisions, and the reminder sweep over unreviewed requests.
// Approval allocates an assignment for the learner, feeding the normal
// assignment lifecycle.
type RequestService struct {
	requests    RequestStore
	policies    PolicyStore
	assignments *AssignmentService
	publisher   Publisher
	cfg         RequestConfig
	logger      *zap.Logger
}

// NewRequestService creates a new access request service
func NewRequestService(
	requests RequestStore,
	policies PolicyStore,
	assignments *AssignmentService,
	publisher Publisher,
	cfg RequestConfig,
) *RequestService {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.RemindAfter <= 0 {
		cfg.RemindAfter = 24 * time.Hour
	}
	if cfg.ReminderBatchSize <= 0 {
		cfg.ReminderBatchSize = 100
	}
	return &RequestService{
		requests:    requests,
		policies:    policies,
		assignments: assignments,
		publisher:   publisher,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// SubmitRequestRequest asks for content access on a learner's behalf.
type SubmitRequestRequest struct {
	PolicyID   string `json:"policy_id" binding:"required"`
	LearnerID  string `json:"learner_id" binding:"required"`
	ContentKey string `json:"content_key" binding:"required"`
}

// Submit records a learner's access request for admin review. Submitting
// while an open request exists for the same learner and content returns the
// existing one unchanged.
func (s *RequestService) Submit(ctx context.Context, req *SubmitRequestRequest) (*models.AccessRequest, error) {
	ctx, span := util.StartSpan(ctx, "RequestService.Submit")
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

	policy, err := s.policies.GetPolicy(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}
	if !policy.Active {
		return nil, &models.PolicyDeniedError{Reason: models.DenialPolicyInactive}
	}

	existing, err := s.requests.FindRequestedAccessRequest(ctx, req.PolicyID, req.LearnerID, req.ContentKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	request := &models.AccessRequest{
		ID:         uuid.New().String(),
		PolicyID:   req.PolicyID,
		LearnerID:  req.LearnerID,
		ContentKey: req.ContentKey,
		State:      models.RequestRequested,
		Version:    1,
	}
	if err := s.requests.CreateAccessRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to create access request: %w", err)
	}

	util.AccessRequestsSubmittedTotal.Inc()
	s.logger.Info("Access request submitted",
		zap.String("request_id", request.ID),
		zap.String("policy_id", request.PolicyID),
		zap.String("learner_id", request.LearnerID))

	event := &models.AccessRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeAccessRequested,
			Timestamp: time.Now(),
		},
		RequestID:  request.ID,
		PolicyID:   request.PolicyID,
		LearnerID:  request.LearnerID,
		ContentKey: request.ContentKey,
	}
	if err := s.publisher.PublishAccessRequested(ctx, event); err != nil {
		s.logger.Error("Failed to publish AccessRequested event", zap.Error(err))
	}

	return request, nil
}

// Approve grants a request: an assignment is allocated for the learner and
// linked to the request. Approving an already-approved request is a no-op; a
// denial during allocation leaves the request open for a later decision.
func (s *RequestService) Approve(ctx context.Context, id string) (*models.AccessRequest, error) {
	ctx, span := util.StartSpan(ctx, "RequestService.Approve")
	defer span.End()

	for attempt := 0; attempt < s.cfg.ConflictRetries; attempt++ {
		request, err := s.requests.GetAccessRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if request.State == models.RequestApproved {
			return request, nil
		}
		if request.State.Terminal() {
			return nil, &models.InvalidRequestTransitionError{
				RequestID: id, From: request.State, To: models.RequestApproved,
			}
		}

		// Allocation is idempotent per live (policy, learner, content),
		// so a version conflict below retries safely.
		assignment, err := s.assignments.Allocate(ctx, &AllocateRequest{
			PolicyID:   request.PolicyID,
			LearnerID:  request.LearnerID,
			ContentKey: request.ContentKey,
		})
		if err != nil {
			return nil, err
		}

		updated, err := s.requests.TransitionAccessRequest(ctx, id, request.Version, models.RequestApproved, "", assignment.ID)
		if err == nil {
			util.AccessRequestTransitionsTotal.WithLabelValues(string(models.RequestApproved)).Inc()
			s.logger.Info("Access request approved",
				zap.String("request_id", id),
				zap.String("assignment_id", assignment.ID))
			return updated, nil
		}
		if errors.Is(err, store.ErrStaleVersion) {
			continue
		}
		return nil, err
	}

	return nil, &models.ConcurrencyConflictError{Key: "request:" + id}
}

// Decline refuses a request, recording the admin's reason.
func (s *RequestService) Decline(ctx context.Context, id, reason string) (*models.AccessRequest, error) {
	return s.transition(ctx, id, models.RequestDeclined, reason)
}

// Cancel withdraws a request before review. Cancelling an already-cancelled
// request is a no-op.
func (s *RequestService) Cancel(ctx context.Context, id string) (*models.AccessRequest, error) {
	return s.transition(ctx, id, models.RequestCancelled, "")
}

// GetRequest retrieves an access request by ID
func (s *RequestService) GetRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	return s.requests.GetAccessRequest(ctx, id)
}

// ListByPolicy lists a policy's access requests, newest first.
func (s *RequestService) ListByPolicy(ctx context.Context, policyID string) ([]models.AccessRequest, error) {
	return s.requests.GetRequestsByPolicy(ctx, policyID)
}

func (s *RequestService) transition(ctx context.Context, id string, to models.AccessRequestState, reason string) (*models.AccessRequest, error) {
	for attempt := 0; attempt < s.cfg.ConflictRetries; attempt++ {
		request, err := s.requests.GetAccessRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if request.State == to {
			return request, nil
		}

		updated, err := s.requests.TransitionAccessRequest(ctx, id, request.Version, to, reason, "")
		if err == nil {
			util.AccessRequestTransitionsTotal.WithLabelValues(string(to)).Inc()
			return updated, nil
		}
		if errors.Is(err, store.ErrStaleVersion) {
			continue
		}
		return nil, err
	}

	return nil, &models.ConcurrencyConflictError{Key: "request:" + id}
}

// RemindPending publishes one reminder event per policy covering requests
// that have sat unreviewed past the configured age, then stamps them so the
// next pass skips them until the interval elapses again. Returns how many
// requests were covered.
func (s *RequestService) RemindPending(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "RequestService.RemindPending")
	defer span.End()

	cutoff := time.Now().Add(-s.cfg.RemindAfter)
	due, err := s.requests.RequestsDueForReminder(ctx, cutoff, s.cfg.ReminderBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list requests due for reminder: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	byPolicy := make(map[string][]string)
	for _, request := range due {
		byPolicy[request.PolicyID] = append(byPolicy[request.PolicyID], request.ID)
	}

	var reminded []string
	for policyID, requestIDs := range byPolicy {
		event := &models.AccessRequestReminderEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeRequestReminder,
				Timestamp: time.Now(),
			},
			PolicyID:   policyID,
			RequestIDs: requestIDs,
		}
		if err := s.publisher.PublishAccessRequestReminder(ctx, event); err != nil {
			// Unstamped requests stay due, so the next pass retries.
			s.logger.Error("Failed to publish request reminder",
				zap.String("policy_id", policyID), zap.Error(err))
			continue
		}
		util.AccessRequestRemindersTotal.Inc()
		reminded = append(reminded, requestIDs...)
	}

	if len(reminded) > 0 {
		if err := s.requests.MarkRequestsReminded(ctx, reminded); err != nil {
			return len(reminded), fmt.Errorf("failed to stamp reminded requests: %w", err)
		}
		s.logger.Info("Reminded admins about unreviewed requests",
			zap.Int("requests", len(reminded)),
			zap.Int("policies", len(byPolicy)))
	}
	return len(reminded), nil
}
