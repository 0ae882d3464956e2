package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"access-service/internal/models"
	"access-service/internal/saga"
	"access-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// WorkflowBulkAllocation is the registered name of the bulk allocation
// workflow.
const WorkflowBulkAllocation = "bulk-allocation"

// BulkAllocateRequest provisions assignments for a batch of learners under
// one policy.
type BulkAllocateRequest struct {
	PolicyID   string   `json:"policy_id" binding:"required"`
	LearnerIDs []string `json:"learner_ids" binding:"required"`
	ContentKey string   `json:"content_key" binding:"required"`
}

type bulkAllocationInput struct {
	PolicyID   string   `json:"policy_id"`
	LearnerIDs []string `json:"learner_ids"`
	ContentKey string   `json:"content_key"`
}

type allocateStepResult struct {
	AssignmentIDs []string `json:"assignment_ids"`
	Total         int64    `json:"total"`
}

type ledgerReserveResult struct {
	ReservationID string `json:"reservation_id"`
}

// ProvisioningService runs bulk allocation as a compensated workflow:
// allocate assignments for every learner, mirror the aggregate hold at the
// ledger, then notify. Any failure unwinds the completed steps.
type ProvisioningService struct {
	executor *saga.Executor
	runs     saga.Store
	logger   *zap.Logger
}

// NewProvisioningService registers the bulk allocation workflow on the
// executor and returns the service that starts it.
func NewProvisioningService(
	executor *saga.Executor,
	runs saga.Store,
	assignments *AssignmentService,
	ledgerClient LedgerClient,
) *ProvisioningService {
	executor.Register(saga.Definition{
		Name: WorkflowBulkAllocation,
		Steps: []saga.Step{
			&allocateAssignmentsStep{assignments: assignments},
			&reserveLedgerStep{ledger: ledgerClient},
			&notifyLearnersStep{assignments: assignments},
		},
	})
	return &ProvisioningService{
		executor: executor,
		runs:     runs,
		logger:   util.GetLogger(),
	}
}

// BulkAllocate starts a bulk allocation run and drives it to a terminal
// state. The run is returned in whatever state it reached; inspect State to
// distinguish success from a compensated failure.
func (p *ProvisioningService) BulkAllocate(ctx context.Context, req *BulkAllocateRequest) (*saga.Run, error) {
	ctx, span := util.StartSpan(ctx, "ProvisioningService.BulkAllocate")
	defer span.End()

	if req.PolicyID == "" {
		return nil, &models.ValidationError{Field: "policy_id", Msg: "must not be empty"}
	}
	if len(req.LearnerIDs) == 0 {
		return nil, &models.ValidationError{Field: "learner_ids", Msg: "must not be empty"}
	}
	if req.ContentKey == "" {
		return nil, &models.ValidationError{Field: "content_key", Msg: "must not be empty"}
	}

	input, err := json.Marshal(bulkAllocationInput{
		PolicyID:   req.PolicyID,
		LearnerIDs: req.LearnerIDs,
		ContentKey: req.ContentKey,
	})
	if err != nil {
		return nil, err
	}

	run, err := p.executor.Start(ctx, WorkflowBulkAllocation, input)
	if err != nil {
		return run, fmt.Errorf("failed to run bulk allocation: %w", err)
	}
	p.logger.Info("Bulk allocation finished",
		zap.String("run_id", run.ID),
		zap.String("state", string(run.State)),
		zap.Int("learners", len(req.LearnerIDs)))
	return run, nil
}

// GetRun retrieves a workflow run by ID.
func (p *ProvisioningService) GetRun(ctx context.Context, id string) (*saga.Run, error) {
	return p.runs.GetRun(ctx, id)
}

// allocateAssignmentsStep allocates one assignment per learner. Allocation is
// idempotent per learner and content, so a retried execution picks up where
// the last attempt stopped. A denial rolls back this attempt's allocations
// before failing the step for good.
type allocateAssignmentsStep struct {
	assignments *AssignmentService
}

func (s *allocateAssignmentsStep) Name() string { return "allocate-assignments" }

func (s *allocateAssignmentsStep) Execute(ctx context.Context, run *saga.Run) ([]byte, error) {
	var input bulkAllocationInput
	if err := json.Unmarshal(run.Input, &input); err != nil {
		return nil, backoff.Permanent(err)
	}

	result := allocateStepResult{AssignmentIDs: make([]string, 0, len(input.LearnerIDs))}
	for _, learnerID := range input.LearnerIDs {
		assignment, err := s.assignments.Allocate(ctx, &AllocateRequest{
			PolicyID:   input.PolicyID,
			LearnerID:  learnerID,
			ContentKey: input.ContentKey,
		})
		if err != nil {
			if isPermanentAllocationFailure(err) {
				s.rollback(ctx, result.AssignmentIDs)
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		result.AssignmentIDs = append(result.AssignmentIDs, assignment.ID)
		result.Total += assignment.Quantity
	}
	return json.Marshal(result)
}

func (s *allocateAssignmentsStep) Compensate(ctx context.Context, run *saga.Run, result []byte) error {
	var allocated allocateStepResult
	if err := json.Unmarshal(result, &allocated); err != nil {
		return err
	}
	return s.rollback(ctx, allocated.AssignmentIDs)
}

func (s *allocateAssignmentsStep) rollback(ctx context.Context, ids []string) error {
	var firstErr error
	for _, id := range ids {
		if _, err := s.assignments.Cancel(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isPermanentAllocationFailure(err error) bool {
	if _, denied := models.IsDenied(err); denied {
		return true
	}
	var validation *models.ValidationError
	return errors.As(err, &validation)
}

// reserveLedgerStep mirrors the batch's aggregate hold at the budget ledger,
// keyed to the run so a retry reuses the same reservation.
type reserveLedgerStep struct {
	ledger LedgerClient
}

func (s *reserveLedgerStep) Name() string { return "reserve-ledger-budget" }

func (s *reserveLedgerStep) Execute(ctx context.Context, run *saga.Run) ([]byte, error) {
	var input bulkAllocationInput
	if err := json.Unmarshal(run.Input, &input); err != nil {
		return nil, backoff.Permanent(err)
	}
	var allocated allocateStepResult
	if err := json.Unmarshal(run.StepResult(0), &allocated); err != nil {
		return nil, backoff.Permanent(err)
	}

	reservation, err := s.ledger.Reserve(ctx, run.ID+":ledger-reserve", input.PolicyID, allocated.Total)
	if err != nil {
		var rejected *models.LedgerRejectedError
		if errors.As(err, &rejected) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return json.Marshal(ledgerReserveResult{ReservationID: reservation.ReservationID})
}

func (s *reserveLedgerStep) Compensate(ctx context.Context, run *saga.Run, result []byte) error {
	var reserved ledgerReserveResult
	if err := json.Unmarshal(result, &reserved); err != nil {
		return err
	}
	return s.ledger.Reverse(ctx, reserved.ReservationID)
}

// notifyLearnersStep marks every allocated assignment NOTIFIED. Marking is
// idempotent, so retries re-walk the list safely. Notification cannot be
// unsent; compensation is a no-op.
type notifyLearnersStep struct {
	assignments *AssignmentService
}

func (s *notifyLearnersStep) Name() string { return "notify-learners" }

func (s *notifyLearnersStep) Execute(ctx context.Context, run *saga.Run) ([]byte, error) {
	var allocated allocateStepResult
	if err := json.Unmarshal(run.StepResult(0), &allocated); err != nil {
		return nil, backoff.Permanent(err)
	}
	for _, id := range allocated.AssignmentIDs {
		if _, err := s.assignments.MarkNotified(ctx, id); err != nil {
			// A learner may accept between steps; an assignment
			// already past NOTIFIED does not fail the batch.
			var invalid *models.InvalidStateTransitionError
			if errors.As(err, &invalid) &&
				(invalid.From == models.AssignmentAccepted || invalid.From == models.AssignmentRedeemed) {
				continue
			}
			return nil, err
		}
	}
	return nil, nil
}

func (s *notifyLearnersStep) Compensate(ctx context.Context, run *saga.Run, result []byte) error {
	return nil
}
