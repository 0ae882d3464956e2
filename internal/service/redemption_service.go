package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"access-service/internal/ledger"
	"access-service/internal/models"
	"access-service/internal/store"
	"access-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedemptionConfig bounds the coordinator's reconciliation and bookkeeping
// retries.
type RedemptionConfig struct {
	// ReconcileAttempts bounds the reconciliation loop after an ambiguous
	// ledger commit.
	ReconcileAttempts int
	// ReconcileDelay is the base delay between reconciliation attempts.
	ReconcileDelay time.Duration
	// TransitionRetries bounds retries of the linked assignment transition
	// after a committed spend.
	TransitionRetries int
	// RepairBatchSize caps how many lost assignment transitions one
	// repair sweep pass re-applies.
	RepairBatchSize int
}

// RedemptionService coordinates policy evaluation, budget reservation, the
// ledger commit, and rollback. It owns the exactly-once-spend guarantee.
type RedemptionService struct {
	policies     PolicyStore
	transactions TransactionStore
	assignments  AssignmentStore
	evaluator    *PolicyEvaluator
	ledger       LedgerClient
	cache        BudgetCache
	locker       Locker
	publisher    Publisher
	cfg          RedemptionConfig
	logger       *zap.Logger
}

// NewRedemptionService creates a new redemption coordinator
func NewRedemptionService(
	policies PolicyStore,
	transactions TransactionStore,
	assignments AssignmentStore,
	evaluator *PolicyEvaluator,
	ledgerClient LedgerClient,
	cache BudgetCache,
	locker Locker,
	publisher Publisher,
	cfg RedemptionConfig,
) *RedemptionService {
	if cfg.ReconcileAttempts <= 0 {
		cfg.ReconcileAttempts = 3
	}
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = 200 * time.Millisecond
	}
	if cfg.TransitionRetries <= 0 {
		cfg.TransitionRetries = 3
	}
	if cfg.RepairBatchSize <= 0 {
		cfg.RepairBatchSize = 100
	}
	return &RedemptionService{
		policies:     policies,
		transactions: transactions,
		assignments:  assignments,
		evaluator:    evaluator,
		ledger:       ledgerClient,
		cache:        cache,
		locker:       locker,
		publisher:    publisher,
		cfg:          cfg,
		logger:       util.GetLogger(),
	}
}

// RedeemRequest asks to spend a policy's budget on content for a learner.
type RedeemRequest struct {
	PolicyID       string `json:"policy_id" binding:"required"`
	LearnerID      string `json:"learner_id" binding:"required"`
	ContentKey     string `json:"content_key" binding:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RedeemResponse reports the resulting transaction.
type RedeemResponse struct {
	TransactionID string `json:"transaction_id"`
	State         string `json:"state"`
	Price         int64  `json:"price"`
}

// Redeem executes the redemption protocol. A repeated call with the same
// idempotency key resolves to exactly one COMMITTED transaction, even when a
// prior attempt's lock was lost to a crash mid-settlement.
func (s *RedemptionService) Redeem(ctx context.Context, req *RedeemRequest) (*RedeemResponse, error) {
	ctx, span := util.StartSpan(ctx, "RedemptionService.Redeem")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	// Idempotency fast path. A RESERVED transaction from a crashed
	// attempt resumes settlement; its reservation is already durable so
	// no lock is needed.
	existing, err := s.transactions.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate redemption request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("transaction_id", existing.ID),
			zap.String("state", existing.State))
		return s.resumeExisting(ctx, existing)
	}

	// Advisory pre-check to fail fast; the authoritative evaluation runs
	// under the lock.
	policy, err := s.policies.GetPolicy(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}
	decision, err := s.evaluator.Evaluate(ctx, policy, req.LearnerID, req.ContentKey)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		util.RedemptionsDeniedTotal.WithLabelValues(string(decision.Reason)).Inc()
		return nil, &models.PolicyDeniedError{Reason: decision.Reason}
	}

	txn, err := s.reserveUnderLock(ctx, req)
	if err != nil {
		return nil, err
	}
	if txn.Terminal() {
		// A concurrent attempt with the same key finished while this
		// one waited on the lock.
		return s.resumeExisting(ctx, txn)
	}

	return s.settle(ctx, txn)
}

func (req *RedeemRequest) validate() error {
	if req.PolicyID == "" {
		return &models.ValidationError{Field: "policy_id", Msg: "must not be empty"}
	}
	if req.LearnerID == "" {
		return &models.ValidationError{Field: "learner_id", Msg: "must not be empty"}
	}
	if req.ContentKey == "" {
		return &models.ValidationError{Field: "content_key", Msg: "must not be empty"}
	}
	return nil
}

func (s *RedemptionService) resumeExisting(ctx context.Context, txn *models.Transaction) (*RedeemResponse, error) {
	switch txn.State {
	case models.TransactionStateCommitted:
		// The spend is final, but the linked assignment's REDEEMED
		// transition may have been lost to a failure after the commit.
		// Re-apply it so the hold is reclaimed.
		s.redeemLinkedAssignment(ctx, txn)
		return &RedeemResponse{TransactionID: txn.ID, State: txn.State, Price: txn.Quantity}, nil
	case models.TransactionStateReversed:
		return nil, &models.RedemptionFailedError{Reason: "a prior attempt with this idempotency key was reversed"}
	default:
		return s.settle(ctx, txn)
	}
}

// reserveUnderLock re-evaluates under per-policy exclusion and creates the
// RESERVED transaction. The lock is held only until the local reservation is
// durable; ledger confirmation proceeds outside it.
func (s *RedemptionService) reserveUnderLock(ctx context.Context, req *RedeemRequest) (*models.Transaction, error) {
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

	// A racer holding the lock before us may have created the
	// transaction already.
	existing, err := s.transactions.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency under lock: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	policy, err := s.policies.GetPolicy(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}

	decision, err := s.evaluator.Evaluate(ctx, policy, req.LearnerID, req.ContentKey)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		util.RedemptionsDeniedTotal.WithLabelValues(string(decision.Reason)).Inc()
		return nil, &models.PolicyDeniedError{Reason: decision.Reason}
	}

	txn := &models.Transaction{
		ID:             uuid.New().String(),
		PolicyID:       req.PolicyID,
		LearnerID:      req.LearnerID,
		ContentKey:     req.ContentKey,
		Quantity:       decision.Price,
		IdempotencyKey: req.IdempotencyKey,
		State:          models.TransactionStateReserved,
	}

	var discount int64
	if decision.Assignment != nil {
		discount = decision.Assignment.Quantity
	}
	if err := s.transactions.CreateReservedTransaction(ctx, txn, discount); err != nil {
		if errors.Is(err, store.ErrInsufficientHeadroom) {
			util.RedemptionsDeniedTotal.WithLabelValues(string(models.DenialBudgetExhausted)).Inc()
			return nil, &models.PolicyDeniedError{Reason: models.DenialBudgetExhausted}
		}
		return nil, fmt.Errorf("failed to reserve spend: %w", err)
	}

	s.logger.Info("Spend reserved",
		zap.String("transaction_id", txn.ID),
		zap.String("policy_id", txn.PolicyID),
		zap.Int64("quantity", txn.Quantity))
	return txn, nil
}

// settle drives a RESERVED transaction to a terminal state against the
// ledger. The local transaction ID doubles as the reservation reference.
func (s *RedemptionService) settle(ctx context.Context, txn *models.Transaction) (*RedeemResponse, error) {
	ledgerTx, err := s.ledger.Commit(ctx, ledger.CommitRequest{
		IdempotencyKey: txn.IdempotencyKey,
		ReservationID:  txn.ID,
		LearnerID:      txn.LearnerID,
		ContentKey:     txn.ContentKey,
		Amount:         txn.Quantity,
	})
	if err != nil {
		var rejected *models.LedgerRejectedError
		if errors.As(err, &rejected) {
			return s.finalizeReversed(ctx, txn, rejected.Reason)
		}

		// Ambiguous: the spend may have landed. Never assume either
		// way; discover the true outcome first.
		ledgerTx, err = s.reconcile(ctx, txn)
		if err != nil {
			util.RedemptionsFailedTotal.WithLabelValues("unresolved").Inc()
			return nil, err
		}
	}

	if ledgerTx.State == ledger.TxStateCommitted {
		return s.finalizeCommitted(ctx, txn, ledgerTx.ID)
	}
	return s.finalizeReversed(ctx, txn, "ledger reported failed")
}

// reconcile queries the ledger by idempotency key until the outcome of an
// ambiguous commit is known, re-issuing the commit (same key) when the
// ledger has no record of it. Bounded; on exhaustion the transaction stays
// RESERVED and a later call with the same key resumes from here.
func (s *RedemptionService) reconcile(ctx context.Context, txn *models.Transaction) (*ledger.Transaction, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.ReconcileAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.cfg.ReconcileDelay):
			}
		}

		found, err := s.ledger.FindTransaction(ctx, txn.IdempotencyKey)
		if err != nil {
			lastErr = err
			continue
		}
		if found != nil {
			util.RedemptionReconciliationsTotal.WithLabelValues("resolved").Inc()
			return found, nil
		}

		// No record: the ambiguous commit never landed. Retry it with
		// the same idempotency key so duplicate delivery cannot
		// double-spend.
		ledgerTx, err := s.ledger.Commit(ctx, ledger.CommitRequest{
			IdempotencyKey: txn.IdempotencyKey,
			ReservationID:  txn.ID,
			LearnerID:      txn.LearnerID,
			ContentKey:     txn.ContentKey,
			Amount:         txn.Quantity,
		})
		if err == nil {
			util.RedemptionReconciliationsTotal.WithLabelValues("resolved").Inc()
			return ledgerTx, nil
		}
		var rejected *models.LedgerRejectedError
		if errors.As(err, &rejected) {
			util.RedemptionReconciliationsTotal.WithLabelValues("resolved").Inc()
			return &ledger.Transaction{State: ledger.TxStateFailed}, nil
		}
		lastErr = err
	}

	util.RedemptionReconciliationsTotal.WithLabelValues("unresolved").Inc()
	s.logger.Error("Ledger outcome unresolved after reconciliation",
		zap.String("transaction_id", txn.ID),
		zap.String("idempotency_key", txn.IdempotencyKey),
		zap.Error(lastErr))
	return nil, &models.RedemptionFailedError{Reason: "ledger outcome unresolved", Err: lastErr}
}

func (s *RedemptionService) finalizeCommitted(ctx context.Context, txn *models.Transaction, ledgerTxID string) (*RedeemResponse, error) {
	committed, err := s.transactions.FinalizeTransaction(ctx, txn.ID, models.TransactionStateCommitted, txn.ID, ledgerTxID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize transaction: %w", err)
	}

	util.RedemptionsCommittedTotal.Inc()
	s.logger.Info("Redemption committed",
		zap.String("transaction_id", committed.ID),
		zap.String("ledger_tx_id", ledgerTxID))

	if err := s.cache.InvalidateBudgetSnapshot(ctx, committed.PolicyID); err != nil {
		s.logger.Warn("Failed to invalidate budget snapshot", zap.Error(err))
	}

	// The spend is final. A failure updating the linked assignment is a
	// bookkeeping problem and must never reverse it.
	s.redeemLinkedAssignment(ctx, committed)

	event := &models.AccessRedeemedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeAccessRedeemed,
			Timestamp: time.Now(),
		},
		TransactionID: committed.ID,
		PolicyID:      committed.PolicyID,
		LearnerID:     committed.LearnerID,
		ContentKey:    committed.ContentKey,
		Quantity:      committed.Quantity,
		LedgerTxID:    ledgerTxID,
	}
	if err := s.publisher.PublishAccessRedeemed(ctx, event); err != nil {
		s.logger.Error("Failed to publish AccessRedeemed event", zap.Error(err))
	}

	return &RedeemResponse{TransactionID: committed.ID, State: committed.State, Price: committed.Quantity}, nil
}

func (s *RedemptionService) finalizeReversed(ctx context.Context, txn *models.Transaction, reason string) (*RedeemResponse, error) {
	reversed, err := s.transactions.FinalizeTransaction(ctx, txn.ID, models.TransactionStateReversed, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to reverse transaction: %w", err)
	}
	if reversed.State == models.TransactionStateCommitted {
		// Lost a race against a concurrent settle that committed.
		return &RedeemResponse{TransactionID: reversed.ID, State: reversed.State, Price: reversed.Quantity}, nil
	}

	util.RedemptionsFailedTotal.WithLabelValues("ledger_rejected").Inc()
	s.logger.Warn("Redemption reversed",
		zap.String("transaction_id", txn.ID),
		zap.String("reason", reason))

	event := &models.RedemptionReversedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRedemptionReversed,
			Timestamp: time.Now(),
		},
		TransactionID: txn.ID,
		PolicyID:      txn.PolicyID,
		LearnerID:     txn.LearnerID,
		Reason:        reason,
	}
	if err := s.publisher.PublishRedemptionReversed(ctx, event); err != nil {
		s.logger.Error("Failed to publish RedemptionReversed event", zap.Error(err))
	}

	return nil, &models.RedemptionFailedError{Reason: fmt.Sprintf("ledger rejected spend: %s", reason)}
}

// redeemLinkedAssignment moves the learner's ACCEPTED assignment to REDEEMED
// after a committed spend. Retried on version conflicts; a final failure is
// logged for follow-up rather than propagated.
func (s *RedemptionService) redeemLinkedAssignment(ctx context.Context, txn *models.Transaction) {
	policy, err := s.policies.GetPolicy(ctx, txn.PolicyID)
	if err != nil {
		s.logger.Error("Failed to load policy for assignment redemption", zap.Error(err))
		return
	}
	if !policy.RequiresAssignment() {
		return
	}

	for attempt := 0; attempt < s.cfg.TransitionRetries; attempt++ {
		assignment, err := s.assignments.FindAssignment(ctx, txn.PolicyID, txn.LearnerID, txn.ContentKey, models.AssignmentAccepted)
		if err != nil {
			s.logger.Error("Failed to find assignment for redemption", zap.Error(err))
			continue
		}
		if assignment == nil {
			// Already redeemed by a prior retry, or cancelled
			// out from under the spend.
			return
		}

		_, err = s.assignments.TransitionAssignment(ctx, assignment.ID, assignment.Version, models.AssignmentRedeemed, txn.ID)
		if err == nil {
			util.AssignmentTransitionsTotal.WithLabelValues(string(models.AssignmentRedeemed)).Inc()
			return
		}
		if errors.Is(err, store.ErrStaleVersion) {
			util.AssignmentConflictsTotal.Inc()
			continue
		}
		s.logger.Error("Failed to redeem linked assignment",
			zap.String("assignment_id", assignment.ID), zap.Error(err))
		return
	}

	s.logger.Error("Linked assignment not redeemed after retries; spend remains final",
		zap.String("transaction_id", txn.ID))
}

// RepairAssignments re-applies REDEEMED transitions that were lost after a
// ledger commit: any ACCEPTED assignment whose spend already committed still
// holds reserved budget it is no longer entitled to. Run periodically so the
// transition lands even when the redemption path's own retries were
// exhausted. Returns how many assignments were repaired.
func (s *RedemptionService) RepairAssignments(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "RedemptionService.RepairAssignments")
	defer span.End()

	rows, err := s.assignments.AcceptedWithCommittedSpend(ctx, s.cfg.RepairBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list assignments pending redemption: %w", err)
	}

	repaired := 0
	for i := range rows {
		row := &rows[i]
		_, err := s.assignments.TransitionAssignment(ctx, row.ID, row.Version, models.AssignmentRedeemed, row.SpendTransactionID)
		if err != nil {
			// Lost to a concurrent transition; the next pass
			// re-lists anything still stuck.
			if errors.Is(err, store.ErrStaleVersion) {
				util.AssignmentConflictsTotal.Inc()
				continue
			}
			var invalid *models.InvalidStateTransitionError
			if errors.As(err, &invalid) {
				continue
			}
			s.logger.Error("Failed to repair assignment redemption",
				zap.String("assignment_id", row.ID), zap.Error(err))
			continue
		}
		repaired++
		util.AssignmentTransitionsTotal.WithLabelValues(string(models.AssignmentRedeemed)).Inc()
		s.logger.Warn("Re-applied lost assignment redemption",
			zap.String("assignment_id", row.ID),
			zap.String("transaction_id", row.SpendTransactionID))
	}
	return repaired, nil
}

// GetTransaction retrieves a transaction by ID
func (s *RedemptionService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return s.transactions.GetTransaction(ctx, id)
}
