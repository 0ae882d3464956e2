package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"access-service/internal/models"
)

// CreateAllocatedAssignment inserts an ALLOCATED assignment and reserves its
// quantity against the policy under the policy row lock.
func (s *Store) CreateAllocatedAssignment(ctx context.Context, a *models.ContentAssignment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var policy models.Policy
	err = tx.GetContext(ctx, &policy,
		"SELECT * FROM policies WHERE id = $1 FOR UPDATE", a.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to lock policy %s: %w", a.PolicyID, err)
	}

	if policy.Committed+policy.Reserved+a.Quantity > policy.SpendLimit {
		return ErrInsufficientHeadroom
	}

	err = tx.GetContext(ctx, a, `
		INSERT INTO content_assignments (id, policy_id, learner_id, content_key, quantity, state, version, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		RETURNING *`,
		a.ID, a.PolicyID, a.LearnerID, a.ContentKey, a.Quantity,
		models.AssignmentAllocated, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE policies SET reserved = reserved + $1, updated_at = NOW() WHERE id = $2",
		a.Quantity, a.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to reserve quantity: %w", err)
	}

	return tx.Commit()
}

// GetAssignment retrieves an assignment by ID
func (s *Store) GetAssignment(ctx context.Context, id string) (*models.ContentAssignment, error) {
	var a models.ContentAssignment
	err := s.db.GetContext(ctx, &a, "SELECT * FROM content_assignments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindAssignment returns the most recent assignment in the given state for
// (policy, learner, content), or nil when none exists.
func (s *Store) FindAssignment(ctx context.Context, policyID, learnerID, contentKey string, state models.AssignmentState) (*models.ContentAssignment, error) {
	var a models.ContentAssignment
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM content_assignments
		WHERE policy_id = $1 AND learner_id = $2 AND content_key = $3 AND state = $4
		ORDER BY created_at DESC LIMIT 1`,
		policyID, learnerID, contentKey, state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// TransitionAssignment applies a lifecycle transition guarded by the version
// token. Terminal transitions reclaim the assignment's reserved quantity from
// the policy in the same database transaction, so the reclaim happens at most
// once no matter how cancel and the expiry sweep race. transactionID links
// the redemption when transitioning to REDEEMED; pass "" otherwise.
func (s *Store) TransitionAssignment(ctx context.Context, id string, expectedVersion int64, to models.AssignmentState, transactionID string) (*models.ContentAssignment, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var a models.ContentAssignment
	err = tx.GetContext(ctx, &a,
		"SELECT * FROM content_assignments WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if a.Version != expectedVersion {
		return nil, ErrStaleVersion
	}
	if !models.CanTransition(a.State, to) {
		return nil, &models.InvalidStateTransitionError{AssignmentID: id, From: a.State, To: to}
	}

	var txnID *string
	if transactionID != "" {
		txnID = &transactionID
	}

	err = tx.GetContext(ctx, &a, `
		UPDATE content_assignments
		SET state = $1, version = version + 1, transaction_id = COALESCE($2, transaction_id), updated_at = NOW()
		WHERE id = $3
		RETURNING *`,
		to, txnID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to transition assignment: %w", err)
	}

	if to.Terminal() {
		_, err = tx.ExecContext(ctx,
			"UPDATE policies SET reserved = reserved - $1, updated_at = NOW() WHERE id = $2",
			a.Quantity, a.PolicyID)
		if err != nil {
			return nil, fmt.Errorf("failed to reclaim reserved quantity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &a, nil
}

// DueForExpiry returns assignments in ALLOCATED or NOTIFIED whose expiry time
// has passed, oldest first.
func (s *Store) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.ContentAssignment, error) {
	var assignments []models.ContentAssignment
	err := s.db.SelectContext(ctx, &assignments, `
		SELECT * FROM content_assignments
		WHERE state IN ($1, $2) AND expires_at <= $3
		ORDER BY expires_at ASC LIMIT $4`,
		models.AssignmentAllocated, models.AssignmentNotified, now, limit)
	return assignments, err
}

// RedeemableAssignment pairs an ACCEPTED assignment with the COMMITTED
// transaction that already paid for it.
type RedeemableAssignment struct {
	models.ContentAssignment
	SpendTransactionID string `db:"spend_transaction_id"`
}

// AcceptedWithCommittedSpend returns ACCEPTED assignments whose learner
// already holds a COMMITTED transaction for the same policy and content.
// These are assignments whose REDEEMED transition was lost to a downstream
// failure; the repair sweep re-applies it so the hold is reclaimed.
func (s *Store) AcceptedWithCommittedSpend(ctx context.Context, limit int) ([]RedeemableAssignment, error) {
	var rows []RedeemableAssignment
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.*, t.id AS spend_transaction_id
		FROM content_assignments a
		JOIN transactions t
		  ON t.policy_id = a.policy_id
		 AND t.learner_id = a.learner_id
		 AND t.content_key = a.content_key
		 AND t.state = $1
		WHERE a.state = $2
		ORDER BY a.updated_at ASC LIMIT $3`,
		models.TransactionStateCommitted, models.AssignmentAccepted, limit)
	return rows, err
}

// GetAssignmentsByPolicy lists assignments under a policy, newest first.
func (s *Store) GetAssignmentsByPolicy(ctx context.Context, policyID string) ([]models.ContentAssignment, error) {
	var assignments []models.ContentAssignment
	err := s.db.SelectContext(ctx, &assignments,
		"SELECT * FROM content_assignments WHERE policy_id = $1 ORDER BY created_at DESC", policyID)
	return assignments, err
}
