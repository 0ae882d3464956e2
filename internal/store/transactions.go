package store

import (
	"context"
	"database/sql"
	"fmt"

	"access-service/internal/models"
)

// CreateReservedTransaction inserts a RESERVED transaction and moves the
// policy's reserved total up, holding the policy row lock so concurrent
// reservations cannot overcommit. headroomDiscount subtracts a reservation
// the spend will replace (the linked assignment's hold) from the headroom
// check.
func (s *Store) CreateReservedTransaction(ctx context.Context, txn *models.Transaction, headroomDiscount int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var policy models.Policy
	err = tx.GetContext(ctx, &policy,
		"SELECT * FROM policies WHERE id = $1 FOR UPDATE", txn.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to lock policy %s: %w", txn.PolicyID, err)
	}

	if policy.Committed+policy.Reserved-headroomDiscount+txn.Quantity > policy.SpendLimit {
		return ErrInsufficientHeadroom
	}

	err = tx.GetContext(ctx, txn, `
		INSERT INTO transactions (id, policy_id, learner_id, content_key, quantity, idempotency_key, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *`,
		txn.ID, txn.PolicyID, txn.LearnerID, txn.ContentKey, txn.Quantity,
		txn.IdempotencyKey, models.TransactionStateReserved)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE policies SET reserved = reserved + $1, updated_at = NOW() WHERE id = $2",
		txn.Quantity, txn.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to reserve spend: %w", err)
	}

	return tx.Commit()
}

// FinalizeTransaction moves a RESERVED transaction to COMMITTED or REVERSED
// and settles the policy totals in the same database transaction. Finalizing
// an already-terminal transaction is a no-op returning the current record, so
// retries after ambiguous ledger outcomes are safe.
func (s *Store) FinalizeTransaction(ctx context.Context, id, state, reservationID, ledgerTxID string) (*models.Transaction, error) {
	if state != models.TransactionStateCommitted && state != models.TransactionStateReversed {
		return nil, fmt.Errorf("cannot finalize transaction to state %s", state)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var txn models.Transaction
	err = tx.GetContext(ctx, &txn,
		"SELECT * FROM transactions WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if txn.Terminal() {
		return &txn, tx.Commit()
	}

	err = tx.GetContext(ctx, &txn, `
		UPDATE transactions
		SET state = $1, reservation_id = $2, ledger_tx_id = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING *`,
		state, reservationID, ledgerTxID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize transaction: %w", err)
	}

	if state == models.TransactionStateCommitted {
		_, err = tx.ExecContext(ctx,
			"UPDATE policies SET reserved = reserved - $1, committed = committed + $1, updated_at = NOW() WHERE id = $2",
			txn.Quantity, txn.PolicyID)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE policies SET reserved = reserved - $1, updated_at = NOW() WHERE id = $2",
			txn.Quantity, txn.PolicyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle policy totals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionByIdempotencyKey retrieves a transaction by idempotency key,
// or nil when no attempt with this key exists yet.
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// LearnerSpend returns the learner's committed plus reserved spend under a
// policy and the number of such transactions, for the per-learner cap checks.
func (s *Store) LearnerSpend(ctx context.Context, policyID, learnerID string) (int64, int, error) {
	var row struct {
		Amount int64 `db:"amount"`
		Count  int   `db:"count"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(quantity), 0) AS amount, COUNT(*) AS count
		FROM transactions
		WHERE policy_id = $1 AND learner_id = $2 AND state IN ($3, $4)`,
		policyID, learnerID, models.TransactionStateReserved, models.TransactionStateCommitted)
	if err != nil {
		return 0, 0, err
	}
	return row.Amount, row.Count, nil
}
