package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"access-service/internal/models"
)

// CreateAccessRequest inserts a new REQUESTED access request.
func (s *Store) CreateAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	return s.db.GetContext(ctx, r, `
		INSERT INTO access_requests (id, policy_id, learner_id, content_key, state, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		RETURNING *`,
		r.ID, r.PolicyID, r.LearnerID, r.ContentKey, models.RequestRequested)
}

// GetAccessRequest retrieves an access request by ID
func (s *Store) GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	var r models.AccessRequest
	err := s.db.GetContext(ctx, &r, "SELECT * FROM access_requests WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("access request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindRequestedAccessRequest returns the open REQUESTED request for
// (policy, learner, content), or nil when none exists.
func (s *Store) FindRequestedAccessRequest(ctx context.Context, policyID, learnerID, contentKey string) (*models.AccessRequest, error) {
	var r models.AccessRequest
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM access_requests
		WHERE policy_id = $1 AND learner_id = $2 AND content_key = $3 AND state = $4
		ORDER BY created_at DESC LIMIT 1`,
		policyID, learnerID, contentKey, models.RequestRequested)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TransitionAccessRequest applies a request transition guarded by the version
// token. declineReason and assignmentID are recorded when non-empty.
func (s *Store) TransitionAccessRequest(ctx context.Context, id string, expectedVersion int64, to models.AccessRequestState, declineReason, assignmentID string) (*models.AccessRequest, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var r models.AccessRequest
	err = tx.GetContext(ctx, &r,
		"SELECT * FROM access_requests WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("access request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if r.Version != expectedVersion {
		return nil, ErrStaleVersion
	}
	if !models.CanTransitionRequest(r.State, to) {
		return nil, &models.InvalidRequestTransitionError{RequestID: id, From: r.State, To: to}
	}

	var reason, assignment *string
	if declineReason != "" {
		reason = &declineReason
	}
	if assignmentID != "" {
		assignment = &assignmentID
	}

	err = tx.GetContext(ctx, &r, `
		UPDATE access_requests
		SET state = $1, version = version + 1,
		    decline_reason = COALESCE($2, decline_reason),
		    assignment_id = COALESCE($3, assignment_id),
		    updated_at = NOW()
		WHERE id = $4
		RETURNING *`,
		to, reason, assignment, id)
	if err != nil {
		return nil, fmt.Errorf("failed to transition access request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRequestsByPolicy lists a policy's access requests, newest first.
func (s *Store) GetRequestsByPolicy(ctx context.Context, policyID string) ([]models.AccessRequest, error) {
	var requests []models.AccessRequest
	err := s.db.SelectContext(ctx, &requests,
		"SELECT * FROM access_requests WHERE policy_id = $1 ORDER BY created_at DESC", policyID)
	return requests, err
}

// RequestsDueForReminder returns REQUESTED requests that have not been
// reminded about since cutoff (or ever), oldest first.
func (s *Store) RequestsDueForReminder(ctx context.Context, cutoff time.Time, limit int) ([]models.AccessRequest, error) {
	var requests []models.AccessRequest
	err := s.db.SelectContext(ctx, &requests, `
		SELECT * FROM access_requests
		WHERE state = $1
		  AND created_at <= $2
		  AND (last_reminded_at IS NULL OR last_reminded_at <= $2)
		ORDER BY created_at ASC LIMIT $3`,
		models.RequestRequested, cutoff, limit)
	return requests, err
}

// MarkRequestsReminded stamps the given requests as reminded now.
func (s *Store) MarkRequestsReminded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE access_requests SET last_reminded_at = NOW(), updated_at = NOW() WHERE id = ANY($1)",
		pq.Array(ids))
	return err
}
