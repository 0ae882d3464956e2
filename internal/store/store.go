package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"access-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrInsufficientHeadroom is returned when reserving spend or quantity would
// push committed + reserved past the policy's spend limit. The evaluator
// normally denies first; this is the authoritative backstop under the row
// lock.
var ErrInsufficientHeadroom = errors.New("insufficient budget headroom")

// ErrStaleVersion is returned when an optimistic version check fails.
var ErrStaleVersion = errors.New("stale version token")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetPolicy retrieves a policy by ID
func (s *Store) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	var policy models.Policy
	err := s.db.GetContext(ctx, &policy, "SELECT * FROM policies WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// CreatePolicy creates a new policy with zeroed spend totals
func (s *Store) CreatePolicy(ctx context.Context, policy *models.Policy) error {
	query := `
		INSERT INTO policies (id, enterprise_id, variant, catalog_ref, spend_limit, per_learner_limit, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING reserved, committed, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		policy.ID, policy.EnterpriseID, policy.Variant, policy.CatalogRef,
		policy.SpendLimit, policy.PerLearnerLimit, policy.Active,
	).Scan(&policy.Reserved, &policy.Committed, &policy.CreatedAt, &policy.UpdatedAt)
}

// UpdatePolicyLimits applies the rare admin mutations: active flag and limits.
func (s *Store) UpdatePolicyLimits(ctx context.Context, id string, active bool, spendLimit int64, perLearnerLimit *int64) (*models.Policy, error) {
	var policy models.Policy
	err := s.db.GetContext(ctx, &policy, `
		UPDATE policies
		SET active = $1, spend_limit = $2, per_learner_limit = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING *`,
		active, spendLimit, perLearnerLimit, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
