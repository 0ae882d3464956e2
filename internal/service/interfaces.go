package service

import (
	"context"
	"time"

	"access-service/internal/catalog"
	"access-service/internal/ledger"
	"access-service/internal/models"
	"access-service/internal/store"
)

// Repository and collaborator interfaces consumed by the services. The sqlx
// store, redis client, and HTTP clients satisfy them in production; tests
// inject in-memory fakes.

// PolicyStore reads and mutates access policies.
type PolicyStore interface {
	GetPolicy(ctx context.Context, id string) (*models.Policy, error)
	CreatePolicy(ctx context.Context, policy *models.Policy) error
	UpdatePolicyLimits(ctx context.Context, id string, active bool, spendLimit int64, perLearnerLimit *int64) (*models.Policy, error)
}

// TransactionStore persists spend transactions and the policy spend totals
// they move.
type TransactionStore interface {
	CreateReservedTransaction(ctx context.Context, txn *models.Transaction, headroomDiscount int64) error
	FinalizeTransaction(ctx context.Context, id, state, reservationID, ledgerTxID string) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	LearnerSpend(ctx context.Context, policyID, learnerID string) (int64, int, error)
}

// AssignmentStore persists content assignments and their guarded lifecycle
// transitions.
type AssignmentStore interface {
	CreateAllocatedAssignment(ctx context.Context, a *models.ContentAssignment) error
	GetAssignment(ctx context.Context, id string) (*models.ContentAssignment, error)
	FindAssignment(ctx context.Context, policyID, learnerID, contentKey string, state models.AssignmentState) (*models.ContentAssignment, error)
	TransitionAssignment(ctx context.Context, id string, expectedVersion int64, to models.AssignmentState, transactionID string) (*models.ContentAssignment, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.ContentAssignment, error)
	AcceptedWithCommittedSpend(ctx context.Context, limit int) ([]store.RedeemableAssignment, error)
	GetAssignmentsByPolicy(ctx context.Context, policyID string) ([]models.ContentAssignment, error)
}

// RequestStore persists learner access requests and their guarded
// transitions.
type RequestStore interface {
	CreateAccessRequest(ctx context.Context, r *models.AccessRequest) error
	GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error)
	FindRequestedAccessRequest(ctx context.Context, policyID, learnerID, contentKey string) (*models.AccessRequest, error)
	TransitionAccessRequest(ctx context.Context, id string, expectedVersion int64, to models.AccessRequestState, declineReason, assignmentID string) (*models.AccessRequest, error)
	GetRequestsByPolicy(ctx context.Context, policyID string) ([]models.AccessRequest, error)
	RequestsDueForReminder(ctx context.Context, cutoff time.Time, limit int) ([]models.AccessRequest, error)
	MarkRequestsReminded(ctx context.Context, ids []string) error
}

// Locker provides short-held per-key exclusion with a bounded wait. Acquire
// returns ok=false when the wait bound elapses; callers surface that as a
// ConcurrencyConflict.
type Locker interface {
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// BudgetCache caches the ledger's balance per policy with a TTL.
type BudgetCache interface {
	GetBudgetSnapshot(ctx context.Context, policyID string) (*models.BudgetSnapshot, error)
	SetBudgetSnapshot(ctx context.Context, policyID string, snapshot *models.BudgetSnapshot, ttl time.Duration) error
	InvalidateBudgetSnapshot(ctx context.Context, policyID string) error
}

// LedgerClient is the external budget ledger.
type LedgerClient interface {
	Reserve(ctx context.Context, idempotencyKey, policyRef string, amount int64) (*ledger.Reservation, error)
	Commit(ctx context.Context, req ledger.CommitRequest) (*ledger.Transaction, error)
	Reverse(ctx context.Context, ref string) error
	GetBalance(ctx context.Context, policyRef string) (*models.BudgetSnapshot, error)
	FindTransaction(ctx context.Context, idempotencyKey string) (*ledger.Transaction, error)
}

// CatalogClient is the external content catalog.
type CatalogClient interface {
	ContentMetadata(ctx context.Context, catalogRef, contentKey string) (*catalog.ContentMetadata, error)
}

// Publisher publishes domain events best effort.
type Publisher interface {
	PublishAccessRedeemed(ctx context.Context, event *models.AccessRedeemedEvent) error
	PublishRedemptionReversed(ctx context.Context, event *models.RedemptionReversedEvent) error
	PublishAssignmentAllocated(ctx context.Context, event *models.AssignmentAllocatedEvent) error
	PublishAssignmentStateChanged(ctx context.Context, event *models.AssignmentStateChangedEvent) error
	PublishAccessRequested(ctx context.Context, event *models.AccessRequestedEvent) error
	PublishAccessRequestReminder(ctx context.Context, event *models.AccessRequestReminderEvent) error
}
