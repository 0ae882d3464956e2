package models

import "time"

// PolicyVariant enumerates the closed set of access policy types.
type PolicyVariant string

const (
	VariantPerLearnerSpendCap      PolicyVariant = "PER_LEARNER_SPEND_CAP"
	VariantAssignedLearnerCredit   PolicyVariant = "ASSIGNED_LEARNER_CREDIT"
	VariantPerLearnerEnrollmentCap PolicyVariant = "PER_LEARNER_ENROLLMENT_CAP"
)

// KnownVariant reports whether v is one of the supported policy variants.
func KnownVariant(v PolicyVariant) bool {
	switch v {
	case VariantPerLearnerSpendCap, VariantAssignedLearnerCredit, VariantPerLearnerEnrollmentCap:
		return true
	}
	return false
}

// Policy defines who may spend an enterprise budget and under what caps.
// Amounts are integer cents. Reserved and Committed are the locally tracked
// totals for in-flight and finalized spend against SpendLimit; the external
// ledger remains authoritative for the budget itself.
type Policy struct {
	ID              string        `db:"id" json:"id"`
	EnterpriseID    string        `db:"enterprise_id" json:"enterprise_id"`
	Variant         PolicyVariant `db:"variant" json:"variant"`
	CatalogRef      string        `db:"catalog_ref" json:"catalog_ref"`
	SpendLimit      int64         `db:"spend_limit" json:"spend_limit"`
	PerLearnerLimit *int64        `db:"per_learner_limit" json:"per_learner_limit,omitempty"`
	Active          bool          `db:"active" json:"active"`
	Reserved        int64         `db:"reserved" json:"reserved"`
	Committed       int64         `db:"committed" json:"committed"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// RequiresAssignment reports whether redemption under this policy requires an
// accepted content assignment for the learner.
func (p *Policy) RequiresAssignment() bool {
	return p.Variant == VariantAssignedLearnerCredit
}

// BudgetSnapshot is a TTL-bounded cached view of the ledger's balance for a
// policy's budget.
type BudgetSnapshot struct {
	Total     int64     `json:"total"`
	Committed int64     `json:"committed"`
	Reserved  int64     `json:"reserved"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Transaction states. RESERVED is the only non-terminal state.
const (
	TransactionStateReserved  = "RESERVED"
	TransactionStateCommitted = "COMMITTED"
	TransactionStateReversed  = "REVERSED"
)

// Transaction records a provisional or finalized spend against a policy's
// budget for one learner and content key.
type Transaction struct {
	ID             string    `db:"id" json:"id"`
	PolicyID       string    `db:"policy_id" json:"policy_id"`
	LearnerID      string    `db:"learner_id" json:"learner_id"`
	ContentKey     string    `db:"content_key" json:"content_key"`
	Quantity       int64     `db:"quantity" json:"quantity"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	State          string    `db:"state" json:"state"`
	ReservationID  string    `db:"reservation_id" json:"reservation_id,omitempty"`
	LedgerTxID     string    `db:"ledger_tx_id" json:"ledger_tx_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the transaction has reached a final state.
func (t *Transaction) Terminal() bool {
	return t.State == TransactionStateCommitted || t.State == TransactionStateReversed
}

// AssignmentState is a lifecycle state of a ContentAssignment.
type AssignmentState string

const (
	AssignmentAllocated AssignmentState = "ALLOCATED"
	AssignmentNotified  AssignmentState = "NOTIFIED"
	AssignmentAccepted  AssignmentState = "ACCEPTED"
	AssignmentRedeemed  AssignmentState = "REDEEMED"
	AssignmentExpired   AssignmentState = "EXPIRED"
	AssignmentCancelled AssignmentState = "CANCELLED"
)

// assignmentEdges is the complete set of legal lifecycle transitions.
var assignmentEdges = map[AssignmentState][]AssignmentState{
	AssignmentAllocated: {AssignmentNotified, AssignmentCancelled, AssignmentExpired},
	AssignmentNotified:  {AssignmentAccepted, AssignmentCancelled, AssignmentExpired},
	AssignmentAccepted:  {AssignmentRedeemed, AssignmentCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to AssignmentState) bool {
	for _, next := range assignmentEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal lifecycle state. An assignment's
// reserved quantity is reclaimed from its policy exactly when it enters a
// terminal state.
func (s AssignmentState) Terminal() bool {
	return s == AssignmentRedeemed || s == AssignmentExpired || s == AssignmentCancelled
}

// ContentAssignment is a unit of content reserved for a specific learner
// under an assignment-based policy. Version is an optimistic concurrency
// token incremented on every transition.
type ContentAssignment struct {
	ID            string          `db:"id" json:"id"`
	PolicyID      string          `db:"policy_id" json:"policy_id"`
	LearnerID     string          `db:"learner_id" json:"learner_id"`
	ContentKey    string          `db:"content_key" json:"content_key"`
	Quantity      int64           `db:"quantity" json:"quantity"`
	State         AssignmentState `db:"state" json:"state"`
	Version       int64           `db:"version" json:"version"`
	TransactionID *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	ExpiresAt     time.Time       `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// AccessRequestState is a lifecycle state of an AccessRequest.
type AccessRequestState string

const (
	RequestRequested AccessRequestState = "REQUESTED"
	RequestApproved  AccessRequestState = "APPROVED"
	RequestDeclined  AccessRequestState = "DECLINED"
	RequestCancelled AccessRequestState = "CANCELLED"
)

// requestEdges is the complete set of legal request transitions. REQUESTED
// is the only non-terminal state.
var requestEdges = map[AccessRequestState][]AccessRequestState{
	RequestRequested: {RequestApproved, RequestDeclined, RequestCancelled},
}

// CanTransitionRequest reports whether from -> to is a legal request edge.
func CanTransitionRequest(from, to AccessRequestState) bool {
	for _, next := range requestEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal request state.
func (s AccessRequestState) Terminal() bool {
	return s != RequestRequested
}

// AccessRequest is a learner-initiated ask for content access under a
// policy. Approval allocates an assignment and links it; decline records the
// admin's reason. Version is an optimistic concurrency token incremented on
// every transition.
type AccessRequest struct {
	ID             string             `db:"id" json:"id"`
	PolicyID       string             `db:"policy_id" json:"policy_id"`
	LearnerID      string             `db:"learner_id" json:"learner_id"`
	ContentKey     string             `db:"content_key" json:"content_key"`
	State          AccessRequestState `db:"state" json:"state"`
	DeclineReason  *string            `db:"decline_reason" json:"decline_reason,omitempty"`
	AssignmentID   *string            `db:"assignment_id" json:"assignment_id,omitempty"`
	Version        int64              `db:"version" json:"version"`
	LastRemindedAt *time.Time         `db:"last_reminded_at" json:"last_reminded_at,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updated_at"`
}

// ProcessedEvent marks a consumed event for at-least-once delivery dedup.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
