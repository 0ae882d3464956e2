package models

import "time"

// Event types
const (
	EventTypeAccessRedeemed      = "ACCESS_REDEEMED"
	EventTypeRedemptionReversed  = "REDEMPTION_REVERSED"
	EventTypeAssignmentAllocated = "ASSIGNMENT_ALLOCATED"
	EventTypeAssignmentNotified  = "ASSIGNMENT_NOTIFIED"
	EventTypeAssignmentAccepted  = "ASSIGNMENT_ACCEPTED"
	EventTypeAssignmentCancelled = "ASSIGNMENT_CANCELLED"
	EventTypeAssignmentExpired   = "ASSIGNMENT_EXPIRED"
	EventTypeAssignmentRedeemed  = "ASSIGNMENT_REDEEMED"
	EventTypeAccessRequested     = "ACCESS_REQUESTED"
	EventTypeRequestReminder     = "ACCESS_REQUEST_REMINDER"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// AccessRedeemedEvent published when a redemption commits against the ledger
type AccessRedeemedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	PolicyID      string `json:"policy_id"`
	LearnerID     string `json:"learner_id"`
	ContentKey    string `json:"content_key"`
	Quantity      int64  `json:"quantity"`
	LedgerTxID    string `json:"ledger_tx_id"`
}

// RedemptionReversedEvent published when a reserved spend is reversed
type RedemptionReversedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	PolicyID      string `json:"policy_id"`
	LearnerID     string `json:"learner_id"`
	Reason        string `json:"reason"`
}

// AssignmentAllocatedEvent published when content is allocated to a learner
type AssignmentAllocatedEvent struct {
	BaseEvent
	AssignmentID string    `json:"assignment_id"`
	PolicyID     string    `json:"policy_id"`
	LearnerID    string    `json:"learner_id"`
	ContentKey   string    `json:"content_key"`
	Quantity     int64     `json:"quantity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AccessRequestedEvent published when a learner submits an access request
type AccessRequestedEvent struct {
	BaseEvent
	RequestID  string `json:"request_id"`
	PolicyID   string `json:"policy_id"`
	LearnerID  string `json:"learner_id"`
	ContentKey string `json:"content_key"`
}

// AccessRequestReminderEvent published periodically per policy while
// requests sit unreviewed, so admins get nudged toward the review queue
type AccessRequestReminderEvent struct {
	BaseEvent
	PolicyID   string   `json:"policy_id"`
	RequestIDs []string `json:"request_ids"`
}

// AssignmentStateChangedEvent published on every lifecycle transition after
// allocation (notified, accepted, cancelled, expired, redeemed)
type AssignmentStateChangedEvent struct {
	BaseEvent
	AssignmentID string          `json:"assignment_id"`
	PolicyID     string          `json:"policy_id"`
	LearnerID    string          `json:"learner_id"`
	ContentKey   string          `json:"content_key"`
	State        AssignmentState `json:"state"`
}
