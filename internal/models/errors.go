package models

import (
	"errors"
	"fmt"
)

// DenialReason enumerates why the policy evaluator denied a redemption.
type DenialReason string

const (
	DenialPolicyInactive      DenialReason = "POLICY_INACTIVE"
	DenialNoActiveAssignment  DenialReason = "NO_ACTIVE_ASSIGNMENT"
	DenialContentNotInCatalog DenialReason = "CONTENT_NOT_IN_CATALOG"
	DenialLearnerCapExceeded  DenialReason = "LEARNER_CAP_EXCEEDED"
	DenialBudgetExhausted     DenialReason = "POLICY_BUDGET_EXHAUSTED"
)

// PolicyDeniedError is terminal for the request and never retried. A
// POLICY_BUDGET_EXHAUSTED denial may succeed later if the budget changes.
type PolicyDeniedError struct {
	Reason DenialReason
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

// ValidationError indicates malformed input. Not retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ConcurrencyConflictError indicates a lock-wait timeout or a stale version
// token. Callers may retry a small bounded number of times.
type ConcurrencyConflictError struct {
	Key string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s", e.Key)
}

// InvalidStateTransitionError indicates an assignment lifecycle edge outside
// the legal set. Treated as an integrity error, never retried.
type InvalidStateTransitionError struct {
	AssignmentID string
	From         AssignmentState
	To           AssignmentState
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid assignment transition %s -> %s (assignment %s)", e.From, e.To, e.AssignmentID)
}

// InvalidRequestTransitionError indicates an access request edge outside the
// legal set, such as approving an already-declined request.
type InvalidRequestTransitionError struct {
	RequestID string
	From      AccessRequestState
	To        AccessRequestState
}

func (e *InvalidRequestTransitionError) Error() string {
	return fmt.Sprintf("invalid request transition %s -> %s (request %s)", e.From, e.To, e.RequestID)
}

// ExternalServiceError wraps a failure talking to a remote collaborator.
// Ambiguous means the operation may or may not have taken effect remotely,
// so the caller must reconcile before mutating state.
type ExternalServiceError struct {
	Service   string
	Ambiguous bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// LedgerRejectedError is a definite refusal from the ledger: the spend did
// not and will not happen for this attempt.
type LedgerRejectedError struct {
	Reason string
}

func (e *LedgerRejectedError) Error() string {
	return fmt.Sprintf("ledger rejected spend: %s", e.Reason)
}

// RedemptionFailedError is surfaced after external retries and reconciliation
// are exhausted without a definite outcome, or when a prior attempt with the
// same idempotency key ended REVERSED.
type RedemptionFailedError struct {
	Reason string
	Err    error
}

func (e *RedemptionFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("redemption failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("redemption failed: %s", e.Reason)
}

func (e *RedemptionFailedError) Unwrap() error { return e.Err }

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// IsDenied reports whether err is a policy denial and returns its reason.
func IsDenied(err error) (DenialReason, bool) {
	var denied *PolicyDeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

// IsConcurrencyConflict reports whether err is a ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	var conflict *ConcurrencyConflictError
	return errors.As(err, &conflict)
}
