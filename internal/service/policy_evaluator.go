package service

import (
	"context"
	"time"

	"access-service/internal/models"
	"access-service/internal/util"

	"go.uber.org/zap"
)

// Decision is the outcome of policy evaluation: either allowed at a price or
// denied for an enumerated reason.
type Decision struct {
	Allowed bool
	Price   int64
	Reason  models.DenialReason

	// Assignment is the learner's ACCEPTED assignment when the policy
	// variant requires one; nil otherwise.
	Assignment *models.ContentAssignment
}

func allowed(price int64, assignment *models.ContentAssignment) *Decision {
	return &Decision{Allowed: true, Price: price, Assignment: assignment}
}

func denied(reason models.DenialReason) *Decision {
	return &Decision{Allowed: false, Reason: reason}
}

// PolicyEvaluator answers whether a learner may redeem content under a
// policy right now, and at what price. It mutates nothing except the cached
// budget snapshot, which it refreshes from the ledger when stale.
type PolicyEvaluator struct {
	transactions TransactionStore
	assignments  AssignmentStore
	catalog      CatalogClient
	ledger       LedgerClient
	cache        BudgetCache
	snapshotTTL  time.Duration
	logger       *zap.Logger
}

// NewPolicyEvaluator creates a new policy evaluator
func NewPolicyEvaluator(
	transactions TransactionStore,
	assignments AssignmentStore,
	catalogClient CatalogClient,
	ledgerClient LedgerClient,
	cache BudgetCache,
	snapshotTTL time.Duration,
) *PolicyEvaluator {
	return &PolicyEvaluator{
		transactions: transactions,
		assignments:  assignments,
		catalog:      catalogClient,
		ledger:       ledgerClient,
		cache:        cache,
		snapshotTTL:  snapshotTTL,
		logger:       util.GetLogger(),
	}
}

// Evaluate runs the fixed, short-circuiting check order for a redemption:
// policy active, accepted assignment for assignment-based variants, catalog
// inclusion and price, per-learner cap, policy budget headroom.
func (pe *PolicyEvaluator) Evaluate(ctx context.Context, policy *models.Policy, learnerID, contentKey string) (*Decision, error) {
	ctx, span := util.StartSpan(ctx, "PolicyEvaluator.Evaluate")
	defer span.End()

	if !policy.Active {
		return denied(models.DenialPolicyInactive), nil
	}

	var assignment *models.ContentAssignment
	if policy.RequiresAssignment() {
		found, err := pe.assignments.FindAssignment(ctx, policy.ID, learnerID, contentKey, models.AssignmentAccepted)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return denied(models.DenialNoActiveAssignment), nil
		}
		assignment = found
	}

	metadata, err := pe.catalog.ContentMetadata(ctx, policy.CatalogRef, contentKey)
	if err != nil {
		return nil, err
	}
	if !metadata.InCatalog {
		return denied(models.DenialContentNotInCatalog), nil
	}
	price := metadata.Price

	if policy.PerLearnerLimit != nil {
		spend, count, err := pe.transactions.LearnerSpend(ctx, policy.ID, learnerID)
		if err != nil {
			return nil, err
		}
		switch policy.Variant {
		case models.VariantPerLearnerEnrollmentCap:
			if int64(count)+1 > *policy.PerLearnerLimit {
				return denied(models.DenialLearnerCapExceeded), nil
			}
		default:
			if spend+price > *policy.PerLearnerLimit {
				return denied(models.DenialLearnerCapExceeded), nil
			}
		}
	}

	// An accepted assignment already holds its quantity against the
	// policy; the spend it becomes must not be double-counted.
	var discount int64
	if assignment != nil {
		discount = assignment.Quantity
	}
	if ok, err := pe.hasHeadroom(ctx, policy, price, discount); err != nil {
		return nil, err
	} else if !ok {
		return denied(models.DenialBudgetExhausted), nil
	}

	return allowed(price, assignment), nil
}

// EvaluateAllocation runs the checks that gate allocating content to a
// learner: active, catalog inclusion, budget headroom including the new
// reservation. Assignment existence is not required here; allocation is what
// creates it.
func (pe *PolicyEvaluator) EvaluateAllocation(ctx context.Context, policy *models.Policy, contentKey string) (*Decision, error) {
	ctx, span := util.StartSpan(ctx, "PolicyEvaluator.EvaluateAllocation")
	defer span.End()

	if !policy.Active {
		return denied(models.DenialPolicyInactive), nil
	}

	metadata, err := pe.catalog.ContentMetadata(ctx, policy.CatalogRef, contentKey)
	if err != nil {
		return nil, err
	}
	if !metadata.InCatalog {
		return denied(models.DenialContentNotInCatalog), nil
	}

	if ok, err := pe.hasHeadroom(ctx, policy, metadata.Price, 0); err != nil {
		return nil, err
	} else if !ok {
		return denied(models.DenialBudgetExhausted), nil
	}

	return allowed(metadata.Price, nil), nil
}

// hasHeadroom checks committed + reserved + amount against the spend limit,
// using both the local totals and the ledger's cached balance. The local
// totals include in-flight holds the ledger has not seen; the ledger balance
// is authoritative for committed spend.
func (pe *PolicyEvaluator) hasHeadroom(ctx context.Context, policy *models.Policy, amount, discount int64) (bool, error) {
	if policy.Committed+policy.Reserved-discount+amount > policy.SpendLimit {
		return false, nil
	}

	snapshot := pe.budgetSnapshot(ctx, policy)
	if snapshot != nil && snapshot.Committed+snapshot.Reserved+amount > snapshot.Total {
		return false, nil
	}

	return true, nil
}

// budgetSnapshot returns the cached ledger balance, refreshing it when
// stale. A ledger outage degrades to the local totals rather than blocking
// evaluation beyond the client's timeout.
func (pe *PolicyEvaluator) budgetSnapshot(ctx context.Context, policy *models.Policy) *models.BudgetSnapshot {
	cached, err := pe.cache.GetBudgetSnapshot(ctx, policy.ID)
	if err != nil {
		pe.logger.Warn("Budget snapshot cache read failed",
			zap.String("policy_id", policy.ID), zap.Error(err))
	}
	if cached != nil {
		return cached
	}

	fresh, err := pe.ledger.GetBalance(ctx, policy.ID)
	if err != nil {
		util.BudgetSnapshotRefreshTotal.WithLabelValues("error").Inc()
		pe.logger.Warn("Budget snapshot refresh failed, using local totals",
			zap.String("policy_id", policy.ID), zap.Error(err))
		return nil
	}
	util.BudgetSnapshotRefreshTotal.WithLabelValues("ok").Inc()

	if err := pe.cache.SetBudgetSnapshot(ctx, policy.ID, fresh, pe.snapshotTTL); err != nil {
		pe.logger.Warn("Budget snapshot cache write failed",
			zap.String("policy_id", policy.ID), zap.Error(err))
	}
	return fresh
}
