package service

import (
	"context"
	"time"

	"access-service/internal/models"
	"access-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PolicyService handles the admin surface: creating policies, the rare limit
// and activation changes, and budget reporting.
type PolicyService struct {
	policies    PolicyStore
	ledger      LedgerClient
	cache       BudgetCache
	snapshotTTL time.Duration
	logger      *zap.Logger
}

// NewPolicyService creates a new policy service
func NewPolicyService(policies PolicyStore, ledgerClient LedgerClient, cache BudgetCache, snapshotTTL time.Duration) *PolicyService {
	return &PolicyService{
		policies:    policies,
		ledger:      ledgerClient,
		cache:       cache,
		snapshotTTL: snapshotTTL,
		logger:      util.GetLogger(),
	}
}

// CreatePolicyRequest defines a new access policy. Amounts are integer cents.
type CreatePolicyRequest struct {
	EnterpriseID    string `json:"enterprise_id" binding:"required"`
	Variant         string `json:"variant" binding:"required"`
	CatalogRef      string `json:"catalog_ref" binding:"required"`
	SpendLimit      int64  `json:"spend_limit" binding:"required"`
	PerLearnerLimit *int64 `json:"per_learner_limit,omitempty"`
}

// CreatePolicy creates a policy with zeroed spend totals.
func (s *PolicyService) CreatePolicy(ctx context.Context, req *CreatePolicyRequest) (*models.Policy, error) {
	variant := models.PolicyVariant(req.Variant)
	if !models.KnownVariant(variant) {
		return nil, &models.ValidationError{Field: "variant", Msg: "unknown policy variant"}
	}
	if req.SpendLimit <= 0 {
		return nil, &models.ValidationError{Field: "spend_limit", Msg: "must be positive"}
	}
	if req.PerLearnerLimit != nil && *req.PerLearnerLimit <= 0 {
		return nil, &models.ValidationError{Field: "per_learner_limit", Msg: "must be positive"}
	}

	policy := &models.Policy{
		ID:              uuid.New().String(),
		EnterpriseID:    req.EnterpriseID,
		Variant:         variant,
		CatalogRef:      req.CatalogRef,
		SpendLimit:      req.SpendLimit,
		PerLearnerLimit: req.PerLearnerLimit,
		Active:          true,
	}
	if err := s.policies.CreatePolicy(ctx, policy); err != nil {
		return nil, err
	}

	s.logger.Info("Policy created",
		zap.String("policy_id", policy.ID),
		zap.String("enterprise_id", policy.EnterpriseID),
		zap.String("variant", string(policy.Variant)),
		zap.Int64("spend_limit", policy.SpendLimit))
	return policy, nil
}

// UpdatePolicyRequest carries the mutable policy fields. Changing limits
// never rewrites history: lowering a limit below current spend only blocks
// further redemptions.
type UpdatePolicyRequest struct {
	Active          *bool  `json:"active,omitempty"`
	SpendLimit      *int64 `json:"spend_limit,omitempty"`
	PerLearnerLimit *int64 `json:"per_learner_limit,omitempty"`
}

// UpdatePolicy applies the requested changes, leaving omitted fields alone.
func (s *PolicyService) UpdatePolicy(ctx context.Context, id string, req *UpdatePolicyRequest) (*models.Policy, error) {
	policy, err := s.policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	active := policy.Active
	if req.Active != nil {
		active = *req.Active
	}
	spendLimit := policy.SpendLimit
	if req.SpendLimit != nil {
		if *req.SpendLimit <= 0 {
			return nil, &models.ValidationError{Field: "spend_limit", Msg: "must be positive"}
		}
		spendLimit = *req.SpendLimit
	}
	perLearnerLimit := policy.PerLearnerLimit
	if req.PerLearnerLimit != nil {
		if *req.PerLearnerLimit <= 0 {
			return nil, &models.ValidationError{Field: "per_learner_limit", Msg: "must be positive"}
		}
		perLearnerLimit = req.PerLearnerLimit
	}

	updated, err := s.policies.UpdatePolicyLimits(ctx, id, active, spendLimit, perLearnerLimit)
	if err != nil {
		return nil, err
	}

	if err := s.cache.InvalidateBudgetSnapshot(ctx, id); err != nil {
		s.logger.Warn("Failed to invalidate budget snapshot", zap.Error(err))
	}

	s.logger.Info("Policy updated",
		zap.String("policy_id", id),
		zap.Bool("active", updated.Active),
		zap.Int64("spend_limit", updated.SpendLimit))
	return updated, nil
}

// GetPolicy retrieves a policy by ID
func (s *PolicyService) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	return s.policies.GetPolicy(ctx, id)
}

// BudgetReport combines the locally tracked totals with the ledger's view.
// Ledger is nil when the ledger was unreachable and no snapshot was cached.
type BudgetReport struct {
	PolicyID   string                 `json:"policy_id"`
	SpendLimit int64                  `json:"spend_limit"`
	Reserved   int64                  `json:"reserved"`
	Committed  int64                  `json:"committed"`
	Headroom   int64                  `json:"headroom"`
	Ledger     *models.BudgetSnapshot `json:"ledger,omitempty"`
}

// GetBudget reports a policy's budget position. The ledger snapshot is
// served from cache within its TTL.
func (s *PolicyService) GetBudget(ctx context.Context, id string) (*BudgetReport, error) {
	policy, err := s.policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &BudgetReport{
		PolicyID:   policy.ID,
		SpendLimit: policy.SpendLimit,
		Reserved:   policy.Reserved,
		Committed:  policy.Committed,
		Headroom:   policy.SpendLimit - policy.Committed - policy.Reserved,
	}

	snapshot, err := s.cache.GetBudgetSnapshot(ctx, id)
	if err != nil {
		s.logger.Warn("Failed to read cached budget snapshot", zap.Error(err))
	}
	if snapshot == nil {
		snapshot, err = s.ledger.GetBalance(ctx, id)
		if err != nil {
			s.logger.Warn("Ledger balance unavailable", zap.String("policy_id", id), zap.Error(err))
			util.BudgetSnapshotRefreshTotal.WithLabelValues("error").Inc()
			return report, nil
		}
		util.BudgetSnapshotRefreshTotal.WithLabelValues("ok").Inc()
		if err := s.cache.SetBudgetSnapshot(ctx, id, snapshot, s.snapshotTTL); err != nil {
			s.logger.Warn("Failed to cache budget snapshot", zap.Error(err))
		}
	}
	report.Ledger = snapshot
	return report, nil
}
