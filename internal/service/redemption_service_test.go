package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"access-service/internal/ledger"
	"access-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ambiguousErr() error {
	return &models.ExternalServiceError{Service: "ledger", Ambiguous: true, Err: errors.New("request timeout")}
}

func newRedemptionFixture(prices map[string]int64) (*fakeStore, *fakeLedger, *fakeLocker, *fakePublisher, *RedemptionService) {
	st := newFakeStore()
	led := newFakeLedger()
	cache := newFakeCache()
	locker := newFakeLocker()
	pub := &fakePublisher{}
	eval := NewPolicyEvaluator(st, st, newFakeCatalog(prices), led, cache, time.Second)
	svc := NewRedemptionService(st, st, st, eval, led, cache, locker, pub, RedemptionConfig{
		ReconcileAttempts: 3,
		ReconcileDelay:    time.Millisecond,
		TransitionRetries: 3,
	})
	return st, led, locker, pub, svc
}

func TestRedeemCommits(t *testing.T) {
	st, led, _, pub, svc := newRedemptionFixture(map[string]int64{"course-1": 250})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})

	resp, err := svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateCommitted, resp.State)
	assert.Equal(t, int64(250), resp.Price)

	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(250), committed)

	assert.Equal(t, 1, led.commitCalls)
	assert.Len(t, pub.redeemed, 1)
	assert.Equal(t, resp.TransactionID, pub.redeemed[0].TransactionID)
}

func TestRedeemIdempotentRepeat(t *testing.T) {
	st, led, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 250})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})

	req := &RedeemRequest{PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1"}
	first, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	// The repeat returned the stored outcome without another spend.
	assert.Equal(t, 1, led.commitCalls)
	_, committed := st.policyTotals("p1")
	assert.Equal(t, int64(250), committed)
}

func TestRedeemSameLearnerCapSequential(t *testing.T) {
	st, _, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 400, "course-2": 400})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 10000, PerLearnerLimit: ptr64(500), Active: true,
	})

	_, err := svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-2", IdempotencyKey: "k2",
	})
	require.Error(t, err)
	reason, denied := models.IsDenied(err)
	assert.True(t, denied)
	assert.Equal(t, models.DenialLearnerCapExceeded, reason)
}

func TestRedeemBudgetExhaustedAcrossLearners(t *testing.T) {
	st, _, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 600})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})

	_, err := svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-2", ContentKey: "course-1", IdempotencyKey: "k2",
	})
	require.Error(t, err)
	reason, denied := models.IsDenied(err)
	assert.True(t, denied)
	assert.Equal(t, models.DenialBudgetExhausted, reason)

	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(600), committed)
}

func TestRedeemLedgerRejectedReverses(t *testing.T) {
	st, led, _, pub, svc := newRedemptionFixture(map[string]int64{"course-1": 250})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})
	led.commitErrs = []error{&models.LedgerRejectedError{Reason: "budget closed"}}

	_, err := svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.Error(t, err)
	var failed *models.RedemptionFailedError
	require.ErrorAs(t, err, &failed)

	// The reservation was released, nothing committed.
	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(0), committed)

	txn, err := st.GetTransactionByIdempotencyKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateReversed, txn.State)
	assert.Len(t, pub.reversed, 1)
}

func TestRedeemAmbiguousOutcomeFoundCommitted(t *testing.T) {
	st, led, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 250})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})

	// The commit times out but actually landed at the ledger.
	led.commitErrs = []error{ambiguousErr()}
	led.found["k1"] = &ledger.Transaction{ID: "ltx-k1", State: ledger.TxStateCommitted}

	resp, err := svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateCommitted, resp.State)
	assert.GreaterOrEqual(t, led.findCalls, 1)

	_, committed := st.policyTotals("p1")
	assert.Equal(t, int64(250), committed)
}

func TestRedeemAmbiguousOutcomeNeverLanded(t *testing.T) {
	st, led, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 250})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})

	// The first commit times out without landing; reconciliation finds no
	// record and re-issues the commit under the same key.
	led.commitErrs = []error{ambiguousErr()}

	resp, err := svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateCommitted, resp.State)
	assert.Equal(t, 2, led.commitCalls)
}

func TestRedeemUnresolvedStaysReservedThenResumes(t *testing.T) {
	st, led, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 250})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})

	// Every ledger call fails ambiguously; the transaction must stay
	// RESERVED rather than guess.
	led.commitErrs = []error{ambiguousErr(), ambiguousErr(), ambiguousErr(), ambiguousErr()}
	led.findErr = ambiguousErr()

	req := &RedeemRequest{PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1"}
	_, err := svc.Redeem(context.Background(), req)
	require.Error(t, err)
	var failed *models.RedemptionFailedError
	require.ErrorAs(t, err, &failed)

	txn, err := st.GetTransactionByIdempotencyKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateReserved, txn.State)
	reserved, _ := st.policyTotals("p1")
	assert.Equal(t, int64(250), reserved)

	// The ledger recovers; the same idempotency key resumes settlement
	// without a second reservation.
	led.mu.Lock()
	led.commitErrs = nil
	led.findErr = nil
	led.mu.Unlock()

	resp, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateCommitted, resp.State)

	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(250), committed)
}

func TestRedeemAssignmentVariantMarksRedeemed(t *testing.T) {
	st, _, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 300})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 300, Active: true,
	})

	ctx := context.Background()
	a := &models.ContentAssignment{
		ID: "a1", PolicyID: "p1", LearnerID: "learner-1",
		ContentKey: "course-1", Quantity: 300,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.CreateAllocatedAssignment(ctx, a))
	_, err := st.TransitionAssignment(ctx, "a1", 1, models.AssignmentNotified, "")
	require.NoError(t, err)
	_, err = st.TransitionAssignment(ctx, "a1", 2, models.AssignmentAccepted, "")
	require.NoError(t, err)

	resp, err := svc.Redeem(ctx, &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	redeemed, err := st.GetAssignment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentRedeemed, redeemed.State)
	require.NotNil(t, redeemed.TransactionID)
	assert.Equal(t, resp.TransactionID, *redeemed.TransactionID)

	// The assignment hold converted into committed spend.
	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(300), committed)
}

func TestRedeemRepairsLinkedAssignmentOnRetry(t *testing.T) {
	st, _, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 300})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 300, Active: true,
	})

	ctx := context.Background()
	a := &models.ContentAssignment{
		ID: "a1", PolicyID: "p1", LearnerID: "learner-1",
		ContentKey: "course-1", Quantity: 300,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.CreateAllocatedAssignment(ctx, a))
	_, err := st.TransitionAssignment(ctx, "a1", 1, models.AssignmentNotified, "")
	require.NoError(t, err)
	_, err = st.TransitionAssignment(ctx, "a1", 2, models.AssignmentAccepted, "")
	require.NoError(t, err)

	// The store fails during the post-commit bookkeeping: the spend is
	// final but the assignment keeps its state and its hold.
	st.transitionFailures = 1
	resp, err := svc.Redeem(ctx, &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateCommitted, resp.State)

	stuck, err := st.GetAssignment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentAccepted, stuck.State)
	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(300), reserved)
	assert.Equal(t, int64(300), committed)

	// A repeat call with the same key re-applies the lost transition so
	// the hold is reclaimed.
	repeat, err := svc.Redeem(ctx, &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionID, repeat.TransactionID)

	redeemed, err := st.GetAssignment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentRedeemed, redeemed.State)
	reserved, committed = st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(300), committed)
}

func TestRepairAssignmentsReclaimsLostHold(t *testing.T) {
	st, _, _, _, svc := newRedemptionFixture(map[string]int64{"course-1": 300})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 300, Active: true,
	})

	ctx := context.Background()
	a := &models.ContentAssignment{
		ID: "a1", PolicyID: "p1", LearnerID: "learner-1",
		ContentKey: "course-1", Quantity: 300,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.CreateAllocatedAssignment(ctx, a))
	_, err := st.TransitionAssignment(ctx, "a1", 1, models.AssignmentNotified, "")
	require.NoError(t, err)
	_, err = st.TransitionAssignment(ctx, "a1", 2, models.AssignmentAccepted, "")
	require.NoError(t, err)

	st.transitionFailures = 1
	resp, err := svc.Redeem(ctx, &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	// The sweep finds the committed spend and lands the transition even
	// without another redeem call.
	repaired, err := svc.RepairAssignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	redeemed, err := st.GetAssignment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentRedeemed, redeemed.State)
	require.NotNil(t, redeemed.TransactionID)
	assert.Equal(t, resp.TransactionID, *redeemed.TransactionID)

	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(300), committed)

	// Nothing left to repair.
	repaired, err = svc.RepairAssignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)
}

func newConcurrentRedemptionFixture(prices map[string]int64) (*fakeStore, *RedemptionService) {
	st := newFakeStore()
	led := newFakeLedger()
	cache := newFakeCache()
	eval := NewPolicyEvaluator(st, st, newFakeCatalog(prices), led, cache, time.Second)
	svc := NewRedemptionService(st, st, st, eval, led, cache, newBlockingLocker(), &fakePublisher{}, RedemptionConfig{
		ReconcileAttempts: 3,
		ReconcileDelay:    time.Millisecond,
		TransitionRetries: 3,
	})
	return st, svc
}

func TestRedeemConcurrentSameLearnerCap(t *testing.T) {
	st, svc := newConcurrentRedemptionFixture(map[string]int64{"course-1": 400, "course-2": 400})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, PerLearnerLimit: ptr64(500), Active: true,
	})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, req := range []*RedeemRequest{
		{PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1"},
		{PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-2", IdempotencyKey: "k2"},
	} {
		wg.Add(1)
		go func(i int, req *RedeemRequest) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(context.Background(), req)
		}(i, req)
	}
	wg.Wait()

	// Exactly one commits; the other hits the learner cap even though the
	// policy-level limit would have allowed both.
	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		reason, denied := models.IsDenied(err)
		require.True(t, denied, "unexpected error: %v", err)
		assert.Equal(t, models.DenialLearnerCapExceeded, reason)
	}
	assert.Equal(t, 1, successes)

	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(400), committed)
	assert.LessOrEqual(t, committed+reserved, int64(1000))
}

func TestRedeemConcurrentBudgetHeadroom(t *testing.T) {
	st, svc := newConcurrentRedemptionFixture(map[string]int64{"course-1": 600})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, req := range []*RedeemRequest{
		{PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1"},
		{PolicyID: "p1", LearnerID: "learner-2", ContentKey: "course-1", IdempotencyKey: "k2"},
	} {
		wg.Add(1)
		go func(i int, req *RedeemRequest) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(context.Background(), req)
		}(i, req)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		reason, denied := models.IsDenied(err)
		require.True(t, denied, "unexpected error: %v", err)
		assert.Equal(t, models.DenialBudgetExhausted, reason)
	}
	assert.Equal(t, 1, successes)

	reserved, committed := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(600), committed)
	assert.LessOrEqual(t, committed+reserved, int64(1000))
}

func TestRedeemLockContention(t *testing.T) {
	st, _, locker, _, svc := newRedemptionFixture(map[string]int64{"course-1": 250})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantPerLearnerSpendCap,
		SpendLimit: 1000, Active: true,
	})

	_, ok, err := locker.Acquire(context.Background(), "policy:p1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Redeem(context.Background(), &RedeemRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1", IdempotencyKey: "k1",
	})
	require.Error(t, err)
	assert.True(t, models.IsConcurrencyConflict(err))
}

func TestRedeemValidation(t *testing.T) {
	_, _, _, _, svc := newRedemptionFixture(nil)

	_, err := svc.Redeem(context.Background(), &RedeemRequest{LearnerID: "l", ContentKey: "c"})
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "policy_id", validation.Field)
}
