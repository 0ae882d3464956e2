package service

import (
	"context"
	"testing"
	"time"

	"access-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssignmentFixture(prices map[string]int64) (*fakeStore, *fakePublisher, *AssignmentService) {
	st := newFakeStore()
	led := newFakeLedger()
	cache := newFakeCache()
	pub := &fakePublisher{}
	eval := NewPolicyEvaluator(st, st, newFakeCatalog(prices), led, cache, time.Second)
	svc := NewAssignmentService(st, st, eval, newFakeLocker(), cache, pub, AssignmentConfig{
		AssignmentTTL:   time.Hour,
		ConflictRetries: 3,
		SweepBatchSize:  10,
	})
	return st, pub, svc
}

func TestAllocatePlacesHold(t *testing.T) {
	st, pub, svc := newAssignmentFixture(map[string]int64{"course-1": 500})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	a, err := svc.Allocate(context.Background(), &AllocateRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentAllocated, a.State)
	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, int64(500), a.Quantity)

	reserved, _ := st.policyTotals("p1")
	assert.Equal(t, int64(500), reserved)
	assert.Len(t, pub.allocs, 1)
}

func TestAllocateReturnsLiveAssignment(t *testing.T) {
	st, _, svc := newAssignmentFixture(map[string]int64{"course-1": 500})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	req := &AllocateRequest{PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1"}
	first, err := svc.Allocate(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.Allocate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// No second hold was placed.
	reserved, _ := st.policyTotals("p1")
	assert.Equal(t, int64(500), reserved)
}

func TestAllocateDeniedWhenBudgetExhausted(t *testing.T) {
	st, _, svc := newAssignmentFixture(map[string]int64{"course-1": 600})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	_, err := svc.Allocate(context.Background(), &AllocateRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1",
	})
	require.NoError(t, err)

	_, err = svc.Allocate(context.Background(), &AllocateRequest{
		PolicyID: "p1", LearnerID: "learner-2", ContentKey: "course-1",
	})
	require.Error(t, err)
	reason, denied := models.IsDenied(err)
	assert.True(t, denied)
	assert.Equal(t, models.DenialBudgetExhausted, reason)
}

func TestLifecycleNotifyAccept(t *testing.T) {
	st, pub, svc := newAssignmentFixture(map[string]int64{"course-1": 500})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	ctx := context.Background()
	a, err := svc.Allocate(ctx, &AllocateRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1",
	})
	require.NoError(t, err)

	notified, err := svc.MarkNotified(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentNotified, notified.State)
	assert.Equal(t, int64(2), notified.Version)

	// Marking again is a no-op, not an error.
	again, err := svc.MarkNotified(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)

	accepted, err := svc.Accept(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentAccepted, accepted.State)
	assert.Equal(t, int64(3), accepted.Version)

	// The hold survives acceptance.
	reserved, _ := st.policyTotals("p1")
	assert.Equal(t, int64(500), reserved)
	assert.Len(t, pub.changes, 2)
}

func TestAcceptBeforeNotifyRejected(t *testing.T) {
	st, _, svc := newAssignmentFixture(map[string]int64{"course-1": 500})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	ctx := context.Background()
	a, err := svc.Allocate(ctx, &AllocateRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1",
	})
	require.NoError(t, err)

	_, err = svc.Accept(ctx, a.ID)
	var invalid *models.InvalidStateTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.AssignmentAllocated, invalid.From)
	assert.Equal(t, models.AssignmentAccepted, invalid.To)
}

func TestCancelReclaimsHoldOnce(t *testing.T) {
	st, _, svc := newAssignmentFixture(map[string]int64{"course-1": 500})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	ctx := context.Background()
	a, err := svc.Allocate(ctx, &AllocateRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1",
	})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentCancelled, cancelled.State)

	reserved, _ := st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)

	// Cancelling again must not reclaim a second time.
	_, err = svc.Cancel(ctx, a.ID)
	require.NoError(t, err)
	reserved, _ = st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)
}

func TestCancelAfterRedeemRejected(t *testing.T) {
	st, _, svc := newAssignmentFixture(map[string]int64{"course-1": 500})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	ctx := context.Background()
	a, err := svc.Allocate(ctx, &AllocateRequest{
		PolicyID: "p1", LearnerID: "learner-1", ContentKey: "course-1",
	})
	require.NoError(t, err)
	_, err = svc.MarkNotified(ctx, a.ID)
	require.NoError(t, err)
	_, err = svc.Accept(ctx, a.ID)
	require.NoError(t, err)
	_, err = st.TransitionAssignment(ctx, a.ID, 3, models.AssignmentRedeemed, "t1")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, a.ID)
	var invalid *models.InvalidStateTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestSweepLosesRaceToCancel(t *testing.T) {
	st, _, svc := newAssignmentFixture(map[string]int64{"course-1": 100})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	ctx := context.Background()
	a := &models.ContentAssignment{
		ID: "a1", PolicyID: "p1", LearnerID: "learner-1",
		ContentKey: "course-1", Quantity: 100,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, st.CreateAllocatedAssignment(ctx, a))

	// The sweep reads its batch, then a cancel lands first.
	due, err := st.DueForExpiry(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = svc.Cancel(ctx, "a1")
	require.NoError(t, err)
	reserved, _ := st.policyTotals("p1")
	require.Equal(t, int64(0), reserved)

	// The sweep's stale version token loses; the hold is not reclaimed a
	// second time.
	_, err = st.TransitionAssignment(ctx, "a1", due[0].Version, models.AssignmentExpired, "")
	assert.Error(t, err)

	reserved, _ = st.policyTotals("p1")
	assert.Equal(t, int64(0), reserved)

	expired, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestExpireDueReclaimsHolds(t *testing.T) {
	st, pub, svc := newAssignmentFixture(map[string]int64{"course-1": 100})
	st.addPolicy(&models.Policy{
		ID: "p1", Variant: models.VariantAssignedLearnerCredit,
		SpendLimit: 1000, Active: true,
	})

	ctx := context.Background()
	stale := &models.ContentAssignment{
		ID: "a1", PolicyID: "p1", LearnerID: "learner-1",
		ContentKey: "course-1", Quantity: 100,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, st.CreateAllocatedAssignment(ctx, stale))

	// An accepted assignment past its expiry is left alone.
	kept := &models.ContentAssignment{
		ID: "a2", PolicyID: "p1", LearnerID: "learner-2",
		ContentKey: "course-1", Quantity: 100,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, st.CreateAllocatedAssignment(ctx, kept))
	_, err := st.TransitionAssignment(ctx, "a2", 1, models.AssignmentNotified, "")
	require.NoError(t, err)
	_, err = st.TransitionAssignment(ctx, "a2", 2, models.AssignmentAccepted, "")
	require.NoError(t, err)

	expired, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	first, err := st.GetAssignment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentExpired, first.State)

	second, err := st.GetAssignment(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentAccepted, second.State)

	// Only the expired hold was reclaimed.
	reserved, _ := st.policyTotals("p1")
	assert.Equal(t, int64(100), reserved)
	assert.Len(t, pub.changes, 3)
}
