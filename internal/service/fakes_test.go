package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"access-service/internal/catalog"
	"access-service/internal/ledger"
	"access-service/internal/models"
	"access-service/internal/store"
)

// fakeStore is an in-memory stand-in for the sqlx store with the same
// headroom, idempotency, and version-token semantics.
type fakeStore struct {
	mu           sync.Mutex
	policies     map[string]*models.Policy
	transactions map[string]*models.Transaction
	byIdemKey    map[string]string
	assignments  map[string]*models.ContentAssignment
	// transitionFailures, while positive, fails TransitionAssignment with
	// a transient error and decrements.
	transitionFailures int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		policies:     make(map[string]*models.Policy),
		transactions: make(map[string]*models.Transaction),
		byIdemKey:    make(map[string]string),
		assignments:  make(map[string]*models.ContentAssignment),
	}
}

func (f *fakeStore) addPolicy(p *models.Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.policies[p.ID] = &cp
}

func (f *fakeStore) policyTotals(id string) (reserved, committed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.policies[id]
	return p.Reserved, p.Committed
}

func (f *fakeStore) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) CreatePolicy(ctx context.Context, policy *models.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *policy
	f.policies[policy.ID] = &cp
	return nil
}

func (f *fakeStore) UpdatePolicyLimits(ctx context.Context, id string, active bool, spendLimit int64, perLearnerLimit *int64) (*models.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	p.Active = active
	p.SpendLimit = spendLimit
	p.PerLearnerLimit = perLearnerLimit
	cp := *p
	return &cp, nil
}

func (f *fakeStore) CreateReservedTransaction(ctx context.Context, txn *models.Transaction, headroomDiscount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[txn.PolicyID]
	if !ok {
		return models.ErrNotFound
	}
	if p.Committed+p.Reserved-headroomDiscount+txn.Quantity > p.SpendLimit {
		return store.ErrInsufficientHeadroom
	}
	txn.State = models.TransactionStateReserved
	p.Reserved += txn.Quantity
	cp := *txn
	f.transactions[txn.ID] = &cp
	f.byIdemKey[txn.IdempotencyKey] = txn.ID
	return nil
}

func (f *fakeStore) FinalizeTransaction(ctx context.Context, id, state, reservationID, ledgerTxID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transactions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if t.Terminal() {
		cp := *t
		return &cp, nil
	}
	p := f.policies[t.PolicyID]
	p.Reserved -= t.Quantity
	if state == models.TransactionStateCommitted {
		p.Committed += t.Quantity
	}
	t.State = state
	if reservationID != "" {
		t.ReservationID = reservationID
	}
	if ledgerTxID != "" {
		t.LedgerTxID = ledgerTxID
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transactions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byIdemKey[key]
	if !ok {
		return nil, nil
	}
	cp := *f.transactions[id]
	return &cp, nil
}

func (f *fakeStore) LearnerSpend(ctx context.Context, policyID, learnerID string) (int64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var spend int64
	var count int
	for _, t := range f.transactions {
		if t.PolicyID != policyID || t.LearnerID != learnerID {
			continue
		}
		if t.State == models.TransactionStateReversed {
			continue
		}
		spend += t.Quantity
		count++
	}
	return spend, count, nil
}

func (f *fakeStore) CreateAllocatedAssignment(ctx context.Context, a *models.ContentAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[a.PolicyID]
	if !ok {
		return models.ErrNotFound
	}
	if p.Committed+p.Reserved+a.Quantity > p.SpendLimit {
		return store.ErrInsufficientHeadroom
	}
	a.State = models.AssignmentAllocated
	a.Version = 1
	a.CreatedAt = time.Now()
	p.Reserved += a.Quantity
	cp := *a
	f.assignments[a.ID] = &cp
	return nil
}

func (f *fakeStore) GetAssignment(ctx context.Context, id string) (*models.ContentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) FindAssignment(ctx context.Context, policyID, learnerID, contentKey string, state models.AssignmentState) (*models.ContentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assignments {
		if a.PolicyID == policyID && a.LearnerID == learnerID && a.ContentKey == contentKey && a.State == state {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) TransitionAssignment(ctx context.Context, id string, expectedVersion int64, to models.AssignmentState, transactionID string) (*models.ContentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionFailures > 0 {
		f.transitionFailures--
		return nil, errors.New("store unavailable")
	}
	a, ok := f.assignments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if a.Version != expectedVersion {
		return nil, store.ErrStaleVersion
	}
	if !models.CanTransition(a.State, to) {
		return nil, &models.InvalidStateTransitionError{AssignmentID: id, From: a.State, To: to}
	}
	a.State = to
	a.Version++
	if transactionID != "" {
		a.TransactionID = &transactionID
	}
	if to.Terminal() {
		f.policies[a.PolicyID].Reserved -= a.Quantity
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.ContentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []models.ContentAssignment
	for _, a := range f.assignments {
		if len(due) >= limit {
			break
		}
		if (a.State == models.AssignmentAllocated || a.State == models.AssignmentNotified) && !a.ExpiresAt.After(now) {
			due = append(due, *a)
		}
	}
	return due, nil
}

func (f *fakeStore) AcceptedWithCommittedSpend(ctx context.Context, limit int) ([]store.RedeemableAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []store.RedeemableAssignment
	for _, a := range f.assignments {
		if len(rows) >= limit {
			break
		}
		if a.State != models.AssignmentAccepted {
			continue
		}
		for _, t := range f.transactions {
			if t.PolicyID == a.PolicyID && t.LearnerID == a.LearnerID &&
				t.ContentKey == a.ContentKey && t.State == models.TransactionStateCommitted {
				rows = append(rows, store.RedeemableAssignment{
					ContentAssignment:  *a,
					SpendTransactionID: t.ID,
				})
				break
			}
		}
	}
	return rows, nil
}

func (f *fakeStore) GetAssignmentsByPolicy(ctx context.Context, policyID string) ([]models.ContentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ContentAssignment
	for _, a := range f.assignments {
		if a.PolicyID == policyID {
			out = append(out, *a)
		}
	}
	return out, nil
}

// fakeLocker grants each key to one holder at a time without waiting.
type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]string
	next   int
	denied int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (f *fakeLocker) Acquire(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[key]; ok {
		f.denied++
		return "", false, nil
	}
	f.next++
	token := string(rune('a' + f.next))
	f.held[key] = token
	return token, true, nil
}

func (f *fakeLocker) Release(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == token {
		delete(f.held, key)
	}
	return nil
}

// blockingLocker serializes holders per key, waiting instead of denying, so
// concurrent callers interleave the way the production lock's bounded wait
// does when uncontended long enough.
type blockingLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newBlockingLocker() *blockingLocker {
	return &blockingLocker{locks: make(map[string]*sync.Mutex)}
}

func (b *blockingLocker) Acquire(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	m, ok := b.locks[key]
	if !ok {
		m = &sync.Mutex{}
		b.locks[key] = m
	}
	b.mu.Unlock()
	m.Lock()
	return key, true, nil
}

func (b *blockingLocker) Release(ctx context.Context, key, token string) error {
	b.mu.Lock()
	m := b.locks[key]
	b.mu.Unlock()
	m.Unlock()
	return nil
}

// fakeLedger scripts commit outcomes per call and records every request.
type fakeLedger struct {
	mu          sync.Mutex
	commitErrs  []error
	reserveErr  error
	reserveHook func()
	balance     *models.BudgetSnapshot
	found       map[string]*ledger.Transaction
	findErr     error
	commitCalls int
	findCalls   int
	reversed    []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{found: make(map[string]*ledger.Transaction)}
}

func (f *fakeLedger) Reserve(ctx context.Context, idempotencyKey, policyRef string, amount int64) (*ledger.Reservation, error) {
	f.mu.Lock()
	hook := f.reserveHook
	err := f.reserveErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &ledger.Reservation{ReservationID: "res-" + idempotencyKey}, nil
}

func (f *fakeLedger) Commit(ctx context.Context, req ledger.CommitRequest) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	if len(f.commitErrs) > 0 {
		err := f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	tx := &ledger.Transaction{ID: "ltx-" + req.IdempotencyKey, State: ledger.TxStateCommitted}
	f.found[req.IdempotencyKey] = tx
	return tx, nil
}

func (f *fakeLedger) Reverse(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reversed = append(f.reversed, ref)
	return nil
}

func (f *fakeLedger) GetBalance(ctx context.Context, policyRef string) (*models.BudgetSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance == nil {
		return nil, &models.ExternalServiceError{Service: "ledger", Err: context.DeadlineExceeded}
	}
	cp := *f.balance
	return &cp, nil
}

func (f *fakeLedger) FindTransaction(ctx context.Context, idempotencyKey string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	tx, ok := f.found[idempotencyKey]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

// fakeCatalog serves a fixed price for known content keys.
type fakeCatalog struct {
	prices map[string]int64
}

func newFakeCatalog(prices map[string]int64) *fakeCatalog {
	return &fakeCatalog{prices: prices}
}

func (f *fakeCatalog) ContentMetadata(ctx context.Context, catalogRef, contentKey string) (*catalog.ContentMetadata, error) {
	price, ok := f.prices[contentKey]
	if !ok {
		return &catalog.ContentMetadata{InCatalog: false}, nil
	}
	return &catalog.ContentMetadata{InCatalog: true, Price: price}, nil
}

// fakeCache never holds a snapshot unless one is set explicitly.
type fakeCache struct {
	mu        sync.Mutex
	snapshots map[string]*models.BudgetSnapshot
}

func newFakeCache() *fakeCache {
	return &fakeCache{snapshots: make(map[string]*models.BudgetSnapshot)}
}

func (f *fakeCache) GetBudgetSnapshot(ctx context.Context, policyID string) (*models.BudgetSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[policyID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeCache) SetBudgetSnapshot(ctx context.Context, policyID string, snapshot *models.BudgetSnapshot, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *snapshot
	f.snapshots[policyID] = &cp
	return nil
}

func (f *fakeCache) InvalidateBudgetSnapshot(ctx context.Context, policyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, policyID)
	return nil
}

// fakePublisher records published events.
type fakePublisher struct {
	mu        sync.Mutex
	redeemed  []*models.AccessRedeemedEvent
	reversed  []*models.RedemptionReversedEvent
	allocs    []*models.AssignmentAllocatedEvent
	changes   []*models.AssignmentStateChangedEvent
	requested []*models.AccessRequestedEvent
	reminders []*models.AccessRequestReminderEvent
	// remindErr, when set, fails PublishAccessRequestReminder.
	remindErr error
}

func (f *fakePublisher) PublishAccessRedeemed(ctx context.Context, event *models.AccessRedeemedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redeemed = append(f.redeemed, event)
	return nil
}

func (f *fakePublisher) PublishRedemptionReversed(ctx context.Context, event *models.RedemptionReversedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reversed = append(f.reversed, event)
	return nil
}

func (f *fakePublisher) PublishAssignmentAllocated(ctx context.Context, event *models.AssignmentAllocatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocs = append(f.allocs, event)
	return nil
}

func (f *fakePublisher) PublishAssignmentStateChanged(ctx context.Context, event *models.AssignmentStateChangedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, event)
	return nil
}

func (f *fakePublisher) PublishAccessRequested(ctx context.Context, event *models.AccessRequestedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, event)
	return nil
}

func (f *fakePublisher) PublishAccessRequestReminder(ctx context.Context, event *models.AccessRequestReminderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remindErr != nil {
		return f.remindErr
	}
	f.reminders = append(f.reminders, event)
	return nil
}

// fakeRequestStore keeps access requests in memory with the same version and
// edge guards as the sqlx store.
type fakeRequestStore struct {
	mu       sync.Mutex
	requests map[string]*models.AccessRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{requests: make(map[string]*models.AccessRequest)}
}

func (f *fakeRequestStore) CreateAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.State = models.RequestRequested
	r.Version = 1
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	f.requests[r.ID] = &cp
	return nil
}

func (f *fakeRequestStore) GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRequestStore) FindRequestedAccessRequest(ctx context.Context, policyID, learnerID, contentKey string) (*models.AccessRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.PolicyID == policyID && r.LearnerID == learnerID && r.ContentKey == contentKey && r.State == models.RequestRequested {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRequestStore) TransitionAccessRequest(ctx context.Context, id string, expectedVersion int64, to models.AccessRequestState, declineReason, assignmentID string) (*models.AccessRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if r.Version != expectedVersion {
		return nil, store.ErrStaleVersion
	}
	if !models.CanTransitionRequest(r.State, to) {
		return nil, &models.InvalidRequestTransitionError{RequestID: id, From: r.State, To: to}
	}
	r.State = to
	r.Version++
	r.UpdatedAt = time.Now()
	if declineReason != "" {
		r.DeclineReason = &declineReason
	}
	if assignmentID != "" {
		r.AssignmentID = &assignmentID
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRequestStore) GetRequestsByPolicy(ctx context.Context, policyID string) ([]models.AccessRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AccessRequest
	for _, r := range f.requests {
		if r.PolicyID == policyID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRequestStore) RequestsDueForReminder(ctx context.Context, cutoff time.Time, limit int) ([]models.AccessRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []models.AccessRequest
	for _, r := range f.requests {
		if len(due) >= limit {
			break
		}
		if r.State != models.RequestRequested || r.CreatedAt.After(cutoff) {
			continue
		}
		if r.LastRemindedAt != nil && r.LastRemindedAt.After(cutoff) {
			continue
		}
		due = append(due, *r)
	}
	return due, nil
}

func (f *fakeRequestStore) MarkRequestsReminded(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if r, ok := f.requests[id]; ok {
			stamp := now
			r.LastRemindedAt = &stamp
		}
	}
	return nil
}
