// Package ledger is the HTTP client for the external budget ledger service,
// the authority for enterprise budget balances and spend transactions.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"access-service/internal/models"
	"access-service/internal/util"

	"github.com/cenkalti/backoff/v4"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

// NewClient creates a ledger client. maxRetries bounds backoff retries of the
// idempotent calls; Commit is never retried here because the caller must
// reconcile ambiguous outcomes first.
func NewClient(baseURL string, timeout time.Duration, maxRetries uint64) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

// Reservation is a provisional hold against a budget.
type Reservation struct {
	ReservationID string `json:"reservation_id"`
}

// Transaction is the ledger's record of a spend.
type Transaction struct {
	ID    string `json:"transaction_id"`
	State string `json:"state"`
}

// Ledger-side transaction states.
const (
	TxStateCommitted = "committed"
	TxStateFailed    = "failed"
)

type reserveRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	PolicyRef      string `json:"policy_ref"`
	Amount         int64  `json:"amount"`
}

// CommitRequest finalizes a reservation into a spend.
type CommitRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	ReservationID  string `json:"reservation_id"`
	LearnerID      string `json:"learner"`
	ContentKey     string `json:"content_key"`
	Amount         int64  `json:"amount"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Reserve places a hold against a policy's budget. Safe to retry: the ledger
// dedups on the idempotency key.
func (c *Client) Reserve(ctx context.Context, idempotencyKey, policyRef string, amount int64) (*Reservation, error) {
	var reservation Reservation
	err := c.withRetry(ctx, func() error {
		return c.call(ctx, http.MethodPost, "/api/v1/reserve", "reserve",
			reserveRequest{IdempotencyKey: idempotencyKey, PolicyRef: policyRef, Amount: amount},
			&reservation)
	})
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

// Commit finalizes a reservation. A single attempt only: on an ambiguous
// error the spend may have landed, and the caller must call FindTransaction
// with the same idempotency key before deciding anything.
func (c *Client) Commit(ctx context.Context, req CommitRequest) (*Transaction, error) {
	var txn Transaction
	if err := c.call(ctx, http.MethodPost, "/api/v1/commit", "commit", req, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// Reverse voids a reservation or creates a compensating reversal for a
// committed transaction.
func (c *Client) Reverse(ctx context.Context, ref string) error {
	return c.withRetry(ctx, func() error {
		return c.call(ctx, http.MethodPost, "/api/v1/reverse", "reverse",
			map[string]string{"ref": ref}, nil)
	})
}

// GetBalance fetches the authoritative balance for a policy's budget.
func (c *Client) GetBalance(ctx context.Context, policyRef string) (*models.BudgetSnapshot, error) {
	var balance struct {
		Total     int64 `json:"total"`
		Committed int64 `json:"committed"`
		Reserved  int64 `json:"reserved"`
	}
	err := c.withRetry(ctx, func() error {
		path := "/api/v1/balance/" + url.PathEscape(policyRef)
		return c.call(ctx, http.MethodGet, path, "get_balance", nil, &balance)
	})
	if err != nil {
		return nil, err
	}
	return &models.BudgetSnapshot{
		Total:     balance.Total,
		Committed: balance.Committed,
		Reserved:  balance.Reserved,
		FetchedAt: time.Now(),
	}, nil
}

// FindTransaction is the reconciliation query: it looks up the true outcome
// of a commit by idempotency key. Returns nil when the ledger has no record
// of the key, meaning the ambiguous commit never landed.
func (c *Client) FindTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	var txn Transaction
	err := c.withRetry(ctx, func() error {
		path := "/api/v1/transactions?idempotency_key=" + url.QueryEscape(idempotencyKey)
		return c.call(ctx, http.MethodGet, path, "find_transaction", nil, &txn)
	})
	if err != nil {
		var rejected *models.LedgerRejectedError
		if errors.As(err, &rejected) && rejected.Reason == "not_found" {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (c *Client) call(ctx context.Context, method, path, operation string, body, out interface{}) error {
	start := time.Now()
	defer func() {
		util.LedgerRequestLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.ExternalServiceError{Service: "ledger", Ambiguous: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &models.ExternalServiceError{Service: "ledger", Ambiguous: true,
				Err: fmt.Errorf("decode %s response: %w", operation, err)}
		}
		return nil

	case resp.StatusCode == http.StatusNotFound:
		return &models.LedgerRejectedError{Reason: "not_found"}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error == "" {
			errResp.Error = resp.Status
		}
		return &models.LedgerRejectedError{Reason: errResp.Error}

	default:
		return &models.ExternalServiceError{Service: "ledger", Ambiguous: true,
			Err: fmt.Errorf("%s returned %s", operation, resp.Status)}
	}
}

// withRetry retries transient failures with bounded exponential backoff.
// Definite ledger rejections are returned immediately.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	operation := func() error {
		err := fn()
		var rejected *models.LedgerRejectedError
		if errors.As(err, &rejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx))
}
