// Package catalog is the HTTP client for the external content catalog
// service, used for inclusion and pricing lookups.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"access-service/internal/models"

	"github.com/cenkalti/backoff/v4"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

func NewClient(baseURL string, timeout time.Duration, maxRetries uint64) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

// ContentMetadata describes one content key's presence and price within a
// catalog. Price is integer cents.
type ContentMetadata struct {
	InCatalog bool  `json:"in_catalog"`
	Price     int64 `json:"price"`
}

// ContentMetadata looks up whether contentKey is in the catalog and at what
// price. A 404 from the catalog is a definite not-in-catalog answer, not an
// error.
func (c *Client) ContentMetadata(ctx context.Context, catalogRef, contentKey string) (*ContentMetadata, error) {
	path := fmt.Sprintf("%s/api/v1/catalogs/%s/content/%s",
		c.baseURL, url.PathEscape(catalogRef), url.PathEscape(contentKey))

	var metadata ContentMetadata
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &models.ExternalServiceError{Service: "catalog", Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
				return &models.ExternalServiceError{Service: "catalog",
					Err: fmt.Errorf("decode metadata: %w", err)}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			metadata = ContentMetadata{InCatalog: false}
			return nil
		case resp.StatusCode >= 500:
			return &models.ExternalServiceError{Service: "catalog",
				Err: fmt.Errorf("catalog returned %s", resp.Status)}
		default:
			return backoff.Permanent(&models.ExternalServiceError{Service: "catalog",
				Err: fmt.Errorf("catalog returned %s", resp.Status)})
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return &metadata, nil
}
