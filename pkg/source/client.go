// Package source provides record input: an HTTP client for the
// synthetic stream API and a seeded generator producing the same messy
// shapes locally.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/errors"
)

// RawRecord is one decoded upstream payload, field names still messy.
type RawRecord map[string]interface{}

// StreamClient fetches record batches from the stream API. The API
// serves single records at / and batches at /record/{n}, either as a
// bare array or wrapped under a "records" key.
type StreamClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewStreamClient creates a client for the given base URL.
func NewStreamClient(baseURL string, logger *zap.Logger) *StreamClient {
	return &StreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("component", "stream_client")),
	}
}

// Ping verifies the API is reachable.
func (c *StreamClient) Ping(ctx context.Context) error {
	if _, err := c.get(ctx, c.baseURL+"/"); err != nil {
		return err
	}
	c.logger.Info("stream API reachable", zap.String("url", c.baseURL))
	return nil
}

// FetchBatch fetches up to count records.
func (c *StreamClient) FetchBatch(ctx context.Context, count int) ([]RawRecord, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/record/%d", c.baseURL, count))
	if err != nil {
		return nil, err
	}
	return decodeBatch(body)
}

// FetchRecord fetches a single record.
func (c *StreamClient) FetchRecord(ctx context.Context) (RawRecord, error) {
	body, err := c.get(ctx, c.baseURL+"/")
	if err != nil {
		return nil, err
	}
	var record RawRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedRecord, "failed to decode record")
	}
	return record, nil
}

func (c *StreamClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackendUnavailable, "stream API request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrorTypeBackendUnavailable,
			fmt.Sprintf("stream API returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackendUnavailable, "failed to read response body")
	}
	return body, nil
}

// decodeBatch accepts a bare array, a {"records": [...]} wrapper, or a
// single object.
func decodeBatch(body []byte) ([]RawRecord, error) {
	var asList []RawRecord
	if err := json.Unmarshal(body, &asList); err == nil {
		return asList, nil
	}

	var wrapped struct {
		Records []RawRecord `json:"records"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Records != nil {
		return wrapped.Records, nil
	}

	var single RawRecord
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedRecord, "failed to decode record batch")
	}
	return []RawRecord{single}, nil
}
