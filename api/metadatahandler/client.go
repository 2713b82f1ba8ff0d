package metadatahandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ruteri/threshold-key-manager/api"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// Client implements interfaces.MetadataTransport against a remote metadata
// server. Transient failures are retried by the underlying retryablehttp
// client; writes are safe to retry because every write names the version it
// expects to replace.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

var _ interfaces.MetadataTransport = (*Client)(nil)

// NewClient creates a metadata client for baseURL.
func NewClient(baseURL string, retryMax int, timeout time.Duration, log *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if log != nil {
		rc.Logger = log
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

// checkRetry retries connection errors and gateway failures only. Other
// statuses are final answers from the service.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func (c *Client) Get(ctx context.Context, id interfaces.PublicID) (*interfaces.RecordEnvelope, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/metadata/records/"+string(id), nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	body, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var env interfaces.RecordEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("could not parse metadata response: %w", err)
	}
	return &env, nil
}

func (c *Client) SetBatch(ctx context.Context, writes []interfaces.SetRequest) error {
	payload, err := json.Marshal(api.SetBatchRequest{Writes: writes})
	if err != nil {
		return fmt.Errorf("could not encode batch: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/metadata/batch", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req, http.StatusNoContent)
	return err
}

func (c *Client) do(req *retryablehttp.Request, expected int) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: could not reach metadata service: %v", interfaces.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read metadata response: %v", interfaces.ErrNetwork, err)
	}
	if resp.StatusCode != expected {
		return nil, api.DecodeError(resp.StatusCode, body)
	}
	return body, nil
}
