package oraclehandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/threshold-key-manager/api"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// Client talks to a single oracle node. It does not retry: retries and
// quorum handling belong to the oracle client fanning out across nodes.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the node at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the node's base URL.
func (c *Client) Endpoint() string {
	return c.baseURL
}

// RequestShare asks the node for its share of the identity in req.
func (c *Client) RequestShare(ctx context.Context, req *api.ShareRequest) (*api.ShareResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not encode share request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/oracle/shares", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp api.ShareResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPublicKey asks the node which public key it holds for an identity.
func (c *Client) GetPublicKey(ctx context.Context, verifier, verifierID string) (*api.PublicKeyResponse, error) {
	u := c.baseURL + "/api/oracle/keys/" + url.PathEscape(verifier) + "/" + url.PathEscape(verifierID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	var resp api.PublicKeyResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: could not reach oracle node: %v", interfaces.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: could not read oracle response: %v", interfaces.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return api.DecodeError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: could not parse oracle response: %v", interfaces.ErrNetwork, err)
	}
	return nil
}
