package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// Client executes connector actions: an HTTP POST to the provider's
// action endpoint, authenticated with the connector's credentials.
type Client struct {
	store      *Store
	httpClient *http.Client
}

// NewClient wires a connector client over the store.
func NewClient(store *Store) *Client {
	return &Client{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Execute runs one action against a connector's provider and returns
// the decoded response body.
func (c *Client) Execute(ctx context.Context, orgID, connectorID, action string, params map[string]any) (map[string]any, error) {
	conn, err := c.store.Get(orgID, connectorID)
	if err != nil {
		if IsNotFound(err) {
			return nil, apperr.NotFound("connector %s not found", connectorID)
		}
		return nil, err
	}
	if !conn.Active {
		return nil, apperr.Validation("connector %s is disabled", conn.Name)
	}
	if conn.BaseURL == "" {
		return nil, apperr.Validation("connector %s has no base url", conn.Name)
	}

	body, _ := json.Marshal(map[string]any{
		"action": action,
		"params": params,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", conn.BaseURL+"/actions/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := conn.Credentials["api_key"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(err, apperr.KindTimeout, "connector call interrupted")
		}
		return nil, apperr.Wrap(err, apperr.KindUpstreamFailure, "connector %s call failed", conn.Name)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.New(apperr.KindUpstreamFailure, "connector %s returned %d: %s", conn.Name, resp.StatusCode, string(respBody))
	}

	_ = c.store.TouchUsage(conn.ID, time.Now())

	out := map[string]any{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			out["raw"] = string(respBody)
		}
	}
	return out, nil
}
