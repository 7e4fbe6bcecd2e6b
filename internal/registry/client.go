// Package registry is a thin client for the external agent registry. The
// hub consults it only when a channel provisioning request names members,
// and stores nothing about agents beyond the identifier string.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls the agent registry collaborator.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a registry client. baseURL is the collaborator's root, e.g.
// "http://registry:9090".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type validateRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

type validateResponse struct {
	Unknown []string `json:"unknown"`
}

// ValidateMembers asks the registry which of the given agent identifiers it
// does not consider legitimate. An empty result means all are known.
func (c *Client) ValidateMembers(ctx context.Context, agentIDs []string) ([]string, error) {
	body, err := json.Marshal(validateRequest{AgentIDs: agentIDs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agents/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Unknown, nil
}
