// Package agenthub provides a client for the agenthub communication hub.
package agenthub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Destination addresses a message to a channel or directly to one agent.
// Set exactly one field.
type Destination struct {
	Channel string `json:"channel,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// Message is a hub message record.
type Message struct {
	ID            string      `json:"id"`
	SenderID      string      `json:"sender_id"`
	Destination   Destination `json:"destination"`
	Content       string      `json:"content"`
	Format        string      `json:"format"`
	DeliveryState string      `json:"delivery_state"`
	CreatedAt     time.Time   `json:"created_at"`
}

// SendResult is the outcome of a send: always a definitive delivered or
// stored_only, never silence.
type SendResult struct {
	MessageID     string    `json:"message_id"`
	DeliveryState string    `json:"delivery_state"`
	CreatedAt     time.Time `json:"created_at"`
}

// Client is an agenthub API client.
type Client struct {
	BaseURL    string
	AgentID    string
	HTTPClient *http.Client
}

// NewClient creates a client for the hub at baseURL, acting as agentID.
func NewClient(baseURL, agentID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		AgentID:    agentID,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Agent-ID", c.AgentID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("hub returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("hub returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type sendRequest struct {
	SenderID    string      `json:"sender_id"`
	Destination Destination `json:"destination"`
	Content     string      `json:"content"`
	Format      string      `json:"format,omitempty"`
}

// SendToChannel posts a message to a channel.
func (c *Client) SendToChannel(ctx context.Context, channel, content string) (*SendResult, error) {
	return c.send(ctx, Destination{Channel: channel}, content)
}

// SendDirect posts a direct message to one agent.
func (c *Client) SendDirect(ctx context.Context, agentID, content string) (*SendResult, error) {
	return c.send(ctx, Destination{Agent: agentID}, content)
}

func (c *Client) send(ctx context.Context, dest Destination, content string) (*SendResult, error) {
	var result SendResult
	err := c.do(ctx, http.MethodPost, "/send", sendRequest{
		SenderID:    c.AgentID,
		Destination: dest,
		Content:     content,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type historyResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// ChannelHistory fetches a channel's messages after the since cursor
// (exclusive message id; empty starts from the beginning).
func (c *Client) ChannelHistory(ctx context.Context, channel, since string, limit int) ([]Message, bool, error) {
	q := url.Values{}
	q.Set("channel", channel)
	return c.history(ctx, q, since, limit)
}

// DirectHistory fetches the DM history between this agent and other.
func (c *Client) DirectHistory(ctx context.Context, other, since string, limit int) ([]Message, bool, error) {
	q := url.Values{}
	q.Set("agent_a", c.AgentID)
	q.Set("agent_b", other)
	return c.history(ctx, q, since, limit)
}

func (c *Client) history(ctx context.Context, q url.Values, since string, limit int) ([]Message, bool, error) {
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, "/history?"+q.Encode(), nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Messages, resp.HasMore, nil
}

type provisionRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

// ProvisionChannel creates or updates a channel, merging membership.
func (c *Client) ProvisionChannel(ctx context.Context, name string, members []string) error {
	return c.do(ctx, http.MethodPost, "/channels", provisionRequest{Name: name, Members: members}, nil)
}

// ChannelInfo is one entry in the channel listing.
type ChannelInfo struct {
	Name         string `json:"name"`
	MessageCount int64  `json:"message_count"`
	LastActive   string `json:"last_active"`
}

type channelListResponse struct {
	Channels []ChannelInfo `json:"channels"`
	Total    int           `json:"total"`
}

// Channels lists channels, most recently active first.
func (c *Client) Channels(ctx context.Context) ([]ChannelInfo, error) {
	var resp channelListResponse
	if err := c.do(ctx, http.MethodGet, "/channels", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

type findResponse struct {
	Query    string    `json:"query"`
	Messages []Message `json:"messages"`
}

// Find searches channel message content, newest first.
func (c *Client) Find(ctx context.Context, query, channel string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("q", query)
	if channel != "" {
		q.Set("channel", channel)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp findResponse
	if err := c.do(ctx, http.MethodGet, "/find?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Presence looks up another agent's presence.
func (c *Client) Presence(ctx context.Context, agentID string) (status, lastSeen string, err error) {
	var resp struct {
		Status   string `json:"status"`
		LastSeen string `json:"last_seen"`
	}
	if err := c.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(agentID), nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Status, resp.LastSeen, nil
}
