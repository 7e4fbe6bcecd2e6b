package agenthub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-agent")
}

func TestSendToChannel(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Agent-ID"); got != "test-agent" {
			t.Errorf("X-Agent-ID = %q", got)
		}

		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.SenderID != "test-agent" {
			t.Errorf("sender_id = %q, want the client identity", req.SenderID)
		}
		if req.Destination.Channel != "general" || req.Destination.Agent != "" {
			t.Errorf("destination = %+v", req.Destination)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(SendResult{MessageID: "01X", DeliveryState: "delivered"})
	})

	res, err := c.SendToChannel(context.Background(), "general", "hello")
	if err != nil {
		t.Fatalf("SendToChannel: %v", err)
	}
	if res.MessageID != "01X" || res.DeliveryState != "delivered" {
		t.Errorf("result = %+v", res)
	}
}

func TestSendDirect(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Destination.Agent != "bob" || req.Destination.Channel != "" {
			t.Errorf("destination = %+v", req.Destination)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(SendResult{MessageID: "01Y", DeliveryState: "stored_only"})
	})

	res, err := c.SendDirect(context.Background(), "bob", "ping")
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if res.DeliveryState != "stored_only" {
		t.Errorf("delivery_state = %q", res.DeliveryState)
	}
}

func TestSendErrorSurfacesHubMessage(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "storage unavailable, message not accepted"})
	})

	_, err := c.SendToChannel(context.Background(), "general", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "storage unavailable") {
		t.Errorf("err = %v, want status and hub message", err)
	}
}

func TestChannelHistory(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("channel") != "general" || q.Get("since") != "01CURSOR" || q.Get("limit") != "10" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(historyResponse{
			Messages: []Message{{ID: "01A", Content: "hi"}},
			HasMore:  true,
		})
	})

	msgs, more, err := c.ChannelHistory(context.Background(), "general", "01CURSOR", 10)
	if err != nil {
		t.Fatalf("ChannelHistory: %v", err)
	}
	if len(msgs) != 1 || !more {
		t.Errorf("got %d messages, more=%v", len(msgs), more)
	}
}

func TestDirectHistoryNamesBothAgents(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("agent_a") != "test-agent" || q.Get("agent_b") != "bob" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(historyResponse{})
	})

	if _, _, err := c.DirectHistory(context.Background(), "bob", "", 0); err != nil {
		t.Fatalf("DirectHistory: %v", err)
	}
}

func TestProvisionChannel(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req provisionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "dev" || len(req.Members) != 2 {
			t.Errorf("request = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"name": "dev", "members": req.Members})
	})

	if err := c.ProvisionChannel(context.Background(), "dev", []string{"alice", "bob"}); err != nil {
		t.Fatalf("ProvisionChannel: %v", err)
	}
}

func TestPresence(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/presence/bob" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"agent_id":  "bob",
			"status":    "online",
			"last_seen": "2026-08-31T12:00:00Z",
		})
	})

	status, lastSeen, err := c.Presence(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Presence: %v", err)
	}
	if status != "online" || lastSeen == "" {
		t.Errorf("status = %q last_seen = %q", status, lastSeen)
	}
}
