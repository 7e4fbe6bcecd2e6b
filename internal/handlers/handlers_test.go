package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agenthub-protocol/agenthub/internal/hub"
	"github.com/agenthub-protocol/agenthub/internal/models"
	"github.com/agenthub-protocol/agenthub/internal/presence"
	"github.com/agenthub-protocol/agenthub/internal/registry"
	"github.com/agenthub-protocol/agenthub/internal/store"
)

// noopPusher satisfies hub.Pusher; no live connections in these tests.
type noopPusher struct{}

func (noopPusher) Push(ref presence.ConnRef, msg *models.Message) error { return nil }
func (noopPusher) BroadcastUI(msg *models.Message)                      {}

type testEnv struct {
	handler *Handler
	tracker *presence.Tracker
	mux     *chi.Mux
}

func newTestEnv(t *testing.T, reg *registry.Client) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(st.Close)

	tracker := presence.NewTracker()
	router := hub.NewRouter(st, tracker, noopPusher{}, zerolog.Nop())
	h := NewHandler(st, router, tracker, reg)

	mux := chi.NewRouter()
	mux.Get("/health", h.Health)
	mux.Get("/stats", h.Stats)
	mux.Post("/send", h.Send)
	mux.Get("/history", h.History)
	mux.Get("/find", h.Find)
	mux.Get("/channels", h.ListChannels)
	mux.Post("/channels", h.ProvisionChannel)
	mux.Get("/channels/{name}", h.GetChannel)
	mux.Get("/presence", h.WhoAll)
	mux.Get("/presence/{id}", h.Who)

	return &testEnv{handler: h, tracker: tracker, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSendToChannel(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/send", SendRequest{
		SenderID:    "alice",
		Destination: models.Destination{Channel: "general"},
		Content:     "hello",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	resp := decode[SendResponse](t, rec)
	if resp.MessageID == "" {
		t.Error("expected message_id")
	}
	// Nobody online and no members, so the outcome is stored_only.
	if resp.DeliveryState != "stored_only" {
		t.Errorf("delivery_state = %q, want stored_only", resp.DeliveryState)
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		name string
		req  SendRequest
		want int
	}{
		{
			"missing sender",
			SendRequest{Destination: models.Destination{Channel: "general"}, Content: "hi"},
			http.StatusBadRequest,
		},
		{
			"missing content",
			SendRequest{SenderID: "alice", Destination: models.Destination{Channel: "general"}},
			http.StatusBadRequest,
		},
		{
			"both destination arms",
			SendRequest{SenderID: "alice", Destination: models.Destination{Channel: "general", Agent: "bob"}, Content: "hi"},
			http.StatusBadRequest,
		},
		{
			"no destination arm",
			SendRequest{SenderID: "alice", Content: "hi"},
			http.StatusBadRequest,
		},
		{
			"unknown format",
			SendRequest{SenderID: "alice", Destination: models.Destination{Channel: "general"}, Content: "hi", Format: "yaml"},
			http.StatusBadRequest,
		},
		{
			"content too long",
			SendRequest{SenderID: "alice", Destination: models.Destination{Channel: "general"}, Content: strings.Repeat("x", 33*1024)},
			http.StatusUnprocessableEntity,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/send", tc.req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d, body %s", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestHistoryChannelPagination(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 5; i++ {
		rec := env.do(t, "POST", "/send", SendRequest{
			SenderID:    "alice",
			Destination: models.Destination{Channel: "general"},
			Content:     fmt.Sprintf("message %d", i),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("send %d: status %d", i, rec.Code)
		}
	}

	rec := env.do(t, "GET", "/history?channel=general&limit=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[HistoryResponse](t, rec)
	if len(resp.Messages) != 3 {
		t.Fatalf("len = %d, want 3", len(resp.Messages))
	}
	if !resp.HasMore {
		t.Error("expected has_more with 5 stored and limit 3")
	}
	if resp.Messages[0].Content != "message 0" {
		t.Errorf("first = %q, want oldest first", resp.Messages[0].Content)
	}

	// Resume from the last message of the first page.
	since := resp.Messages[2].ID
	rec = env.do(t, "GET", "/history?channel=general&since="+since, nil)
	resp = decode[HistoryResponse](t, rec)
	if len(resp.Messages) != 2 || resp.HasMore {
		t.Errorf("after cursor: len = %d has_more = %v, want 2 and false", len(resp.Messages), resp.HasMore)
	}
}

func TestHistoryDirectPair(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, "POST", "/send", SendRequest{SenderID: "alice", Destination: models.Destination{Agent: "bob"}, Content: "ping"})
	env.do(t, "POST", "/send", SendRequest{SenderID: "bob", Destination: models.Destination{Agent: "alice"}, Content: "pong"})

	rec := env.do(t, "GET", "/history?agent_a=alice&agent_b=bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[HistoryResponse](t, rec)
	if len(resp.Messages) != 2 {
		t.Errorf("len = %d, want both directions", len(resp.Messages))
	}
}

func TestHistorySelectorValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{
		"/history",
		"/history?channel=general&agent_a=alice&agent_b=bob",
		"/history?agent_a=alice",
	} {
		rec := env.do(t, "GET", path, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestProvisionChannel(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/channels", ProvisionChannelRequest{
		Name:    "dev",
		Members: []string{"alice", "bob"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	// Idempotent re-provision merges membership.
	rec = env.do(t, "POST", "/channels", ProvisionChannelRequest{
		Name:    "dev",
		Members: []string{"carol"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("re-provision status = %d", rec.Code)
	}
	resp := decode[ProvisionChannelResponse](t, rec)
	if len(resp.Members) != 3 {
		t.Errorf("members = %v, want merged set of 3", resp.Members)
	}
}

func TestProvisionChannelValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []ProvisionChannelRequest{
		{Name: ""},
		{Name: "has spaces"},
		{Name: strings.Repeat("x", 51)},
		{Name: "ok", Members: []string{"bad agent id"}},
	}
	for _, req := range cases {
		rec := env.do(t, "POST", "/channels", req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%+v: status = %d, want 400", req, rec.Code)
		}
	}
}

func TestProvisionChannelRegistryVeto(t *testing.T) {
	regSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/validate" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string][]string{"unknown": {"impostor"}})
	}))
	defer regSrv.Close()

	env := newTestEnv(t, registry.New(regSrv.URL))

	rec := env.do(t, "POST", "/channels", ProvisionChannelRequest{
		Name:    "dev",
		Members: []string{"alice", "impostor"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "impostor") {
		t.Errorf("error should name the unknown member, got %s", rec.Body)
	}
}

func TestProvisionChannelRegistryDown(t *testing.T) {
	regSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer regSrv.Close()

	env := newTestEnv(t, registry.New(regSrv.URL))

	rec := env.do(t, "POST", "/channels", ProvisionChannelRequest{
		Name:    "dev",
		Members: []string{"alice"},
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestGetChannel(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/channels/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown channel: status = %d, want 404", rec.Code)
	}

	env.do(t, "POST", "/channels", ProvisionChannelRequest{Name: "dev", Members: []string{"alice"}})

	rec = env.do(t, "GET", "/channels/dev", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	ch := decode[models.Channel](t, rec)
	if ch.Name != "dev" || len(ch.Members) != 1 {
		t.Errorf("channel = %+v", ch)
	}
}

func TestWho(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/presence/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("never-connected agent: status = %d, want 404", rec.Code)
	}

	env.tracker.MarkOnline("worker-1", "conn-1")
	rec = env.do(t, "GET", "/presence/worker-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[PresenceResponse](t, rec)
	if resp.Status != "online" {
		t.Errorf("status = %q, want online", resp.Status)
	}

	env.tracker.MarkOffline("worker-1")
	rec = env.do(t, "GET", "/presence/worker-1", nil)
	resp = decode[PresenceResponse](t, rec)
	if resp.Status != "offline" || resp.LastSeen == "" {
		t.Errorf("after disconnect: %+v, want offline with last_seen", resp)
	}
}

func TestWhoAll(t *testing.T) {
	env := newTestEnv(t, nil)
	env.tracker.MarkOnline("a", "c1")
	env.tracker.MarkOnline("b", "c2")
	env.tracker.MarkOffline("b")

	rec := env.do(t, "GET", "/presence", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string]json.RawMessage](t, rec)
	var online int
	if err := json.Unmarshal(resp["online"], &online); err != nil {
		t.Fatalf("online: %v", err)
	}
	if online != 1 {
		t.Errorf("online = %d, want 1", online)
	}
}

func TestFind(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, "POST", "/send", SendRequest{SenderID: "alice", Destination: models.Destination{Channel: "general"}, Content: "deploy done"})
	env.do(t, "POST", "/send", SendRequest{SenderID: "alice", Destination: models.Destination{Channel: "general"}, Content: "lunch?"})

	rec := env.do(t, "GET", "/find?q=deploy", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[FindResponse](t, rec)
	if len(resp.Messages) != 1 {
		t.Errorf("results = %d, want 1", len(resp.Messages))
	}

	rec = env.do(t, "GET", "/find", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want 400", rec.Code)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.tracker.MarkOnline("a", "c1")
	env.do(t, "POST", "/send", SendRequest{SenderID: "alice", Destination: models.Destination{Channel: "general"}, Content: "hi"})

	rec := env.do(t, "GET", "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[StatsResponse](t, rec)
	if resp.TotalMessages != 1 || resp.TotalChannels != 1 {
		t.Errorf("totals = %d messages / %d channels, want 1 / 1", resp.TotalMessages, resp.TotalChannels)
	}
	if resp.AgentsOnline != 1 {
		t.Errorf("agents_online = %d, want 1", resp.AgentsOnline)
	}
	if resp.MessagesAppended != 1 {
		t.Errorf("messages_appended = %d, want 1", resp.MessagesAppended)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Checks["store"].Status != "pass" {
		t.Errorf("store check = %+v", resp.Checks["store"])
	}
}
