package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agenthub-protocol/agenthub/internal/models"
	"github.com/agenthub-protocol/agenthub/internal/presence"
)

func newTestGateway(t *testing.T) (*Gateway, *presence.Tracker, string) {
	t.Helper()
	tracker := presence.NewTracker()
	gw := New(tracker, zerolog.Nop(), Options{Heartbeat: time.Second})

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(func() {
		gw.CloseAll()
		srv.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return gw, tracker, wsURL
}

func dial(t *testing.T, wsURL, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame Frame
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func TestHandleWSRequiresIdentity(t *testing.T) {
	_, _, wsURL := newTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without id should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 handshake response, got %+v", resp)
	}
}

func TestHandleWSRejectsUnknownRole(t *testing.T) {
	_, _, wsURL := newTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?id=x&role=admin", nil)
	if err == nil {
		t.Fatal("dial with bad role should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 handshake response, got %+v", resp)
	}
}

func TestAgentConnectMarksOnline(t *testing.T) {
	_, tracker, wsURL := newTestGateway(t)

	ws := dial(t, wsURL, "id=worker-1")
	waitFor(t, "worker-1 online", func() bool { return tracker.IsOnline("worker-1") })

	ws.Close()
	waitFor(t, "worker-1 offline", func() bool { return !tracker.IsOnline("worker-1") })

	rec, ok := tracker.Lookup("worker-1")
	if !ok || rec.LastSeen.IsZero() {
		t.Error("disconnect must retain the record with last_seen")
	}
}

func TestPushDeliversToAgent(t *testing.T) {
	gw, tracker, wsURL := newTestGateway(t)

	ws := dial(t, wsURL, "id=worker-1")
	waitFor(t, "worker-1 online", func() bool { return tracker.IsOnline("worker-1") })

	rec, _ := tracker.Lookup("worker-1")
	msg := &models.Message{
		ID:          "01TESTID",
		SenderID:    "alice",
		Destination: models.Destination{Agent: "worker-1"},
		Content:     "hello",
	}
	if err := gw.Push(rec.ConnRef, msg); err != nil {
		t.Fatalf("Push: %v", err)
	}

	frame := readFrame(t, ws)
	if frame.Type != "message" || frame.Message == nil || frame.Message.ID != "01TESTID" {
		t.Errorf("got frame %+v, want pushed message", frame)
	}
}

func TestPushUnknownRefIsStale(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	err := gw.Push("no-such-ref", &models.Message{})
	if err != ErrStaleRef {
		t.Errorf("err = %v, want ErrStaleRef", err)
	}
}

func TestReconnectSupersedes(t *testing.T) {
	_, tracker, wsURL := newTestGateway(t)

	old := dial(t, wsURL, "id=worker-1")
	waitFor(t, "first connection online", func() bool { return tracker.IsOnline("worker-1") })
	firstRec, _ := tracker.Lookup("worker-1")

	dial(t, wsURL, "id=worker-1")
	waitFor(t, "new connection ref", func() bool {
		rec, _ := tracker.Lookup("worker-1")
		return rec.ConnRef != firstRec.ConnRef
	})

	// The gateway closes the superseded socket; the old client sees EOF or a
	// close frame, and the agent stays online on the new connection.
	old.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	if !tracker.IsOnline("worker-1") {
		t.Fatal("superseded teardown must not knock the new connection offline")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	gw, tracker, wsURL := newTestGateway(t)

	dial(t, wsURL, "id=worker-1")
	waitFor(t, "worker-1 online", func() bool { return tracker.IsOnline("worker-1") })

	rec, _ := tracker.Lookup("worker-1")
	gw.mu.RLock()
	c := gw.agents[rec.ConnRef]
	gw.mu.RUnlock()

	c.close("test")
	c.close("test again")

	if tracker.IsOnline("worker-1") {
		t.Fatal("agent should be offline after close")
	}

	// A new connection for the same identity must not be affected by a late
	// duplicate close of the old one.
	dial(t, wsURL, "id=worker-1")
	waitFor(t, "worker-1 back online", func() bool { return tracker.IsOnline("worker-1") })
	c.close("stray")
	if !tracker.IsOnline("worker-1") {
		t.Fatal("stray close of an old connection knocked the new one offline")
	}
}

func TestSendOverSocket(t *testing.T) {
	gw, tracker, wsURL := newTestGateway(t)
	gw.SetRouter(routerFunc(func(ctx context.Context, draft *models.Message) (*models.Message, error) {
		if draft.SenderID != "worker-1" {
			t.Errorf("sender = %q, want the connection identity", draft.SenderID)
		}
		out := *draft
		out.ID = "01ACKID"
		out.DeliveryState = models.DeliveryDelivered
		return &out, nil
	}))

	ws := dial(t, wsURL, "id=worker-1")
	waitFor(t, "worker-1 online", func() bool { return tracker.IsOnline("worker-1") })

	send := Frame{
		Type:        "send",
		Destination: &models.Destination{Channel: "general"},
		Content:     "over the socket",
	}
	if err := ws.WriteJSON(send); err != nil {
		t.Fatalf("write: %v", err)
	}

	ack := readFrame(t, ws)
	if ack.Type != "ack" || ack.MessageID != "01ACKID" || ack.Delivery != "delivered" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestUIConnectionIsReadOnly(t *testing.T) {
	_, _, wsURL := newTestGateway(t)

	ws := dial(t, wsURL, "id=dashboard&role=ui")
	send := Frame{Type: "send", Destination: &models.Destination{Channel: "general"}, Content: "x"}
	if err := ws.WriteJSON(send); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, ws)
	if frame.Type != "error" {
		t.Errorf("frame = %+v, want error", frame)
	}
}

func TestBroadcastUIHonorsFilter(t *testing.T) {
	gw, _, wsURL := newTestGateway(t)

	ws := dial(t, wsURL, "id=dashboard&role=ui&channel=dev")
	// Registration happens after the handshake returns to the client.
	waitFor(t, "ui registered", func() bool {
		gw.mu.RLock()
		defer gw.mu.RUnlock()
		return len(gw.uis) == 1
	})

	gw.BroadcastUI(&models.Message{ID: "m1", Destination: models.Destination{Channel: "random"}})
	gw.BroadcastUI(&models.Message{ID: "m2", Destination: models.Destination{Channel: "dev"}})

	frame := readFrame(t, ws)
	if frame.Message == nil || frame.Message.ID != "m2" {
		t.Errorf("filtered feed delivered %+v, want only the dev channel message", frame)
	}
}

func TestUIAgentsAreNotPresenceTracked(t *testing.T) {
	_, tracker, wsURL := newTestGateway(t)

	dial(t, wsURL, "id=dashboard&role=ui")
	time.Sleep(50 * time.Millisecond)

	if tracker.IsOnline("dashboard") {
		t.Error("ui connections must not appear in agent presence")
	}
}

func TestEnqueueSlowConsumer(t *testing.T) {
	tracker := presence.NewTracker()
	gw := New(tracker, zerolog.Nop(), Options{SendBuffer: 2})

	// No pumps running, so nothing drains the queue.
	c := newConn(gw, "ref-1", "worker-1", RoleAgent, Filter{}, nil)
	c.open()

	if err := c.enqueue([]byte("a")); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := c.enqueue([]byte("b")); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if err := c.enqueue([]byte("c")); err != ErrSlowConsumer {
		t.Errorf("err = %v, want ErrSlowConsumer", err)
	}
}

func TestEnqueueBeforeOpenIsStale(t *testing.T) {
	tracker := presence.NewTracker()
	gw := New(tracker, zerolog.Nop(), Options{})

	c := newConn(gw, "ref-1", "worker-1", RoleAgent, Filter{}, nil)
	if err := c.enqueue([]byte("x")); err != ErrStaleRef {
		t.Errorf("err = %v, want ErrStaleRef", err)
	}
}

func TestFilterMatches(t *testing.T) {
	channelMsg := &models.Message{SenderID: "alice", Destination: models.Destination{Channel: "dev"}}
	directMsg := &models.Message{SenderID: "alice", Destination: models.Destination{Agent: "bob"}}

	cases := []struct {
		name   string
		filter Filter
		msg    *models.Message
		want   bool
	}{
		{"zero filter matches all", Filter{}, channelMsg, true},
		{"channel match", Filter{Channel: "dev"}, channelMsg, true},
		{"channel mismatch", Filter{Channel: "ops"}, channelMsg, false},
		{"agent as sender", Filter{Agent: "alice"}, directMsg, true},
		{"agent as recipient", Filter{Agent: "bob"}, directMsg, true},
		{"agent uninvolved", Filter{Agent: "carol"}, directMsg, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(tc.msg); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

// routerFunc adapts a function to the Router interface.
type routerFunc func(ctx context.Context, draft *models.Message) (*models.Message, error)

func (f routerFunc) Route(ctx context.Context, draft *models.Message) (*models.Message, error) {
	return f(ctx, draft)
}
