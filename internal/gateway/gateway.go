// Package gateway owns the WebSocket lifecycle for agent processes and UI
// clients: accept, heartbeat, push, and disconnect. It translates wire
// frames to and from message records; routing decisions live in the hub
// package.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agenthub-protocol/agenthub/internal/metrics"
	"github.com/agenthub-protocol/agenthub/internal/models"
	"github.com/agenthub-protocol/agenthub/internal/presence"
)

// Role distinguishes the two kinds of live connections.
type Role string

const (
	RoleAgent Role = "agent"
	RoleUI    Role = "ui"
)

// Filter restricts a UI live feed. The zero value matches all traffic.
type Filter struct {
	Channel string `json:"channel,omitempty"` // only this channel's messages
	Agent   string `json:"agent,omitempty"`   // all traffic involving this agent
}

// Matches reports whether a message passes the filter.
func (f Filter) Matches(msg *models.Message) bool {
	if f.Channel == "" && f.Agent == "" {
		return true
	}
	if f.Channel != "" && msg.Destination.Channel == f.Channel {
		return true
	}
	if f.Agent != "" && (msg.SenderID == f.Agent || msg.Destination.Agent == f.Agent) {
		return true
	}
	return false
}

// ErrStaleRef is returned by Push when the connection reference no longer
// names a live connection. Callers treat it like any other push failure.
var ErrStaleRef = errors.New("stale connection reference")

// ErrSlowConsumer is returned by Push when the connection's send queue is
// full. The message stays durable in the store; the push is not retried.
var ErrSlowConsumer = errors.New("connection send queue full")

// Router routes an inbound message draft. Implemented by hub.Router; the
// indirection keeps gateway and hub from importing each other.
type Router interface {
	Route(ctx context.Context, draft *models.Message) (*models.Message, error)
}

// Gateway manages all live connections.
type Gateway struct {
	tracker  *presence.Tracker
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	heartbeat  time.Duration // ping interval
	pongWait   time.Duration // 3 missed pongs
	writeWait  time.Duration // per-frame write deadline, bounds a push
	sendBuffer int

	router Router

	mu     sync.RWMutex
	agents map[presence.ConnRef]*conn
	uis    map[presence.ConnRef]*conn
}

// Options configures the Gateway.
type Options struct {
	Heartbeat  time.Duration // default 15s
	WriteWait  time.Duration // default 5s
	SendBuffer int           // default 64 frames
}

// New creates a Gateway. Agents connecting through it are presence-tracked;
// UI clients are only fan-out subscribers.
func New(tracker *presence.Tracker, logger zerolog.Logger, opts Options) *Gateway {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}

	return &Gateway{
		tracker:   tracker,
		logger:    logger,
		heartbeat: opts.Heartbeat,
		// Three consecutive missed pongs expire the read deadline and the
		// connection is torn down.
		pongWait:   3*opts.Heartbeat + opts.Heartbeat/2,
		writeWait:  opts.WriteWait,
		sendBuffer: opts.SendBuffer,
		agents:     make(map[presence.ConnRef]*conn),
		uis:        make(map[presence.ConnRef]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // agents connect from anywhere
			},
		},
	}
}

// SetRouter wires the message router. Must be called before serving.
func (g *Gateway) SetRouter(r Router) {
	g.router = r
}

// HandleWS upgrades an inbound connection. Query parameters: id (caller
// identity, required), role (agent|ui, default agent), and for UI feeds an
// optional channel or agent filter.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("id")
	if identity == "" {
		http.Error(w, `{"error":"id is required"}`, http.StatusBadRequest)
		return
	}

	role := Role(r.URL.Query().Get("role"))
	if role == "" {
		role = RoleAgent
	}
	if role != RoleAgent && role != RoleUI {
		http.Error(w, `{"error":"role must be agent or ui"}`, http.StatusBadRequest)
		return
	}

	filter := Filter{
		Channel: r.URL.Query().Get("channel"),
		Agent:   r.URL.Query().Get("agent"),
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("identity", identity).Msg("websocket upgrade failed")
		return
	}

	g.accept(identity, role, filter, ws)
}

// accept registers a freshly upgraded connection and starts its pumps.
// A reconnect is always a new connection object; there is no resume.
func (g *Gateway) accept(identity string, role Role, filter Filter, ws *websocket.Conn) {
	c := newConn(g, presence.ConnRef(uuid.NewString()), identity, role, filter, ws)

	var superseded *conn

	g.mu.Lock()
	switch role {
	case RoleAgent:
		// At most one live connection per agent identifier: a second accept
		// supersedes the first, it does not queue alongside it.
		for _, prev := range g.agents {
			if prev.identity == identity {
				superseded = prev
				break
			}
		}
		g.agents[c.ref] = c
	case RoleUI:
		g.uis[c.ref] = c
	}
	g.mu.Unlock()

	if role == RoleAgent {
		g.tracker.MarkOnline(identity, c.ref)
		metrics.AgentsOnline.Set(float64(g.tracker.OnlineCount()))
	} else {
		metrics.UISubscribers.Inc()
	}

	if superseded != nil {
		superseded.close("superseded")
	}

	c.open()

	g.logger.Info().
		Str("identity", identity).
		Str("role", string(role)).
		Str("conn_ref", string(c.ref)).
		Msg("connection accepted")

	go c.writePump()
	go c.readPump()
}

// Push delivers one message frame to a live agent connection. Best-effort
// single attempt: failures are returned, never retried here. Success means
// the frame was queued for the connection's writer, not that it reached the
// peer; a connection that dies before draining its queue loses the frame,
// and the recipient recovers it from history on reconnect.
func (g *Gateway) Push(ref presence.ConnRef, msg *models.Message) error {
	g.mu.RLock()
	c, ok := g.agents[ref]
	g.mu.RUnlock()
	if !ok {
		return ErrStaleRef
	}
	return c.enqueue(messageFrame(msg))
}

// SubscribeUI replaces the live-feed filter of a UI connection.
func (g *Gateway) SubscribeUI(ref presence.ConnRef, filter Filter) error {
	g.mu.RLock()
	c, ok := g.uis[ref]
	g.mu.RUnlock()
	if !ok {
		return ErrStaleRef
	}
	c.setFilter(filter)
	return nil
}

// BroadcastUI fans a routed message out to every UI feed whose filter
// matches. Read-only observers; failures here never touch delivery state.
func (g *Gateway) BroadcastUI(msg *models.Message) {
	g.mu.RLock()
	subs := make([]*conn, 0, len(g.uis))
	for _, c := range g.uis {
		subs = append(subs, c)
	}
	g.mu.RUnlock()

	frame := messageFrame(msg)
	for _, c := range subs {
		if c.getFilter().Matches(msg) {
			_ = c.enqueue(frame)
		}
	}
}

// drop unregisters a connection and updates presence. Called exactly once
// per connection, from conn.close.
func (g *Gateway) drop(c *conn, reason string) {
	g.mu.Lock()
	switch c.role {
	case RoleAgent:
		delete(g.agents, c.ref)
	case RoleUI:
		delete(g.uis, c.ref)
	}
	g.mu.Unlock()

	if c.role == RoleAgent {
		g.tracker.MarkOfflineRef(c.identity, c.ref)
		metrics.AgentsOnline.Set(float64(g.tracker.OnlineCount()))
	} else {
		metrics.UISubscribers.Dec()
	}

	g.logger.Info().
		Str("identity", c.identity).
		Str("role", string(c.role)).
		Str("conn_ref", string(c.ref)).
		Str("reason", reason).
		Msg("connection closed")
}

// CloseAll tears down every live connection, for shutdown.
func (g *Gateway) CloseAll() {
	g.mu.RLock()
	conns := make([]*conn, 0, len(g.agents)+len(g.uis))
	for _, c := range g.agents {
		conns = append(conns, c)
	}
	for _, c := range g.uis {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.close("shutdown")
	}
}
