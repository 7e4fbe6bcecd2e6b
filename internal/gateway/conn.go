package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agenthub-protocol/agenthub/internal/metrics"
	"github.com/agenthub-protocol/agenthub/internal/models"
	"github.com/agenthub-protocol/agenthub/internal/presence"
)

// Connection states. Transitions only move forward: a reconnect is a new
// conn, never a resumed one.
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosing
	stateClosed
)

// Frame is the wire envelope for all WebSocket traffic.
type Frame struct {
	Type        string              `json:"type"` // message, send, ack, subscribe, error
	Message     *models.Message     `json:"message,omitempty"`
	Destination *models.Destination `json:"destination,omitempty"`
	Content     string              `json:"content,omitempty"`
	Format      models.Format       `json:"format,omitempty"`
	Filter      *Filter             `json:"filter,omitempty"`
	MessageID   string              `json:"message_id,omitempty"`
	Delivery    string              `json:"delivery_state,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func messageFrame(msg *models.Message) []byte {
	data, _ := json.Marshal(Frame{Type: "message", Message: msg})
	return data
}

// conn is one live WebSocket connection.
type conn struct {
	gw       *Gateway
	ref      presence.ConnRef
	identity string
	role     Role
	ws       *websocket.Conn

	send chan []byte
	done chan struct{}

	state     atomic.Int32
	closeOnce sync.Once

	filterMu sync.Mutex
	filter   Filter
}

func newConn(gw *Gateway, ref presence.ConnRef, identity string, role Role, filter Filter, ws *websocket.Conn) *conn {
	c := &conn{
		gw:       gw,
		ref:      ref,
		identity: identity,
		role:     role,
		ws:       ws,
		send:     make(chan []byte, gw.sendBuffer),
		done:     make(chan struct{}),
		filter:   filter,
	}
	c.state.Store(stateConnecting)
	return c
}

func (c *conn) open() {
	c.state.Store(stateOpen)
}

func (c *conn) setFilter(f Filter) {
	c.filterMu.Lock()
	c.filter = f
	c.filterMu.Unlock()
}

func (c *conn) getFilter() Filter {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	return c.filter
}

// enqueue hands a frame to the write pump without blocking. A full queue is
// a push failure: the slow consumer keeps its durable history, the live
// frame is dropped.
func (c *conn) enqueue(frame []byte) error {
	if c.state.Load() != stateOpen {
		return ErrStaleRef
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrStaleRef
	default:
		return ErrSlowConsumer
	}
}

// close tears the connection down. Safe to call from any goroutine and from
// duplicate close events; presence flips offline exactly once.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosing)
		close(c.done)
		c.gw.drop(c, reason)
		c.ws.Close()
		c.state.Store(stateClosed)
	})
}

// writePump serializes all writes to the socket and drives the heartbeat.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.gw.heartbeat)
	defer func() {
		ticker.Stop()
		c.close("write failed")
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump consumes inbound frames and enforces the pong deadline. The read
// deadline covers three ping intervals: three consecutive missed pongs and
// the read fails, which tears the connection down.
func (c *conn) readPump() {
	defer c.close("read closed")

	c.ws.SetReadLimit(64 * 1024)
	c.ws.SetReadDeadline(time.Now().Add(c.gw.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.gw.pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				metrics.HeartbeatTimeouts.Inc()
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}

		c.handleFrame(&frame)
	}
}

// handleFrame dispatches one inbound frame.
func (c *conn) handleFrame(frame *Frame) {
	switch frame.Type {
	case "send":
		if c.role != RoleAgent {
			c.sendError("ui connections are read-only, use the http api to send")
			return
		}
		c.handleSend(frame)
	case "subscribe":
		if c.role != RoleUI || frame.Filter == nil {
			c.sendError("subscribe requires a ui connection and a filter")
			return
		}
		c.setFilter(*frame.Filter)
	default:
		c.sendError("unknown frame type")
	}
}

// handleSend routes a message draft arriving over the socket. The sender is
// always the connection's own identity, never a field in the frame.
func (c *conn) handleSend(frame *Frame) {
	if c.gw.router == nil {
		c.sendError("routing unavailable")
		return
	}
	if frame.Destination == nil {
		c.sendError("destination is required")
		return
	}

	draft := &models.Message{
		SenderID:    c.identity,
		Destination: *frame.Destination,
		Content:     frame.Content,
		Format:      frame.Format,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := c.gw.router.Route(ctx, draft)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	ack, _ := json.Marshal(Frame{
		Type:      "ack",
		MessageID: msg.ID,
		Delivery:  string(msg.DeliveryState),
	})
	_ = c.enqueue(ack)
}

func (c *conn) sendError(msg string) {
	frame, _ := json.Marshal(Frame{Type: "error", Error: msg})
	_ = c.enqueue(frame)
}
