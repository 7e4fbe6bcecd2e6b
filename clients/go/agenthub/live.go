package agenthub

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the live-feed wire envelope.
type Frame struct {
	Type        string       `json:"type"`
	Message     *Message     `json:"message,omitempty"`
	Destination *Destination `json:"destination,omitempty"`
	Content     string       `json:"content,omitempty"`
	Format      string       `json:"format,omitempty"`
	MessageID   string       `json:"message_id,omitempty"`
	Delivery    string       `json:"delivery_state,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// LiveFeed is a self-reconnecting subscription to the hub's push stream.
// An agent process crash or hub restart is an ordinary reconnect: the feed
// dials again with backoff and the hub treats it as a brand new connection.
type LiveFeed struct {
	client *Client
	role   string
	filter url.Values

	Messages chan *Message
	Acks     chan *Frame

	maxBackoff time.Duration
}

// Live opens an agent live feed. Messages pushed to this agent arrive on
// the Messages channel; acks for sends submitted over the socket arrive on
// Acks. Canceling ctx stops the feed and closes both channels.
func (c *Client) Live(ctx context.Context) *LiveFeed {
	return c.live(ctx, "agent", nil)
}

// Watch opens a read-only UI feed. filterChannel or filterAgent may be
// empty to watch all traffic.
func (c *Client) Watch(ctx context.Context, filterChannel, filterAgent string) *LiveFeed {
	q := url.Values{}
	if filterChannel != "" {
		q.Set("channel", filterChannel)
	}
	if filterAgent != "" {
		q.Set("agent", filterAgent)
	}
	return c.live(ctx, "ui", q)
}

func (c *Client) live(ctx context.Context, role string, filter url.Values) *LiveFeed {
	feed := &LiveFeed{
		client:     c,
		role:       role,
		filter:     filter,
		Messages:   make(chan *Message, 64),
		Acks:       make(chan *Frame, 16),
		maxBackoff: 30 * time.Second,
	}
	go feed.run(ctx)
	return feed
}

func (f *LiveFeed) wsURL() string {
	base := strings.Replace(f.client.BaseURL, "http", "ws", 1)

	q := url.Values{}
	q.Set("id", f.client.AgentID)
	q.Set("role", f.role)
	for key, vals := range f.filter {
		for _, v := range vals {
			q.Add(key, v)
		}
	}
	return base + "/ws?" + q.Encode()
}

// run dials, pumps, and redials until ctx is canceled.
func (f *LiveFeed) run(ctx context.Context) {
	defer close(f.Messages)
	defer close(f.Acks)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL(), nil)
		if err != nil {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > f.maxBackoff {
				backoff = f.maxBackoff
			}
			continue
		}

		backoff = time.Second
		f.pump(ctx, conn)
		conn.Close()
	}
}

// pump reads frames until the connection drops. The gorilla default ping
// handler answers the hub's heartbeat pings automatically.
func (f *LiveFeed) pump(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "message":
			if frame.Message != nil {
				select {
				case f.Messages <- frame.Message:
				default: // slow consumer, drop the live frame; history has it
				}
			}
		case "ack", "error":
			fr := frame
			select {
			case f.Acks <- &fr:
			default:
			}
		}
	}
}
