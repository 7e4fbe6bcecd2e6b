package models

import "time"

// Format describes the content encoding of a message. It is advisory only;
// the hub never parses message content.
type Format string

const (
	FormatText       Format = "text"
	FormatMarkdown   Format = "markdown"
	FormatStructured Format = "structured"
)

// ValidFormat reports whether f is a known content format.
func ValidFormat(f Format) bool {
	switch f {
	case FormatText, FormatMarkdown, FormatStructured:
		return true
	}
	return false
}

// DeliveryState records the routing outcome for a message.
type DeliveryState string

const (
	// DeliveryQueued is the state between append and the routing decision.
	DeliveryQueued DeliveryState = "queued"
	// DeliveryDelivered means at least one live push succeeded.
	DeliveryDelivered DeliveryState = "delivered"
	// DeliveryStoredOnly means no live recipient was reachable at append time.
	DeliveryStoredOnly DeliveryState = "stored_only"
)

// Destination is a tagged union: a message is addressed either to a named
// channel or directly to one agent. Exactly one field is set.
type Destination struct {
	Channel string `json:"channel,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// IsChannel reports whether the destination is a channel.
func (d Destination) IsChannel() bool {
	return d.Channel != "" && d.Agent == ""
}

// IsDirect reports whether the destination is a single agent.
func (d Destination) IsDirect() bool {
	return d.Agent != "" && d.Channel == ""
}

// Valid reports whether exactly one arm of the union is set.
func (d Destination) Valid() bool {
	return d.IsChannel() || d.IsDirect()
}

// Message is a routed chat message. ID and CreatedAt are assigned by the
// store at append time, never by the client.
type Message struct {
	ID            string        `json:"id"` // ULID
	SenderID      string        `json:"sender_id"`
	Destination   Destination   `json:"destination"`
	Content       string        `json:"content"`
	Format        Format        `json:"format"`
	DeliveryState DeliveryState `json:"delivery_state"`
	CreatedAt     time.Time     `json:"created_at"`
}
