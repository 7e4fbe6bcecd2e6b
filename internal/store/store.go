package store

import (
	"context"
	"errors"
	"time"

	"github.com/agenthub-protocol/agenthub/internal/models"
)

// ErrStorageUnavailable indicates the underlying medium cannot accept the
// operation. It always propagates to the original caller; the hub never
// silently drops a message on storage failure.
var ErrStorageUnavailable = errors.New("storage unavailable")

// MessageStore is the durable log of messages plus channel metadata.
// Both SQLiteStore and PostgresStore implement this interface.
//
// Sequencing: Append assigns id and created_at from a single monotonic
// source inside the store, so two appends to the same destination are
// serialized by the store, never by caller-side locking.
type MessageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message operations
	Append(ctx context.Context, msg *models.Message) (*models.Message, error)
	UpdateDeliveryState(ctx context.Context, id string, state models.DeliveryState) error
	ChannelHistory(ctx context.Context, channel, since string, limit int) ([]models.Message, error)
	DirectHistory(ctx context.Context, agentA, agentB, since string, limit int) ([]models.Message, error)
	Find(ctx context.Context, query, channel string, limit int) ([]models.Message, error)

	// Channel operations
	UpsertChannel(ctx context.Context, name string, members []string) (*models.Channel, error)
	GetChannel(ctx context.Context, name string) (*models.Channel, error)
	ListChannels(ctx context.Context, limit, offset int) ([]models.Channel, int, error)

	// Aggregates for the stats endpoint
	CountMessages(ctx context.Context) (int64, error)
	CountChannels(ctx context.Context) (int64, error)
	LastActivity(ctx context.Context) (*time.Time, error)
}

// identityColumns lists every (table, column) holding an agent or channel
// identifier. All of them must share one representation (TEXT). Migrations
// are rejected at apply time if any drifts to another type; a second
// identity representation is only ever discovered at the first cross-table
// join otherwise.
var identityColumns = []struct {
	Table  string
	Column string
}{
	{"messages", "sender_id"},
	{"messages", "channel_name"},
	{"messages", "recipient_id"},
	{"channels", "name"},
	{"channel_members", "channel_name"},
	{"channel_members", "agent_id"},
}
