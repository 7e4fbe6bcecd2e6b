package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/agenthub-protocol/agenthub/internal/models"
)

// PostgresStore is the production message store.
type PostgresStore struct {
	pool *pgxpool.Pool

	seqMu   sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
// Run RunMigrations first; this only connects and pings.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{
		pool:    pool,
		entropy: ulid.Monotonic(ulid.DefaultEntropy(), 0),
		now:     time.Now,
	}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) nextID() (string, time.Time) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	now := s.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy)
	return id.String(), now
}

// Append persists a message, assigning its id and created_at.
func (s *PostgresStore) Append(ctx context.Context, msg *models.Message) (*models.Message, error) {
	id, now := s.nextID()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var channelName, recipientID *string
	if msg.Destination.IsChannel() {
		name := msg.Destination.Channel
		channelName = &name

		if _, err := tx.Exec(ctx, `
			INSERT INTO channels (name, created_at, last_active_at) VALUES ($1, $2, $2)
			ON CONFLICT (name) DO NOTHING
		`, name, now); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE channels SET message_count = message_count + 1, last_active_at = $1 WHERE name = $2
		`, now, name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	} else {
		target := msg.Destination.Agent
		recipientID = &target
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, sender_id, channel_name, recipient_id, content, format, delivery_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, msg.SenderID, channelName, recipientID, msg.Content, string(msg.Format), string(models.DeliveryQueued), now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	out := *msg
	out.ID = id
	out.CreatedAt = now
	out.DeliveryState = models.DeliveryQueued
	return &out, nil
}

// UpdateDeliveryState records the routing outcome for an appended message.
func (s *PostgresStore) UpdateDeliveryState(ctx context.Context, id string, state models.DeliveryState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET delivery_state = $1 WHERE id = $2
	`, string(state), id)
	return err
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg                    models.Message
			channelName, recipient *string
			format, state          string
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &channelName, &recipient, &msg.Content, &format, &state, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if channelName != nil {
			msg.Destination.Channel = *channelName
		}
		if recipient != nil {
			msg.Destination.Agent = *recipient
		}
		msg.Format = models.Format(format)
		msg.DeliveryState = models.DeliveryState(state)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ChannelHistory returns a channel's messages in ascending (created_at, id)
// order, restartable via the since cursor (exclusive message id).
func (s *PostgresStore) ChannelHistory(ctx context.Context, channel, since string, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_name = $1 AND id > $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, channel, since, limit)
}

// DirectHistory returns the DM history between two agents, in either
// direction, in ascending (created_at, id) order.
func (s *PostgresStore) DirectHistory(ctx context.Context, agentA, agentB, since string, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
		  AND id > $3
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, agentA, agentB, since, limit)
}

// Find searches channel message content, newest first.
func (s *PostgresStore) Find(ctx context.Context, query, channel string, limit int) ([]models.Message, error) {
	pattern := "%" + strings.ReplaceAll(strings.ReplaceAll(query, "%", `\%`), "_", `\_`) + "%"
	if channel != "" {
		return s.queryMessages(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE channel_name = $1 AND content ILIKE $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`, channel, pattern, limit)
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_name IS NOT NULL AND content ILIKE $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, pattern, limit)
}

// UpsertChannel provisions a channel, merging membership.
func (s *PostgresStore) UpsertChannel(ctx context.Context, name string, members []string) (*models.Channel, error) {
	now := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO channels (name, created_at, last_active_at) VALUES ($1, $2, $2)
		ON CONFLICT (name) DO NOTHING
	`, name, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	for _, member := range members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO channel_members (channel_name, agent_id) VALUES ($1, $2)
			ON CONFLICT (channel_name, agent_id) DO NOTHING
		`, name, member); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return s.GetChannel(ctx, name)
}

// GetChannel retrieves a channel and its membership by name.
func (s *PostgresStore) GetChannel(ctx context.Context, name string) (*models.Channel, error) {
	ch := &models.Channel{}
	err := s.pool.QueryRow(ctx, `
		SELECT name, created_at, last_active_at, message_count
		FROM channels WHERE name = $1
	`, name).Scan(&ch.Name, &ch.CreatedAt, &ch.LastActiveAt, &ch.MessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT agent_id FROM channel_members WHERE channel_name = $1 ORDER BY agent_id
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		ch.Members = append(ch.Members, member)
	}
	return ch, rows.Err()
}

// ListChannels retrieves channels with pagination, most recently active first.
func (s *PostgresStore) ListChannels(ctx context.Context, limit, offset int) ([]models.Channel, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM channels`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT name, created_at, last_active_at, message_count
		FROM channels
		ORDER BY last_active_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.Name, &ch.CreatedAt, &ch.LastActiveAt, &ch.MessageCount); err != nil {
			return nil, 0, err
		}
		channels = append(channels, ch)
	}
	return channels, total, rows.Err()
}

// CountMessages returns the total number of stored messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CountChannels returns the total number of channels.
func (s *PostgresStore) CountChannels(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM channels`).Scan(&count)
	return count, err
}

// LastActivity returns the most recent channel activity timestamp.
func (s *PostgresStore) LastActivity(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(last_active_at) FROM channels`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}
