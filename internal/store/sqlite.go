package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/agenthub-protocol/agenthub/internal/models"
)

// SQLiteStore is the default single-node message store.
type SQLiteStore struct {
	db *sql.DB

	// Guards the monotonic ULID source. All ids come from here, so message
	// order per destination follows append order.
	seqMu   sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/agenthub.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/agenthub.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{
		db:      db,
		entropy: ulid.Monotonic(ulid.DefaultEntropy(), 0),
		now:     time.Now,
	}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist and verifies that every
// identity column uses the single TEXT representation.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		name TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS channel_members (
		channel_name TEXT NOT NULL REFERENCES channels(name),
		agent_id TEXT NOT NULL,
		PRIMARY KEY (channel_name, agent_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		channel_name TEXT,
		recipient_id TEXT,
		content TEXT NOT NULL,
		format TEXT NOT NULL DEFAULT 'text',
		delivery_state TEXT NOT NULL DEFAULT 'queued',
		created_at INTEGER NOT NULL,
		CHECK ((channel_name IS NULL) <> (recipient_id IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_name, id);
	CREATE INDEX IF NOT EXISTS idx_messages_direct ON messages(recipient_id, sender_id, id);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	return s.verifyIdentityColumns(ctx)
}

// verifyIdentityColumns rejects a schema in which any identity column has
// drifted away from TEXT. Mixing representations (a string-keyed table
// joined against a differently-keyed one) fails here, not at the first join.
func (s *SQLiteStore) verifyIdentityColumns(ctx context.Context) error {
	for _, ic := range identityColumns {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, ic.Table))
		if err != nil {
			return err
		}

		found := false
		for rows.Next() {
			var (
				cid        int
				name, typ  string
				notNull    int
				dflt       sql.NullString
				primaryKey int
			)
			if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
				rows.Close()
				return err
			}
			if name != ic.Column {
				continue
			}
			found = true
			if !strings.EqualFold(typ, "TEXT") {
				rows.Close()
				return fmt.Errorf("identity column %s.%s has type %s, want TEXT", ic.Table, ic.Column, typ)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("identity column %s.%s missing from schema", ic.Table, ic.Column)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// nextID returns a fresh ULID and the timestamp it encodes. The monotonic
// entropy source makes ids strictly increasing even within one millisecond.
func (s *SQLiteStore) nextID() (string, time.Time) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	now := s.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy)
	return id.String(), now
}

// Append persists a message, assigning its id and created_at. Channels are
// created implicitly on first reference.
func (s *SQLiteStore) Append(ctx context.Context, msg *models.Message) (*models.Message, error) {
	id, now := s.nextID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var channelName, recipientID *string
	if msg.Destination.IsChannel() {
		name := msg.Destination.Channel
		channelName = &name

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels (name, created_at, last_active_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO NOTHING
		`, name, now.UnixMilli(), now.UnixMilli()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE channels SET message_count = message_count + 1, last_active_at = ? WHERE name = ?
		`, now.UnixMilli(), name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	} else {
		target := msg.Destination.Agent
		recipientID = &target
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, channel_name, recipient_id, content, format, delivery_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, msg.SenderID, channelName, recipientID, msg.Content, string(msg.Format), string(models.DeliveryQueued), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	out := *msg
	out.ID = id
	out.CreatedAt = now
	out.DeliveryState = models.DeliveryQueued
	return &out, nil
}

// UpdateDeliveryState records the routing outcome for an appended message.
func (s *SQLiteStore) UpdateDeliveryState(ctx context.Context, id string, state models.DeliveryState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivery_state = ? WHERE id = ?
	`, string(state), id)
	return err
}

const messageColumns = `id, sender_id, channel_name, recipient_id, content, format, delivery_state, created_at`

func scanMessage(rows *sql.Rows) (models.Message, error) {
	var (
		msg                    models.Message
		channelName, recipient sql.NullString
		format, state          string
		createdMs              int64
	)
	err := rows.Scan(&msg.ID, &msg.SenderID, &channelName, &recipient, &msg.Content, &format, &state, &createdMs)
	if err != nil {
		return msg, err
	}
	if channelName.Valid {
		msg.Destination.Channel = channelName.String
	}
	if recipient.Valid {
		msg.Destination.Agent = recipient.String
	}
	msg.Format = models.Format(format)
	msg.DeliveryState = models.DeliveryState(state)
	msg.CreatedAt = time.UnixMilli(createdMs).UTC()
	return msg, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ChannelHistory returns a channel's messages in ascending (created_at, id)
// order, restartable via the since cursor (exclusive message id).
func (s *SQLiteStore) ChannelHistory(ctx context.Context, channel, since string, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_name = ? AND id > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, channel, since, limit)
}

// DirectHistory returns the DM history between two agents, in either
// direction, in ascending (created_at, id) order.
func (s *SQLiteStore) DirectHistory(ctx context.Context, agentA, agentB, since string, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
		  AND id > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, agentA, agentB, agentB, agentA, since, limit)
}

// Find searches channel message content, newest first. An empty channel
// searches all channels; direct messages are never searched.
func (s *SQLiteStore) Find(ctx context.Context, query, channel string, limit int) ([]models.Message, error) {
	pattern := "%" + strings.ReplaceAll(strings.ReplaceAll(query, "%", `\%`), "_", `\_`) + "%"
	if channel != "" {
		return s.queryMessages(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE channel_name = ? AND content LIKE ? ESCAPE '\'
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, channel, pattern, limit)
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_name IS NOT NULL AND content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, pattern, limit)
}

// UpsertChannel provisions a channel, merging membership. Concurrent calls
// never regress membership: members are only ever added here.
func (s *SQLiteStore) UpsertChannel(ctx context.Context, name string, members []string) (*models.Channel, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channels (name, created_at, last_active_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	for _, member := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_members (channel_name, agent_id) VALUES (?, ?)
			ON CONFLICT(channel_name, agent_id) DO NOTHING
		`, name, member); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return s.GetChannel(ctx, name)
}

// GetChannel retrieves a channel and its membership by name.
func (s *SQLiteStore) GetChannel(ctx context.Context, name string) (*models.Channel, error) {
	ch := &models.Channel{}
	var createdMs, activeMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT name, created_at, last_active_at, message_count
		FROM channels WHERE name = ?
	`, name).Scan(&ch.Name, &createdMs, &activeMs, &ch.MessageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ch.CreatedAt = time.UnixMilli(createdMs).UTC()
	ch.LastActiveAt = time.UnixMilli(activeMs).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM channel_members WHERE channel_name = ? ORDER BY agent_id
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
func (s *SQLiteStore) ListChannels(ctx context.Context, limit, offset int) ([]models.Channel, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, created_at, last_active_at, message_count
		FROM channels
		ORDER BY last_active_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var ch models.Channel
		var createdMs, activeMs int64
		if err := rows.Scan(&ch.Name, &createdMs, &activeMs, &ch.MessageCount); err != nil {
			return nil, 0, err
		}
		ch.CreatedAt = time.UnixMilli(createdMs).UTC()
		ch.LastActiveAt = time.UnixMilli(activeMs).UTC()
		channels = append(channels, ch)
	}
	return channels, total, rows.Err()
}

// CountMessages returns the total number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CountChannels returns the total number of channels.
func (s *SQLiteStore) CountChannels(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&count)
	return count, err
}

// LastActivity returns the most recent channel activity timestamp.
func (s *SQLiteStore) LastActivity(ctx context.Context) (*time.Time, error) {
	var activeMs sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(last_active_at) FROM channels`).Scan(&activeMs)
	if err != nil {
		return nil, err
	}
	if !activeMs.Valid {
		return nil, nil
	}
	t := time.UnixMilli(activeMs.Int64).UTC()
	return &t, nil
}
