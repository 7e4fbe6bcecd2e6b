package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// pgSchema is the authoritative PostgreSQL schema. Every identity column is
// TEXT; see identityColumns for the guard that keeps it that way.
const pgSchema = `
CREATE TABLE IF NOT EXISTS channels (
	name TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	last_active_at TIMESTAMPTZ NOT NULL,
	message_count BIGINT NOT NULL DEFAULT 0
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
	created_at TIMESTAMPTZ NOT NULL,
	CHECK ((channel_name IS NULL) <> (recipient_id IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (channel_name, id);
CREATE INDEX IF NOT EXISTS idx_messages_direct ON messages (recipient_id, sender_id, id);
`

// RunMigrations applies the schema and then verifies the identity columns.
// A schema in which any identity column has a second representation (the
// historical failure mode: a varchar-keyed table referencing a uuid-keyed
// one) is rejected here, at apply time, rather than surfacing as a type
// mismatch on the first cross-table join.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	for _, ic := range identityColumns {
		var dataType string
		err := conn.QueryRow(ctx, `
			SELECT data_type FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		`, ic.Table, ic.Column).Scan(&dataType)
		if err != nil {
			return fmt.Errorf("identity column %s.%s missing from schema: %w", ic.Table, ic.Column, err)
		}
		if !strings.EqualFold(dataType, "text") {
			return fmt.Errorf("identity column %s.%s has type %s, want text", ic.Table, ic.Column, dataType)
		}
	}

	return nil
}
