package db

import (
	"fmt"
	"time"
)

// Timestamps are stored as RFC 3339 text so both drivers share one schema.
const chatSchema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL DEFAULT 'offline',
    last_seen  TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id         TEXT PRIMARY KEY,
    room_id    TEXT NOT NULL,
    sender_id  TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);

CREATE TABLE IF NOT EXISTS chat_groups (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_group_members (
    group_id  TEXT NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
    user_id   TEXT NOT NULL,
    joined_at TEXT NOT NULL,
    PRIMARY KEY (group_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_chat_group_members_user ON chat_group_members(user_id);
`

// Migration is one versioned schema step.
type Migration struct {
	Version   string // Timestamp version (YYYYMMDDHHmmss)
	Name      string
	SQL       string
	AppliedAt time.Time // zero if pending
}

// migrations are applied in order; append, never edit.
var migrations = []Migration{
	{Version: "20240101000000", Name: "chat_schema", SQL: chatSchema},
	{Version: "20240115000000", Name: "messages_sender_index", SQL: `CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);`},
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS _schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TEXT NOT NULL
);
`

// RunMigrations applies every pending migration, each in its own
// transaction. It is idempotent.
func (db *DB) RunMigrations() error {
	if _, err := db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := db.AppliedMigrations()
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}

	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		if err := db.apply(m); err != nil {
			return fmt.Errorf("failed to apply migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (db *DB) apply(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(db.Rebind(`INSERT INTO _schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

// AppliedMigrations returns the applied migrations, ordered by version.
func (db *DB) AppliedMigrations() ([]Migration, error) {
	rows, err := db.Query(`SELECT version, name, applied_at FROM _schema_migrations ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var (
			m         Migration
			appliedAt string
		)
		if err := rows.Scan(&m.Version, &m.Name, &appliedAt); err != nil {
			return nil, err
		}
		m.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
