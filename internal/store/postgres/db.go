package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the chat schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		// Conversations
		`CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT         PRIMARY KEY,
			kind             VARCHAR(10)  NOT NULL,
			name             VARCHAR(100),
			created_by       TEXT         NOT NULL,
			direct_key       TEXT         UNIQUE,
			last_message_id  TEXT,
			last_message_seq BIGINT       NOT NULL DEFAULT 0,
			last_activity_at TIMESTAMPTZ  NOT NULL,
			archived         BOOLEAN      NOT NULL DEFAULT FALSE,
			muted            BOOLEAN      NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ  NOT NULL
		)`,

		// Conversation participants
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id      TEXT        NOT NULL REFERENCES conversations(id),
			user_id              TEXT        NOT NULL,
			role                 VARCHAR(10) NOT NULL,
			joined_at            TIMESTAMPTZ NOT NULL,
			left_at              TIMESTAMPTZ,
			last_read_message_id TEXT,
			last_read_seq        BIGINT      NOT NULL DEFAULT 0,
			last_read_at         TIMESTAMPTZ,
			PRIMARY KEY (conversation_id, user_id)
		)`,

		// Messages, ordered by (conversation_id, seq)
		`CREATE TABLE IF NOT EXISTS messages (
			id                TEXT        PRIMARY KEY,
			conversation_id   TEXT        NOT NULL REFERENCES conversations(id),
			seq               BIGINT      NOT NULL,
			sender_id         TEXT        NOT NULL,
			type              VARCHAR(20) NOT NULL,
			content           TEXT        NOT NULL,
			reply_to_id       TEXT,
			forwarded_from_id TEXT,
			created_at        TIMESTAMPTZ NOT NULL,
			edited_at         TIMESTAMPTZ,
			deleted_at        TIMESTAMPTZ,
			UNIQUE (conversation_id, seq)
		)`,

		// File references attached to messages
		`CREATE TABLE IF NOT EXISTS files (
			message_id    TEXT   PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			file_url      TEXT   NOT NULL,
			file_type     TEXT   NOT NULL,
			file_size     BIGINT NOT NULL DEFAULT 0,
			thumbnail_url TEXT
		)`,

		// Delivery / read receipts
		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id   TEXT        NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id      TEXT        NOT NULL,
			delivered_at TIMESTAMPTZ NOT NULL,
			read_at      TIMESTAMPTZ,
			PRIMARY KEY (message_id, user_id)
		)`,

		// Calls
		`CREATE TABLE IF NOT EXISTS call_sessions (
			id               TEXT        PRIMARY KEY,
			conversation_id  TEXT        NOT NULL REFERENCES conversations(id),
			initiator_id     TEXT        NOT NULL,
			call_type        VARCHAR(10) NOT NULL,
			status           VARCHAR(20) NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			start_time       TIMESTAMPTZ,
			end_time         TIMESTAMPTZ,
			duration_seconds BIGINT      NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS call_participants (
			call_id      TEXT        NOT NULL REFERENCES call_sessions(id) ON DELETE CASCADE,
			user_id      TEXT        NOT NULL,
			status       VARCHAR(20) NOT NULL,
			reason       VARCHAR(20) NOT NULL DEFAULT '',
			responded_at TIMESTAMPTZ,
			PRIMARY KEY (call_id, user_id)
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_conv_status ON call_sessions(conversation_id, status)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
