package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent CREATE TABLE / CREATE INDEX statements.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			kind VARCHAR(10) NOT NULL,
			name VARCHAR(100),
			created_by TEXT NOT NULL,
			direct_key TEXT UNIQUE,
			last_message_id TEXT,
			last_message_seq INTEGER NOT NULL DEFAULT 0,
			last_activity_at DATETIME NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT 0,
			muted BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role VARCHAR(10) NOT NULL,
			joined_at DATETIME NOT NULL,
			left_at DATETIME DEFAULT NULL,
			last_read_message_id TEXT DEFAULT NULL,
			last_read_seq INTEGER NOT NULL DEFAULT 0,
			last_read_at DATETIME DEFAULT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			sender_id TEXT NOT NULL,
			type VARCHAR(20) NOT NULL,
			content TEXT NOT NULL,
			reply_to_id TEXT DEFAULT NULL,
			forwarded_from_id TEXT DEFAULT NULL,
			created_at DATETIME NOT NULL,
			edited_at DATETIME DEFAULT NULL,
			deleted_at DATETIME DEFAULT NULL,
			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			message_id TEXT PRIMARY KEY,
			file_url TEXT NOT NULL,
			file_type TEXT NOT NULL,
			file_size INTEGER NOT NULL DEFAULT 0,
			thumbnail_url TEXT DEFAULT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			delivered_at DATETIME NOT NULL,
			read_at DATETIME DEFAULT NULL,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS call_sessions (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			initiator_id TEXT NOT NULL,
			call_type VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at DATETIME NOT NULL,
			start_time DATETIME DEFAULT NULL,
			end_time DATETIME DEFAULT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS call_participants (
			call_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status VARCHAR(20) NOT NULL,
			reason VARCHAR(20) NOT NULL DEFAULT '',
			responded_at DATETIME DEFAULT NULL,
			PRIMARY KEY (call_id, user_id),
			FOREIGN KEY (call_id) REFERENCES call_sessions(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_conv_status ON call_sessions(conversation_id, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	code := sqlErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
