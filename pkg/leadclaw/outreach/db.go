// Package outreach implements the LeadClaw sales engine: the contact book,
// the per-chat conversation log, and the message-coalescing auto-responder
// that batches rapid-fire WhatsApp messages into single model calls.
package outreach

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDB opens (creating if needed) the leadclaw SQLite database and runs
// schema migration. The same file also hosts the whatsmeow session tables
// when the channel is configured with a shared database path.
func OpenDB(path string, logger *slog.Logger) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	if logger != nil {
		logger.Debug("database ready", "path", path)
	}
	return db, nil
}

// migrate creates the leadclaw tables if they don't exist.
func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			conversation_started TEXT NOT NULL DEFAULT 'pending',
			chat_jid TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts(phone)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_status ON contacts(conversation_started)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			body TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	// chat_jid was added after the first release; older databases need it
	// bolted on. The error means the column already exists.
	_, _ = db.Exec(`ALTER TABLE contacts ADD COLUMN chat_jid TEXT NOT NULL DEFAULT ''`)

	return nil
}
