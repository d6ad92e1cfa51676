package outreach

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Message directions in the conversation log.
const (
	DirectionMe   = "me"   // sent by us (bot or the operator's phone)
	DirectionThem = "them" // sent by the contact
)

// Line is one entry of a chat's conversation log.
type Line struct {
	ID        int64
	Direction string
	Body      string
	MessageID string
	At        time.Time
}

// MessageLog is the append-only per-chat conversation log. It records both
// directions as messages flow and serves the bounded history handed to the
// model as a me/them transcript.
type MessageLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMessageLog creates a message log over an open database.
func NewMessageLog(db *sql.DB, logger *slog.Logger) *MessageLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLog{
		db:     db,
		logger: logger.With("component", "messagelog"),
	}
}

func (l *MessageLog) record(ctx context.Context, chatID, direction, body, messageID string) (int64, error) {
	if body == "" {
		return 0, nil
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, direction, body, message_id, ts) VALUES (?, ?, ?, ?, ?)`,
		chatID, direction, body, messageID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("recording %s line: %w", direction, err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// RecordIncoming appends a line the contact sent and returns its log id.
func (l *MessageLog) RecordIncoming(ctx context.Context, chatID, body, messageID string) (int64, error) {
	return l.record(ctx, chatID, DirectionThem, body, messageID)
}

// RecordOutgoing appends a line we sent and returns its log id.
func (l *MessageLog) RecordOutgoing(ctx context.Context, chatID, body, messageID string) (int64, error) {
	return l.record(ctx, chatID, DirectionMe, body, messageID)
}

// Recent returns the last limit lines of a chat in chronological order.
func (l *MessageLog) Recent(ctx context.Context, chatID string, limit int) ([]Line, error) {
	return l.HistoryForBatch(ctx, chatID, 0, limit)
}

// HistoryForBatch returns the transcript lines for answering the batch
// whose oldest line has log id firstLineID: everything older, plus our own
// lines recorded since (replies already sent earlier in the same drain
// cycle). The contact's lines at or past the bound belong to this batch or
// a later one and are left out. A firstLineID of 0 means no bound. Lines
// come back chronological, capped to the newest limit.
func (l *MessageLog) HistoryForBatch(ctx context.Context, chatID string, firstLineID int64, limit int) ([]Line, error) {
	if limit <= 0 {
		limit = 250
	}
	if firstLineID <= 0 {
		firstLineID = int64(1)<<62 - 1
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, direction, body, message_id, ts FROM messages
		 WHERE chat_id = ? AND (id < ? OR direction = 'me')
		 ORDER BY id DESC LIMIT ?`, chatID, firstLineID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	lines, err := scanLines(rows)
	if err != nil {
		return nil, err
	}

	// Query returned newest-first; flip to chronological.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// UnrepliedSince returns the contact's lines that arrived after our most
// recent line, chronological. This is the batch the manual respond-now path
// answers.
func (l *MessageLog) UnrepliedSince(ctx context.Context, chatID string) ([]Line, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, direction, body, message_id, ts FROM messages
		 WHERE chat_id = ? AND direction = 'them'
		   AND id > (SELECT COALESCE(MAX(id), 0) FROM messages WHERE chat_id = ? AND direction = 'me')
		 ORDER BY id`, chatID, chatID)
	if err != nil {
		return nil, fmt.Errorf("loading unreplied lines: %w", err)
	}
	defer rows.Close()

	return scanLines(rows)
}

func scanLines(rows *sql.Rows) ([]Line, error) {
	var lines []Line
	for rows.Next() {
		var line Line
		var ts string
		if err := rows.Scan(&line.ID, &line.Direction, &line.Body, &line.MessageID, &ts); err != nil {
			return nil, err
		}
		line.At, _ = time.Parse(time.RFC3339, ts)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// RenderTranscript formats history lines as the me/them transcript the
// model reads. Media events appear as their bracketed tags.
func RenderTranscript(lines []Line) string {
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line.Direction)
		b.WriteString(": ")
		b.WriteString(line.Body)
	}
	return b.String()
}
