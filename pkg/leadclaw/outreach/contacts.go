package outreach

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Conversation statuses. Stored in the contacts.conversation_started column.
const (
	StatusPending      = "pending"
	StatusActive       = "active"
	StatusPaused       = "paused"
	StatusUnregistered = "unregistered"

	// statusLegacyStarted is an old synonym for active still found in
	// databases imported from earlier versions. Normalized to active on read.
	statusLegacyStarted = "started"
)

var (
	ErrContactNotFound  = errors.New("contact not found")
	ErrContactNotActive = errors.New("contact is not active")
	ErrInvalidStatus    = errors.New("invalid contact status")
)

// Contact is one row of the contact book.
type Contact struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AgentName string `json:"agent_name"`
	Phone     string `json:"phone"`
	Notes     string `json:"notes"`
	Status    string `json:"status"`
	// ChatJID is the transport-canonical chat id, learned from inbound
	// traffic. May differ from Phone when the stored number lacks the
	// country code.
	ChatJID   string    `json:"chat_jid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatID returns the address outbound messages should go to.
func (c *Contact) ChatID() string {
	if c.ChatJID != "" {
		return c.ChatJID
	}
	return c.Phone
}

// IsActive reports whether the auto-responder should answer this contact.
func (c *Contact) IsActive() bool {
	return c.Status == StatusActive
}

// ValidStatus reports whether s is a settable conversation status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusUnregistered:
		return true
	}
	return false
}

// normalizePhone strips everything but digits.
func normalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// suffixMatch reports whether two normalized numbers share the same last 9
// digits. Covers country-code prefix variance: an inbound 94771234567
// matches a stored 0771234567.
func suffixMatch(a, b string) bool {
	if len(a) < 9 || len(b) < 9 {
		return false
	}
	return a[len(a)-9:] == b[len(b)-9:]
}

// ContactStore provides access to the contacts table.
type ContactStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewContactStore creates a contact store over an open database.
func NewContactStore(db *sql.DB, logger *slog.Logger) *ContactStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactStore{
		db:     db,
		logger: logger.With("component", "contacts"),
	}
}

const contactColumns = `id, name, agent_name, phone, notes, conversation_started, chat_jid, created_at, updated_at`

// scanContact reads one contact row. Legacy "started" is normalized to
// active so the rest of the code only ever sees the four canonical values.
func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.AgentName, &c.Phone, &c.Notes,
		&c.Status, &c.ChatJID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if c.Status == statusLegacyStarted {
		c.Status = StatusActive
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

// Create inserts a new contact. The phone is normalized to digits; the
// status defaults to pending when unset. c.ID is set on success.
func (s *ContactStore) Create(ctx context.Context, c *Contact) error {
	c.Phone = normalizePhone(c.Phone)
	if c.Phone == "" {
		return fmt.Errorf("contact phone is required")
	}
	if c.Name == "" {
		return fmt.Errorf("contact name is required")
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	if !ValidStatus(c.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (name, agent_name, phone, notes, conversation_started, chat_jid, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.AgentName, c.Phone, c.Notes, c.Status, c.ChatJID,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}

	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading insert id: %w", err)
	}

	s.logger.Info("contact created", "id", c.ID, "name", c.Name, "phone", c.Phone)
	return nil
}

// Get loads a contact by id.
func (s *ContactStore) Get(ctx context.Context, id int64) (*Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading contact %d: %w", id, err)
	}
	return c, nil
}

// Update rewrites a contact's editable fields (name, agent, phone, notes,
// status).
func (s *ContactStore) Update(ctx context.Context, c *Contact) error {
	c.Phone = normalizePhone(c.Phone)
	if !ValidStatus(c.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, agent_name = ?, phone = ?, notes = ?,
		 conversation_started = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.AgentName, c.Phone, c.Notes, c.Status,
		time.Now().UTC().Format(time.RFC3339), c.ID)
	if err != nil {
		return fmt.Errorf("updating contact %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrContactNotFound
	}
	return nil
}

// Delete removes a contact.
func (s *ContactStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting contact %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrContactNotFound
	}
	s.logger.Info("contact deleted", "id", id)
	return nil
}

// List returns all contacts, newest first.
func (s *ContactStore) List(ctx context.Context) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ListByStatus returns up to limit contacts with the given status, oldest
// first (FIFO for outreach batches). limit <= 0 means no limit.
func (s *ContactStore) ListByStatus(ctx context.Context, status string, limit int) ([]*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE conversation_started = ? ORDER BY id`
	args := []any{status}
	if status == StatusActive {
		// Include the legacy synonym.
		query = `SELECT ` + contactColumns + ` FROM contacts
			 WHERE conversation_started IN (?, ?) ORDER BY id`
		args = []any{StatusActive, statusLegacyStarted}
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s contacts: %w", status, err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// FindByNumber resolves an inbound sender to a contact. Exact normalized
// match wins; otherwise the last 9 digits decide.
// Returns ErrContactNotFound when nothing matches.
func (s *ContactStore) FindByNumber(ctx context.Context, number string) (*Contact, error) {
	digits := normalizePhone(number)
	if digits == "" {
		return nil, ErrContactNotFound
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE phone = ?`, digits)
	c, err := scanContact(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("looking up contact by number: %w", err)
	}

	// Suffix fallback. The contact book is small, so a full scan is fine.
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, candidate := range all {
		if suffixMatch(digits, candidate.Phone) {
			return candidate, nil
		}
	}
	return nil, ErrContactNotFound
}

// SetStatus updates only the conversation status.
func (s *ContactStore) SetStatus(ctx context.Context, id int64, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET conversation_started = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("setting contact %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrContactNotFound
	}

	s.logger.Info("contact status changed", "id", id, "status", status)
	return nil
}

// SetChatJID records the transport-canonical chat id learned from inbound
// traffic.
func (s *ContactStore) SetChatJID(ctx context.Context, id int64, chatJID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET chat_jid = ? WHERE id = ?`, chatJID, id)
	if err != nil {
		return fmt.Errorf("setting contact %d chat jid: %w", id, err)
	}
	return nil
}
