package outreach

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
)

var (
	// ErrContactActive means the conversation is already open; initiating it
	// again would send a duplicate greeting.
	ErrContactActive = errors.New("conversation already active")

	// ErrContactUnregistered means the number has no account on the channel.
	// The contact is marked unregistered as a side effect.
	ErrContactUnregistered = errors.New("number is not registered on the channel")
)

// Initiate opens a conversation: verify the number is registered on the
// channel, send the greeting, and mark the contact active. Allowed from any
// status except active, so paused and unregistered contacts can be retried.
func (e *Engine) Initiate(ctx context.Context, contactID int64) (*Contact, error) {
	contact, err := e.contacts.Get(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrContactActive, contact.Name)
	}

	logger := e.logger.With("contact_id", contact.ID, "phone", contact.Phone)

	// ── Step 1: Confirm the number exists on the platform ──
	// Greeting an unregistered number would fail silently server-side;
	// catching it here surfaces a bad lead immediately.
	if reg, ok := e.channel.(channels.RegistrationChannel); ok {
		registered, err := reg.IsRegistered(ctx, contact.Phone)
		if err != nil {
			return nil, fmt.Errorf("checking registration for %s: %w", contact.Phone, err)
		}
		if !registered {
			if err := e.contacts.SetStatus(ctx, contact.ID, StatusUnregistered); err != nil {
				logger.Error("failed to mark contact unregistered", "error", err)
			}
			e.alert(ctx, fmt.Sprintf("❌ %s (%s) is not on WhatsApp", contact.Name, contact.Phone))
			return nil, fmt.Errorf("%w: %s", ErrContactUnregistered, contact.Phone)
		}
	}

	// ── Step 2: Send the greeting ──
	greeting := renderGreeting(e.rcfg.Greeting, contact)
	chatID := contact.ChatID()
	if err := e.channel.Send(ctx, chatID, &channels.OutgoingMessage{Content: greeting}); err != nil {
		return nil, fmt.Errorf("sending greeting to %s: %w", contact.Phone, err)
	}
	if _, err := e.log.RecordOutgoing(ctx, chatID, greeting, ""); err != nil {
		logger.Warn("failed to record greeting", "error", err)
	}

	// ── Step 3: Open the conversation ──
	if err := e.contacts.SetStatus(ctx, contact.ID, StatusActive); err != nil {
		return nil, fmt.Errorf("marking %s active: %w", contact.Name, err)
	}
	contact.Status = StatusActive

	logger.Info("conversation initiated", "greeting_preview", truncate(greeting, 50))
	return contact, nil
}

// renderGreeting fills the {name} and {agent} placeholders.
func renderGreeting(template string, c *Contact) string {
	agent := c.AgentName
	if agent == "" {
		agent = "the sales team"
	}
	return strings.NewReplacer("{name}", c.Name, "{agent}", agent).Replace(template)
}

// InitiateResult is one contact's outcome from a batch outreach run.
type InitiateResult struct {
	Contact *Contact
	Err     error
}

// InitiatePending initiates up to limit pending contacts, oldest first. One
// contact failing doesn't stop the batch; every outcome is reported.
func (e *Engine) InitiatePending(ctx context.Context, limit int) ([]InitiateResult, error) {
	pending, err := e.contacts.ListByStatus(ctx, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending contacts: %w", err)
	}

	results := make([]InitiateResult, 0, len(pending))
	for _, c := range pending {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		updated, err := e.Initiate(ctx, c.ID)
		if err != nil {
			e.logger.Warn("initiate failed",
				"contact_id", c.ID, "name", c.Name, "error", err)
			results = append(results, InitiateResult{Contact: c, Err: err})
			continue
		}
		results = append(results, InitiateResult{Contact: updated})
	}
	return results, nil
}
