package outreach

import (
	"fmt"
	"strings"
)

// GenerateRequest carries everything the model needs to answer one batch.
type GenerateRequest struct {
	// Context is the property information the bot may draw on. The prompt
	// forbids inventing anything beyond it.
	Context string
	// Message is the newline-joined batch of new messages from the contact.
	Message string
	// Transcript is the rendered me/them history.
	Transcript string
	// Contact is the person on the other end.
	Contact *Contact
}

// buildSystemPrompt assembles the responder's standing instructions:
// persona, grounding rules, the action protocol, and the property context.
func buildSystemPrompt(req GenerateRequest) string {
	agent := "the sales agent"
	name := "the customer"
	notes := ""
	if req.Contact != nil {
		if req.Contact.AgentName != "" {
			agent = req.Contact.AgentName
		}
		if req.Contact.Name != "" {
			name = req.Contact.Name
		}
		notes = strings.TrimSpace(req.Contact.Notes)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a real-estate sales assistant chatting with %s on WhatsApp.\n\n", agent, name)

	b.WriteString(`Rules:
- Answer questions using ONLY the PROPERTY INFORMATION below. Never invent details, prices, measurements, or availability that are not written there.
- If the information needed is not in the PROPERTY INFORMATION, say you will check and get back to them.
- Keep replies short and conversational, the way people write on WhatsApp. No greetings on every message.
- Write in the same language the customer writes in.
- If the customer asks for photos, files, or documents of the property, reply with "media" set to "include".
- If the customer is clearly not interested, asks you to stop, gets upset, or asks for a human, choose "pause".
- If the latest messages need no answer (a bare thanks, an emoji, an "ok"), choose "ack": "thumbs_up" for something worth a small reaction, "seen" otherwise.

Respond with exactly one JSON object and nothing else:
  {"action":"reply","text":"<your message>","media":"include"|"none"}
  {"action":"ack","kind":"seen"|"thumbs_up"}
  {"action":"pause"}
`)

	if notes != "" {
		fmt.Fprintf(&b, "\nNotes about this customer:\n%s\n", notes)
	}

	b.WriteString("\nPROPERTY INFORMATION:\n")
	ctx := strings.TrimSpace(req.Context)
	if ctx == "" {
		ctx = "(none provided)"
	}
	b.WriteString(ctx)
	b.WriteString("\n")

	return b.String()
}

// buildUserPrompt assembles the per-call content: the transcript so far and
// the fresh batch.
func buildUserPrompt(req GenerateRequest) string {
	var b strings.Builder
	if req.Transcript != "" {
		b.WriteString("Conversation so far (me = you, them = the customer):\n")
		b.WriteString(req.Transcript)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages from the customer:\n")
	b.WriteString(req.Message)
	return b.String()
}
