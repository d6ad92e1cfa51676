package outreach

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action kinds the model may answer with.
const (
	ActionReply = "reply"
	ActionPause = "pause"
	ActionAck   = "ack"
)

// Ack kinds.
const (
	AckSeen     = "seen"
	AckThumbsUp = "thumbs_up"
)

// ErrInvalidAction marks model output that doesn't classify as any action.
// The engine treats it exactly like an explicit pause.
var ErrInvalidAction = errors.New("invalid action")

// Action is the classified outcome of one model call.
//
// Wire form (strict JSON, one object):
//
//	{"action":"reply","text":"...","media":"include"|"none"}
//	{"action":"ack","kind":"seen"|"thumbs_up"}
//	{"action":"pause"}
type Action struct {
	Kind string

	// Reply fields.
	Text         string
	IncludeMedia bool

	// Ack field.
	Ack string
}

// actionWire mirrors the JSON the model emits. Text and Media are pointers
// so a reply that explicitly set "text":"" is distinguishable from one that
// omitted the field entirely: the former is a deliberate no-op, the latter
// (with media also missing) is malformed and forces a pause.
type actionWire struct {
	Action string  `json:"action"`
	Text   *string `json:"text"`
	Media  *string `json:"media"`
	Kind   *string `json:"kind"`
}

// ParseAction classifies raw model output into an Action. Models wrap JSON
// in code fences or prose often enough that the parser extracts the first
// top-level object before unmarshaling.
func ParseAction(raw string) (*Action, error) {
	payload := extractJSONObject(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON object in %q", ErrInvalidAction, truncate(raw, 120))
	}

	var wire actionWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	switch wire.Action {
	case ActionReply:
		if wire.Text == nil && wire.Media == nil {
			return nil, fmt.Errorf("%w: reply carries neither text nor media", ErrInvalidAction)
		}
		include := false
		if wire.Media != nil {
			switch *wire.Media {
			case "include":
				include = true
			case "none":
			default:
				return nil, fmt.Errorf("%w: media %q", ErrInvalidAction, *wire.Media)
			}
		}
		text := ""
		if wire.Text != nil {
			text = *wire.Text
		}
		return &Action{Kind: ActionReply, Text: text, IncludeMedia: include}, nil

	case ActionAck:
		if wire.Kind == nil {
			return nil, fmt.Errorf("%w: ack without kind", ErrInvalidAction)
		}
		switch *wire.Kind {
		case AckSeen, AckThumbsUp:
			return &Action{Kind: ActionAck, Ack: *wire.Kind}, nil
		}
		return nil, fmt.Errorf("%w: ack kind %q", ErrInvalidAction, *wire.Kind)

	case ActionPause:
		return &Action{Kind: ActionPause}, nil
	}

	return nil, fmt.Errorf("%w: action %q", ErrInvalidAction, wire.Action)
}

// extractJSONObject returns the first balanced top-level {...} in s, or "".
// Handles code fences and surrounding prose; respects strings and escapes so
// braces inside reply text don't truncate the object.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// truncate shortens a string for log and error output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
