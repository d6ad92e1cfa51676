package outreach

import (
	"errors"
	"testing"
)

func TestParseAction(t *testing.T) {
	t.Run("reply with text and media", func(t *testing.T) {
		a, err := ParseAction(`{"action":"reply","text":"The house has 3 bedrooms.","media":"include"}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if a.Kind != ActionReply {
			t.Errorf("expected reply, got %q", a.Kind)
		}
		if a.Text != "The house has 3 bedrooms." {
			t.Errorf("unexpected text: %q", a.Text)
		}
		if !a.IncludeMedia {
			t.Error("expected media included")
		}
	})

	t.Run("reply without media field defaults to none", func(t *testing.T) {
		a, err := ParseAction(`{"action":"reply","text":"ok"}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if a.IncludeMedia {
			t.Error("expected no media")
		}
	})

	t.Run("reply with empty text and explicit none is a valid no-op", func(t *testing.T) {
		a, err := ParseAction(`{"action":"reply","text":"","media":"none"}`)
		if err != nil {
			t.Fatalf("expected valid no-op reply, got error: %v", err)
		}
		if a.Text != "" || a.IncludeMedia {
			t.Errorf("expected empty no-op, got %+v", a)
		}
	})

	t.Run("reply with neither field is invalid", func(t *testing.T) {
		_, err := ParseAction(`{"action":"reply"}`)
		if !errors.Is(err, ErrInvalidAction) {
			t.Errorf("expected ErrInvalidAction, got %v", err)
		}
	})

	t.Run("reply with bad media value is invalid", func(t *testing.T) {
		_, err := ParseAction(`{"action":"reply","text":"hi","media":"maybe"}`)
		if !errors.Is(err, ErrInvalidAction) {
			t.Errorf("expected ErrInvalidAction, got %v", err)
		}
	})

	t.Run("ack seen", func(t *testing.T) {
		a, err := ParseAction(`{"action":"ack","kind":"seen"}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if a.Kind != ActionAck || a.Ack != AckSeen {
			t.Errorf("unexpected action: %+v", a)
		}
	})

	t.Run("ack thumbs up", func(t *testing.T) {
		a, err := ParseAction(`{"action":"ack","kind":"thumbs_up"}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if a.Ack != AckThumbsUp {
			t.Errorf("unexpected ack kind: %q", a.Ack)
		}
	})

	t.Run("ack without kind is invalid", func(t *testing.T) {
		_, err := ParseAction(`{"action":"ack"}`)
		if !errors.Is(err, ErrInvalidAction) {
			t.Errorf("expected ErrInvalidAction, got %v", err)
		}
	})

	t.Run("ack with bad kind is invalid", func(t *testing.T) {
		_, err := ParseAction(`{"action":"ack","kind":"wave"}`)
		if !errors.Is(err, ErrInvalidAction) {
			t.Errorf("expected ErrInvalidAction, got %v", err)
		}
	})

	t.Run("pause", func(t *testing.T) {
		a, err := ParseAction(`{"action":"pause"}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if a.Kind != ActionPause {
			t.Errorf("expected pause, got %q", a.Kind)
		}
	})

	t.Run("unknown action is invalid", func(t *testing.T) {
		_, err := ParseAction(`{"action":"dance"}`)
		if !errors.Is(err, ErrInvalidAction) {
			t.Errorf("expected ErrInvalidAction, got %v", err)
		}
	})

	t.Run("plain prose is invalid", func(t *testing.T) {
		_, err := ParseAction(`Sure! I'd say the bedrooms are lovely.`)
		if !errors.Is(err, ErrInvalidAction) {
			t.Errorf("expected ErrInvalidAction, got %v", err)
		}
	})

	t.Run("code-fenced JSON still parses", func(t *testing.T) {
		raw := "```json\n{\"action\":\"reply\",\"text\":\"hi\",\"media\":\"none\"}\n```"
		a, err := ParseAction(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if a.Text != "hi" {
			t.Errorf("unexpected text: %q", a.Text)
		}
	})

	t.Run("prose around the object is tolerated", func(t *testing.T) {
		raw := `Here is my answer: {"action":"pause"} hope that helps`
		a, err := ParseAction(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if a.Kind != ActionPause {
			t.Errorf("expected pause, got %q", a.Kind)
		}
	})

	t.Run("braces inside reply text survive extraction", func(t *testing.T) {
		raw := `{"action":"reply","text":"use {name} braces :}","media":"none"}`
		a, err := ParseAction(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if a.Text != "use {name} braces :}" {
			t.Errorf("unexpected text: %q", a.Text)
		}
	})

	t.Run("malformed JSON is invalid", func(t *testing.T) {
		_, err := ParseAction(`{"action":"reply",`)
		if !errors.Is(err, ErrInvalidAction) {
			t.Errorf("expected ErrInvalidAction, got %v", err)
		}
	})
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`before {"a":{"b":2}} after`, `{"a":{"b":2}}`},
		{`{"s":"}{"}`, `{"s":"}{"}`},
		{`{"s":"\"}"}`, `{"s":"\"}"}`},
		{`no object here`, ``},
		{`{"unterminated":`, ``},
	}
	for _, tc := range cases {
		if got := extractJSONObject(tc.in); got != tc.want {
			t.Errorf("extractJSONObject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
