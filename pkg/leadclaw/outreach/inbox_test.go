package outreach

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testInboxLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestInboxTakeBatch(t *testing.T) {
	// A quiet window of an hour keeps the timer out of the picture.
	in := NewInbox(time.Hour, 100, func(string, *Contact) {}, testInboxLogger())
	c := &Contact{ID: 1, Name: "Nimal"}

	in.Add("chat", c, fragment{body: "one", logID: 11, msgID: "A"})
	in.Add("chat", c, fragment{body: "two", logID: 12, msgID: "B"})
	in.Add("chat", c, fragment{body: "three", logID: 13, msgID: "C"})

	batch, beforeID, lastMsgID, ok := in.TakeBatch("chat")
	if !ok {
		t.Fatal("expected a batch")
	}
	if batch != "one\ntwo\nthree" {
		t.Errorf("expected arrival order preserved, got %q", batch)
	}
	if beforeID != 11 {
		t.Errorf("expected the oldest log id as bound, got %d", beforeID)
	}
	if lastMsgID != "C" {
		t.Errorf("expected the newest message id, got %q", lastMsgID)
	}

	if _, _, _, ok := in.TakeBatch("chat"); ok {
		t.Error("expected the buffer to be empty after the take")
	}

	t.Run("message id falls back past blanks", func(t *testing.T) {
		in.Add("chat", c, fragment{body: "text", logID: 21, msgID: "X"})
		in.Add("chat", c, fragment{body: "[image]", logID: 22})

		_, _, lastMsgID, _ := in.TakeBatch("chat")
		if lastMsgID != "X" {
			t.Errorf("expected fallback to the newest usable id, got %q", lastMsgID)
		}
	})

	t.Run("unrecorded fragments don't poison the bound", func(t *testing.T) {
		in.Add("chat", c, fragment{body: "lost", logID: 0, msgID: "L"})
		in.Add("chat", c, fragment{body: "kept", logID: 31, msgID: "K"})

		_, beforeID, _, _ := in.TakeBatch("chat")
		if beforeID != 31 {
			t.Errorf("expected the first recorded id as bound, got %d", beforeID)
		}
	})
}

func TestInboxFloodGuard(t *testing.T) {
	in := NewInbox(time.Hour, 3, func(string, *Contact) {}, testInboxLogger())
	c := &Contact{ID: 1}

	for _, body := range []string{"one", "two", "three", "four", "five"} {
		in.Add("chat", c, fragment{body: body})
	}

	batch, _, _, ok := in.TakeBatch("chat")
	if !ok {
		t.Fatal("expected a batch")
	}
	if batch != "three\nfour\nfive" {
		t.Errorf("expected the oldest fragments dropped, got %q", batch)
	}
}

func TestInboxQuietWindow(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	var contacts []*Contact

	var in *Inbox
	in = NewInbox(40*time.Millisecond, 100, func(chatID string, contact *Contact) {
		batch, _, _, ok := in.TakeBatch(chatID)
		if !ok {
			return
		}
		mu.Lock()
		fired = append(fired, batch)
		contacts = append(contacts, contact)
		mu.Unlock()
		in.Release(chatID)
	}, testInboxLogger())

	c := &Contact{ID: 7, Name: "Nimal"}
	in.Add("chat", c, fragment{body: "hello"})
	in.Add("chat", c, fragment{body: "anyone there?"})

	waitFor(t, 2*time.Second, "the quiet window to fire", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	})

	mu.Lock()
	if fired[0] != "hello\nanyone there?" {
		t.Errorf("expected the whole buffer as one batch, got %q", fired[0])
	}
	if contacts[0] == nil || contacts[0].ID != 7 {
		t.Errorf("expected the cached contact handed through, got %+v", contacts[0])
	}
	mu.Unlock()

	waitFor(t, time.Second, "the registry to empty", func() bool {
		return in.Size() == 0
	})
}

func TestInboxArrivalRestartsWindow(t *testing.T) {
	fired := make(chan struct{}, 4)
	var in *Inbox
	in = NewInbox(80*time.Millisecond, 100, func(chatID string, _ *Contact) {
		in.TakeBatch(chatID)
		fired <- struct{}{}
		in.Release(chatID)
	}, testInboxLogger())

	c := &Contact{ID: 1}
	in.Add("chat", c, fragment{body: "first"})
	time.Sleep(50 * time.Millisecond)
	in.Add("chat", c, fragment{body: "second"})

	// The second arrival rearmed the window, so nothing fires at the
	// original deadline.
	select {
	case <-fired:
		t.Fatal("window fired without a full quiet period")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("window never fired after going quiet")
	}
}

func TestInboxProcessingFlag(t *testing.T) {
	fired := make(chan string, 4)
	var in *Inbox
	in = NewInbox(30*time.Millisecond, 100, func(chatID string, _ *Contact) {
		batch, _, _, ok := in.TakeBatch(chatID)
		if !ok {
			return
		}
		fired <- batch
		in.Release(chatID)
	}, testInboxLogger())

	if !in.TrySetProcessing("chat") {
		t.Fatal("first claim should succeed")
	}
	if in.TrySetProcessing("chat") {
		t.Fatal("second claim should fail while the first holds")
	}

	// A message landing mid-drain waits; the quiet window must not fire
	// underneath the owner.
	in.Add("chat", &Contact{ID: 1}, fragment{body: "queued"})
	select {
	case batch := <-fired:
		t.Fatalf("window fired while processing: %q", batch)
	case <-time.After(100 * time.Millisecond):
	}
	if got := in.Buffered("chat"); got != 1 {
		t.Fatalf("expected the fragment buffered, got %d", got)
	}

	// Releasing with fragments pending starts a fresh window.
	in.Release("chat")
	select {
	case batch := <-fired:
		if batch != "queued" {
			t.Errorf("expected the queued fragment, got %q", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("release did not rearm the quiet window")
	}

	waitFor(t, time.Second, "the registry to empty", func() bool {
		return in.Size() == 0
	})

	t.Run("release without backlog drops the entry", func(t *testing.T) {
		if !in.TrySetProcessing("other") {
			t.Fatal("claim should succeed")
		}
		in.Release("other")
		if in.Size() != 0 {
			t.Errorf("expected no registry entries, got %d", in.Size())
		}
	})
}
