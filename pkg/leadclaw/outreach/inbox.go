package outreach

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// fragment is one buffered inbound message awaiting a drain.
type fragment struct {
	body  string // text or bracketed media placeholder
	logID int64  // conversation-log row id; bounds the transcript for its batch
	msgID string // transport message id; reaction target
}

// inboxEntry tracks one chat's buffered fragments and drain state. All
// fields are guarded by the owning Inbox's mutex.
type inboxEntry struct {
	contact    *Contact
	pending    []fragment
	timer      *time.Timer
	timerGen   uint64
	processing bool
}

// Inbox is the registry of per-chat buffers behind the quiet-window
// debounce. Messages accumulate per chat until the chat has been quiet for
// the configured window, then the whole buffer is handed off as one batch.
// One mutex guards the registry; drains run in their own goroutines and
// re-enter only for the short buffer operations.
type Inbox struct {
	quiet       time.Duration
	maxBuffered int
	onQuiet     func(chatID string, contact *Contact)
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*inboxEntry
}

// NewInbox creates the registry. onQuiet runs in its own goroutine whenever
// a chat's quiet window elapses with fragments still buffered.
func NewInbox(quiet time.Duration, maxBuffered int, onQuiet func(chatID string, contact *Contact), logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		quiet:       quiet,
		maxBuffered: maxBuffered,
		onQuiet:     onQuiet,
		logger:      logger.With("component", "inbox"),
		entries:     make(map[string]*inboxEntry),
	}
}

// Add buffers a fragment and restarts the chat's quiet window. While a
// drain owns the chat the timer is left alone; the loop picks the fragment
// up on its next iteration instead.
func (in *Inbox) Add(chatID string, contact *Contact, frag fragment) {
	in.mu.Lock()
	defer in.mu.Unlock()

	e := in.entries[chatID]
	if e == nil {
		e = &inboxEntry{}
		in.entries[chatID] = e
	}
	e.contact = contact

	if len(e.pending) >= in.maxBuffered {
		e.pending = e.pending[1:]
		in.logger.Warn("buffer full, dropped oldest fragment",
			"chat_id", chatID, "max_buffered", in.maxBuffered)
	}
	e.pending = append(e.pending, frag)

	if e.processing {
		return
	}
	in.rearmLocked(chatID, e)
}

// rearmLocked restarts the quiet-window timer. The generation counter turns
// an already-fired timer racing this rearm into a no-op. Callers hold the
// mutex.
func (in *Inbox) rearmLocked(chatID string, e *inboxEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(in.quiet, func() { in.fire(chatID, gen) })
}

// fire runs when a quiet-window timer elapses. The chat goes to onQuiet
// unless the timer is stale or a drain claimed the chat in the meantime.
func (in *Inbox) fire(chatID string, gen uint64) {
	in.mu.Lock()
	e := in.entries[chatID]
	if e == nil || e.timerGen != gen || e.processing || len(e.pending) == 0 {
		in.mu.Unlock()
		return
	}
	contact := e.contact
	in.mu.Unlock()

	in.onQuiet(chatID, contact)
}

// TrySetProcessing atomically claims the chat for a drain loop, creating a
// bare registry entry when none exists (the manual respond path claims
// chats with nothing buffered). Returns false when a drain already owns the
// chat.
func (in *Inbox) TrySetProcessing(chatID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	e := in.entries[chatID]
	if e == nil {
		e = &inboxEntry{}
		in.entries[chatID] = e
	}
	if e.processing {
		return false
	}
	e.processing = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	return true
}

// TakeBatch atomically removes everything buffered for the chat, joined
// with newlines in arrival order. beforeID is the log id of the oldest
// recorded fragment taken (the transcript bound); lastMsgID is the
// transport id of the newest fragment that has one (the reaction target).
// ok is false when nothing is buffered.
func (in *Inbox) TakeBatch(chatID string) (batch string, beforeID int64, lastMsgID string, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	e := in.entries[chatID]
	if e == nil || len(e.pending) == 0 {
		return "", 0, "", false
	}
	frags := e.pending
	e.pending = nil

	bodies := make([]string, len(frags))
	for i, f := range frags {
		bodies[i] = f.body
		if beforeID == 0 && f.logID > 0 {
			beforeID = f.logID
		}
	}
	for i := len(frags) - 1; i >= 0; i-- {
		if frags[i].msgID != "" {
			lastMsgID = frags[i].msgID
			break
		}
	}
	return strings.Join(bodies, "\n"), beforeID, lastMsgID, true
}

// Release gives the chat back after a drain. Fragments that arrived while
// the drain ran start a fresh quiet window; an empty entry leaves the
// registry entirely.
func (in *Inbox) Release(chatID string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	e := in.entries[chatID]
	if e == nil {
		return
	}
	e.processing = false
	if len(e.pending) == 0 {
		delete(in.entries, chatID)
		return
	}
	in.rearmLocked(chatID, e)
}

// Buffered reports how many fragments are waiting for the chat.
func (in *Inbox) Buffered(chatID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if e := in.entries[chatID]; e != nil {
		return len(e.pending)
	}
	return 0
}

// Size reports how many chats currently have registry entries.
func (in *Inbox) Size() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.entries)
}

// Stop cancels every pending quiet-window timer. Running drains are not
// interrupted; they finish on their own.
func (in *Inbox) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, e := range in.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.timerGen++
	}
}
