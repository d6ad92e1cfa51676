package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
)

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sentMessage struct {
	to      string
	content string
}

// fakeChannel implements every channel capability in memory.
type fakeChannel struct {
	incoming chan *channels.IncomingMessage

	mu         sync.Mutex
	sent       []sentMessage
	reactions  []string
	reads      [][]string
	typing     map[string]bool
	registered map[string]bool
	sendErr    error
	regErr     error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming:   make(chan *channels.IncomingMessage, 32),
		typing:     make(map[string]bool),
		registered: make(map[string]bool),
	}
}

func (f *fakeChannel) Name() string                             { return "fake" }
func (f *fakeChannel) Connect(context.Context) error            { return nil }
func (f *fakeChannel) Disconnect() error                        { return nil }
func (f *fakeChannel) IsConnected() bool                        { return true }
func (f *fakeChannel) SendTyping(context.Context, string) error { return nil }
func (f *fakeChannel) SendPresence(context.Context, bool) error { return nil }

func (f *fakeChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: true}
}

func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage { return f.incoming }

func (f *fakeChannel) Send(_ context.Context, to string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{to: to, content: msg.Content})
	return nil
}

func (f *fakeChannel) SendMedia(_ context.Context, to string, media *channels.MediaMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{to: to, content: "[media] " + media.Filename})
	return nil
}

func (f *fakeChannel) IsTyping(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing[chatID]
}

func (f *fakeChannel) MarkRead(_ context.Context, chatID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, messageIDs)
	return nil
}

func (f *fakeChannel) SendReaction(_ context.Context, chatID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID+" "+emoji)
	return nil
}

func (f *fakeChannel) IsRegistered(_ context.Context, number string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.regErr != nil {
		return false, f.regErr
	}
	return f.registered[number], nil
}

func (f *fakeChannel) setTyping(chatID string, typing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing[chatID] = typing
}

func (f *fakeChannel) setRegistered(number string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[number] = ok
}

func (f *fakeChannel) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeChannel) setRegErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regErr = err
}

func (f *fakeChannel) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeChannel) reactionList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}

func (f *fakeChannel) readList() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.reads...)
}

// fakeResponder returns scripted actions in order, repeating the last one
// when the script runs out. With no script at all it replies "ok".
type fakeResponder struct {
	mu      sync.Mutex
	actions []*Action
	err     error
	calls   []GenerateRequest
	onCall  func(n int, req GenerateRequest)
}

func (f *fakeResponder) Generate(_ context.Context, req GenerateRequest) (*Action, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	err := f.err
	var action *Action
	if len(f.actions) > 0 {
		action = f.actions[0]
		if len(f.actions) > 1 {
			f.actions = f.actions[1:]
		}
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n, req)
	}
	if err != nil {
		return nil, err
	}
	if action == nil {
		action = &Action{Kind: ActionReply, Text: "ok"}
	}
	return action, nil
}

func (f *fakeResponder) script(actions ...*Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = actions
}

func (f *fakeResponder) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeResponder) setOnCall(hook func(n int, req GenerateRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = hook
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeResponder) requests() []GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]GenerateRequest(nil), f.calls...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, text)
	return nil
}

func (f *fakeNotifier) notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notes...)
}

type engineFixture struct {
	engine    *Engine
	channel   *fakeChannel
	responder *fakeResponder
	notifier  *fakeNotifier
	store     *ContactStore
	log       *MessageLog
}

// testEngine builds a running engine over fakes with timings shrunk to
// test scale.
func testEngine(t *testing.T) *engineFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	db := testDB(t)

	cfg := DefaultConfig()
	cfg.Responder.QuietWindow = 40 * time.Millisecond
	cfg.Responder.TypingPoll = 20 * time.Millisecond
	cfg.Responder.TypingMaxWait = 400 * time.Millisecond
	cfg.Responder.MediaDir = ""
	cfg.Responder.ContextFile = ""

	fx := &engineFixture{
		channel:   newFakeChannel(),
		responder: &fakeResponder{},
		notifier:  &fakeNotifier{},
		store:     NewContactStore(db, logger),
		log:       NewMessageLog(db, logger),
	}
	fx.engine = NewEngine(cfg, fx.channel, fx.store, fx.log, fx.responder, fx.notifier, logger)
	fx.engine.Start(context.Background())
	t.Cleanup(fx.engine.Stop)
	return fx
}

func (fx *engineFixture) addContact(t *testing.T, name, phone, status string) *Contact {
	t.Helper()
	c := &Contact{Name: name, AgentName: "Kasun", Phone: phone, Status: status}
	if err := fx.store.Create(context.Background(), c); err != nil {
		t.Fatalf("create contact: %v", err)
	}
	return c
}

func incoming(from, content, msgID string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:        msgID,
		Channel:   "fake",
		From:      from,
		ChatID:    from,
		Type:      channels.MessageText,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestEngineBatchesQuietWindow(t *testing.T) {
	fx := testEngine(t)
	contact := fx.addContact(t, "Nimal", "94771234567", StatusActive)
	fx.responder.script(&Action{Kind: ActionReply, Text: "Yes, it is! 4 bedrooms."})

	fx.channel.incoming <- incoming("94771234567", "hi", "M1")
	fx.channel.incoming <- incoming("94771234567", "is the house still available?", "M2")
	fx.channel.incoming <- incoming("94771234567", "and how many bedrooms", "M3")

	waitFor(t, 3*time.Second, "the batch to be answered", func() bool {
		return fx.responder.callCount() > 0 && fx.engine.inbox.Size() == 0
	})

	reqs := fx.responder.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one model call for the whole burst, got %d", len(reqs))
	}
	if want := "hi\nis the house still available?\nand how many bedrooms"; reqs[0].Message != want {
		t.Errorf("batch:\ngot  %q\nwant %q", reqs[0].Message, want)
	}
	if reqs[0].Contact == nil || reqs[0].Contact.ID != contact.ID {
		t.Errorf("expected the contact handed to the model, got %+v", reqs[0].Contact)
	}

	sent := fx.channel.sentMessages()
	if len(sent) != 1 || sent[0].to != "94771234567" || sent[0].content != "Yes, it is! 4 bedrooms." {
		t.Errorf("unexpected sends: %+v", sent)
	}

	lines, err := fx.log.Recent(context.Background(), "94771234567", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("expected 3 inbound lines and the reply logged, got %d", len(lines))
	}
	last := lines[len(lines)-1]
	if last.Direction != DirectionMe || last.Body != "Yes, it is! 4 bedrooms." {
		t.Errorf("expected the reply as the newest line, got %+v", last)
	}
}

func TestEngineTranscriptBound(t *testing.T) {
	fx := testEngine(t)
	fx.addContact(t, "Nimal", "94771234567", StatusActive)
	ctx := context.Background()
	chat := "94771234567"

	// A prior exchange already on record.
	if _, err := fx.log.RecordOutgoing(ctx, chat, "Hi Nimal! Kasun here about the property.", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := fx.log.RecordIncoming(ctx, chat, "who is this?", "M1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := fx.log.RecordOutgoing(ctx, chat, "Kasun from the agency.", ""); err != nil {
		t.Fatalf("record: %v", err)
	}

	fx.channel.incoming <- incoming("94771234567", "ah right, is it sold yet?", "M2")

	waitFor(t, 3*time.Second, "the batch to be answered", func() bool {
		return fx.responder.callCount() > 0
	})

	req := fx.responder.requests()[0]
	want := "me: Hi Nimal! Kasun here about the property.\n" +
		"them: who is this?\n" +
		"me: Kasun from the agency."
	if req.Transcript != want {
		t.Errorf("transcript:\ngot  %q\nwant %q", req.Transcript, want)
	}
	if req.Message != "ah right, is it sold yet?" {
		t.Errorf("unexpected batch: %q", req.Message)
	}
}

func TestEngineWaitsOutTyping(t *testing.T) {
	fx := testEngine(t)
	fx.addContact(t, "Nimal", "94771234567", StatusActive)
	fx.channel.setTyping("94771234567", true)

	fx.channel.incoming <- incoming("94771234567", "wait I have more questions", "M1")

	// The quiet window elapses but the drain holds while the typing
	// indicator stays on.
	time.Sleep(150 * time.Millisecond)
	if n := fx.responder.callCount(); n != 0 {
		t.Fatalf("answered while the customer was typing (%d calls)", n)
	}

	// The wait ceiling passes and the batch goes out anyway.
	waitFor(t, 3*time.Second, "the typing ceiling to pass", func() bool {
		return fx.responder.callCount() > 0
	})
}

func TestEngineEmptyReplyIsNoOp(t *testing.T) {
	fx := testEngine(t)
	contact := fx.addContact(t, "Nimal", "94771234567", StatusActive)
	fx.responder.script(&Action{Kind: ActionReply, Text: ""})

	fx.channel.incoming <- incoming("94771234567", "👍👍", "M1")

	waitFor(t, 3*time.Second, "the batch to be answered", func() bool {
		return fx.responder.callCount() > 0 && fx.engine.inbox.Size() == 0
	})

	if sent := fx.channel.sentMessages(); len(sent) != 0 {
		t.Errorf("expected no sends for an empty reply, got %+v", sent)
	}
	got, err := fx.store.Get(context.Background(), contact.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("expected the contact to stay active, got %s", got.Status)
	}
	lines, err := fx.log.Recent(context.Background(), "94771234567", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(lines) != 1 || lines[0].Direction != DirectionThem {
		t.Errorf("expected only the inbound line in the log, got %+v", lines)
	}
}

func TestEngineFailSafePauses(t *testing.T) {
	// run sends one message from an active contact and waits for the
	// fail-safe to pause them.
	run := func(t *testing.T, setup func(fx *engineFixture)) *engineFixture {
		t.Helper()
		fx := testEngine(t)
		fx.addContact(t, "Nimal", "94771234567", StatusActive)
		setup(fx)
		fx.channel.incoming <- incoming("94771234567", "what's the land size?", "M1")
		waitFor(t, 3*time.Second, "the contact to be paused", func() bool {
			c, err := fx.store.FindByNumber(context.Background(), "94771234567")
			return err == nil && c.Status == StatusPaused
		})
		return fx
	}

	assertAlerted := func(t *testing.T, fx *engineFixture) {
		t.Helper()
		notes := fx.notifier.notifications()
		if len(notes) == 0 || !strings.Contains(notes[0], "Paused Nimal") {
			t.Errorf("expected an operator alert about the pause, got %v", notes)
		}
	}

	t.Run("responder error", func(t *testing.T) {
		fx := run(t, func(fx *engineFixture) {
			fx.responder.fail(errors.New("API returned 500: upstream unavailable"))
		})
		if sent := fx.channel.sentMessages(); len(sent) != 0 {
			t.Errorf("expected nothing sent, got %+v", sent)
		}
		assertAlerted(t, fx)
	})

	t.Run("unparseable model output", func(t *testing.T) {
		fx := run(t, func(fx *engineFixture) {
			fx.responder.fail(fmt.Errorf("%w: no JSON object in %q", ErrInvalidAction, "sure, let me check"))
		})
		if sent := fx.channel.sentMessages(); len(sent) != 0 {
			t.Errorf("expected nothing sent, got %+v", sent)
		}
		assertAlerted(t, fx)
	})

	t.Run("send failure", func(t *testing.T) {
		fx := run(t, func(fx *engineFixture) {
			fx.channel.setSendErr(errors.New("websocket closed"))
		})
		assertAlerted(t, fx)
	})

	t.Run("model chooses pause", func(t *testing.T) {
		fx := run(t, func(fx *engineFixture) {
			fx.responder.script(&Action{Kind: ActionPause})
		})
		if sent := fx.channel.sentMessages(); len(sent) != 0 {
			t.Errorf("expected nothing sent, got %+v", sent)
		}
		notes := fx.notifier.notifications()
		if len(notes) != 1 || !strings.Contains(notes[0], "needs a human") {
			t.Errorf("expected a handover alert, got %v", notes)
		}
	})

	t.Run("unrecognized action kind", func(t *testing.T) {
		fx := run(t, func(fx *engineFixture) {
			fx.responder.script(&Action{Kind: "transfer"})
		})
		if sent := fx.channel.sentMessages(); len(sent) != 0 {
			t.Errorf("expected nothing sent, got %+v", sent)
		}
		assertAlerted(t, fx)
	})
}

func TestEngineAck(t *testing.T) {
	t.Run("thumbs up reacts to the newest message", func(t *testing.T) {
		fx := testEngine(t)
		contact := fx.addContact(t, "Nimal", "94771234567", StatusActive)
		fx.responder.script(&Action{Kind: ActionAck, Ack: AckThumbsUp})

		fx.channel.incoming <- incoming("94771234567", "ok thanks", "M1")
		fx.channel.incoming <- incoming("94771234567", "will get back to you", "M2")

		waitFor(t, 3*time.Second, "the reaction", func() bool {
			return len(fx.channel.reactionList()) > 0
		})

		if got := fx.channel.reactionList(); len(got) != 1 || got[0] != "M2 👍" {
			t.Errorf("expected a thumbs up on the newest message, got %v", got)
		}
		if sent := fx.channel.sentMessages(); len(sent) != 0 {
			t.Errorf("expected no text sends, got %+v", sent)
		}
		got, err := fx.store.Get(context.Background(), contact.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusActive {
			t.Errorf("expected the contact to stay active, got %s", got.Status)
		}
	})

	t.Run("seen marks the chat read", func(t *testing.T) {
		fx := testEngine(t)
		fx.addContact(t, "Nimal", "94771234567", StatusActive)
		fx.responder.script(&Action{Kind: ActionAck, Ack: AckSeen})

		fx.channel.incoming <- incoming("94771234567", "noted", "M1")

		waitFor(t, 3*time.Second, "the read receipt", func() bool {
			return len(fx.channel.readList()) > 0
		})

		reads := fx.channel.readList()
		if len(reads) != 1 || len(reads[0]) != 1 || reads[0][0] != "M1" {
			t.Errorf("expected M1 marked read, got %v", reads)
		}
	})
}

func TestEngineSuffixMatchResolution(t *testing.T) {
	fx := testEngine(t)
	// Stored without the country code, as operators often save numbers.
	contact := fx.addContact(t, "Nimal", "0771234567", StatusActive)

	fx.channel.incoming <- incoming("94771234567", "hello", "M1")

	waitFor(t, 3*time.Second, "the reply", func() bool {
		return len(fx.channel.sentMessages()) > 0
	})

	sent := fx.channel.sentMessages()
	if sent[0].to != "94771234567" {
		t.Errorf("expected the reply sent to the inbound address, got %s", sent[0].to)
	}

	got, err := fx.store.Get(context.Background(), contact.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ChatJID != "94771234567" {
		t.Errorf("expected the chat id learned from the inbound message, got %q", got.ChatJID)
	}

	lines, err := fx.log.Recent(context.Background(), "94771234567", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(lines) != 2 {
		t.Errorf("expected the exchange logged under the learned chat id, got %d lines", len(lines))
	}
}

func TestEngineSilentDrops(t *testing.T) {
	fx := testEngine(t)
	paused := fx.addContact(t, "Sanduni", "94770000001", StatusPaused)
	fx.addContact(t, "Nimal", "94771234567", StatusActive)

	group := incoming("94771234567", "group chatter", "G1")
	group.IsGroup = true
	group.ChatID = "120363041234567890@g.us"
	fx.channel.incoming <- group

	fx.channel.incoming <- incoming("94779999999", "hello, wrong number", "U1")
	fx.channel.incoming <- incoming("94770000001", "are you there?", "P1")
	fx.channel.incoming <- incoming("94771234567", "   ", "W1")

	time.Sleep(200 * time.Millisecond)

	if n := fx.responder.callCount(); n != 0 {
		t.Errorf("expected no model calls, got %d", n)
	}
	if sent := fx.channel.sentMessages(); len(sent) != 0 {
		t.Errorf("expected nothing sent, got %+v", sent)
	}

	// The paused contact's line still lands in the log for when the
	// conversation resumes.
	lines, err := fx.log.Recent(context.Background(), paused.ChatID(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(lines) != 1 || lines[0].Body != "are you there?" {
		t.Errorf("expected the paused contact's line recorded, got %+v", lines)
	}

	// Nothing from the unknown sender or the whitespace message.
	for _, chat := range []string{"94779999999", "94771234567"} {
		lines, err := fx.log.Recent(context.Background(), chat, 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(lines) != 0 {
			t.Errorf("expected nothing logged for %s, got %+v", chat, lines)
		}
	}
}

func TestEngineOperatorReplyFromPhone(t *testing.T) {
	fx := testEngine(t)
	fx.addContact(t, "Nimal", "94771234567", StatusActive)

	msg := incoming("94771234567", "I'll call you tomorrow about the visit.", "OP1")
	msg.IsFromMe = true
	msg.From = "94770001111"
	fx.channel.incoming <- msg

	waitFor(t, 3*time.Second, "the operator line to be logged", func() bool {
		lines, err := fx.log.Recent(context.Background(), "94771234567", 10)
		return err == nil && len(lines) == 1
	})

	lines, err := fx.log.Recent(context.Background(), "94771234567", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if lines[0].Direction != DirectionMe || lines[0].Body != "I'll call you tomorrow about the visit." {
		t.Errorf("expected the operator reply as a me-line, got %+v", lines[0])
	}

	time.Sleep(100 * time.Millisecond)
	if n := fx.responder.callCount(); n != 0 {
		t.Errorf("expected no model call for our own message, got %d", n)
	}
}

func TestEngineChatsAreIsolated(t *testing.T) {
	fx := testEngine(t)
	fx.addContact(t, "Nimal", "94771234567", StatusActive)
	fx.addContact(t, "Sanduni", "94770000001", StatusActive)

	fx.channel.incoming <- incoming("94771234567", "nimal one", "N1")
	fx.channel.incoming <- incoming("94770000001", "sanduni one", "S1")
	fx.channel.incoming <- incoming("94771234567", "nimal two", "N2")
	fx.channel.incoming <- incoming("94770000001", "sanduni two", "S2")

	waitFor(t, 3*time.Second, "both chats to be answered", func() bool {
		return fx.responder.callCount() == 2 && fx.engine.inbox.Size() == 0
	})

	byPhone := map[string]string{}
	for _, req := range fx.responder.requests() {
		byPhone[req.Contact.Phone] = req.Message
	}
	if byPhone["94771234567"] != "nimal one\nnimal two" {
		t.Errorf("nimal's batch: %q", byPhone["94771234567"])
	}
	if byPhone["94770000001"] != "sanduni one\nsanduni two" {
		t.Errorf("sanduni's batch: %q", byPhone["94770000001"])
	}
	if sent := fx.channel.sentMessages(); len(sent) != 2 {
		t.Errorf("expected one reply per chat, got %+v", sent)
	}
}

func TestEngineAnswersMidDrainArrivals(t *testing.T) {
	fx := testEngine(t)
	fx.addContact(t, "Nimal", "94771234567", StatusActive)

	release := make(chan struct{})
	fx.responder.setOnCall(func(n int, _ GenerateRequest) {
		if n == 1 {
			<-release
		}
	})

	fx.channel.incoming <- incoming("94771234567", "first", "M1")

	// The model is now "thinking" about the first batch.
	waitFor(t, 3*time.Second, "the first call to start", func() bool {
		return fx.responder.callCount() == 1
	})

	// A message landing mid-drain is buffered without restarting the
	// quiet-window timer.
	fx.channel.incoming <- incoming("94771234567", "second", "M2")
	waitFor(t, time.Second, "the second message to be buffered", func() bool {
		return fx.engine.inbox.Buffered("94771234567") == 1
	})

	close(release)

	waitFor(t, 3*time.Second, "the second batch answered in the same cycle", func() bool {
		return fx.responder.callCount() == 2 && fx.engine.inbox.Size() == 0
	})

	second := fx.responder.requests()[1]
	if second.Message != "second" {
		t.Errorf("unexpected second batch: %q", second.Message)
	}
	if !strings.Contains(second.Transcript, "them: first") {
		t.Errorf("expected the first message in the transcript, got %q", second.Transcript)
	}
	if !strings.Contains(second.Transcript, "me: ok") {
		t.Errorf("expected our first reply in the transcript, got %q", second.Transcript)
	}
	if sent := fx.channel.sentMessages(); len(sent) != 2 {
		t.Errorf("expected both batches replied, got %+v", sent)
	}
}

func TestRespondNow(t *testing.T) {
	fx := testEngine(t)
	ctx := context.Background()

	t.Run("answers the unreplied backlog as one batch", func(t *testing.T) {
		contact := fx.addContact(t, "Nimal", "94771234567", StatusActive)
		chat := "94771234567"
		must := func(_ int64, err error) {
			t.Helper()
			if err != nil {
				t.Fatalf("record: %v", err)
			}
		}
		must(fx.log.RecordIncoming(ctx, chat, "q1", "M1"))
		must(fx.log.RecordOutgoing(ctx, chat, "a1", ""))
		must(fx.log.RecordIncoming(ctx, chat, "q2", "M2"))
		must(fx.log.RecordIncoming(ctx, chat, "q3", "M3"))

		res, err := fx.engine.Respond(ctx, contact.ID)
		if err != nil {
			t.Fatalf("respond: %v", err)
		}
		if res.Replies != 1 || res.Paused {
			t.Errorf("expected one reply and no pause, got %+v", res)
		}

		reqs := fx.responder.requests()
		if len(reqs) != 1 {
			t.Fatalf("expected one model call, got %d", len(reqs))
		}
		if reqs[0].Message != "q2\nq3" {
			t.Errorf("expected the lines since our last answer, got %q", reqs[0].Message)
		}
		if want := "them: q1\nme: a1"; reqs[0].Transcript != want {
			t.Errorf("transcript:\ngot  %q\nwant %q", reqs[0].Transcript, want)
		}
		sent := fx.channel.sentMessages()
		if len(sent) != 1 || sent[0].to != chat {
			t.Errorf("unexpected sends: %+v", sent)
		}
	})

	t.Run("nothing unreplied is a no-op", func(t *testing.T) {
		contact := fx.addContact(t, "Sanduni", "94770000001", StatusActive)
		before := fx.responder.callCount()

		res, err := fx.engine.Respond(ctx, contact.ID)
		if err != nil {
			t.Fatalf("respond: %v", err)
		}
		if res.Replies != 0 || res.Paused {
			t.Errorf("expected a no-op, got %+v", res)
		}
		if fx.responder.callCount() != before {
			t.Error("expected no model call for an empty backlog")
		}
	})

	t.Run("wrong status is rejected", func(t *testing.T) {
		contact := fx.addContact(t, "Kumar", "94770000002", StatusPending)
		_, err := fx.engine.Respond(ctx, contact.ID)
		if !errors.Is(err, ErrContactNotActive) {
			t.Errorf("expected ErrContactNotActive, got %v", err)
		}
	})

	t.Run("unknown contact", func(t *testing.T) {
		_, err := fx.engine.Respond(ctx, 9999)
		if !errors.Is(err, ErrContactNotFound) {
			t.Errorf("expected ErrContactNotFound, got %v", err)
		}
	})

	t.Run("busy chat is rejected", func(t *testing.T) {
		contact := fx.addContact(t, "Priya", "94770000003", StatusActive)
		if !fx.engine.inbox.TrySetProcessing(contact.ChatID()) {
			t.Fatal("claim should succeed")
		}
		defer fx.engine.inbox.Release(contact.ChatID())

		_, err := fx.engine.Respond(ctx, contact.ID)
		if !errors.Is(err, ErrChatBusy) {
			t.Errorf("expected ErrChatBusy, got %v", err)
		}
	})
}
