package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
)

// ErrChatBusy means a drain loop already owns the chat; the manual respond
// path refuses to run concurrently with it.
var ErrChatBusy = errors.New("chat is already being processed")

// Notifier delivers out-of-band operator alerts (auto-pauses, unregistered
// numbers). Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Engine is the auto-responder core. It admits inbound messages into
// per-chat buffers, waits out the quiet window, and answers each buffered
// batch with a single model call, applying the resulting action through the
// channel. Optional channel capabilities (media, presence, reactions) are
// discovered by type assertion; a channel without them degrades gracefully.
type Engine struct {
	cfg       *Config
	rcfg      ResponderConfig // Responder section with defaults filled in
	channel   channels.Channel
	contacts  *ContactStore
	log       *MessageLog
	responder Responder
	media     *MediaLibrary
	notifier  Notifier
	inbox     *Inbox
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates the engine. The channel is connected separately; the
// engine only consumes its Receive stream. notifier may be nil.
func NewEngine(cfg *Config, channel channels.Channel, contacts *ContactStore, log *MessageLog, responder Responder, notifier Notifier, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	rcfg := cfg.Responder.Effective()

	e := &Engine{
		cfg:       cfg,
		rcfg:      rcfg,
		channel:   channel,
		contacts:  contacts,
		log:       log,
		responder: responder,
		media:     NewMediaLibrary(rcfg.MediaDir),
		notifier:  notifier,
		logger:    logger.With("component", "engine"),
	}

	// The inbox calls back into the engine when a quiet window elapses, so
	// it is wired after the struct exists.
	e.inbox = NewInbox(rcfg.QuietWindow, rcfg.MaxBuffered, e.drainChat, logger)
	return e
}

// Start begins consuming channel events.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.logger.Info("engine started",
		"quiet_window", e.rcfg.QuietWindow,
		"typing_max_wait", e.rcfg.TypingMaxWait,
		"history_limit", e.rcfg.HistoryLimit,
		"media_dir", e.rcfg.MediaDir)

	e.wg.Add(1)
	go e.messageLoop()
}

// Stop cancels the receive loop and pending quiet-window timers. Drains in
// flight unwind at their next suspension point.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.inbox.Stop()
	e.wg.Wait()
}

// Channel exposes the transport, mainly for health reporting.
func (e *Engine) Channel() channels.Channel { return e.channel }

// messageLoop consumes incoming messages from the channel. Admission runs
// inline rather than per-goroutine: it is quick (no network calls) and
// per-chat arrival order must survive into the buffer.
func (e *Engine) messageLoop() {
	defer e.wg.Done()
	for {
		select {
		case msg, ok := <-e.channel.Receive():
			if !ok {
				return
			}
			e.handleIncoming(msg)

		case <-e.ctx.Done():
			return
		}
	}
}

// handleIncoming is the admission path: decide whether a transport event
// becomes buffered work for the responder, keeping the conversation log
// complete along the way.
func (e *Engine) handleIncoming(msg *channels.IncomingMessage) {
	logger := e.logger.With("chat_id", msg.ChatID, "from", msg.From, "msg_id", msg.ID)

	// ── Step 1: Filter traffic that is never answered ──
	// The channel already drops broadcasts; groups are rechecked here
	// because not every transport tags them reliably.
	if msg.IsGroup {
		logger.Debug("ignoring group message")
		return
	}

	// ── Step 2: Our own account's messages ──
	// whatsmeow does not echo this client's sends back; an IsFromMe event
	// means the operator answered from their phone. Record it as a me-line
	// so the model sees the conversation was already handled, then stop.
	if msg.IsFromMe {
		contact, err := e.contacts.FindByNumber(e.ctx, msg.ChatID)
		if err != nil {
			return
		}
		if msg.Content == "" {
			return
		}
		if _, err := e.log.RecordOutgoing(e.ctx, contact.ChatID(), msg.Content, msg.ID); err != nil {
			logger.Warn("failed to record operator reply", "error", err)
		}
		return
	}

	// ── Step 3: Resolve the sender to a contact ──
	contact, err := e.contacts.FindByNumber(e.ctx, msg.From)
	if err != nil {
		logger.Debug("no contact for sender, ignoring")
		return
	}
	logger = logger.With("contact_id", contact.ID)

	// Learn the transport-canonical chat id on first inbound so outbound
	// sends and log keys stay consistent even when the stored phone lacks
	// the country code.
	if msg.ChatID != "" && contact.ChatJID != msg.ChatID {
		if err := e.contacts.SetChatJID(e.ctx, contact.ID, msg.ChatID); err != nil {
			logger.Warn("failed to save chat id", "error", err)
		}
		contact.ChatJID = msg.ChatID
	}
	chatID := contact.ChatID()

	// ── Step 4: Extract content ──
	// The channel already substitutes bracketed placeholders for media and
	// calls; anything still empty carries nothing worth answering.
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		logger.Debug("no usable content, ignoring")
		return
	}

	// ── Step 5: Record the line ──
	// Every inbound line from a known contact lands in the log regardless
	// of status, so a paused-then-resumed conversation keeps its history.
	logID, err := e.log.RecordIncoming(e.ctx, chatID, content, msg.ID)
	if err != nil {
		logger.Warn("failed to record incoming line", "error", err)
	}

	// ── Step 6: Status gate ──
	// Only active conversations get answered; everything else stays silent.
	if !contact.IsActive() {
		logger.Debug("contact not active, not answering", "status", contact.Status)
		return
	}

	// ── Step 7: Buffer and restart the quiet window ──
	e.inbox.Add(chatID, contact, fragment{body: content, logID: logID, msgID: msg.ID})
	logger.Info("message buffered",
		"content_preview", truncate(content, 50),
		"buffered", e.inbox.Buffered(chatID))
}

// drainChat is the quiet-window callback: it runs one drain cycle over the
// chat's buffer. Re-entrant calls are no-ops; whoever holds the processing
// flag picks up the buffered fragments.
func (e *Engine) drainChat(chatID string, contact *Contact) {
	if !e.inbox.TrySetProcessing(chatID) {
		return
	}
	defer e.inbox.Release(chatID)

	e.drain(e.ctx, chatID, contact, func() (string, int64, string, bool) {
		return e.inbox.TakeBatch(chatID)
	})
}

// RespondResult is the outcome of a manual respond-now run.
type RespondResult struct {
	Replies int  `json:"replies"`
	Paused  bool `json:"paused"`
}

// Respond runs one on-demand drain cycle for a contact, answering every
// them-line since our last message as a single batch. Used by the gateway
// and the CLI when the operator wants an answer now instead of waiting out
// the quiet window.
func (e *Engine) Respond(ctx context.Context, contactID int64) (*RespondResult, error) {
	contact, err := e.contacts.Get(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if !contact.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrContactNotActive, contact.Name, contact.Status)
	}
	chatID := contact.ChatID()

	if !e.inbox.TrySetProcessing(chatID) {
		return nil, ErrChatBusy
	}
	defer e.inbox.Release(chatID)

	// Anything sitting in the buffer is part of the unreplied backlog; take
	// it off the registry so the quiet-window path doesn't answer it twice.
	e.inbox.TakeBatch(chatID)

	lines, err := e.log.UnrepliedSince(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("loading unreplied lines: %w", err)
	}
	if len(lines) == 0 {
		return &RespondResult{}, nil
	}

	bodies := make([]string, len(lines))
	for i, l := range lines {
		bodies[i] = l.Body
	}
	lastMsgID := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].MessageID != "" {
			lastMsgID = lines[i].MessageID
			break
		}
	}
	batch := strings.Join(bodies, "\n")
	beforeID := lines[0].ID

	used := false
	replies, paused := e.drain(ctx, chatID, contact, func() (string, int64, string, bool) {
		if used {
			return "", 0, "", false
		}
		used = true
		return batch, beforeID, lastMsgID, true
	})
	return &RespondResult{Replies: replies, Paused: paused}, nil
}

// batchSource feeds the drain loop one batch per call: the joined message
// text, the log id bounding the transcript, and the transport id of the
// newest inbound line. ok=false ends the loop. The quiet-window path reads
// the live buffer; the manual path snapshots the unreplied backlog once.
type batchSource func() (batch string, beforeID int64, lastMsgID string, ok bool)

// drain answers batches from source until it runs dry or a terminal action
// ends the cycle. Returns the number of replies sent and whether the
// contact was paused.
func (e *Engine) drain(ctx context.Context, chatID string, contact *Contact, source batchSource) (replies int, paused bool) {
	logger := e.logger.With("chat_id", chatID, "contact_id", contact.ID)
	start := time.Now()
	property := e.propertyContext(logger)

	for {
		// ── Step 1: Wait out the typing indicator ──
		// Answering while the customer is mid-sentence reads badly and
		// splits their thought across two batches.
		e.waitWhileTyping(ctx, chatID, logger)

		// ── Step 2: Take the batch ──
		batch, beforeID, lastMsgID, ok := source()
		if !ok {
			break
		}
		if batch == "" {
			continue
		}

		// ── Step 3: Fetch history ──
		// Everything before this batch; the batch itself arrives separately
		// as the new messages.
		transcript := ""
		if lines, err := e.log.HistoryForBatch(ctx, chatID, beforeID, e.rcfg.HistoryLimit); err != nil {
			logger.Warn("history fetch failed, answering without transcript", "error", err)
		} else {
			transcript = RenderTranscript(lines)
		}

		// ── Step 4: One model call per batch ──
		logger.Info("dispatching batch", "content_preview", truncate(batch, 50))
		action, err := e.responder.Generate(ctx, GenerateRequest{
			Context:    property,
			Message:    batch,
			Transcript: transcript,
			Contact:    contact,
		})
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("drain cancelled", "error", ctx.Err())
				return replies, false
			}
			logger.Error("responder failed, pausing conversation", "error", err)
			e.forcePause(ctx, contact, fmt.Sprintf("responder error: %v", err))
			return replies, true
		}

		// ── Step 5: Apply the action ──
		switch action.Kind {
		case ActionReply:
			sent, err := e.deliverReply(ctx, chatID, action, logger)
			if err != nil {
				if ctx.Err() != nil {
					return replies, false
				}
				logger.Error("reply delivery failed, pausing conversation", "error", err)
				e.forcePause(ctx, contact, fmt.Sprintf("delivery error: %v", err))
				return replies, true
			}
			if sent {
				replies++
			}
			// Replies keep the loop alive: messages that arrived while the
			// model was thinking get answered in this same cycle.

		case ActionAck:
			if err := e.acknowledge(ctx, chatID, lastMsgID, action.Ack, logger); err != nil {
				if ctx.Err() != nil {
					return replies, false
				}
				logger.Error("ack failed, pausing conversation", "error", err)
				e.forcePause(ctx, contact, fmt.Sprintf("ack error: %v", err))
				return replies, true
			}
			logger.Info("conversation acknowledged", "kind", action.Ack)
			return replies, false

		case ActionPause:
			logger.Info("model handed the conversation to a human")
			e.forcePause(ctx, contact, "the conversation needs a human")
			return replies, true

		default:
			logger.Error("unrecognized action, pausing conversation", "action", action.Kind)
			e.forcePause(ctx, contact, fmt.Sprintf("unrecognized action %q", action.Kind))
			return replies, true
		}
	}

	logger.Debug("drain complete",
		"replies", replies,
		"duration_ms", time.Since(start).Milliseconds())
	return replies, false
}

// waitWhileTyping holds the drain while the customer is composing, polling
// the presence probe until they stop or the ceiling passes. Channels
// without presence support skip the wait.
func (e *Engine) waitWhileTyping(ctx context.Context, chatID string, logger *slog.Logger) {
	presence, ok := e.channel.(channels.PresenceChannel)
	if !ok {
		return
	}

	deadline := time.Now().Add(e.rcfg.TypingMaxWait)
	for presence.IsTyping(chatID) {
		if time.Now().After(deadline) {
			logger.Debug("typing wait ceiling reached, answering anyway")
			return
		}
		logger.Debug("customer is typing, holding the reply")
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.rcfg.TypingPoll):
		}
	}
}

// deliverReply sends a reply action's text and, when flagged, the media
// library. sent is false for the deliberate empty no-op reply.
func (e *Engine) deliverReply(ctx context.Context, chatID string, action *Action, logger *slog.Logger) (sent bool, err error) {
	if action.Text != "" {
		if err := e.channel.Send(ctx, chatID, &channels.OutgoingMessage{Content: action.Text}); err != nil {
			return false, fmt.Errorf("sending reply: %w", err)
		}
		if _, err := e.log.RecordOutgoing(ctx, chatID, action.Text, ""); err != nil {
			return true, fmt.Errorf("recording reply: %w", err)
		}
		sent = true
		logger.Info("reply sent", "content_preview", truncate(action.Text, 50))
	}

	if action.IncludeMedia {
		n, err := e.sendMediaLibrary(ctx, chatID, logger)
		if n > 0 {
			sent = true
		}
		if err != nil {
			return sent, err
		}
	}

	if !sent {
		// {"action":"reply","text":"","media":"none"} is the model's way of
		// saying nothing needs answering. No transport call.
		logger.Debug("empty reply, nothing to send")
	}
	return sent, nil
}

// sendMediaLibrary streams every file in the media directory through the
// channel in filename order. Each file is logged as a me-line tag so the
// transcript shows what the customer already received.
func (e *Engine) sendMediaLibrary(ctx context.Context, chatID string, logger *slog.Logger) (int, error) {
	mediaCh, ok := e.channel.(channels.MediaChannel)
	if !ok {
		return 0, fmt.Errorf("sending media: %w", channels.ErrMediaNotSupported)
	}

	files, err := e.media.List()
	if err != nil {
		return 0, fmt.Errorf("listing media: %w", err)
	}
	if len(files) == 0 {
		logger.Warn("reply asked for media but none is configured", "dir", e.rcfg.MediaDir)
		return 0, nil
	}

	sent := 0
	for _, f := range files {
		payload, err := e.media.Load(f)
		if err != nil {
			return sent, fmt.Errorf("loading %s: %w", f.Name, err)
		}
		if err := mediaCh.SendMedia(ctx, chatID, payload); err != nil {
			return sent, fmt.Errorf("sending %s: %w", f.Name, err)
		}
		if _, err := e.log.RecordOutgoing(ctx, chatID, f.LogTag(), ""); err != nil {
			return sent, fmt.Errorf("recording %s: %w", f.Name, err)
		}
		sent++
		logger.Info("media sent", "file", f.Name, "type", f.Type)
	}
	return sent, nil
}

// acknowledge applies an ack action: a thumbs-up reaction when we have a
// message id to target, otherwise a read receipt. With no id at all there
// is nothing to acknowledge against.
func (e *Engine) acknowledge(ctx context.Context, chatID, lastMsgID, kind string, logger *slog.Logger) error {
	if lastMsgID == "" {
		logger.Debug("ack with no message id to target, skipping")
		return nil
	}

	if kind == AckThumbsUp {
		if reactor, ok := e.channel.(channels.ReactionChannel); ok {
			if err := reactor.SendReaction(ctx, chatID, lastMsgID, "👍"); err != nil {
				return fmt.Errorf("reacting: %w", err)
			}
			return nil
		}
	}

	presence, ok := e.channel.(channels.PresenceChannel)
	if !ok {
		return nil
	}
	if err := presence.MarkRead(ctx, chatID, []string{lastMsgID}); err != nil {
		return fmt.Errorf("marking seen: %w", err)
	}
	return nil
}

// forcePause writes the paused status and tells the operator. Failing to
// write the pause is logged and swallowed so the original failure stays the
// headline.
func (e *Engine) forcePause(ctx context.Context, contact *Contact, reason string) {
	if err := e.contacts.SetStatus(ctx, contact.ID, StatusPaused); err != nil {
		e.logger.Error("failed to mark contact paused",
			"contact_id", contact.ID, "error", err)
	}
	contact.Status = StatusPaused
	e.alert(ctx, fmt.Sprintf("⏸️ Paused %s (%s): %s", contact.Name, contact.Phone, reason))
}

// alert pings the operator notifier when one is configured.
func (e *Engine) alert(ctx context.Context, text string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, text); err != nil {
		e.logger.Warn("operator alert failed", "error", err)
	}
}

// propertyContext loads the property information sheet. Read per drain so
// edits land without a restart; a missing file degrades to an empty context
// with a warning.
func (e *Engine) propertyContext(logger *slog.Logger) string {
	if e.rcfg.ContextFile == "" {
		return ""
	}
	data, err := os.ReadFile(e.rcfg.ContextFile)
	if err != nil {
		logger.Warn("property context unavailable",
			"path", e.rcfg.ContextFile, "error", err)
		return ""
	}
	return string(data)
}
