// Package whatsapp implements the LeadClaw chat transport over whatsmeow —
// a native Go WhatsApp Web API library. No Node.js, no browser automation.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Send/receive text, images, audio, video, documents
//   - Typing indicators both ways: send "composing" and probe whether the
//     counterparty is typing (presence subscription per chat)
//   - Number registration lookup for the initiate flow
//   - Reactions and read receipts
//   - Automatic reconnection with backoff and health monitoring
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// SessionDir is the directory for session persistence (SQLite).
	// Ignored if DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the path to the SQLite database file for session
	// storage. If set, the whatsmeow_ tables live in this database alongside
	// other leadclaw data. If empty, defaults to {SessionDir}/whatsapp.db.
	DatabasePath string `yaml:"database_path"`

	// AutoRead marks every incoming message as read immediately. Off by
	// default: marking a chat seen is an action the responder decides on.
	AutoRead bool `yaml:"auto_read"`

	// TypingStaleAfter is how long a "composing" presence event counts as
	// live typing when no "paused" follows it.
	TypingStaleAfter time.Duration `yaml:"typing_stale_after"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// HealthMonitor configures proactive connection health monitoring.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./sessions/whatsapp",
		AutoRead:             false,
		TypingStaleAfter:     30 * time.Second,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		HealthMonitor:        DefaultHealthMonitorConfig(),
	}
}

// QREvent represents a QR code event sent to observers.
type QREvent struct {
	// Type is "code", "success", "timeout", "error", or "refresh".
	Type string `json:"type"`
	// Code is the raw QR code string (only for Type == "code").
	Code string `json:"code,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message,omitempty"`
}

// WhatsApp implements channels.Channel, channels.MediaChannel,
// channels.PresenceChannel, channels.ReactionChannel, and
// channels.RegistrationChannel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// messages is the channel for incoming messages.
	messages chan *channels.IncomingMessage

	// connected tracks connection state.
	connected atomic.Bool

	// state tracks detailed connection state.
	state atomic.Value // ConnectionState

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	// reconnectAttempts tracks reconnection tries (thread-safe).
	reconnectAttempts atomic.Int32

	// typing tracks the last "composing" presence event per chat JID.
	// Entries are cleared on "paused" and expire after TypingStaleAfter.
	typing   map[string]time.Time
	typingMu sync.RWMutex

	// presenceSubs tracks chats we already subscribed presence updates for.
	presenceSubs   map[string]bool
	presenceSubsMu sync.Mutex

	// qrObservers receives QR events (login command, serve log).
	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex
	// lastQR caches the most recent QR code so late-joining observers get it.
	lastQR *QREvent

	// ctx and cancel for lifecycle management.
	ctx    context.Context
	cancel context.CancelFunc

	// reconnectGuard prevents multiple concurrent reconnection attempts.
	reconnectGuard atomic.Bool

	// messagesClosed tracks if the messages channel has been closed.
	// Prevents sending to a closed channel which would panic.
	messagesClosed atomic.Bool
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.TypingStaleAfter == 0 {
		cfg.TypingStaleAfter = 30 * time.Second
	}

	w := &WhatsApp{
		cfg:          cfg,
		logger:       logger.With("component", "whatsapp"),
		messages:     make(chan *channels.IncomingMessage, 256),
		typing:       make(map[string]time.Time),
		presenceSubs: make(map[string]bool),
	}
	w.setState(StateDisconnected)
	return w
}

// ---------- State Management ----------

// getState returns the current connection state.
func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

// setState updates the connection state.
func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// GetState returns the current connection state (public API).
func (w *WhatsApp) GetState() ConnectionState {
	return w.getState()
}

// getClientJID returns the current client JID if connected.
func (w *WhatsApp) getClientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// ---------- QR Code Subscription ----------

// SubscribeQR registers a channel to receive QR code events.
// Returns an unsubscribe function.
func (w *WhatsApp) SubscribeQR() (chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrObserversMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	// Replay the last QR code to the new observer so it doesn't miss it.
	if w.lastQR != nil {
		select {
		case ch <- *w.lastQR:
		default:
		}
	}
	w.qrObserversMu.Unlock()

	return ch, func() {
		w.qrObserversMu.Lock()
		defer w.qrObserversMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// notifyQR sends a QR event to all observers.
func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()

	// Cache the latest code for late-joining observers; anything else
	// invalidates it.
	if evt.Type == "code" {
		w.lastQR = &evt
	} else {
		w.lastQR = nil
	}

	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
			// Observer too slow, skip.
		}
	}
}

// ---------- Channel Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection via whatsmeow.
// If no existing session is found, the QR login process runs in the
// background (non-blocking) so the rest of the process can start; the QR
// code is streamed to observers (terminal via the login command).
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.setState(StateConnecting)
	w.logger.Info("whatsapp: initializing connection...")

	// Session store (SQLite). DatabasePath shares the leadclaw database;
	// otherwise a standalone file under SessionDir.
	dbPath := w.cfg.DatabasePath
	if dbPath == "" {
		dbPath = w.cfg.SessionDir + "/whatsapp.db"
		w.logger.Info("whatsapp: using standalone session database", "path", dbPath)
	} else {
		w.logger.Info("whatsapp: using shared leadclaw database for sessions", "path", dbPath)
	}
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked devices list.
	store.SetOSInfo("LeadClaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	// whatsmeow's built-in auto-reconnect handles network hiccups,
	// server-initiated disconnects, and keepalive failures.
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		// First login — start QR process in background (non-blocking).
		w.setState(StateWaitingQR)
		w.logger.Info("whatsapp: no existing session, QR code required — run `leadclaw login`")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	// Existing session — reconnect.
	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)",
		"jid", w.getClientJID())

	w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)

	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}

	// Mark closed before closing to prevent a racing emitMessage from
	// sending to a closed channel.
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}

	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Logout logs out and clears the session (next Connect needs a fresh QR).
func (w *WhatsApp) Logout() error {
	if w.client == nil {
		return nil
	}

	w.setState(StateLoggingOut)
	w.connected.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.client.Logout(ctx); err != nil {
		w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		w.client.Disconnect()
		if w.client.Store != nil {
			if delErr := w.client.Store.Delete(ctx); delErr != nil {
				w.logger.Warn("whatsapp: failed to delete store", "error", delErr)
			}
		}
	}

	w.setState(StateDisconnected)
	w.lastQR = nil
	w.logger.Info("whatsapp: logged out, session cleared")
	return nil
}

// attemptReconnect tries to reconnect with exponential backoff.
// A CompareAndSwap guard prevents concurrent reconnection attempts; the loop
// runs until reconnection succeeds or max attempts is reached.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		w.logger.Debug("whatsapp: reconnect already in progress, skipping")
		return
	}
	defer w.reconnectGuard.Store(false)

	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil {
			w.logger.Debug("whatsapp: reconnect cancelled, context done")
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached",
				"attempts", attempts)
			w.setState(StateDisconnected)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)

		w.logger.Info("whatsapp: attempting reconnect",
			"attempt", attempts,
			"backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			w.logger.Debug("whatsapp: reconnect cancelled during backoff")
			return
		}

		if w.client == nil {
			w.logger.Warn("whatsapp: client is nil, cannot reconnect")
			return
		}

		// Disconnect first to clear any stale websocket state ("websocket is
		// already connected" on reconnect otherwise).
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed, will retry",
				"attempt", attempts,
				"error", err)
			continue
		}

		// Connection succeeded — the Connected event updates state.
		w.logger.Info("whatsapp: reconnect connection initiated, waiting for confirmation")
		return
	}
}

// Send sends a text message to the specified JID or bare phone number.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	waMsg := buildTextMessage(msg.Content, msg.ReplyTo)

	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}

	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// NeedsQR returns true if the WhatsApp session is not linked (needs QR scan).
func (w *WhatsApp) NeedsQR() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

// Health returns the WhatsApp channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	h.Details["state"] = string(w.getState())
	if w.client != nil && w.client.Store.ID != nil {
		h.Details["jid"] = w.client.Store.ID.String()
		h.Details["platform"] = w.client.Store.Platform
	}
	h.Details["reconnect_attempts"] = w.reconnectAttempts.Load()
	return h
}

// ---------- MediaChannel Interface ----------

// SendMedia sends a single media message (image, audio, video, document).
func (w *WhatsApp) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}

	waMsg, err := w.buildMediaMessage(ctx, media)
	if err != nil {
		return fmt.Errorf("building media message: %w", err)
	}

	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending media: %w", err)
	}

	return nil
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a typing indicator.
func (w *WhatsApp) SendTyping(ctx context.Context, to string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// SendPresence updates the bot's online/offline status.
func (w *WhatsApp) SendPresence(ctx context.Context, available bool) error {
	if !w.connected.Load() {
		return nil
	}
	if available {
		return w.client.SendPresence(ctx, types.PresenceAvailable)
	}
	return w.client.SendPresence(ctx, types.PresenceUnavailable)
}

// IsTyping reports whether the counterparty in the given chat sent a
// "composing" presence recently (and no "paused" since). Requires the chat
// to have been presence-subscribed, which happens automatically on its first
// incoming message.
func (w *WhatsApp) IsTyping(chatID string) bool {
	jid, err := parseJID(chatID)
	if err != nil {
		return false
	}

	w.typingMu.RLock()
	since, ok := w.typing[jid.User]
	w.typingMu.RUnlock()

	if !ok {
		return false
	}
	return time.Since(since) < w.cfg.TypingStaleAfter
}

// MarkRead marks messages as read.
func (w *WhatsApp) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}

	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}

	return w.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

// ---------- ReactionChannel Interface ----------

// SendReaction sends an emoji reaction to a message sent by the counterparty.
func (w *WhatsApp) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}

	waMsg := w.client.BuildReaction(jid, jid, types.MessageID(messageID), emoji)
	_, err = w.client.SendMessage(ctx, jid, waMsg)
	return err
}

// ---------- RegistrationChannel Interface ----------

// IsRegistered reports whether the given phone number (digits only) has a
// WhatsApp account.
func (w *WhatsApp) IsRegistered(ctx context.Context, number string) (bool, error) {
	if !w.connected.Load() {
		return false, channels.ErrChannelDisconnected
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if digits == "" {
		return false, fmt.Errorf("no digits in number %q", number)
	}

	resp, err := w.client.IsOnWhatsApp(ctx, []string{"+" + digits})
	if err != nil {
		return false, fmt.Errorf("registration lookup: %w", err)
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}

// ---------- Internal ----------

// getDevice retrieves an existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR handles the QR code login flow. QR codes are delivered to
// observers (the login command renders them in the terminal).
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	w.setState(StateWaitingQR)
	w.logger.Info("whatsapp: waiting for QR code scan")

	qrAttempts := 0

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				qrAttempts++
				w.setState(StateWaitingQR)
				w.logger.Info("whatsapp: QR code ready", "attempt", qrAttempts)

				w.notifyQR(QREvent{
					Type:    "code",
					Code:    evt.Code,
					Message: "Scan the QR code with WhatsApp to link your device",
				})

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.setState(StateConnected)
				w.logger.Info("whatsapp: login successful!")
				w.notifyQR(QREvent{
					Type:    "success",
					Message: "WhatsApp linked successfully!",
				})
				return nil

			case "timeout":
				w.setState(StateDisconnected)
				w.logger.Warn("whatsapp: QR code expired")
				w.notifyQR(QREvent{
					Type:    "timeout",
					Message: "QR code expired, run login again",
				})
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.logger.Error("whatsapp: QR login error", "error", evt.Error)
					w.notifyQR(QREvent{
						Type:    "error",
						Message: fmt.Sprintf("Error: %s", evt.Error.Error()),
					})
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// subscribePresence subscribes to presence updates for a chat, once. Without
// the subscription WhatsApp never delivers ChatPresence (typing) events, so
// the typing probe would always answer false.
func (w *WhatsApp) subscribePresence(jid types.JID) {
	w.presenceSubsMu.Lock()
	if w.presenceSubs[jid.User] {
		w.presenceSubsMu.Unlock()
		return
	}
	w.presenceSubs[jid.User] = true
	w.presenceSubsMu.Unlock()

	if err := w.client.SubscribePresence(w.ctx, jid); err != nil {
		w.logger.Debug("whatsapp: presence subscribe failed",
			"jid", jid.String(), "error", err)
	}
}

// emitMessage sends a message to the incoming messages channel.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}

	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: message channel full, dropping message",
			"from", msg.From, "type", msg.Type)
	}
}
