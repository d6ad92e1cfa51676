package whatsapp

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	t.Run("creates instance with defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		w := New(cfg, logger)

		if w == nil {
			t.Fatal("expected non-nil WhatsApp instance")
		}
		if w.Name() != "whatsapp" {
			t.Errorf("expected name 'whatsapp', got %s", w.Name())
		}
		if w.getState() != StateDisconnected {
			t.Errorf("expected initial state 'disconnected', got %s", w.getState())
		}
	})

	t.Run("uses default logger if nil", func(t *testing.T) {
		cfg := DefaultConfig()
		w := New(cfg, nil)

		if w == nil {
			t.Fatal("expected non-nil WhatsApp instance")
		}
		if w.logger == nil {
			t.Error("expected logger to be set")
		}
	})

	t.Run("applies defaults for zero values", func(t *testing.T) {
		cfg := Config{
			SessionDir: "./sessions",
		}
		w := New(cfg, logger)

		if w.cfg.ReconnectBackoff != 5*time.Second {
			t.Errorf("expected default backoff 5s, got %v", w.cfg.ReconnectBackoff)
		}
		if w.cfg.TypingStaleAfter != 30*time.Second {
			t.Errorf("expected default typing staleness 30s, got %v", w.cfg.TypingStaleAfter)
		}
	})

	t.Run("accepts DatabasePath for shared database", func(t *testing.T) {
		cfg := Config{
			DatabasePath: "./data/leadclaw.db",
		}
		w := New(cfg, logger)

		if w.cfg.DatabasePath != "./data/leadclaw.db" {
			t.Errorf("expected DatabasePath './data/leadclaw.db', got %q", w.cfg.DatabasePath)
		}
	})

	t.Run("auto read is off by default", func(t *testing.T) {
		if DefaultConfig().AutoRead {
			t.Error("expected AutoRead disabled by default")
		}
	})
}

func TestStateManagement(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	w := New(cfg, logger)

	t.Run("initial state is disconnected", func(t *testing.T) {
		if w.getState() != StateDisconnected {
			t.Errorf("expected 'disconnected', got %s", w.getState())
		}
	})

	t.Run("setState updates state", func(t *testing.T) {
		w.setState(StateConnecting)
		if w.getState() != StateConnecting {
			t.Errorf("expected 'connecting', got %s", w.getState())
		}

		w.setState(StateConnected)
		if w.getState() != StateConnected {
			t.Errorf("expected 'connected', got %s", w.getState())
		}
	})

	t.Run("GetState returns current state", func(t *testing.T) {
		w.setState(StateWaitingQR)
		if w.GetState() != StateWaitingQR {
			t.Errorf("expected 'waiting_qr', got %s", w.GetState())
		}
	})
}

func TestQRSubscription(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	w := New(cfg, logger)

	t.Run("subscribe receives events", func(t *testing.T) {
		ch, unsubscribe := w.SubscribeQR()
		defer unsubscribe()

		w.notifyQR(QREvent{
			Type:    "code",
			Code:    "test-qr-code",
			Message: "Scan the QR code",
		})

		select {
		case evt := <-ch:
			if evt.Type != "code" {
				t.Errorf("expected type 'code', got %s", evt.Type)
			}
			if evt.Code != "test-qr-code" {
				t.Errorf("expected code 'test-qr-code', got %s", evt.Code)
			}
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for QR event")
		}
	})

	t.Run("unsubscribe stops receiving events", func(t *testing.T) {
		w.lastQR = nil

		ch, unsubscribe := w.SubscribeQR()
		unsubscribe()

		w.notifyQR(QREvent{
			Type:    "code",
			Code:    "should-not-receive",
			Message: "Test",
		})

		select {
		case _, ok := <-ch:
			if ok {
				t.Error("expected channel to be closed after unsubscribe")
			}
		default:
			// Channel was closed.
		}
	})

	t.Run("multiple observers receive same event", func(t *testing.T) {
		w.lastQR = nil

		ch1, unsub1 := w.SubscribeQR()
		ch2, unsub2 := w.SubscribeQR()
		defer unsub1()
		defer unsub2()

		w.notifyQR(QREvent{
			Type:    "success",
			Message: "Connected!",
		})

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			select {
			case evt := <-ch1:
				if evt.Type != "success" {
					t.Errorf("ch1: expected 'success', got %s", evt.Type)
				}
			case <-time.After(1 * time.Second):
				t.Error("ch1: timeout")
			}
		}()

		go func() {
			defer wg.Done()
			select {
			case evt := <-ch2:
				if evt.Type != "success" {
					t.Errorf("ch2: expected 'success', got %s", evt.Type)
				}
			case <-time.After(1 * time.Second):
				t.Error("ch2: timeout")
			}
		}()

		wg.Wait()
	})

	t.Run("late observer receives cached QR", func(t *testing.T) {
		w.notifyQR(QREvent{
			Type:    "code",
			Code:    "cached-qr",
			Message: "Scan me",
		})

		ch, unsubscribe := w.SubscribeQR()
		defer unsubscribe()

		select {
		case evt := <-ch:
			if evt.Code != "cached-qr" {
				t.Errorf("expected cached QR, got %s", evt.Code)
			}
		case <-time.After(1 * time.Second):
			t.Error("expected to receive cached QR")
		}
	})

	t.Run("success clears QR cache", func(t *testing.T) {
		w.notifyQR(QREvent{
			Type:    "code",
			Code:    "to-be-cleared",
			Message: "Scan me",
		})
		w.notifyQR(QREvent{
			Type:    "success",
			Message: "Connected!",
		})

		if w.lastQR != nil {
			t.Error("expected lastQR to be cleared on success")
		}
	})
}

func TestTypingTracking(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	w := New(cfg, logger)

	jid := types.NewJID("5511999999999", types.DefaultUserServer)

	t.Run("not typing without presence events", func(t *testing.T) {
		if w.IsTyping("5511999999999") {
			t.Error("expected not typing initially")
		}
	})

	t.Run("composing marks chat as typing", func(t *testing.T) {
		w.handleChatPresence(&events.ChatPresence{
			MessageSource: types.MessageSource{Chat: jid},
			State:         types.ChatPresenceComposing,
		})

		if !w.IsTyping("5511999999999") {
			t.Error("expected typing after composing event")
		}
	})

	t.Run("paused clears typing", func(t *testing.T) {
		w.handleChatPresence(&events.ChatPresence{
			MessageSource: types.MessageSource{Chat: jid},
			State:         types.ChatPresenceComposing,
		})
		w.handleChatPresence(&events.ChatPresence{
			MessageSource: types.MessageSource{Chat: jid},
			State:         types.ChatPresencePaused,
		})

		if w.IsTyping("5511999999999") {
			t.Error("expected not typing after paused event")
		}
	})

	t.Run("composing goes stale", func(t *testing.T) {
		w.typingMu.Lock()
		w.typing[jid.User] = time.Now().Add(-time.Minute)
		w.typingMu.Unlock()

		if w.IsTyping("5511999999999") {
			t.Error("expected stale composing to count as not typing")
		}
	})

	t.Run("unparseable chat id is not typing", func(t *testing.T) {
		if w.IsTyping("abc") {
			t.Error("expected false for unparseable chat id")
		}
	})
}

func TestExtractMessageContent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	w := New(DefaultConfig(), logger)

	t.Run("plain conversation", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waProto.Message{
			Conversation: proto.String("hello there"),
		}, msg)

		if msg.Type != channels.MessageText {
			t.Errorf("expected text type, got %s", msg.Type)
		}
		if msg.Content != "hello there" {
			t.Errorf("expected content 'hello there', got %q", msg.Content)
		}
	})

	t.Run("extended text with quote", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waProto.Message{
			ExtendedTextMessage: &waProto.ExtendedTextMessage{
				Text: proto.String("replying"),
				ContextInfo: &waProto.ContextInfo{
					StanzaID: proto.String("quoted-id"),
				},
			},
		}, msg)

		if msg.Content != "replying" {
			t.Errorf("expected content 'replying', got %q", msg.Content)
		}
		if msg.ReplyTo != "quoted-id" {
			t.Errorf("expected reply-to 'quoted-id', got %q", msg.ReplyTo)
		}
	})

	t.Run("image without caption gets placeholder", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waProto.Message{
			ImageMessage: &waProto.ImageMessage{
				Mimetype: proto.String("image/jpeg"),
			},
		}, msg)

		if msg.Type != channels.MessageImage {
			t.Errorf("expected image type, got %s", msg.Type)
		}
		if msg.Content != "[image]" {
			t.Errorf("expected '[image]' placeholder, got %q", msg.Content)
		}
		if msg.Media == nil || msg.Media.MimeType != "image/jpeg" {
			t.Errorf("expected media info with mime type, got %+v", msg.Media)
		}
	})

	t.Run("image with caption keeps caption", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waProto.Message{
			ImageMessage: &waProto.ImageMessage{
				Caption: proto.String("the kitchen"),
			},
		}, msg)

		if msg.Content != "the kitchen" {
			t.Errorf("expected caption content, got %q", msg.Content)
		}
	})

	t.Run("voice note placeholder", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waProto.Message{
			AudioMessage: &waProto.AudioMessage{
				PTT:     proto.Bool(true),
				Seconds: proto.Uint32(12),
			},
		}, msg)

		if msg.Content != "[voice note]" {
			t.Errorf("expected '[voice note]', got %q", msg.Content)
		}
		if msg.Media == nil || msg.Media.Duration != 12 {
			t.Errorf("expected duration 12, got %+v", msg.Media)
		}
	})

	t.Run("document placeholder includes filename", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waProto.Message{
			DocumentMessage: &waProto.DocumentMessage{
				FileName: proto.String("contract.pdf"),
			},
		}, msg)

		if msg.Content != "[document: contract.pdf]" {
			t.Errorf("expected document placeholder, got %q", msg.Content)
		}
	})

	t.Run("sticker placeholder", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waProto.Message{
			StickerMessage: &waProto.StickerMessage{},
		}, msg)

		if msg.Content != "[sticker]" {
			t.Errorf("expected '[sticker]', got %q", msg.Content)
		}
	})
}

func TestBuildTextMessage(t *testing.T) {
	t.Run("plain text uses conversation", func(t *testing.T) {
		msg := buildTextMessage("hi", "")
		if msg.GetConversation() != "hi" {
			t.Errorf("expected conversation 'hi', got %q", msg.GetConversation())
		}
		if msg.GetExtendedTextMessage() != nil {
			t.Error("expected no extended text for plain message")
		}
	})

	t.Run("reply uses extended text with stanza id", func(t *testing.T) {
		msg := buildTextMessage("hi", "original-id")
		ext := msg.GetExtendedTextMessage()
		if ext == nil {
			t.Fatal("expected extended text message")
		}
		if ext.GetText() != "hi" {
			t.Errorf("expected text 'hi', got %q", ext.GetText())
		}
		if ext.GetContextInfo().GetStanzaID() != "original-id" {
			t.Errorf("expected stanza id 'original-id', got %q",
				ext.GetContextInfo().GetStanzaID())
		}
	})
}

func TestParseJID(t *testing.T) {
	t.Run("bare number", func(t *testing.T) {
		jid, err := parseJID("5511999999999")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.User != "5511999999999" {
			t.Errorf("expected user '5511999999999', got %q", jid.User)
		}
		if jid.Server != types.DefaultUserServer {
			t.Errorf("expected default server, got %q", jid.Server)
		}
	})

	t.Run("formatted number is normalized", func(t *testing.T) {
		jid, err := parseJID("+55 (11) 99999-9999")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.User != "5511999999999" {
			t.Errorf("expected digits only, got %q", jid.User)
		}
	})

	t.Run("full JID passes through", func(t *testing.T) {
		jid, err := parseJID("5511999999999@s.whatsapp.net")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.User != "5511999999999" {
			t.Errorf("expected user preserved, got %q", jid.User)
		}
	})

	t.Run("too short fails", func(t *testing.T) {
		if _, err := parseJID("12345"); err == nil {
			t.Error("expected error for short number")
		}
	})

	t.Run("empty fails", func(t *testing.T) {
		if _, err := parseJID(""); err == nil {
			t.Error("expected error for empty input")
		}
	})
}

func TestHealth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	w := New(cfg, logger)

	t.Run("returns health status", func(t *testing.T) {
		health := w.Health()

		if health.Connected {
			t.Error("expected not connected initially")
		}
		if health.Details["state"] != string(StateDisconnected) {
			t.Errorf("expected state in details, got %v", health.Details)
		}
	})

	t.Run("tracks error count", func(t *testing.T) {
		w.errorCount.Store(5)
		health := w.Health()

		if health.ErrorCount != 5 {
			t.Errorf("expected error count 5, got %d", health.ErrorCount)
		}
	})
}

func TestNeedsQR(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	w := New(cfg, logger)

	t.Run("no QR needed when client is nil", func(t *testing.T) {
		if w.NeedsQR() {
			t.Error("expected NeedsQR=false when client is nil")
		}
	})
}

func TestIsConnected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	w := New(cfg, logger)

	t.Run("not connected initially", func(t *testing.T) {
		if w.IsConnected() {
			t.Error("expected not connected initially")
		}
	})

	t.Run("connected flag works", func(t *testing.T) {
		w.connected.Store(true)
		if !w.IsConnected() {
			t.Error("expected connected after setting flag")
		}
		w.connected.Store(false)
	})
}

func TestDisconnect(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	w := New(cfg, logger)

	t.Run("disconnect updates state", func(t *testing.T) {
		w.messages = make(chan *channels.IncomingMessage, 256)
		w.ctx, w.cancel = context.WithCancel(context.Background())
		w.connected.Store(true)
		w.setState(StateConnected)

		err := w.Disconnect()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}

		if w.getState() != StateDisconnected {
			t.Errorf("expected state 'disconnected', got %s", w.getState())
		}
		if w.IsConnected() {
			t.Error("expected connected=false after disconnect")
		}
	})
}

func TestSendWhenDisconnected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := DefaultConfig()
	w := New(cfg, logger)

	t.Run("send fails when disconnected", func(t *testing.T) {
		ctx := context.Background()
		err := w.Send(ctx, "5511999999999", &channels.OutgoingMessage{
			Content: "test",
		})

		if err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})

	t.Run("send media fails when disconnected", func(t *testing.T) {
		ctx := context.Background()
		err := w.SendMedia(ctx, "5511999999999", &channels.MediaMessage{
			Type: channels.MessageImage,
		})

		if err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})

	t.Run("send reaction fails when disconnected", func(t *testing.T) {
		ctx := context.Background()
		err := w.SendReaction(ctx, "5511999999999", "msg-id", "👍")

		if err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})

	t.Run("registration lookup fails when disconnected", func(t *testing.T) {
		ctx := context.Background()
		_, err := w.IsRegistered(ctx, "5511999999999")

		if err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})
}
