package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState represents the WhatsApp connection lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateQRScanned    ConnectionState = "qr_scanned"
	StateLoggingOut   ConnectionState = "logging_out"
	StateBanned       ConnectionState = "banned"
)

// handleEvent dispatches whatsmeow events.
func (w *WhatsApp) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessageEvt(e)

	case *events.ChatPresence:
		w.handleChatPresence(e)

	case *events.CallOffer:
		w.handleCallOffer(e)

	case *events.Receipt:
		w.handleReceipt(e)

	case *events.Connected:
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.reconnectAttempts.Store(0)
		w.setState(StateConnected)
		w.logger.Info("whatsapp: connected", "jid", w.getClientJID())

	case *events.Disconnected:
		w.connected.Store(false)
		if w.getState() != StateLoggingOut {
			w.setState(StateDisconnected)
		}
		w.logger.Warn("whatsapp: disconnected (whatsmeow will auto-reconnect)")

	case *events.StreamReplaced:
		// Another client took over this session (e.g. leadclaw started twice).
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Error("whatsapp: stream replaced — another instance is using this session")

	case *events.LoggedOut:
		// Device was unlinked from the phone.
		w.connected.Store(false)
		w.setState(StateWaitingQR)
		reason := "unknown"
		if e.Reason != 0 {
			reason = e.Reason.String()
		}
		w.logger.Error("whatsapp: logged out remotely, QR login required",
			"reason", reason,
			"on_connect", e.OnConnect)
		w.notifyQR(QREvent{
			Type:    "refresh",
			Message: "Device was unlinked, scan a new QR code",
		})

	case *events.TemporaryBan:
		w.connected.Store(false)
		w.setState(StateBanned)
		w.logger.Error("whatsapp: temporarily banned",
			"code", e.Code,
			"expire", e.Expire)

	case *events.KeepAliveTimeout:
		w.errorCount.Add(1)
		w.logger.Warn("whatsapp: keepalive timeout",
			"error_count", e.ErrorCount)
		// whatsmeow retries on its own; if it keeps failing, force our own
		// reconnect cycle.
		if e.ErrorCount >= 3 {
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.errorCount.Store(0)
		w.logger.Info("whatsapp: keepalive restored")

	case *events.ConnectFailure:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		reason := "unknown"
		if e.Reason != 0 {
			reason = e.Reason.String()
		}
		permanent := e.PermanentDisconnectDescription()
		w.logger.Error("whatsapp: connect failure",
			"reason", reason,
			"message", e.Message,
			"permanent", permanent)
		// Reconnecting into a permanent failure (ban, client outdated) would
		// just loop.
		if permanent == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamError:
		w.logger.Error("whatsapp: stream error", "code", e.Code)
		// 515 means the server wants a restart after pairing; whatsmeow
		// handles it. Other codes get our reconnect cycle.
		switch e.Code {
		case "540", "541", "503":
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.HistorySync:
		w.logger.Debug("whatsapp: history sync received")

	case *events.PushName:
		w.logger.Debug("whatsapp: push name updated",
			"jid", e.JID.String(),
			"name", e.NewPushName)

	case *events.PairSuccess:
		w.setState(StateQRScanned)
		w.logger.Info("whatsapp: QR scanned, pairing",
			"jid", e.ID.String())
		w.notifyQR(QREvent{
			Type:    "success",
			Message: "QR code scanned, completing pairing...",
		})

	case *events.QRScannedWithoutMultidevice:
		w.logger.Warn("whatsapp: QR scanned but multidevice is disabled on the phone")
		w.notifyQR(QREvent{
			Type:    "error",
			Message: "Enable multi-device in WhatsApp settings and scan again",
		})
	}
}

// handleMessageEvt converts a whatsmeow message into an IncomingMessage.
// Messages sent from the operator's own phone are emitted too (flagged
// IsFromMe) so the conversation log records both sides of a chat.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	// Broadcasts and status updates are never conversations.
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	isGroup := evt.Info.IsGroup

	// Group chats are out of scope for an outreach bot.
	if isGroup {
		return
	}

	// Reactions arrive as messages but carry no conversational content.
	if evt.Message.GetReactionMessage() != nil {
		return
	}

	sender := evt.Info.Sender
	chat := evt.Info.Chat

	// Newer WhatsApp versions hide the phone number behind an anonymized
	// @lid JID. Resolve it back to the phone JID so contact matching by
	// number keeps working.
	if sender.Server == types.HiddenUserServer {
		if pn, err := w.client.Store.GetAltJID(w.ctx, sender); err == nil && !pn.IsEmpty() {
			sender = pn
		}
	}
	if chat.Server == types.HiddenUserServer {
		if pn, err := w.client.Store.GetAltJID(w.ctx, chat); err == nil && !pn.IsEmpty() {
			chat = pn
		}
	}

	msg := &channels.IncomingMessage{
		ID:        evt.Info.ID,
		Channel:   "whatsapp",
		From:      sender.User,
		FromName:  evt.Info.PushName,
		ChatID:    chat.User,
		IsGroup:   isGroup,
		IsFromMe:  evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
		Metadata: map[string]any{
			"sender_jid": sender.String(),
			"chat_jid":   chat.String(),
		},
	}

	w.extractMessageContent(evt.Message, msg)

	if msg.Content == "" && msg.Media == nil {
		// Protocol messages, receipts-in-disguise, etc.
		return
	}

	// Make sure typing probes for this chat can work later.
	if !evt.Info.IsFromMe {
		w.subscribePresence(chat)
	}

	w.emitMessage(msg)

	if w.cfg.AutoRead && !evt.Info.IsFromMe {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.MarkRead(ctx, chat.User, []string{evt.Info.ID}); err != nil {
				w.logger.Debug("whatsapp: auto-read failed", "error", err)
			}
		}()
	}
}

// handleChatPresence records typing state per chat. WhatsApp sends
// "composing" repeatedly while the user types and "paused" when they stop.
func (w *WhatsApp) handleChatPresence(evt *events.ChatPresence) {
	chat := evt.Chat
	if chat.Server == types.HiddenUserServer {
		if pn, err := w.client.Store.GetAltJID(w.ctx, chat); err == nil && !pn.IsEmpty() {
			chat = pn
		}
	}

	w.typingMu.Lock()
	defer w.typingMu.Unlock()

	switch evt.State {
	case types.ChatPresenceComposing:
		w.typing[chat.User] = time.Now()
	case types.ChatPresencePaused:
		delete(w.typing, chat.User)
	}
}

// handleCallOffer surfaces incoming calls as a synthetic message so the
// conversation log shows them.
func (w *WhatsApp) handleCallOffer(evt *events.CallOffer) {
	from := evt.BasicCallMeta.From
	if from.Server == types.HiddenUserServer {
		if pn, err := w.client.Store.GetAltJID(w.ctx, from); err == nil && !pn.IsEmpty() {
			from = pn
		}
	}

	w.emitMessage(&channels.IncomingMessage{
		ID:        evt.BasicCallMeta.CallID,
		Channel:   "whatsapp",
		From:      from.User,
		ChatID:    from.User,
		Type:      channels.MessageCall,
		Content:   "[incoming call]",
		Timestamp: evt.BasicCallMeta.Timestamp,
	})
}

// handleReceipt processes delivery/read receipts.
func (w *WhatsApp) handleReceipt(evt *events.Receipt) {
	switch evt.Type {
	case types.ReceiptTypeRead:
		w.logger.Debug("whatsapp: message read",
			"by", evt.SourceString(),
			"ids", evt.MessageIDs)
	case types.ReceiptTypeDelivered:
		w.logger.Debug("whatsapp: message delivered",
			"to", evt.SourceString(),
			"ids", evt.MessageIDs)
	}
}

// extractMessageContent extracts text and media info from the proto.
// Media without a caption gets a bracketed placeholder so the conversation
// log always has something readable.
func (w *WhatsApp) extractMessageContent(message *waProto.Message, msg *channels.IncomingMessage) {
	switch {
	case message.GetConversation() != "":
		msg.Type = channels.MessageText
		msg.Content = message.GetConversation()

	case message.GetExtendedTextMessage() != nil:
		ext := message.GetExtendedTextMessage()
		msg.Type = channels.MessageText
		msg.Content = ext.GetText()
		msg.ReplyTo = extractQuotedID(ext.GetContextInfo())

	case message.GetImageMessage() != nil:
		img := message.GetImageMessage()
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		if msg.Content == "" {
			msg.Content = "[image]"
		}
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: img.GetMimetype(),
			Caption:  img.GetCaption(),
		}
		msg.ReplyTo = extractQuotedID(img.GetContextInfo())

	case message.GetAudioMessage() != nil:
		audio := message.GetAudioMessage()
		msg.Type = channels.MessageAudio
		if audio.GetPTT() {
			msg.Content = "[voice note]"
		} else {
			msg.Content = "[audio]"
		}
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: audio.GetMimetype(),
			Duration: audio.GetSeconds(),
		}

	case message.GetVideoMessage() != nil:
		video := message.GetVideoMessage()
		msg.Type = channels.MessageVideo
		msg.Content = video.GetCaption()
		if msg.Content == "" {
			msg.Content = "[video]"
		}
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageVideo,
			MimeType: video.GetMimetype(),
			Caption:  video.GetCaption(),
			Duration: video.GetSeconds(),
		}
		msg.ReplyTo = extractQuotedID(video.GetContextInfo())

	case message.GetDocumentMessage() != nil:
		doc := message.GetDocumentMessage()
		msg.Type = channels.MessageDocument
		msg.Content = fmt.Sprintf("[document: %s]", doc.GetFileName())
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageDocument,
			MimeType: doc.GetMimetype(),
			Filename: doc.GetFileName(),
			Caption:  doc.GetCaption(),
		}

	case message.GetStickerMessage() != nil:
		msg.Type = channels.MessageSticker
		msg.Content = "[sticker]"

	case message.GetLocationMessage() != nil:
		loc := message.GetLocationMessage()
		msg.Type = channels.MessageLocation
		msg.Content = fmt.Sprintf("[location: %.6f, %.6f]",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude())

	case message.GetContactMessage() != nil:
		contact := message.GetContactMessage()
		msg.Type = channels.MessageContact
		msg.Content = fmt.Sprintf("[contact: %s]", contact.GetDisplayName())
	}
}

// extractQuotedID pulls the quoted message ID out of a context info, if any.
func extractQuotedID(ctx *waProto.ContextInfo) string {
	if ctx == nil {
		return ""
	}
	return ctx.GetStanzaID()
}

// parseJID converts a phone number or JID string to a whatsmeow JID.
func parseJID(s string) (types.JID, error) {
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	// Already a full JID.
	if strings.Contains(s, "@") {
		jid, err := types.ParseJID(s)
		if err != nil {
			return types.JID{}, err
		}
		return jid, nil
	}

	// Phone number — strip non-digits.
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("number too short: %q", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
