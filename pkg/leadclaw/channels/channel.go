// Package channels defines the interfaces and types for LeadClaw chat
// transports. The outreach engine never talks to a messaging platform
// directly; it speaks to these capability interfaces and discovers optional
// features (media, presence, reactions, registration lookup) by type
// assertion.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageCall     MessageType = "call"
)

// Channel defines the interface that every chat transport must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified recipient.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with media send capability. The engine streams
// property photos and brochures one file at a time through SendMedia.
type MediaChannel interface {
	Channel

	// SendMedia sends a single media message (image, audio, video, document).
	SendMedia(ctx context.Context, to string, media *MediaMessage) error
}

// PresenceChannel extends Channel with typing/presence indicators, both
// directions: the bot's own "typing..." while composing, and a probe for
// whether the counterparty is typing right now.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the recipient.
	SendTyping(ctx context.Context, to string) error

	// SendPresence updates the bot's presence status.
	SendPresence(ctx context.Context, available bool) error

	// IsTyping reports whether the counterparty in the chat is composing a
	// message right now, as observed from presence events. Implementations
	// that cannot observe presence return false.
	IsTyping(chatID string) bool

	// MarkRead marks messages in a chat as read ("seen").
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
}

// ReactionChannel extends Channel with message reaction support.
type ReactionChannel interface {
	Channel

	// SendReaction sends a reaction emoji to a specific message.
	SendReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// RegistrationChannel extends Channel with a number-registration lookup.
// The initiate flow refuses to message numbers the platform doesn't know.
type RegistrationChannel interface {
	Channel

	// IsRegistered reports whether the given phone number (digits only) has
	// an account on the platform.
	IsRegistered(ctx context.Context, number string) (bool, error)
}

// IncomingMessage represents a message received from a channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform (digits-only phone when
	// the transport can resolve it).
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the conversation identifier.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// IsFromMe indicates an echo of the account's own outbound message.
	IsFromMe bool

	// Type is the message content type.
	Type MessageType

	// Content is the text content, or a bracketed placeholder describing
	// non-text content (e.g. "[image]", "[voice note]").
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ReplyTo contains the ID of the message being replied to.
	ReplyTo string

	// Media contains media attachment details (if any).
	Media *MediaInfo

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// MediaMessage represents a media file to be sent.
type MediaMessage struct {
	// Type is the media type (image, audio, video, document).
	Type MessageType

	// Data is the raw media bytes.
	Data []byte

	// MimeType is the MIME type (e.g. "image/jpeg").
	MimeType string

	// Filename is the original filename (shown for documents).
	Filename string

	// Caption is the text caption accompanying the media.
	Caption string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	// Type is the media type.
	Type MessageType

	// MimeType is the MIME type of the media.
	MimeType string

	// Filename is the original filename (for documents).
	Filename string

	// Caption is the media caption text.
	Caption string

	// Duration is the duration in seconds (audio/video).
	Duration uint32
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
	ErrMediaNotSupported   = fmt.Errorf("media not supported by this channel")
)
