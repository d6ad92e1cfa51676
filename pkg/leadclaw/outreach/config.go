// Package outreach – config.go defines all configuration structures
// for the LeadClaw outreach engine.
package outreach

import (
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/whatsapp"
)

// Config holds all engine configuration.
type Config struct {
	// Name is the bot name shown in alerts and the WhatsApp device list.
	Name string `yaml:"name"`

	// Model is the LLM model to use (e.g. "gpt-5-mini").
	Model string `yaml:"model"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Responder configures message coalescing and reply behavior.
	Responder ResponderConfig `yaml:"responder"`

	// Outreach configures the scheduled initiate runs.
	Outreach OutreachConfig `yaml:"outreach"`

	// Channels configures communication channels.
	Channels ChannelsConfig `yaml:"channels"`

	// Gateway configures the HTTP API gateway.
	Gateway GatewayConfig `yaml:"gateway"`

	// Notify configures operator alerts.
	Notify NotifyConfig `yaml:"notify"`

	// Database configures the SQLite database (leadclaw.db).
	Database DatabaseConfig `yaml:"database"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the LLM provider endpoint and credentials.
type APIConfig struct {
	// BaseURL is the API base URL (OpenAI-compatible endpoint).
	// Examples:
	//   https://api.openai.com/v1           (OpenAI)
	//   https://api.z.ai/api/anthropic      (GLM / Anthropic proxy)
	//   https://api.anthropic.com           (Anthropic direct)
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider.
	// Can also be set via the LEADCLAW_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Provider hints which API format to use ("openai", "anthropic").
	// Auto-detected from base_url if omitted.
	Provider string `yaml:"provider"`

	// Temperature is the sampling temperature (default: 0.7).
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the completion length (default: 1024).
	MaxTokens int `yaml:"max_tokens"`
}

// ResponderConfig configures how incoming messages are coalesced and answered.
type ResponderConfig struct {
	// QuietWindow is how long a chat must stay silent before its buffered
	// messages are answered. Every new arrival restarts the window.
	QuietWindow time.Duration `yaml:"quiet_window"`

	// TypingPoll is the interval between typing probes while waiting for
	// the contact to stop typing.
	TypingPoll time.Duration `yaml:"typing_poll"`

	// TypingMaxWait caps the total time spent waiting on a typing contact
	// before answering anyway.
	TypingMaxWait time.Duration `yaml:"typing_max_wait"`

	// HistoryLimit is the max conversation lines included in the prompt.
	HistoryLimit int `yaml:"history_limit"`

	// MaxBuffered is the max messages buffered per chat before the oldest
	// are dropped.
	MaxBuffered int `yaml:"max_buffered"`

	// MediaDir is the directory with property photos sent on request,
	// in filename order.
	MediaDir string `yaml:"media_dir"`

	// ContextFile is the path to the property information text the
	// responder is allowed to draw on.
	ContextFile string `yaml:"context_file"`

	// Greeting is the first message sent when a conversation is initiated.
	// Supports {name} and {agent} placeholders.
	Greeting string `yaml:"greeting"`
}

// Effective returns a copy with default values filled in for zero fields.
func (r ResponderConfig) Effective() ResponderConfig {
	out := r
	if out.QuietWindow <= 0 {
		out.QuietWindow = 25 * time.Second
	}
	if out.TypingPoll <= 0 {
		out.TypingPoll = 15 * time.Second
	}
	if out.TypingMaxWait <= 0 {
		out.TypingMaxWait = 4 * time.Minute
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = 250
	}
	if out.MaxBuffered <= 0 {
		out.MaxBuffered = 100
	}
	if out.Greeting == "" {
		out.Greeting = defaultGreeting
	}
	return out
}

const defaultGreeting = "Hi {name}! This is {agent}. You asked about the property we have listed. Happy to answer any questions you have about it."

// OutreachConfig configures scheduled initiation of pending contacts.
type OutreachConfig struct {
	// Enabled turns the outreach scheduler on/off (default: false).
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression for outreach runs (default: "0 9 * * *",
	// daily at 09:00).
	Schedule string `yaml:"schedule"`

	// BatchLimit is the max contacts initiated per run (default: 10).
	BatchLimit int `yaml:"batch_limit"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	// WhatsApp is the WhatsApp channel config (core).
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	// Enabled turns the gateway on/off (default: true — the CLI contact
	// commands talk to it).
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8087").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for /api/* auth (empty = no auth).
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins for browser clients (empty = no
	// CORS headers).
	CORSOrigins []string `yaml:"cors_origins"`
}

// NotifyConfig configures operator alerts for events that need a human:
// a paused conversation, a model failure, an unregistered number.
type NotifyConfig struct {
	// Discord sends alerts to a Discord channel.
	Discord DiscordNotifyConfig `yaml:"discord"`
}

// DiscordNotifyConfig configures the Discord alert sink.
type DiscordNotifyConfig struct {
	// Enabled turns Discord alerts on/off.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token. Can also be set via LEADCLAW_DISCORD_TOKEN.
	Token string `yaml:"token"`

	// ChannelID is the channel that receives alerts.
	ChannelID string `yaml:"channel_id"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	// Path is the database file path (default: "./data/leadclaw.db").
	Path string `yaml:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:  "LeadClaw",
		Model: "gpt-5-mini",
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Responder: ResponderConfig{
			QuietWindow:   25 * time.Second,
			TypingPoll:    15 * time.Second,
			TypingMaxWait: 4 * time.Minute,
			HistoryLimit:  250,
			MaxBuffered:   100,
			MediaDir:      "./media",
			ContextFile:   "./property.md",
			Greeting:      defaultGreeting,
		},
		Outreach: OutreachConfig{
			Enabled:    false,
			Schedule:   "0 9 * * *",
			BatchLimit: 10,
		},
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Address: ":8087",
		},
		Database: DatabaseConfig{
			Path: "./data/leadclaw.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
