// Package notify delivers operator alerts for events that need a human:
// paused conversations, model failures, unregistered numbers.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// Discord posts alerts to a Discord channel. Only the REST API is used, no
// gateway WebSocket is opened: a bot token with permission to post in the
// target channel is enough.
type Discord struct {
	cfg     outreach.DiscordNotifyConfig
	session *discordgo.Session
	logger  *slog.Logger
}

// NewDiscord creates the Discord alert sink.
func NewDiscord(cfg outreach.DiscordNotifyConfig, logger *slog.Logger) (*Discord, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if cfg.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	return &Discord{
		cfg:     cfg,
		session: session,
		logger:  logger.With("component", "notify"),
	}, nil
}

// Notify implements outreach.Notifier.
func (d *Discord) Notify(ctx context.Context, text string) error {
	// Discord has a 2000 character limit per message.
	if len(text) > 2000 {
		text = text[:1997] + "..."
	}
	if _, err := d.session.ChannelMessageSend(d.cfg.ChannelID, text); err != nil {
		return fmt.Errorf("discord: sending alert: %w", err)
	}
	return nil
}
