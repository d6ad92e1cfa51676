package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// HealthMonitorConfig configures proactive connection health monitoring.
// The whatsmeow websocket can go half-open: IsConnected() still reports true
// but nothing flows. The monitor detects prolonged silence and forces a
// reconnect cycle.
type HealthMonitorConfig struct {
	// Enabled turns the monitor on.
	Enabled bool `yaml:"enabled"`
	// CheckInterval is how often the connection is inspected.
	CheckInterval time.Duration `yaml:"check_interval"`
	// MaxSilentDuration logs a warning when nothing was received for this long.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`
	// ForceReconnectAfter forces a reconnect when nothing was received for this long.
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultHealthMonitorConfig returns the default monitoring configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
	}
}

// StartHealthMonitor starts the background health check loop. It stops when
// the context is cancelled.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()

		w.logger.Info("whatsapp: health monitor started",
			"check_interval", cfg.CheckInterval,
			"force_reconnect_after", cfg.ForceReconnectAfter)

		for {
			select {
			case <-ctx.Done():
				w.logger.Debug("whatsapp: health monitor stopped")
				return
			case <-ticker.C:
				w.performHealthCheck(cfg)
			}
		}
	}()

	w.startPinger(ctx)
}

// performHealthCheck inspects the connection and forces a reconnect on
// prolonged silence.
func (w *WhatsApp) performHealthCheck(cfg HealthMonitorConfig) {
	if w.getState() == StateWaitingQR || w.getState() == StateBanned {
		return
	}

	if w.client == nil || !w.client.IsConnected() {
		if w.connected.Load() {
			// Our flag says connected but the socket says no.
			w.logger.Warn("whatsapp: health check found dead socket, reconnecting")
			w.connected.Store(false)
			go w.attemptReconnect()
		}
		return
	}

	lastMsg, ok := w.lastMsg.Load().(time.Time)
	if !ok || lastMsg.IsZero() {
		return
	}

	silent := time.Since(lastMsg)

	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		w.logger.Warn("whatsapp: no traffic for too long, forcing reconnect",
			"silent_for", silent.Round(time.Second))
		w.connected.Store(false)
		w.client.Disconnect()
		go w.attemptReconnect()
		return
	}

	if cfg.MaxSilentDuration > 0 && silent > cfg.MaxSilentDuration {
		w.logger.Debug("whatsapp: connection quiet",
			"silent_for", silent.Round(time.Second))
	}
}

// startPinger periodically refreshes our presence so the server keeps the
// session warm.
func (w *WhatsApp) startPinger(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w.client != nil && w.client.IsConnected() {
					if err := w.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
						w.logger.Debug("whatsapp: presence ping failed", "error", err)
					}
				}
			}
		}
	}()
}

// UpdateLastMsgTime records activity for the health monitor. Called by
// emitMessage; exposed for callers that send without receiving.
func (w *WhatsApp) UpdateLastMsgTime() {
	w.lastMsg.Store(time.Now())
}
