// Package gateway provides the HTTP admin API for LeadClaw: contact CRUD
// plus the conversation operations (initiate, pause, resume, respond).
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// Engine is the slice of the outreach engine the gateway drives.
// Satisfied by *outreach.Engine.
type Engine interface {
	Initiate(ctx context.Context, contactID int64) (*outreach.Contact, error)
	Respond(ctx context.Context, contactID int64) (*outreach.RespondResult, error)
	Channel() channels.Channel
}

// Gateway is the HTTP server exposing the admin API.
type Gateway struct {
	engine    Engine
	contacts  *outreach.ContactStore
	config    outreach.GatewayConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway.
func New(engine Engine, contacts *outreach.ContactStore, cfg outreach.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8087"
	}
	return &Gateway{
		engine:    engine,
		contacts:  contacts,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the route mux wrapped in the middleware chain.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/contacts", g.handleContacts)
	mux.HandleFunc("/api/contacts/", g.handleContactByID)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(g.requestIDMiddleware(mux))))
}

// Start begins listening on the configured address.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:    g.config.Address,
		Handler: g.Handler(),
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		isLocalName := host == "localhost"
		if !isLoopback && !isLocalName {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address, anyone on the network can manage contacts",
				"address", g.config.Address)
		}
	}

	g.logger.Info("gateway started", "address", g.config.Address)

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("stopping gateway")
	return g.server.Shutdown(ctx)
}

// securityHeadersMiddleware sets standard hardening headers on every
// response.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

