package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

const version = "1.0.0"

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(errorResponse{Error: struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// writeContactError maps the outreach error values onto HTTP statuses.
func (g *Gateway) writeContactError(w http.ResponseWriter, err error) {
	code := 500
	switch {
	case errors.Is(err, outreach.ErrContactNotFound):
		code = 404
	case errors.Is(err, outreach.ErrContactNotActive),
		errors.Is(err, outreach.ErrContactActive),
		errors.Is(err, outreach.ErrChatBusy):
		code = 409
	case errors.Is(err, outreach.ErrContactUnregistered):
		// Retrying cannot help: the number has no account on the channel.
		code = 422
	case errors.Is(err, outreach.ErrInvalidStatus):
		code = 400
	}
	g.writeError(w, err.Error(), code)
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	channelsMap := make(map[string]string)
	if ch := g.engine.Channel(); ch != nil {
		if ch.Health().Connected {
			channelsMap[ch.Name()] = "connected"
		} else {
			channelsMap[ch.Name()] = "disconnected"
		}
	}
	g.writeJSON(w, 200, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"channels": channelsMap,
	})
}

// contactRequest is the JSON body for creating and patching contacts.
// Pointer fields distinguish "not sent" from "set to empty".
type contactRequest struct {
	Name      *string `json:"name"`
	AgentName *string `json:"agent_name"`
	Phone     *string `json:"phone"`
	Notes     *string `json:"notes"`
	Status    *string `json:"status"`
}

func decodeContactRequest(r *http.Request) (*contactRequest, error) {
	// Limit request body to 1MB, contact payloads are tiny.
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read body")
	}
	var req contactRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body")
	}
	return &req, nil
}

// handleContacts implements GET /api/contacts and POST /api/contacts.
func (g *Gateway) handleContacts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		contacts, err := g.contacts.List(r.Context())
		if err != nil {
			g.writeError(w, err.Error(), 500)
			return
		}
		if contacts == nil {
			contacts = []*outreach.Contact{}
		}
		g.writeJSON(w, 200, map[string]any{"contacts": contacts})
	case http.MethodPost:
		req, err := decodeContactRequest(r)
		if err != nil {
			g.writeError(w, err.Error(), 400)
			return
		}
		contact := &outreach.Contact{}
		applyContactRequest(contact, req)
		if err := g.contacts.Create(r.Context(), contact); err != nil {
			g.writeError(w, err.Error(), 400)
			return
		}
		g.writeJSON(w, 201, contact)
	default:
		g.writeError(w, "method not allowed", 405)
	}
}

func applyContactRequest(c *outreach.Contact, req *contactRequest) {
	if req.Name != nil {
		c.Name = *req.Name
	}
	if req.AgentName != nil {
		c.AgentName = *req.AgentName
	}
	if req.Phone != nil {
		c.Phone = *req.Phone
	}
	if req.Notes != nil {
		c.Notes = *req.Notes
	}
	if req.Status != nil {
		c.Status = *req.Status
	}
}

// handleContactByID routes /api/contacts/{id} and the action endpoints
// beneath it: initiate, pause, resume, respond.
func (g *Gateway) handleContactByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/contacts/")
	action := ""
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path, action = path[:i], path[i+1:]
	}
	id, err := strconv.ParseInt(path, 10, 64)
	if err != nil || id <= 0 {
		g.writeError(w, "invalid contact id", 400)
		return
	}

	if action != "" {
		if r.Method != http.MethodPost {
			g.writeError(w, "method not allowed", 405)
			return
		}
		switch action {
		case "initiate":
			g.handleInitiate(w, r, id)
		case "pause":
			g.handleTransition(w, r, id, outreach.StatusPaused)
		case "resume":
			g.handleTransition(w, r, id, outreach.StatusActive)
		case "respond":
			g.handleRespond(w, r, id)
		default:
			g.writeError(w, "unknown action", 404)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		contact, err := g.contacts.Get(r.Context(), id)
		if err != nil {
			g.writeContactError(w, err)
			return
		}
		g.writeJSON(w, 200, contact)
	case http.MethodPatch:
		req, err := decodeContactRequest(r)
		if err != nil {
			g.writeError(w, err.Error(), 400)
			return
		}
		contact, err := g.contacts.Get(r.Context(), id)
		if err != nil {
			g.writeContactError(w, err)
			return
		}
		applyContactRequest(contact, req)
		if err := g.contacts.Update(r.Context(), contact); err != nil {
			g.writeContactError(w, err)
			return
		}
		g.writeJSON(w, 200, contact)
	case http.MethodDelete:
		if err := g.contacts.Delete(r.Context(), id); err != nil {
			g.writeContactError(w, err)
			return
		}
		g.writeJSON(w, 200, map[string]string{"status": "deleted"})
	default:
		g.writeError(w, "method not allowed", 405)
	}
}

// handleInitiate implements POST /api/contacts/{id}/initiate.
func (g *Gateway) handleInitiate(w http.ResponseWriter, r *http.Request, id int64) {
	contact, err := g.engine.Initiate(r.Context(), id)
	if err != nil {
		g.writeContactError(w, err)
		return
	}
	g.writeJSON(w, 200, contact)
}

// handleTransition implements POST /api/contacts/{id}/pause and /resume.
// Resume only reopens paused conversations: a pending contact has never
// been greeted and must go through initiate instead.
func (g *Gateway) handleTransition(w http.ResponseWriter, r *http.Request, id int64, status string) {
	contact, err := g.contacts.Get(r.Context(), id)
	if err != nil {
		g.writeContactError(w, err)
		return
	}
	switch status {
	case outreach.StatusPaused:
		if contact.Status != outreach.StatusActive {
			g.writeError(w, fmt.Sprintf("%s is %s, only active conversations can be paused", contact.Name, contact.Status), 409)
			return
		}
	case outreach.StatusActive:
		if contact.Status != outreach.StatusPaused {
			g.writeError(w, fmt.Sprintf("%s is %s, only paused conversations can be resumed", contact.Name, contact.Status), 409)
			return
		}
	}
	if err := g.contacts.SetStatus(r.Context(), id, status); err != nil {
		g.writeContactError(w, err)
		return
	}
	contact.Status = status
	g.writeJSON(w, 200, contact)
}

// handleRespond implements POST /api/contacts/{id}/respond. Answers the
// unreplied backlog immediately instead of waiting out the quiet window.
func (g *Gateway) handleRespond(w http.ResponseWriter, r *http.Request, id int64) {
	result, err := g.engine.Respond(r.Context(), id)
	if err != nil {
		g.writeContactError(w, err)
		return
	}
	g.writeJSON(w, 200, result)
}
