package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// newInitiateCmd creates the `leadclaw initiate` command that sends the
// outreach greeting to a contact through the running daemon.
func newInitiateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initiate <id>",
		Short: "Send the outreach greeting to a contact",
		Long: `Send the outreach greeting to a pending contact and mark the
conversation active. The number is checked for WhatsApp registration
first; unregistered numbers are marked and never messaged.

Talks to the admin gateway, so the daemon must be running.

Examples:
  leadclaw initiate 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContactID(args[0])
			if err != nil {
				return err
			}

			var contact outreach.Contact
			path := fmt.Sprintf("/api/contacts/%d/initiate", id)
			if err := gatewayPost(cmd, path, &contact); err != nil {
				return err
			}

			fmt.Printf("Greeting sent to %s (%s). Conversation is now %s.\n",
				contact.Name, contact.Phone, contact.Status)
			return nil
		},
	}
}

// apiError is the gateway's error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// gatewayPost calls a gateway action endpoint and decodes the response
// into out. Gateway errors come back as plain messages, not HTTP noise.
func gatewayPost(cmd *cobra.Command, path string, out any) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	base := gatewayBaseURL(cfg.Gateway.Address)
	token := cfg.Gateway.AuthToken
	if token == "" {
		token = os.Getenv("LEADCLAW_GATEWAY_TOKEN")
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, base+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// Respond runs a full model call before answering, so be generous.
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling the gateway at %s (is `leadclaw serve` running?): %w", base, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s", apiErr.Error.Message)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding gateway response: %w", err)
		}
	}
	return nil
}

// gatewayBaseURL turns the configured listen address into a client URL.
func gatewayBaseURL(addr string) string {
	if addr == "" {
		addr = ":8087"
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
