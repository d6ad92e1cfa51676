package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/whatsapp"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// newLoginCmd creates the `leadclaw login` command that links a WhatsApp
// account by scanning a QR code.
func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Link a WhatsApp account via QR code",
		Long: `Link a WhatsApp account to LeadClaw. A QR code is printed in the
terminal; scan it from your phone under Settings > Linked Devices >
Link a Device. The session is persisted, so this only needs to run once.`,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	// Login may run before setup, so a missing config file falls back to
	// defaults instead of failing.
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		explicit, _ := cmd.Root().PersistentFlags().GetString("config")
		if explicit != "" || outreach.FindConfigFile() != "" {
			return err
		}
		cfg = outreach.DefaultConfig()
	}
	logger := buildLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wa := whatsapp.New(cfg.Channels.WhatsApp, logger)

	// Subscribe before connecting so the first QR code is not missed.
	qrEvents, unsubscribe := wa.SubscribeQR()
	defer unsubscribe()

	if err := wa.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to WhatsApp: %w", err)
	}
	defer wa.Disconnect()

	if !wa.NeedsQR() {
		fmt.Println("Already logged in. Run: leadclaw serve")
		return nil
	}

	fmt.Println("Scan the QR code with WhatsApp on your phone:")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-qrEvents:
			switch evt.Type {
			case "code":
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
				fmt.Println()
			case "success":
				fmt.Println("WhatsApp linked successfully. Run: leadclaw serve")
				return nil
			case "timeout":
				return fmt.Errorf("QR code expired, run: leadclaw login")
			case "error":
				return fmt.Errorf("login failed: %s", evt.Message)
			}
		}
	}
}
