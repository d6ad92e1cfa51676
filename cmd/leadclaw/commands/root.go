// Package commands implements the LeadClaw CLI commands using cobra.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leadclaw",
		Short: "LeadClaw - WhatsApp sales outreach assistant",
		Long: `LeadClaw reaches out to sales leads on WhatsApp and answers their
questions about a property listing, handing the conversation to a human
the moment it leaves the listing's territory.

Examples:
  leadclaw setup
  leadclaw login
  leadclaw serve
  leadclaw contacts add --name "Nimal" --phone 94771234567
  leadclaw initiate 1`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newLoginCmd(),
		newSetupCmd(),
		newContactsCmd(),
		newInitiateCmd(),
		newRespondCmd(),
		newSimulateCmd(),
		newSecretCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the LeadClaw version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("leadclaw " + version)
		},
	}
}
