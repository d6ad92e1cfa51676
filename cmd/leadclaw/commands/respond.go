package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// newRespondCmd creates the `leadclaw respond` command that answers a
// contact's backlog immediately instead of waiting out the quiet window.
func newRespondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond <id>",
		Short: "Answer a contact's unreplied messages now",
		Long: `Answer everything the contact has sent since our last message as a
single batch, without waiting out the quiet window.

Talks to the admin gateway, so the daemon must be running.

Examples:
  leadclaw respond 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContactID(args[0])
			if err != nil {
				return err
			}

			var result outreach.RespondResult
			path := fmt.Sprintf("/api/contacts/%d/respond", id)
			if err := gatewayPost(cmd, path, &result); err != nil {
				return err
			}

			switch {
			case result.Paused:
				fmt.Printf("Replies sent: %d. The conversation is now paused, pick it up manually.\n",
					result.Replies)
			case result.Replies == 0:
				fmt.Println("Nothing unreplied, no message sent.")
			default:
				fmt.Printf("Replies sent: %d.\n", result.Replies)
			}
			return nil
		},
	}
}
