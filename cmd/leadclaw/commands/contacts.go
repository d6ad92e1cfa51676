package commands

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// newContactsCmd creates the `leadclaw contacts` command group for managing
// the contact book directly against the database.
func newContactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the contact book",
		Long: `Manage the contact book. These commands talk to the database directly
and work whether or not the daemon is running.

Examples:
  leadclaw contacts list
  leadclaw contacts add --name "Maria Silva" --phone 5511999998888 --agent "Kasun"
  leadclaw contacts import leads.csv
  leadclaw contacts pause 3`,
	}

	cmd.AddCommand(
		newContactsListCmd(),
		newContactsAddCmd(),
		newContactsRemoveCmd(),
		newContactsPauseCmd(),
		newContactsResumeCmd(),
		newContactsImportCmd(),
	)

	return cmd
}

func newContactsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all contacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, store, err := openContactStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			contacts, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(contacts) == 0 {
				fmt.Println("No contacts yet. Add one with: leadclaw contacts add")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tAGENT\tPHONE\tSTATUS\tNOTES")
			for _, c := range contacts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.Name, c.AgentName, c.Phone, c.Status, c.Notes)
			}
			return w.Flush()
		},
	}
}

func newContactsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a contact",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			phone, _ := cmd.Flags().GetString("phone")
			agent, _ := cmd.Flags().GetString("agent")
			notes, _ := cmd.Flags().GetString("notes")

			db, store, err := openContactStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			contact := &outreach.Contact{Name: name, AgentName: agent, Phone: phone, Notes: notes}
			if err := store.Create(cmd.Context(), contact); err != nil {
				return err
			}

			fmt.Printf("Contact #%d created (%s, %s).\n", contact.ID, contact.Name, contact.Phone)
			fmt.Printf("Start the conversation with: leadclaw initiate %d\n", contact.ID)
			return nil
		},
	}

	cmd.Flags().String("name", "", "contact display name (required)")
	cmd.Flags().String("phone", "", "phone with country code, digits only (required)")
	cmd.Flags().String("agent", "", "agent name used in the greeting")
	cmd.Flags().String("notes", "", "free-form notes or group tag")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func newContactsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContactID(args[0])
			if err != nil {
				return err
			}

			db, store, err := openContactStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Contact #%d removed.\n", id)
			return nil
		},
	}
}

func newContactsPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause the conversation with a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionContact(cmd, args[0], outreach.StatusActive, outreach.StatusPaused)
		},
	}
}

func newContactsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionContact(cmd, args[0], outreach.StatusPaused, outreach.StatusActive)
		},
	}
}

// transitionContact moves a contact between conversation states, enforcing
// the same guards as the gateway: only active conversations pause, only
// paused ones resume. A pending contact has never been greeted and must go
// through initiate instead.
func transitionContact(cmd *cobra.Command, arg, from, to string) error {
	id, err := parseContactID(arg)
	if err != nil {
		return err
	}

	db, store, err := openContactStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	contact, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if contact.Status != from {
		return fmt.Errorf("%s is %s, expected %s", contact.Name, contact.Status, from)
	}
	if err := store.SetStatus(ctx, id, to); err != nil {
		return err
	}
	fmt.Printf("Contact #%d (%s) is now %s.\n", id, contact.Name, to)
	return nil
}

func newContactsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import contacts from a CSV file",
		Long: `Import contacts from a CSV file. The first row may be a header naming
the columns (name, phone, agent, notes in any order); without one, the
columns are taken positionally as name, phone, agent, notes. Rows with
no phone and numbers already in the book are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContactsImport(cmd, args[0])
		},
	}
}

func runContactsImport(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // rows may omit trailing columns
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%s is empty", path)
	}

	// Positional defaults, overridden when the first row is a header.
	cols := map[string]int{"name": 0, "phone": 1, "agent": 2, "notes": 3}
	start := 0
	if isHeaderRow(records[0]) {
		cols = map[string]int{}
		for i, cell := range records[0] {
			cols[strings.ToLower(strings.TrimSpace(cell))] = i
		}
		start = 1
	}

	db, store, err := openContactStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	created, skipped := 0, 0
	for i, rec := range records[start:] {
		field := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx])
		}

		contact := &outreach.Contact{
			Name:      field("name"),
			AgentName: field("agent"),
			Phone:     field("phone"),
			Notes:     field("notes"),
		}
		if contact.Phone == "" || contact.Name == "" {
			fmt.Printf("  row %d: missing name or phone, skipped\n", start+i+1)
			skipped++
			continue
		}

		if _, err := store.FindByNumber(ctx, contact.Phone); err == nil {
			fmt.Printf("  row %d: %s already in the book, skipped\n", start+i+1, contact.Phone)
			skipped++
			continue
		} else if !errors.Is(err, outreach.ErrContactNotFound) {
			return err
		}

		if err := store.Create(ctx, contact); err != nil {
			fmt.Printf("  row %d: %v, skipped\n", start+i+1, err)
			skipped++
			continue
		}
		created++
	}

	fmt.Printf("Imported %d contacts, %d skipped.\n", created, skipped)
	return nil
}

// isHeaderRow detects a CSV header by looking for the known column names.
func isHeaderRow(row []string) bool {
	for _, cell := range row {
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case "name", "phone", "agent", "notes":
			return true
		}
	}
	return false
}

// openContactStore opens the configured database for direct store access.
// The caller closes the returned db.
func openContactStore(cmd *cobra.Command) (*sql.DB, *outreach.ContactStore, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	logger := cliLogger(cmd)
	db, err := outreach.OpenDB(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return db, outreach.NewContactStore(db, logger), nil
}

// cliLogger builds a quiet stderr logger for one-shot commands, keeping
// stdout clean for command output. --verbose raises it to debug.
func cliLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseContactID parses a positional contact id argument.
func parseContactID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid contact id %q", arg)
	}
	return id, nil
}
