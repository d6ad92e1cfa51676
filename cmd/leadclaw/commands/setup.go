package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// newSetupCmd creates the `leadclaw setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the bot name, greeting, model, property context file, and media
directory. API keys are stored in an encrypted vault (AES-256-GCM), never
in plaintext.

Examples:
  leadclaw setup`,
		RunE: runSetup,
	}
}

// storageMethod tracks where the API key was stored during setup.
type storageMethod int

const (
	storageNone    storageMethod = iota
	storageVault                 // encrypted vault (.leadclaw.vault)
	storageKeyring               // OS keyring
)

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := outreach.DefaultConfig()
	keyStorage := storageNone

	var apiKey string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot name").
				Description("Shown in logs and operator alerts.").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Greeting template").
				Description("First message sent on initiate. {name} and {agent} are filled per contact.").
				Value(&cfg.Responder.Greeting),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model").
				Options(
					huh.NewOption("GPT-5 Mini (fast, default)", "gpt-5-mini"),
					huh.NewOption("GPT-5", "gpt-5"),
					huh.NewOption("GPT-4o", "gpt-4o"),
					huh.NewOption("Claude Opus 4.5", "claude-opus-4.5"),
					huh.NewOption("Claude Sonnet 4.5", "claude-sonnet-4.5"),
					huh.NewOption("GLM-4.7", "glm-4.7"),
					huh.NewOption("GLM-4.7 Flash (low cost)", "glm-4.7-flash"),
				).
				Value(&cfg.Model),
			huh.NewInput().
				Title("API base URL").
				Description("OpenAI-compatible endpoint. Keep the default to auto-pick one for the model.").
				Value(&cfg.API.BaseURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Property context file").
				Description("Markdown file describing the property the bot is allowed to talk about.").
				Value(&cfg.Responder.ContextFile),
			huh.NewInput().
				Title("Media directory").
				Description("Photos sent when the model asks to include media.").
				Value(&cfg.Responder.MediaDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				Description("Stored encrypted, never written to config.yaml. Leave empty to set later.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	// Auto-adjust the API base URL when the model family implies one and the
	// URL was left at the OpenAI default.
	if strings.HasPrefix(cfg.Model, "glm-") && cfg.API.BaseURL == "https://api.openai.com/v1" {
		cfg.API.BaseURL = "https://api.z.ai/api/anthropic"
		fmt.Printf("API URL set to %s for GLM models.\n", cfg.API.BaseURL)
	} else if strings.HasPrefix(cfg.Model, "claude-") && cfg.API.BaseURL == "https://api.openai.com/v1" {
		cfg.API.BaseURL = "https://api.anthropic.com/v1"
		fmt.Printf("API URL set to %s for Anthropic models.\n", cfg.API.BaseURL)
	}

	if apiKey != "" {
		keyStorage = setupVault(apiKey)
		if keyStorage == storageNone {
			fmt.Println("Could not store the API key securely.")
			fmt.Println("Set it later with: leadclaw secret set api_key")
		}
	} else {
		fmt.Println("No API key given. Set it later with: leadclaw secret set api_key")
	}

	// config.yaml never contains the real key.
	cfg.API.APIKey = "${LEADCLAW_API_KEY}"

	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Name:     %s\n", cfg.Name)
	fmt.Printf("  Model:    %s\n", cfg.Model)
	fmt.Printf("  API URL:  %s\n", cfg.API.BaseURL)
	switch keyStorage {
	case storageVault:
		fmt.Println("  API key:  **** (encrypted vault)")
	case storageKeyring:
		fmt.Println("  API key:  **** (OS keyring)")
	default:
		fmt.Println("  API key:  (not set)")
	}
	fmt.Printf("  Context:  %s\n", cfg.Responder.ContextFile)
	fmt.Printf("  Media:    %s\n", cfg.Responder.MediaDir)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Println()

	const target = "config.yaml"
	save := true
	title := fmt.Sprintf("Save to %s?", target)
	if _, err := os.Stat(target); err == nil {
		save = false
		title = fmt.Sprintf("%s already exists. Overwrite?", target)
	}
	confirmForm := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Value(&save),
	))
	if err := confirmForm.Run(); err != nil || !save {
		fmt.Println("Setup cancelled. Nothing written.")
		return nil
	}

	if err := outreach.SaveConfigToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("%s created (permissions: 600, no secrets inside).\n", target)

	var addFirst bool
	contactForm := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Add your first contact now?").
			Description("You can always add more with: leadclaw contacts add").
			Value(&addFirst),
	))
	if err := contactForm.Run(); err == nil && addFirst {
		if err := setupFirstContact(cfg); err != nil {
			fmt.Printf("Could not add the contact: %v\n", err)
		}
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run: leadclaw login   (scan the QR code once)")
	fmt.Println("  2. Run: leadclaw serve")
	if keyStorage == storageVault {
		fmt.Println("  3. Enter your vault password when prompted")
	}
	fmt.Println()

	return nil
}

// setupVault creates the encrypted vault and stores the API key in it.
// Returns the storage method used.
func setupVault(apiKey string) storageMethod {
	var password, confirm string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Vault master password").
			Description("Encrypts the key with AES-256-GCM + Argon2id. The password itself is never stored.").
			EchoMode(huh.EchoModePassword).
			Validate(func(s string) error {
				if len(s) < 8 {
					return errors.New("minimum 8 characters")
				}
				return nil
			}).
			Value(&password),
		huh.NewInput().
			Title("Confirm password").
			EchoMode(huh.EchoModePassword).
			Validate(func(s string) error {
				if s != password {
					return errors.New("passwords don't match")
				}
				return nil
			}).
			Value(&confirm),
	))
	if err := form.Run(); err != nil {
		fmt.Printf("Password prompt failed: %v\n", err)
		return tryKeyringFallback(apiKey)
	}

	vault := outreach.NewVault(outreach.VaultFile)

	// Remove an existing vault if present (fresh setup).
	if vault.Exists() {
		_ = os.Remove(outreach.VaultFile)
		vault = outreach.NewVault(outreach.VaultFile)
	}

	if err := vault.Create(password); err != nil {
		fmt.Printf("Vault creation failed: %v\n", err)
		return tryKeyringFallback(apiKey)
	}

	if err := vault.Set("api_key", apiKey); err != nil {
		fmt.Printf("Failed to store the key in the vault: %v\n", err)
		vault.Lock()
		return tryKeyringFallback(apiKey)
	}

	vault.Lock()
	fmt.Println("API key encrypted and stored in the vault.")
	return storageVault
}

// tryKeyringFallback attempts to store the API key in the OS keyring as a
// fallback when vault creation fails.
func tryKeyringFallback(apiKey string) storageMethod {
	if outreach.KeyringAvailable() {
		fmt.Println("Trying the OS keyring as fallback...")
		if err := outreach.StoreKeyring("api_key", apiKey); err == nil {
			fmt.Println("API key stored in the OS keyring.")
			return storageKeyring
		}
	}
	return storageNone
}

// setupFirstContact creates one contact so serve has someone to talk to.
func setupFirstContact(cfg *outreach.Config) error {
	var name, agent, phone string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Contact name").
			Value(&name).
			Validate(requiredField("name")),
		huh.NewInput().
			Title("Agent name").
			Description("The person the lead believes they are talking to.").
			Value(&agent),
		huh.NewInput().
			Title("Phone").
			Description("Digits with country code, e.g. 5511999998888.").
			Value(&phone).
			Validate(requiredField("phone")),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		return err
	}

	// Keep wizard output clean: migrations log at info level.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := outreach.OpenDB(cfg.Database.Path, quiet)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	store := outreach.NewContactStore(db, quiet)
	contact := &outreach.Contact{Name: name, AgentName: agent, Phone: phone}
	if err := store.Create(context.Background(), contact); err != nil {
		return err
	}

	fmt.Printf("Contact #%d created. Start the conversation with: leadclaw initiate %d\n",
		contact.ID, contact.ID)
	return nil
}

// requiredField rejects empty or whitespace-only input.
func requiredField(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
