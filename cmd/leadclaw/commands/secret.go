package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/outreach"
)

// newSecretCmd creates the `leadclaw secret` command group for managing
// stored credentials.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage stored credentials",
		Long: `Manage stored credentials. Secrets go to the encrypted vault
(.leadclaw.vault) when one exists, otherwise to the OS keyring. Values
are read from a hidden prompt, never from arguments.

Recognized names: api_key (the model key), LEADCLAW_DISCORD_TOKEN,
LEADCLAW_GATEWAY_TOKEN. Any other name is injected into the daemon's
environment at startup.

Examples:
  leadclaw secret set api_key
  leadclaw secret set LEADCLAW_GATEWAY_TOKEN
  leadclaw secret list
  leadclaw secret rm api_key`,
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretRmCmd(),
		newSecretListCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecretSet(cmd, args[0])
		},
	}

	cmd.Flags().Bool("vault", false, "create an encrypted vault if none exists")
	return cmd
}

func runSecretSet(cmd *cobra.Command, name string) error {
	forceVault, _ := cmd.Flags().GetBool("vault")

	value, err := outreach.ReadPassword(fmt.Sprintf("Value for %s (hidden): ", name))
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value, nothing stored")
	}

	vault := outreach.NewVault(outreach.VaultFile)
	switch {
	case vault.Exists():
		if err := unlockVault(vault); err != nil {
			return fmt.Errorf("unlocking vault: %w", err)
		}
		defer vault.Lock()
		if err := vault.Set(name, value); err != nil {
			return err
		}
		fmt.Printf("%s stored in the encrypted vault.\n", name)

	case forceVault:
		password, err := outreach.ReadPassword("New vault master password (min 8 chars): ")
		if err != nil {
			return err
		}
		if len(password) < 8 {
			return fmt.Errorf("password too short, minimum 8 characters")
		}
		confirm, err := outreach.ReadPassword("Confirm password: ")
		if err != nil || password != confirm {
			return fmt.Errorf("passwords don't match")
		}
		if err := vault.Create(password); err != nil {
			return fmt.Errorf("creating vault: %w", err)
		}
		defer vault.Lock()
		if err := vault.Set(name, value); err != nil {
			return err
		}
		fmt.Printf("Vault created, %s stored.\n", name)

	default:
		if !outreach.KeyringAvailable() {
			return fmt.Errorf("no vault and no OS keyring available, create a vault with: leadclaw secret set %s --vault", name)
		}
		if err := outreach.StoreKeyring(name, value); err != nil {
			return fmt.Errorf("storing in keyring: %w", err)
		}
		fmt.Printf("%s stored in the OS keyring.\n", name)
	}
	return nil
}

func newSecretRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]
			removed := false

			vault := outreach.NewVault(outreach.VaultFile)
			if vault.Exists() {
				if err := unlockVault(vault); err != nil {
					return fmt.Errorf("unlocking vault: %w", err)
				}
				if err := vault.Delete(name); err == nil {
					removed = true
				}
				vault.Lock()
			}

			if err := outreach.DeleteKeyring(name); err == nil {
				removed = true
			}

			if !removed {
				fmt.Printf("Nothing named %s found.\n", name)
				return nil
			}
			fmt.Printf("%s removed.\n", name)
			return nil
		},
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names in the vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault := outreach.NewVault(outreach.VaultFile)
			if !vault.Exists() {
				fmt.Println("No vault. Secrets may still live in the OS keyring or environment.")
				return nil
			}
			if err := unlockVault(vault); err != nil {
				return fmt.Errorf("unlocking vault: %w", err)
			}
			defer vault.Lock()

			keys, err := vault.Keys()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}
}

// unlockVault opens an existing vault, trying LEADCLAW_VAULT_PASSWORD
// before prompting.
func unlockVault(vault *outreach.Vault) error {
	if vault.IsUnlocked() {
		return nil
	}
	if envPass := os.Getenv("LEADCLAW_VAULT_PASSWORD"); envPass != "" {
		if err := vault.Unlock(envPass); err == nil {
			return nil
		}
	}
	password, err := outreach.ReadPassword("Vault password: ")
	if err != nil {
		return err
	}
	return vault.Unlock(password)
}
