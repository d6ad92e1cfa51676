// Package outreach – keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. Encrypted vault (.leadclaw.vault — AES-256-GCM + Argon2, master password)
//  2. OS keyring (encrypted by the OS, requires user session)
//  3. Environment variable (LEADCLAW_API_KEY, OPENAI_API_KEY, etc.)
//  4. .env file (loaded by godotenv)
//  5. config.yaml value (least secure — plaintext on disk)
package outreach

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "leadclaw"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__leadclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey resolves the API key using the priority chain:
// vault → keyring → env var → config value.
// Updates the config in-place with the resolved value.
// If a vault exists but is locked, it prompts for the master password
// (or uses LEADCLAW_VAULT_PASSWORD for non-interactive mode).
// Returns the unlocked vault (or nil if unavailable).
func ResolveAPIKey(cfg *Config, logger *slog.Logger) *Vault {
	// 1. Encrypted vault (most secure — password-protected).
	vault := NewVault(VaultFile)
	if vault.Exists() {
		if !vault.IsUnlocked() {
			// LEADCLAW_VAULT_PASSWORD covers systemd, Docker, PM2.
			if envPass := os.Getenv("LEADCLAW_VAULT_PASSWORD"); envPass != "" {
				if err := vault.Unlock(envPass); err != nil {
					logger.Warn("failed to unlock vault with LEADCLAW_VAULT_PASSWORD", "error", err)
				} else {
					logger.Info("vault unlocked via LEADCLAW_VAULT_PASSWORD")
				}
			}
		}

		if !vault.IsUnlocked() {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				password, err := ReadPassword("Vault password: ")
				if err != nil {
					logger.Warn("failed to read vault password", "error", err)
				} else if err := vault.Unlock(password); err != nil {
					logger.Warn("failed to unlock vault", "error", err)
				}
			} else {
				logger.Info("vault exists but skipping (non-interactive mode, no LEADCLAW_VAULT_PASSWORD), using env/config")
			}
		}

		if vault.IsUnlocked() {
			injectVaultSecrets(vault, cfg, logger)
			return vault
		}
	}

	// 2. OS keyring (encrypted by the OS).
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.API.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return nil
	}

	// 3. Config already has a resolved value (from env expansion).
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		logger.Debug("API key loaded from config/env")
		return nil
	}

	logger.Warn("no API key found. Set one with: leadclaw secret set api_key")
	return nil
}

// injectVaultSecrets sets all vault secrets as environment variables and
// resolves known config fields. Provider API keys (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, etc.) keep their original names so the LLM client
// finds them automatically.
func injectVaultSecrets(vault *Vault, cfg *Config, logger *slog.Logger) {
	injected, err := vault.InjectSecrets()
	if err != nil {
		logger.Warn("failed to inject vault secrets", "error", err)
		return
	}

	// "api_key" is the canonical entry written by setup; provider-specific
	// and env-style names cover vaults populated by hand.
	providerKey := providerKeyName(cfg.API.Provider)
	for _, name := range []string{keyringAPIKey, providerKey, "LEADCLAW_API_KEY"} {
		if val, err := vault.Get(name); err == nil && val != "" {
			cfg.API.APIKey = val
			logger.Debug("API key loaded from encrypted vault", "key", name)
			break
		}
	}

	if val, err := vault.Get("LEADCLAW_DISCORD_TOKEN"); err == nil && val != "" {
		cfg.Notify.Discord.Token = val
		logger.Debug("Discord token loaded from encrypted vault")
	}

	if val, err := vault.Get("LEADCLAW_GATEWAY_TOKEN"); err == nil && val != "" {
		cfg.Gateway.AuthToken = val
		logger.Debug("gateway auth token loaded from encrypted vault")
	}

	if injected > 0 {
		logger.Info("vault secrets injected into process environment", "count", injected)
	}
}

// MigrateKeyToKeyring moves an API key from config/env to the OS keyring.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring",
		"service", keyringService,
		"hint", "You can now remove it from .env and config.yaml")
	return nil
}
