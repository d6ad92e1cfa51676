// Package outreach – loader.go handles loading configuration from YAML files
// with secure credential management via environment variables and .env files.
package outreach

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Automatically loads .env files and expands environment variables.
// Returns an error if any ${VAR:?error} pattern has its variable unset.
func LoadConfigFromFile(path string) (*Config, error) {
	// Load .env files (silently ignore if not found).
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML to the specified path.
// Secrets are replaced with environment variable references.
// Creates a backup (.bak) of the existing file before overwriting.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, providerKeyName(cfg.API.Provider), "LEADCLAW_API_KEY")
	sanitized.Notify.Discord.Token = sanitizeSecret(cfg.Notify.Discord.Token, "LEADCLAW_DISCORD_TOKEN")
	sanitized.Gateway.AuthToken = sanitizeSecret(cfg.Gateway.AuthToken, "LEADCLAW_GATEWAY_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Validate the marshaled YAML is parseable before writing.
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if existing, err := os.ReadFile(path); err == nil {
			_ = os.WriteFile(path+".bak", existing, 0o600)
		}
	}

	// Write with restricted permissions (owner read/write only).
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"leadclaw.yaml",
		"leadclaw.yml",
		"configs/config.yaml",
		"configs/leadclaw.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// AuditSecrets checks for hardcoded secrets and logs warnings.
// Should be called on startup to alert the operator.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) && looksLikeRealKey(cfg.API.APIKey) {
		logger.Warn("API key appears to be hardcoded in config. "+
			"Use environment variable LEADCLAW_API_KEY instead.",
			"hint", "Set 'api_key: ${LEADCLAW_API_KEY}' in config.yaml")
	}
	if cfg.Notify.Discord.Token != "" && !IsEnvReference(cfg.Notify.Discord.Token) && looksLikeRealKey(cfg.Notify.Discord.Token) {
		logger.Warn("Discord token appears to be hardcoded in config. "+
			"Use environment variable LEADCLAW_DISCORD_TOKEN instead.",
			"hint", "Set 'token: ${LEADCLAW_DISCORD_TOKEN}' in config.yaml")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
// godotenv does NOT overwrite existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references in a string with their environment variable values.
//
// The ${VAR:?error} pattern is handled specially: if the variable is unset,
// the function returns the original match prefixed with "ERROR:" to signal
// an error condition that should be caught during validation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Groups: 1=varName, 2=modifierType(-|?), 3=value, 4=bareVar
		submatches := envVarPattern.FindStringSubmatch(match)

		var varName, modifierType, modifierValue, bareVar string
		if len(submatches) >= 2 {
			varName = submatches[1]
		}
		if len(submatches) >= 3 {
			modifierType = submatches[2]
		}
		if len(submatches) >= 4 {
			modifierValue = submatches[3]
		}
		if len(submatches) >= 5 {
			bareVar = submatches[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match // Keep placeholder if unset.
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}

			if modifierType == "?" {
				errorMsg := modifierValue
				if errorMsg == "" {
					errorMsg = "required environment variable not set"
				}
				return "ERROR:" + varName + ":" + errorMsg
			}
			if modifierType == "-" {
				return modifierValue
			}
			return match
		}

		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if idx := strings.Index(result, "ERROR:"); idx != -1 {
		// Format: ERROR:VAR_NAME:error message
		rest := result[idx+6:]
		colonIdx := strings.Index(rest, ":")
		if colonIdx == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colonIdx]
		errorMsg := rest[colonIdx+1:]
		if errorMsg == "" {
			errorMsg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", varName, errorMsg)
	}
	return result, nil
}

// resolveSecrets fills in config secrets from environment variables
// when the config value is empty or a placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		for _, envVar := range []string{"LEADCLAW_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
			if key := os.Getenv(envVar); key != "" {
				cfg.API.APIKey = key
				break
			}
		}
	}
	if cfg.Notify.Discord.Token == "" || IsEnvReference(cfg.Notify.Discord.Token) {
		if tok := os.Getenv("LEADCLAW_DISCORD_TOKEN"); tok != "" {
			cfg.Notify.Discord.Token = tok
		}
	}
	if cfg.Gateway.AuthToken == "" || IsEnvReference(cfg.Gateway.AuthToken) {
		if tok := os.Getenv("LEADCLAW_GATEWAY_TOKEN"); tok != "" {
			cfg.Gateway.AuthToken = tok
		}
	}
}

// resolveRelativePaths converts relative paths to absolute paths based on
// the config file's directory, so paths work regardless of the working
// directory leadclaw is started from.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, configDir)
	cfg.Responder.MediaDir = resolvePathFromConfig(cfg.Responder.MediaDir, configDir)
	cfg.Responder.ContextFile = resolvePathFromConfig(cfg.Responder.ContextFile, configDir)
	cfg.Channels.WhatsApp.SessionDir = resolvePathFromConfig(cfg.Channels.WhatsApp.SessionDir, configDir)
	cfg.Channels.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.Channels.WhatsApp.DatabasePath, configDir)
}

// resolvePathFromConfig converts a path to absolute, resolving relative paths
// against the config file's directory. Expands ~ to home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a real secret with an env var reference for safe
// storage in config files. Tries each env var in order; the first one whose
// value matches (or, failing that, the first one set at all) wins.
func sanitizeSecret(value string, envVars ...string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) == value {
			return "${" + envVar + "}"
		}
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) != "" {
			return "${" + envVar + "}"
		}
	}
	// No env var covers it. Keep the value rather than silently losing it;
	// AuditSecrets will warn on next startup.
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real API key
// (not a placeholder or env var reference).
func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns if the config file is world-readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
