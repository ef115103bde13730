package config

import (
	"strings"
)

type Config struct {
	API     APIConfig
	Auth    AuthConfig
	Storage StorageConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL string
	Timeout string
}

type AuthConfig struct {
	Authority      string
	ClientID       string
	RedirectPort   int
	IdentityScopes string // space-separated
	ResourceScopes string // space-separated
	StaticToken    string // headless mode; bypasses the interactive chain
	PollInterval   string
	PollTimeout    string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000",
			Timeout: "30s",
		},
		Auth: AuthConfig{
			Authority:      "https://login.microsoftonline.com/common",
			RedirectPort:   53117,
			IdentityScopes: "User.Read openid profile offline_access",
			ResourceScopes: "https://api.fabric.microsoft.com/Item.Execute.All https://api.fabric.microsoft.com/Workspace.ReadWrite.All https://api.fabric.microsoft.com/Item.ReadWrite.All",
			PollInterval:   "5s",
			PollTimeout:    "5m",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.agentiq.app) and the
// static token falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/agentiq/config.json
// and secrets must be provided via environment variables or the secrets file.
//
// Environment variables (AGENTIQ_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform keychain for the headless static token if still empty.
	// Unlike tokens acquired interactively, this one is optional: when absent,
	// the interactive login chain is used instead.
	if cfg.Auth.StaticToken == "" {
		if tok, err := kc.Get("agentiq", "static_token"); err == nil && tok != "" {
			cfg.Auth.StaticToken = tok
		}
	}

	return cfg, nil
}

// SplitScopes turns a space-separated scope string into a slice.
func SplitScopes(s string) []string {
	return strings.Fields(s)
}

// keychainReader reads from macOS Keychain via the security CLI.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
