package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads the override file (JSON5), merges it over defaults, then
// overlays env vars. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SWITCHBOARD_ANTHROPIC_API_KEY", &c.APIKeys.Anthropic)
	envStr("SWITCHBOARD_OPENAI_API_KEY", &c.APIKeys.OpenAI)
	envStr("SWITCHBOARD_GOOGLE_API_KEY", &c.APIKeys.Google)
	envStr("SWITCHBOARD_OPENROUTER_API_KEY", &c.APIKeys.OpenRouter)
	envStr("SWITCHBOARD_GATEWAY_TOKEN", &c.Auth.Token)

	envStr("SWITCHBOARD_PROVIDER", &c.Model.Provider)
	envStr("SWITCHBOARD_MODEL", &c.Model.ID)

	envStr("SWITCHBOARD_HOST", &c.Gateway.Host)
	if v := os.Getenv("SWITCHBOARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("SWITCHBOARD_STATE_DIR", &c.Storage.StateDir)
	envStr("SWITCHBOARD_BLOB_DIR", &c.Storage.BlobDir)

	envStr("SWITCHBOARD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("SWITCHBOARD_MODE", &c.Database.Mode)

	envStr("SWITCHBOARD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SWITCHBOARD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("SWITCHBOARD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("SWITCHBOARD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SWITCHBOARD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("SWITCHBOARD_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("SWITCHBOARD_USER_TIMEZONE", &c.UserTimezone)
}

// DefaultPath returns the default override file location.
func DefaultPath() string {
	if v := os.Getenv("SWITCHBOARD_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.switchboard/config.json")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
