// Package config holds the layered gateway configuration: baked-in
// defaults, a persisted JSON5 override file, and an env overlay. The
// config.get/config.set RPC methods operate on dotted paths over the
// merged tree; only the override file is ever written.
package config

import (
	"encoding/json"
	"fmt"
)

// Config is the root configuration for the Switchboard gateway.
type Config struct {
	Model         ModelConfig              `json:"model"`
	APIKeys       APIKeysConfig            `json:"apiKeys"`
	Timeouts      TimeoutsConfig           `json:"timeouts"`
	Auth          AuthConfig               `json:"auth"`
	Transcription TranscriptionConfig      `json:"transcription"`
	Channels      map[string]ChannelConfig `json:"channels,omitempty"`
	Session       SessionConfig            `json:"session"`
	Skills        SkillsConfig             `json:"skills"`
	Agents        AgentsConfig             `json:"agents"`
	Cron          CronConfig               `json:"cron"`
	Gateway       GatewayConfig            `json:"gateway"`
	Storage       StorageConfig            `json:"storage"`
	Database      DatabaseConfig           `json:"database,omitempty"`
	Telemetry     TelemetryConfig          `json:"telemetry,omitempty"`
	Tailscale     TailscaleConfig          `json:"tailscale,omitempty"`
	SystemPrompt  string                   `json:"systemPrompt,omitempty"`
	UserTimezone  string                   `json:"userTimezone,omitempty"`
}

// ModelConfig selects the default LLM.
type ModelConfig struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// APIKeysConfig carries provider credentials. Masked in safe views.
type APIKeysConfig struct {
	Anthropic  string `json:"anthropic,omitempty"`
	OpenAI     string `json:"openai,omitempty"`
	Google     string `json:"google,omitempty"`
	OpenRouter string `json:"openrouter,omitempty"`
}

// TimeoutsConfig bounds long operations, all in milliseconds.
type TimeoutsConfig struct {
	LLMMs            int64 `json:"llmMs"`
	ToolMs           int64 `json:"toolMs"`
	SkillProbeMaxAge int64 `json:"skillProbeMaxAgeMs"`
}

// AuthConfig gates WS connects. Empty token disables the check.
type AuthConfig struct {
	Token string `json:"token,omitempty"`
}

// TranscriptionConfig selects the audio transcription backend.
type TranscriptionConfig struct {
	Provider string `json:"provider"` // "workers-ai" or "openai"
}

// DM policies.
const (
	DMPolicyOpen      = "open"
	DMPolicyAllowlist = "allowlist"
	DMPolicyPairing   = "pairing"
)

// ChannelConfig is per-channel admission policy.
type ChannelConfig struct {
	DMPolicy  string   `json:"dmPolicy,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// DM scopes: how channel identity maps onto session keys.
const (
	DMScopeMain               = "main"
	DMScopePerPeer            = "per-peer"
	DMScopePerChannelPeer     = "per-channel-peer"
	DMScopeAccountChannelPeer = "per-account-channel-peer"
)

// SessionConfig controls session keying and reset behavior.
type SessionConfig struct {
	DefaultResetPolicy ResetPolicy         `json:"defaultResetPolicy"`
	MainKey            string              `json:"mainKey,omitempty"`
	DMScope            string              `json:"dmScope,omitempty"`
	IdentityLinks      map[string][]string `json:"identityLinks,omitempty"`
}

// Reset policy modes.
const (
	ResetManual = "manual"
	ResetDaily  = "daily"
	ResetIdle   = "idle"
)

// ResetPolicy decides when a session auto-resets before accepting a send.
type ResetPolicy struct {
	Mode        string `json:"mode"`
	DailyHour   int    `json:"dailyHour,omitempty"`
	IdleMinutes int    `json:"idleMinutes"`
}

// SkillsConfig enables and constrains workspace skills.
type SkillsConfig struct {
	GlobalDir string                `json:"globalDir,omitempty"`
	Entries   map[string]SkillEntry `json:"entries,omitempty"`
}

// SkillEntry is the per-skill override block.
type SkillEntry struct {
	Enabled  *bool          `json:"enabled,omitempty"`
	Always   bool           `json:"always,omitempty"`
	Requires *SkillRequires `json:"requires,omitempty"`
}

// SkillRequires lists host binaries a skill needs.
type SkillRequires struct {
	Bins []string `json:"bins,omitempty"`
}

// AgentsConfig enumerates agents and routes channel traffic to them.
type AgentsConfig struct {
	List             map[string]AgentSpec `json:"list,omitempty"`
	Bindings         []AgentBinding       `json:"bindings,omitempty"`
	DefaultAgentID   string               `json:"defaultAgentId,omitempty"`
	DefaultHeartbeat HeartbeatConfig      `json:"defaultHeartbeat"`
}

// AgentSpec is one configured agent.
type AgentSpec struct {
	Name      string           `json:"name,omitempty"`
	Workspace string           `json:"workspace,omitempty"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
}

// HeartbeatConfig schedules the periodic self-prompt.
type HeartbeatConfig struct {
	Every       string       `json:"every,omitempty"` // "30m", "1h"; "0m" disables
	ActiveHours *ActiveHours `json:"activeHours,omitempty"`
	Target      string       `json:"target,omitempty"` // "none", "last", or channel name
	Channel     string       `json:"channel,omitempty"`
	To          string       `json:"to,omitempty"`
}

// ActiveHours bounds heartbeats to a local-time window.
type ActiveHours struct {
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"` // IANA name or "user"
}

// AgentBinding maps a channel/peer pattern to an agent. First match wins.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch: empty fields match anything.
type BindingMatch struct {
	Channel   string       `json:"channel,omitempty"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer matches a specific conversation target.
type BindingPeer struct {
	Kind string `json:"kind,omitempty"`
	ID   string `json:"id,omitempty"`
}

// CronConfig bounds the cron subsystem.
type CronConfig struct {
	Enabled              bool `json:"enabled"`
	MaxJobs              int  `json:"maxJobs"`
	MaxRunsPerJobHistory int  `json:"maxRunsPerJobHistory"`
	MaxConcurrentRuns    int  `json:"maxConcurrentRuns"`
}

// GatewayConfig is the transport shell.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowedOrigins,omitempty"`
	RateLimitRPM    int      `json:"rateLimitRpm"`
	MaxMessageChars int      `json:"maxMessageChars"`
}

// StorageConfig roots the on-disk stores.
type StorageConfig struct {
	StateDir string `json:"stateDir,omitempty"` // sqlite state db lives here
	BlobDir  string `json:"blobDir,omitempty"`  // transcripts, media, workspaces
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is never read from the config file, only from env.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode reports whether state lives in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"stateDir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// DefaultAgent returns the configured default agent id, falling back to
// the sole configured agent, then to "main".
func (c *Config) DefaultAgent() string {
	if c.Agents.DefaultAgentID != "" {
		return c.Agents.DefaultAgentID
	}
	if len(c.Agents.List) == 1 {
		for id := range c.Agents.List {
			return id
		}
	}
	return "main"
}

// HeartbeatFor returns the effective heartbeat config for an agent.
func (c *Config) HeartbeatFor(agentID string) HeartbeatConfig {
	if spec, ok := c.Agents.List[agentID]; ok && spec.Heartbeat != nil {
		return *spec.Heartbeat
	}
	return c.Agents.DefaultHeartbeat
}

// ChannelPolicy returns the channel config, defaulting to pairing so an
// unconfigured channel never runs open.
func (c *Config) ChannelPolicy(channel string) ChannelConfig {
	if cc, ok := c.Channels[channel]; ok {
		if cc.DMPolicy == "" {
			cc.DMPolicy = DMPolicyPairing
		}
		return cc
	}
	return ChannelConfig{DMPolicy: DMPolicyPairing}
}

// APIKeyFor maps a provider name to its configured key.
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return c.APIKeys.Anthropic
	case "openai":
		return c.APIKeys.OpenAI
	case "google":
		return c.APIKeys.Google
	case "openrouter":
		return c.APIKeys.OpenRouter
	default:
		return ""
	}
}

// Default returns the baked-in default tree.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider: "anthropic",
			ID:       "claude-sonnet-4-5",
		},
		Timeouts: TimeoutsConfig{
			LLMMs:            120_000,
			ToolMs:           60_000,
			SkillProbeMaxAge: 600_000,
		},
		Transcription: TranscriptionConfig{Provider: "openai"},
		Session: SessionConfig{
			DefaultResetPolicy: ResetPolicy{Mode: ResetDaily, DailyHour: 4},
			MainKey:            "main",
			DMScope:            DMScopeMain,
		},
		Agents: AgentsConfig{
			DefaultHeartbeat: HeartbeatConfig{Every: "0m", Target: "last"},
		},
		Cron: CronConfig{
			Enabled:              true,
			MaxJobs:              100,
			MaxRunsPerJobHistory: 20,
			MaxConcurrentRuns:    3,
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			RateLimitRPM:    20,
			MaxMessageChars: 32000,
		},
		Storage: StorageConfig{
			StateDir: "~/.switchboard/state",
			BlobDir:  "~/.switchboard/blobs",
		},
	}
}

// Clone deep-copies the config via JSON round-trip.
func (c *Config) Clone() (*Config, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	out.Database.PostgresDSN = c.Database.PostgresDSN
	out.Tailscale.AuthKey = c.Tailscale.AuthKey
	return out, nil
}
