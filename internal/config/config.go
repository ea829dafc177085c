// Package config loads the file-based configuration this binary's boot
// sequence layers underneath its cobra flags: session storage, provider
// credentials, and extension registration. It is a deliberately narrower
// rebuild of this codebase's former bot-configuration surface (gateway,
// channel auth, vector memory, marketplace, ...), scoped to what the
// session/conversation/extension/provider/agent/scheduler core actually
// consumes; see DESIGN.md for why the rest of that surface was dropped
// rather than adapted.
package config

import "time"

// Config is the root configuration document.
type Config struct {
	Session    SessionConfig             `yaml:"session"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Extensions []ExtensionConfig         `yaml:"extensions"`
	Tools      ToolsConfig               `yaml:"tools"`
}

// ToolsConfig selects the default internal/tools/policy.Policy every new
// session is seeded with (Orchestrator.SetDefaultPolicy). Profile is one of
// policy's Profile constants ("minimal", "coding", "messaging", "full");
// Allow/Deny are layered on top of the profile's own defaults the same way
// policy.Policy itself layers them.
type ToolsConfig struct {
	Profile string   `yaml:"profile"`
	Allow   []string `yaml:"allow"`
	Deny    []string `yaml:"deny"`
}

// SessionConfig configures the Session Store.
type SessionConfig struct {
	DBPath      string        `yaml:"db_path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// JobStoreDSN, when set, points the tool-call job store at a shared
	// Postgres-family database instead of the in-memory default.
	JobStoreDSN string `yaml:"job_store_dsn"`
}

// SchedulerConfig configures the Scheduler's persisted state and recipe
// directory.
type SchedulerConfig struct {
	StatePath string `yaml:"state_path"`
	RecipeDir string `yaml:"recipe_dir"`
}

// ProviderConfig holds one vendor's credentials and model overrides. The
// map key in Config.Providers ("anthropic", "openai", "google",
// "bedrock") selects which concrete Provider constructor consumes it.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Region       string `yaml:"region"`
	DefaultModel string `yaml:"default_model"`
	FastModel    string `yaml:"fast_model"`
	OAuth        bool   `yaml:"oauth"`
}

// ExtensionConfig describes one extension to register with the Extension
// Manager at boot. Kind selects which Client variant Build constructs;
// the Stdio/HTTP fields mirror internal/mcp.ServerConfig's own shape
// since an MCP server is the Stdio/Streamable-HTTP transport in practice.
type ExtensionConfig struct {
	Key     string            `yaml:"key"`
	Kind    string            `yaml:"kind"` // "stdio", "http", "builtin"
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	Builtin string            `yaml:"builtin"` // e.g. "code_execution" when Kind == "builtin"
}
