// Package config provides the configuration schema, loader, and provider registry
// for the Tavern persona chat server.
package config

import (
	"time"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

// LogLevel controls log verbosity for the Tavern server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the persistence backend.
type StoreDriver string

const (
	// DriverSQLite is the embedded single-file store used by default.
	DriverSQLite StoreDriver = "sqlite"

	// DriverPostgres stores everything in a PostgreSQL database.
	DriverPostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised driver.
func (d StoreDriver) IsValid() bool {
	return d == DriverSQLite || d == DriverPostgres
}

// Config is the root configuration structure for Tavern.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// after which TAVERN_* environment variables override individual fields.
type Config struct {
	Server    ServerConfig    `yaml:"server"    envPrefix:"SERVER_"`
	Store     StoreConfig     `yaml:"store"     envPrefix:"STORE_"`
	Providers ProvidersConfig `yaml:"providers" envPrefix:"PROVIDERS_"`
	Chat      ChatConfig      `yaml:"chat"      envPrefix:"CHAT_"`
	Retention RetentionConfig `yaml:"retention" envPrefix:"RETENTION_"`
	Personas  PersonasConfig  `yaml:"personas"  envPrefix:"PERSONAS_"`
	Discord   DiscordConfig   `yaml:"discord"   envPrefix:"DISCORD_"`
	MCP       MCPConfig       `yaml:"mcp"       envPrefix:"MCP_"`
}

// ServerConfig holds network and logging settings for the Tavern server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`

	// CORSOrigins lists browser origins allowed to call the API. "*" allows
	// any origin.
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// StoreConfig selects and addresses the chat store.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver" env:"DRIVER"`

	// DSN is a SQLite URI ("file:tavern.db") or a PostgreSQL connection
	// string, depending on Driver.
	DSN string `yaml:"dsn" env:"DSN"`
}

// ProvidersConfig declares the generation backend and its ordered fallbacks.
// Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM          ProviderEntry   `yaml:"llm" envPrefix:"LLM_"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the configuration block of one generation backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "ollama", "openai").
	Name string `yaml:"name" env:"NAME"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key" env:"API_KEY"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	// Model selects a specific model within the provider (e.g., "openhermes", "gpt-4o-mini").
	Model string `yaml:"model" env:"MODEL"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ChatConfig controls context assembly and conversation defaults.
type ChatConfig struct {
	// ContextMessages is how many messages of history are rendered into a
	// generation prompt.
	ContextMessages int `yaml:"context_messages" env:"CONTEXT_MESSAGES"`

	// HistoryLimit is the default page size of the history endpoint.
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`

	// HistoryWindow is "recent" (newest N, re-sorted oldest-first) or
	// "earliest" (oldest N).
	HistoryWindow string `yaml:"history_window" env:"HISTORY_WINDOW"`

	// Header is the first line of a rendered context block.
	Header string `yaml:"header" env:"HEADER"`

	// UserLabel and PersonaLabel prefix user and persona messages in the
	// rendered context.
	UserLabel    string `yaml:"user_label"    env:"USER_LABEL"`
	PersonaLabel string `yaml:"persona_label" env:"PERSONA_LABEL"`

	// SpeakerLabel prefixes the latest user input in the prompt cue. It
	// defaults to UserLabel.
	SpeakerLabel string `yaml:"speaker_label" env:"SPEAKER_LABEL"`

	// TitleFormat builds a new conversation title from the persona id; it
	// must contain exactly one %s verb.
	TitleFormat string `yaml:"title_format" env:"TITLE_FORMAT"`

	// DefaultUser is the user id assumed when a request carries none.
	DefaultUser string `yaml:"default_user" env:"DEFAULT_USER"`

	// GenerationTimeout bounds one generation call. Zero leaves it unbounded.
	GenerationTimeout time.Duration `yaml:"generation_timeout" env:"GENERATION_TIMEOUT"`

	// MaxContextTokens caps the rendered context by token count. Zero means
	// only ContextMessages applies.
	MaxContextTokens int `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`
}

// Window returns the parsed history window. Invalid values have already been
// rejected by [Validate].
func (c ChatConfig) Window() chatstore.Window {
	w, _ := chatstore.ParseWindow(c.HistoryWindow)
	return w
}

// RetentionConfig controls the periodic inactivity sweep.
type RetentionConfig struct {
	// Days is the inactivity window. Zero disables the periodic sweep; the
	// admin purge command is unaffected.
	Days int `yaml:"days" env:"DAYS"`

	// Interval is the time between sweeps.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// PersonasConfig controls persona bootstrap at start-up.
type PersonasConfig struct {
	// File is an optional YAML persona file imported at start-up. Existing
	// ids are left untouched.
	File string `yaml:"file" env:"FILE"`

	// SeedDefaults installs the built-in personas when the store holds none.
	SeedDefaults *bool `yaml:"seed_defaults" env:"SEED_DEFAULTS"`
}

// ShouldSeed reports whether the built-in personas should be seeded.
func (p PersonasConfig) ShouldSeed() bool {
	return p.SeedDefaults == nil || *p.SeedDefaults
}

// DiscordConfig configures the optional chat relay bot. The relay is
// disabled when Token is empty.
type DiscordConfig struct {
	Token   string `yaml:"token"    env:"TOKEN"`
	GuildID string `yaml:"guild_id" env:"GUILD_ID"`

	// Channels maps a channel name to the persona id answering in it.
	Channels map[string]string `yaml:"channels" env:"CHANNELS"`
}

// Enabled reports whether the relay should start.
func (d DiscordConfig) Enabled() bool { return d.Token != "" }

// MCPConfig controls the Model Context Protocol endpoint that exposes the
// persona tools to MCP clients.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path"    env:"PATH"`
}
