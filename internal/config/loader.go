package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

// EnvPrefix prefixes every environment override, e.g. TAVERN_STORE_DSN.
const EnvPrefix = "TAVERN_"

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultSQLiteDSN       = "file:tavern.db"
	DefaultLLMProvider     = "ollama"
	DefaultLLMModel        = "openhermes"
	DefaultContextMessages = 10
	DefaultHistoryLimit    = 50
	DefaultHeader          = "Previous conversation context:"
	DefaultUserLabel       = "User"
	DefaultPersonaLabel    = "NPC"
	DefaultTitleFormat     = "Chat with %s"
	DefaultUser            = "default_user"
	DefaultMCPPath         = "/mcp"

	DefaultShutdownTimeout   = 10 * time.Second
	DefaultRetentionInterval = time.Hour
)

// ValidProviderNames lists known generation provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"ollama", "openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped. With no arguments ".env" is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies TAVERN_* environment
// overrides and defaults, and validates the result. An empty document is a
// valid, all-defaults config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg)
}

// FromEnv builds a config from defaults and environment variables only. It
// is used when no config file is given.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from TAVERN_* environment variables. Unset
// variables leave the field unchanged.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == DriverSQLite {
		cfg.Store.DSN = DefaultSQLiteDSN
	}

	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
		if cfg.Providers.LLM.Model == "" {
			cfg.Providers.LLM.Model = DefaultLLMModel
		}
	}

	c := &cfg.Chat
	if c.ContextMessages == 0 {
		c.ContextMessages = DefaultContextMessages
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.HistoryWindow == "" {
		c.HistoryWindow = chatstore.WindowRecent.String()
	}
	if c.Header == "" {
		c.Header = DefaultHeader
	}
	if c.UserLabel == "" {
		c.UserLabel = DefaultUserLabel
	}
	if c.PersonaLabel == "" {
		c.PersonaLabel = DefaultPersonaLabel
	}
	if c.SpeakerLabel == "" {
		c.SpeakerLabel = c.UserLabel
	}
	if c.TitleFormat == "" {
		c.TitleFormat = DefaultTitleFormat
	}
	if c.DefaultUser == "" {
		c.DefaultUser = DefaultUser
	}

	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = DefaultRetentionInterval
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Store
	if cfg.Store.Driver != "" && !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: sqlite, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == DriverPostgres && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when store.driver is postgres"))
	}

	// Providers
	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		prefix := fmt.Sprintf("providers.llm_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
	}

	// Chat
	c := cfg.Chat
	if c.ContextMessages < 0 {
		errs = append(errs, fmt.Errorf("chat.context_messages %d must not be negative", c.ContextMessages))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("chat.history_limit %d must not be negative", c.HistoryLimit))
	}
	if _, ok := chatstore.ParseWindow(c.HistoryWindow); !ok {
		errs = append(errs, fmt.Errorf("chat.history_window %q is invalid; valid values: recent, earliest", c.HistoryWindow))
	}
	if c.TitleFormat != "" && strings.Count(c.TitleFormat, "%s") != 1 {
		errs = append(errs, fmt.Errorf("chat.title_format %q must contain exactly one %%s", c.TitleFormat))
	}
	if c.GenerationTimeout < 0 {
		errs = append(errs, errors.New("chat.generation_timeout must not be negative"))
	}
	if c.MaxContextTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_context_tokens %d must not be negative", c.MaxContextTokens))
	}

	// Retention
	if cfg.Retention.Days < 0 {
		errs = append(errs, fmt.Errorf("retention.days %d must not be negative", cfg.Retention.Days))
	}

	// Discord
	for channel, persona := range cfg.Discord.Channels {
		if persona == "" {
			errs = append(errs, fmt.Errorf("discord.channels[%q] must name a persona id", channel))
		}
	}
	if !cfg.Discord.Enabled() && len(cfg.Discord.Channels) > 0 {
		slog.Warn("discord.channels is set but discord.token is empty; the relay will not start")
	}

	// MCP
	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
