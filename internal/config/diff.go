package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (listen address, store, providers, discord) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ChatChanged is true when any prompt-formatting or context field of
	// the chat section changed.
	ChatChanged bool
	NewChat     ChatConfig

	RetentionChanged bool
	NewRetention     RetentionConfig

	// RestartRequired lists top-level sections whose changes are ignored
	// until the next restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Chat != new.Chat {
		d.ChatChanged = true
		d.NewChat = new.Chat
	}

	if old.Retention != new.Retention {
		d.RetentionChanged = true
		d.NewRetention = new.Retention
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) || !sameEntries(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Discord.Token != new.Discord.Token || old.Discord.GuildID != new.Discord.GuildID || !sameMap(old.Discord.Channels, new.Discord.Channels) {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ChatChanged && !d.RetentionChanged
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameEntry ignores Options; provider-specific options only matter at
// construction time, which already requires a restart.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
