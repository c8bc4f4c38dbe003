package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/tavern/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.ChatChanged || d.RetentionChanged {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_ChatChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Chat.Header = "Earlier in this conversation:"

	d := config.Diff(old, new)
	if !d.ChatChanged {
		t.Fatal("expected ChatChanged=true")
	}
	if d.NewChat.Header != "Earlier in this conversation:" {
		t.Errorf("NewChat.Header = %q", d.NewChat.Header)
	}
	if d.Empty() {
		t.Error("Empty() = true, want false")
	}
}

func TestDiff_RetentionChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Retention.Days = 30
	new.Retention.Interval = 6 * time.Hour

	d := config.Diff(old, new)
	if !d.RetentionChanged || d.NewRetention.Days != 30 {
		t.Errorf("diff = %+v, want retention change", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":9090"
	new.Store.DSN = "file:other.db"
	new.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "openai", Model: "gpt-4o-mini"}}
	new.Discord.Channels = map[string]string{"taverna": "thorin"}

	d := config.Diff(old, new)
	for _, section := range []string{"server", "store", "providers", "discord"} {
		if !slices.Contains(d.RestartRequired, section) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, section)
		}
	}
	if !d.Empty() {
		t.Errorf("restart-only changes must not count as hot-reloadable: %+v", d)
	}
}

func TestDiff_ProviderOptionsIgnored(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers.LLM.Options = map[string]any{"temperature": 0.3}

	d := config.Diff(old, new)
	if slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("options-only change reported as restart: %v", d.RestartRequired)
	}
}
