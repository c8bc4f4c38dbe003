package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/tavern/internal/config"
)

func TestValidate_Table(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{"bad driver", "store:\n  driver: mysql\n", "store.driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "store.dsn"},
		{"negative context", "chat:\n  context_messages: -1\n", "chat.context_messages"},
		{"bad window", "chat:\n  history_window: middle\n", "chat.history_window"},
		{"title without verb", "chat:\n  title_format: Chat\n", "chat.title_format"},
		{"title with two verbs", "chat:\n  title_format: \"%s and %s\"\n", "chat.title_format"},
		{"negative retention", "retention:\n  days: -3\n", "retention.days"},
		{"negative tokens", "chat:\n  max_context_tokens: -5\n", "chat.max_context_tokens"},
		{"fallback without name", "providers:\n  llm_fallbacks:\n    - model: x\n", "llm_fallbacks[0].name"},
		{"empty channel persona", "discord:\n  token: t\n  channels:\n    general: \"\"\n", "discord.channels"},
		{"relative mcp path", "mcp:\n  enabled: true\n  path: mcp\n", "mcp.path"},
		{"tls half configured", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error should mention %q, got: %v", tt.wantSub, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
store:
  driver: redis
retention:
  days: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, sub := range []string{"log_level", "store.driver", "retention.days"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error should mention %q, got: %v", sub, err)
		}
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: my-custom-backend
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names must only warn, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, want := range []string{"ollama", "openai", "anthropic"} {
		found := false
		for _, n := range config.ValidProviderNames {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("ValidProviderNames missing %q", want)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tavern.yaml")
	if err := os.WriteFile(path, []byte("chat:\n  history_limit: 25\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.HistoryLimit != 25 {
		t.Errorf("history_limit = %d, want 25", cfg.Chat.HistoryLimit)
	}
}

func TestLoadDotEnv_MissingFileIsSkipped(t *testing.T) {
	if err := config.LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env must be ignored, got: %v", err)
	}
}

func TestLoadDotEnv_SetsUnsetVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TAVERN_TEST_DOTENV_VALUE=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TAVERN_TEST_DOTENV_VALUE", "")
	os.Unsetenv("TAVERN_TEST_DOTENV_VALUE")

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TAVERN_TEST_DOTENV_VALUE"); got != "from-file" {
		t.Errorf("TAVERN_TEST_DOTENV_VALUE = %q, want from-file", got)
	}
}
