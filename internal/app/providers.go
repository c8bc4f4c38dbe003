package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tavern/internal/config"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/resilience"
	"github.com/MrWong99/tavern/pkg/provider/llm"
)

// BuildGenerator instantiates the configured generation provider. When
// fallbacks are configured the result is an [resilience.LLMFallback] trying
// them in order, each behind its own circuit breaker.
func BuildGenerator(cfg config.ProvidersConfig, reg *config.Registry, metrics *observe.Metrics) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", primary.Name())
	if len(cfg.LLMFallbacks) == 0 {
		return primary, nil
	}

	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	fb := resilience.NewLLMFallback(primary, primary.Name(), resilience.FallbackConfig{
		OnFailover: func(entry string, err error) {
			slog.Warn("generation provider failed over", "provider", entry, "err", err)
			metrics.RecordProviderError(context.Background(), entry)
		},
	})
	for i, entry := range cfg.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %d (%q): %w", i, entry.Name, err)
		}
		fb.AddFallback(p.Name(), p)
		slog.Info("provider created", "kind", "llm_fallback", "name", p.Name())
	}
	return fb, nil
}
