// Package app wires all Tavern subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store and builds the
// dialogue service and its front doors, Run serves them until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tavern/internal/chatctx"
	"github.com/MrWong99/tavern/internal/config"
	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/discord"
	"github.com/MrWong99/tavern/internal/health"
	"github.com/MrWong99/tavern/internal/httpapi"
	"github.com/MrWong99/tavern/internal/mcp"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/personafile"
	"github.com/MrWong99/tavern/internal/personamatch"
	"github.com/MrWong99/tavern/internal/retention"
	"github.com/MrWong99/tavern/internal/session"
	"github.com/MrWong99/tavern/pkg/chatstore"
	"github.com/MrWong99/tavern/pkg/provider/llm"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	gen llm.Provider

	// Injectable.
	store          chatstore.Store
	metrics        *observe.Metrics
	logLevel       *slog.LevelVar
	metricsHandler http.Handler
	version        string
	now            chatstore.Clock

	// Subsystems, initialised in New.
	resolver *session.Resolver
	builder  *chatctx.Builder
	dialogue *dialogue.Service
	sweeper  *retention.Sweeper
	api      *httpapi.Server
	server   *http.Server
	bot      *discord.Bot

	// retentionCh carries the latest retention schedule to the sweep loop.
	retentionCh chan config.RetentionConfig

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a chat store instead of opening one from config. The
// caller keeps ownership; Shutdown does not close it.
func WithStore(s chatstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records onto m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads adjust the given level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithVersion sets the version announced to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithClock overrides the clock of the dialogue service and the sweeper.
func WithClock(now chatstore.Clock) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. gen comes from
// main.go (built via the config registry, see [BuildGenerator]).
//
// New performs all initialisation synchronously: store connection and
// migration, persona bootstrap, dialogue service construction and the
// HTTP, MCP and Discord front doors. Nothing listens until [App.Run].
func New(ctx context.Context, cfg *config.Config, gen llm.Provider, opts ...Option) (*App, error) {
	if gen == nil {
		return nil, errors.New("app: a generation provider is required")
	}
	a := &App{
		cfg:         cfg,
		gen:         gen,
		version:     "dev",
		now:         time.Now,
		retentionCh: make(chan config.RetentionConfig, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		s, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}

	// ── 2. Personas ──────────────────────────────────────────────────────
	if err := a.initPersonas(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init personas: %w", err)
	}

	// ── 3. Dialogue ──────────────────────────────────────────────────────
	a.resolver = session.NewResolver(a.store,
		session.WithTitleFormat(cfg.Chat.TitleFormat),
		session.WithMetrics(a.metrics),
	)
	a.builder = chatctx.NewBuilder(a.store, ChatOptions(cfg.Chat))
	a.dialogue = dialogue.New(a.store, a.resolver, a.builder, gen,
		dialogue.WithMetrics(a.metrics),
		dialogue.WithClock(a.now),
		dialogue.WithGenerationTimeout(cfg.Chat.GenerationTimeout),
		dialogue.WithHistoryLimit(cfg.Chat.HistoryLimit),
	)
	a.sweeper = retention.New(a.store, retention.WithClock(a.now), retention.WithMetrics(a.metrics))
	a.retentionCh <- cfg.Retention

	// ── 4. HTTP API (+ MCP) ──────────────────────────────────────────────
	matcher := personamatch.New()
	checks := []health.Check{health.Store(a.store)}
	if p, ok := gen.(health.Pinger); ok {
		checks = append(checks, health.Generator(p))
	}
	deps := httpapi.Deps{
		Store:          a.store,
		Dialogue:       a.dialogue,
		Matcher:        matcher,
		Metrics:        a.metrics,
		Health:         health.New(checks, health.WithVersion(a.version)),
		MetricsHandler: a.metricsHandler,
	}
	if cfg.MCP.Enabled {
		deps.MCP = mcp.Handler(mcp.NewServer(mcp.Deps{
			Store:    a.store,
			Dialogue: a.dialogue,
			Matcher:  matcher,
			Metrics:  a.metrics,
		}, a.version))
		deps.MCPPath = cfg.MCP.Path
	}
	a.api = httpapi.New(deps,
		httpapi.WithCORSOrigins(cfg.Server.CORSOrigins...),
		httpapi.WithDefaultUser(cfg.Chat.DefaultUser),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 5. Discord relay ─────────────────────────────────────────────────
	if cfg.Discord.Enabled() {
		bot, err := discord.New(discord.Config{
			Token:    cfg.Discord.Token,
			GuildID:  cfg.Discord.GuildID,
			Channels: cfg.Discord.Channels,
		}, a.dialogue, a.store, matcher)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init discord: %w", err)
		}
		a.bot = bot
		a.closers = append([]func() error{bot.Close}, a.closers...)
	}

	return a, nil
}

// initPersonas imports the configured persona file and seeds the built-in
// personas into an empty store.
func (a *App) initPersonas(ctx context.Context) error {
	if path := a.cfg.Personas.File; path != "" {
		f, err := personafile.LoadFile(path)
		if err != nil {
			return err
		}
		res, err := personafile.Import(ctx, a.store, f)
		if err != nil {
			return err
		}
		for _, invalid := range res.Invalid {
			slog.Warn("persona file entry rejected", "path", path, "err", invalid)
		}
		slog.Info("imported personas", "path", path, "imported", res.Imported, "skipped", res.Skipped)
	}
	if a.cfg.Personas.ShouldSeed() {
		n, err := personafile.SeedIfEmpty(ctx, a.store)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("seeded default personas", "count", n)
		}
	}
	return nil
}

// ChatOptions converts the chat config section into context builder options.
func ChatOptions(c config.ChatConfig) chatctx.Options {
	return chatctx.Options{
		Format: chatctx.Format{
			Header:       c.Header,
			UserLabel:    c.UserLabel,
			PersonaLabel: c.PersonaLabel,
			SpeakerLabel: c.SpeakerLabel,
		},
		MaxMessages: c.ContextMessages,
		Window:      c.Window(),
		MaxTokens:   c.MaxContextTokens,
	}
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Dialogue returns the dialogue service.
func (a *App) Dialogue() *dialogue.Service {
	return a.dialogue
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, runs the retention sweep and the Discord relay until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serveHTTP(ctx) })
	g.Go(func() error { return a.runRetention(ctx) })
	if a.bot != nil {
		g.Go(func() error {
			if err := a.bot.Run(ctx); err != nil {
				return fmt.Errorf("discord: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (a *App) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-errCh
}

// runRetention runs the periodic sweep, restarting it whenever a new
// schedule arrives. A schedule with zero days pauses sweeping.
func (a *App) runRetention(ctx context.Context) error {
	var (
		cancel context.CancelFunc = func() {}
		done   chan struct{}
	)
	defer func() {
		cancel()
		if done != nil {
			<-done
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rc := <-a.retentionCh:
			cancel()
			if done != nil {
				<-done
				done = nil
			}
			if rc.Days <= 0 {
				slog.Info("retention sweep disabled")
				cancel = func() {}
				continue
			}
			var sweepCtx context.Context
			sweepCtx, cancel = context.WithCancel(ctx)
			done = make(chan struct{})
			go func(ctx context.Context, rc config.RetentionConfig, done chan struct{}) {
				defer close(done)
				slog.Info("retention sweep scheduled", "days", rc.Days, "interval", rc.Interval)
				if err := a.sweeper.Run(ctx, rc.Interval, rc.Days); err != nil {
					slog.Error("retention sweep stopped", "err", err)
				}
			}(sweepCtx, rc, done)
		}
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a configuration change. It
// is the callback of [config.Watcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ChatChanged {
		c := d.NewChat
		a.builder.SetOptions(ChatOptions(c))
		a.dialogue.SetGenerationTimeout(c.GenerationTimeout)
		a.dialogue.SetHistoryLimit(c.HistoryLimit)
		a.resolver.SetTitleFormat(c.TitleFormat)
		a.api.SetDefaultUser(c.DefaultUser)
		slog.Info("chat settings reloaded")
	}
	if d.RetentionChanged {
		select {
		case <-a.retentionCh:
		default:
		}
		a.retentionCh <- d.NewRetention
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
