// Package app wires the Voxline subsystems into a running server.
//
// [App] owns the lifecycle: [New] connects the call log and builds the HTTP
// surface, [App.Run] serves WebSocket calls until the context is cancelled
// and then drains them, and [App.Reload] applies hot-reloadable config
// changes to the server and every live call.
//
// Calls are accepted on /v1/calls/{transport}, where transport is one of
// "pcm", "alaw" or "mulaw". Health endpoints and Prometheus metrics are
// served on the same listener.
//
// For testing, inject test doubles via functional options (WithCallLog,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/calllog"
	"github.com/MrWong99/voxline/internal/calllog/postgres"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/stage"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// shutdownTimeout bounds the HTTP listener shutdown and the call drain.
const shutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes and serves voice calls.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	store     calllog.Store
	metrics   *observe.Metrics
	level     *slog.LevelVar
	accept    *websocket.AcceptOptions

	calls  *CallManager
	health *health.Handler
	mux    *http.ServeMux

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallLog injects a call log store instead of connecting to the
// configured PostgreSQL database.
func WithCallLog(s calllog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records server and call metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.Reload] change the log level of the handler lv
// belongs to.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithAcceptOptions overrides the WebSocket upgrade options (for example
// allowed origins).
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(a *App) { a.accept = opts }
}

// New creates an App from cfg and the shared providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil || providers.VAD == nil {
		return nil, fmt.Errorf("app: %w", call.ErrMissingProvider)
	}
	a := &App{
		providers: providers,
		calls:     NewCallManager(cfg.Server.MaxCalls),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}

	if err := a.initCallLog(ctx, cfg); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}
	a.initHTTP()
	return a, nil
}

// initCallLog connects the PostgreSQL call log unless one was injected or
// no DSN is configured.
func (a *App) initCallLog(ctx context.Context, cfg *config.Config) error {
	if a.store != nil || cfg.CallLog.PostgresDSN == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, cfg.CallLog.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) initHTTP() {
	checks := append([]health.Checker(nil), a.providers.checks...)
	if p, ok := a.store.(pinger); ok {
		checks = append(checks, health.Checker{Name: "call_log", Check: p.Ping})
	}
	a.health = health.New(checks, health.WithActiveCalls(a.calls.Active))

	a.mux = http.NewServeMux()
	a.health.Register(a.mux)
	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.HandleFunc("GET /v1/calls/{transport}", a.handleCall)
}

// Handler returns the HTTP handler serving calls, health and metrics.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics,
		observe.WithRoute(a.route),
		observe.WithQuietRoutes("/healthz", "/readyz", "/metrics"),
	)(a.mux)
}

// route returns the mux pattern r matches, so spans and metrics are labelled
// per endpoint rather than per path.
func (a *App) route(r *http.Request) string {
	_, pattern := a.mux.Handler(r)
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

// Calls exposes the call manager.
func (a *App) Calls() *CallManager { return a.calls }

func (a *App) handleCall(w http.ResponseWriter, r *http.Request) {
	kind, err := transport.ParseKind(r.PathValue("transport"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	release, err := a.calls.Reserve()
	if err != nil {
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	log := observe.Logger(r.Context()).With("call_id", id)
	// The hijacked connection keeps the call alive past the handler's
	// request context; shutdown goes through the call manager instead.
	ctx := context.WithoutCancel(r.Context())

	port, err := transport.Accept(ctx, w, r, kind, a.accept)
	if err != nil {
		release()
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c, err := call.New(id, port, a.callProviders(), callConfig(a.cfg.Load()), a.callOptions()...)
	if err != nil {
		release()
		log.Error("call setup failed", "err", err)
		_ = port.Close()
		return
	}
	if err := a.calls.Run(ctx, release, kind.String(), c); err != nil {
		if errors.Is(err, ErrShuttingDown) {
			_ = port.Close()
			return
		}
		log.Warn("call ended with error", "err", err)
	}
}

func (a *App) callProviders() call.Providers {
	return call.Providers{
		LLM: a.providers.LLM,
		STT: a.providers.STT,
		TTS: a.providers.TTS,
		VAD: a.providers.VAD,
	}
}

func (a *App) callOptions() []call.Option {
	opts := []call.Option{call.WithMetrics(a.metrics)}
	if a.store != nil {
		opts = append(opts, call.WithCallLog(a.store))
	}
	return opts
}

// callConfig resolves the per-call behaviour from cfg. Zero values keep the
// built-in defaults.
func callConfig(cfg *config.Config) call.Config {
	v := stage.DefaultVADConfig()
	if cfg.VAD.Onset > 0 {
		v.Onset = cfg.VAD.Onset
	}
	if cfg.VAD.Offset > 0 {
		v.Offset = cfg.VAD.Offset
	}
	if cfg.VAD.MinSpeechFrames > 0 {
		v.MinSpeechFrames = cfg.VAD.MinSpeechFrames
	}
	if cfg.VAD.ConfirmationWindow > 0 {
		v.ConfirmationWindow = cfg.VAD.ConfirmationWindow
	}

	return call.Config{
		QueueSize:        cfg.Pipeline.QueueSize,
		VAD:              v,
		EndOfTurnSilence: cfg.VAD.EndOfTurnSilence,
		Turn: stage.AggregatorConfig{
			CommitDelay:   cfg.Turn.CommitDelay,
			Semantic:      cfg.Turn.Semantic,
			SemanticDelay: cfg.Turn.SemanticDelay,
		},
		ContextWindow: cfg.Turn.ContextWindow,
		Responder: stage.ResponderConfig{
			SystemPrompt: cfg.Agent.SystemPrompt,
			Temperature:  cfg.Agent.Temperature,
			MaxTokens:    cfg.Agent.MaxTokens,
			Voice:        tts.VoiceProfile{ID: cfg.Agent.Voice.VoiceID, Name: cfg.Agent.Voice.Name},
		},
		Language:       cfg.Agent.Language,
		Vocabulary:     cfg.Agent.Vocabulary,
		BackgroundFile: cfg.Audio.BackgroundFile,
		BackgroundGain: cfg.Audio.BackgroundGain,
		MixBackground:  cfg.Audio.MixBackground,
	}
}

// Reload applies the hot-reloadable differences between old and new. New
// calls always start from new; live calls receive the VAD, turn, prompt and
// vocabulary changes as a settings update.
func (a *App) Reload(ctx context.Context, old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	log := observe.Logger(ctx)
	a.cfg.Store(new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HasCallSettings() {
		n := a.calls.Apply(ctx, d.Settings())
		log.Info("settings applied to live calls",
			"calls", n,
			"vad", d.VADChanged,
			"turn", d.TurnChanged,
			"system_prompt", d.SystemPromptChanged,
			"vocabulary", d.VocabularyChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		log.Warn("config changes need a restart to take full effect", "sections", d.RestartRequired)
	}
	return d
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains calls and returns. A nil error means a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.cfg.Load()
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errc <- err
	}()
	observe.Logger(ctx).Info("server listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.health.SetDraining()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observe.Logger(ctx).Warn("http shutdown", "err", err)
	}
	<-errc
	return a.Shutdown(shutdownCtx)
}

// Shutdown hangs up all calls and tears down subsystems. It respects the
// context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		log := observe.Logger(ctx)
		log.Info("shutting down", "active_calls", a.calls.Active())
		a.health.SetDraining()

		if err := a.calls.Shutdown(ctx); err != nil {
			shutdownErr = err
		}
		for i, closer := range a.closers {
			if err := closer(); err != nil {
				log.Warn("closer error", "index", i, "err", err)
			}
		}
		log.Info("shutdown complete")
	})
	return shutdownErr
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// SlogLevel converts a config log level for handler construction.
func SlogLevel(l config.LogLevel) slog.Level { return slogLevel(l) }
