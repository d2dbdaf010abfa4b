// Package app wires all Glyphoxa subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main processing loop, and Shutdown tears
// everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/glyphoxa/internal/auth"
	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/internal/frame"
	"github.com/MrWong99/glyphoxa/internal/gateway"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/internal/resilience"
	"github.com/MrWong99/glyphoxa/internal/storage"
	"github.com/MrWong99/glyphoxa/internal/tools"
	"github.com/MrWong99/glyphoxa/internal/media"
	"github.com/MrWong99/glyphoxa/pkg/provider/embeddings"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	"github.com/MrWong99/glyphoxa/pkg/provider/vad"
	"github.com/MrWong99/glyphoxa/pkg/provider/vision"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Vision     vision.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// App owns all subsystem lifetimes: the persistence gateway, the
// resilience-wrapped providers, the session gateway (C9), and the per-user
// runtime state constructed lazily as users connect.
type App struct {
	cfg     *config.Config
	storage *storage.Gateway
	issuer  *auth.Issuer
	metrics *observe.Metrics

	llm        llm.Provider
	stt        stt.Provider
	tts        tts.Provider
	vision     vision.Provider
	embeddings embeddings.Provider
	vad        vad.Engine

	summariser  frame.Summariser
	consolidator frame.MemoryConsolidator

	mediaIndex      media.Index
	mediaDownloader media.Downloader
	mediaWorkspace  string

	gw *gateway.Gateway

	usersMu sync.Mutex
	users   map[string]*userState

	otelShutdown func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMediaWorkspace sets the sandboxed base directory exposed to agents via
// the file tools (read_file and write_file). Left empty, those tools are not
// registered.
func WithMediaWorkspace(dir string) Option {
	return func(a *App) { a.mediaWorkspace = dir }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		users: make(map[string]*userState),
	}
	for _, o := range opts {
		o(a)
	}

	gw, err := storage.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: open storage: %w", err)
	}
	a.storage = gw

	if err := Bootstrap(ctx, gw); err != nil {
		gw.Close()
		return nil, fmt.Errorf("app: bootstrap: %w", err)
	}

	a.issuer = auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpireDays)

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "glyphoxa"})
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.otelShutdown = shutdown
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics

	a.wireProviders(providers)

	if a.llm != nil {
		a.summariser = frame.NewLLMSummariser(a.llm)
		a.consolidator = frame.NewLLMConsolidator(a.llm)
	}

	a.mediaIndex = media.NewHTTPIndex(cfg.Media.IndexURL)
	a.mediaDownloader = media.NewHTTPDownloader()

	a.gw = gateway.New(a.issuer)
	a.registerHandlers()

	return a, nil
}

// wireProviders wraps each configured provider in its matching resilience
// fallback group, so a transient upstream failure trips a circuit breaker
// instead of failing every subsequent turn. No alternate provider instances
// are configured today (the config schema names exactly one provider per
// kind), so every group holds only a primary — the wrapper still earns its
// keep by giving each provider kind independent breaker state and uniform
// error classification.
func (a *App) wireProviders(p *Providers) {
	if p == nil {
		return
	}
	cbCfg := resilience.FallbackConfig{}

	if p.LLM != nil {
		a.llm = resilience.NewLLMFallback(p.LLM, a.cfg.Providers.LLM.Name, cbCfg)
	}
	if p.STT != nil {
		a.stt = resilience.NewSTTFallback(p.STT, a.cfg.Providers.STT.Name, cbCfg)
	}
	if p.TTS != nil {
		a.tts = resilience.NewTTSFallback(p.TTS, a.cfg.Providers.TTS.Name, cbCfg)
	}
	a.vision = p.Vision
	a.embeddings = p.Embeddings
	a.vad = p.VAD
}

// logCalibrationWarning logs a non-fatal MCP calibration failure for a
// specific user's host; declared latencies are used until the next
// calibration attempt succeeds.
func (a *App) logCalibrationWarning(userID string, err error) {
	slog.Warn("mcp host calibration failed, using declared latencies", "user_id", userID, "err", err)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Storage returns the persistence gateway.
func (a *App) Storage() *storage.Gateway { return a.storage }

// Gateway returns the session gateway (C9), whose Accept method is wired to
// an HTTP handler by cmd/glyphoxa.
func (a *App) Gateway() *gateway.Gateway { return a.gw }

// Metrics returns the application's metrics recorder.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run blocks until ctx is cancelled. All actual work happens on gateway
// goroutines started by Accept as clients connect; Run exists to give
// main.go a single call to wait on.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running")
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: per-user MCP hosts and media players,
// the storage gateway, and the telemetry providers. Respects ctx's deadline
// for the per-user teardown loop.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.usersMu.Lock()
		users := a.users
		a.users = nil
		a.usersMu.Unlock()

		for userID, st := range users {
			select {
			case <-ctx.Done():
				shutdownErr = ctx.Err()
				a.usersMu.Lock()
				slog.Warn("shutdown deadline exceeded tearing down user state", "user_id", userID)
				a.usersMu.Unlock()
				return
			default:
			}
			st.close()
		}

		if a.storage != nil {
			a.storage.Close()
		}
		if a.otelShutdown != nil {
			if err := a.otelShutdown(ctx); err != nil {
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// emitApprovalRequest forwards a tool_approval_request to the user's active
// gateway session, if one exists.
func (a *App) emitApprovalRequest(userID string, req tools.ApprovalRequest) {
	sess, ok := a.gw.Session(userID)
	if !ok {
		return
	}
	sess.Emit("tool_approval_request", approvalRequestPayload{
		ApprovalID:  req.ApprovalID,
		ToolName:    req.ToolName,
		ToolArgs:    req.ToolArgs,
		Description: req.Description,
		RiskLevel:   req.RiskLevel.String(),
	})
}

func (a *App) emitMediaChunk(userID string, ev media.ChunkEvent) {
	sess, ok := a.gw.Session(userID)
	if !ok {
		return
	}
	sess.Emit("media_chunk", ev)
}

func (a *App) emitMediaState(userID string, ev media.StateEvent) {
	sess, ok := a.gw.Session(userID)
	if !ok {
		return
	}
	sess.SetMediaState(string(ev.State))
	sess.Emit("media_state", ev)
}
