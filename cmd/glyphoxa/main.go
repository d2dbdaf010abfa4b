// Command glyphoxa is the main entry point for the Glyphoxa voice/vision
// assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/glyphoxa/internal/app"
	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/internal/health"
	"github.com/MrWong99/glyphoxa/pkg/provider/embeddings"
	"github.com/MrWong99/glyphoxa/pkg/provider/embeddings/ollama"
	"github.com/MrWong99/glyphoxa/pkg/provider/embeddings/openai"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/glyphoxa/pkg/provider/llm/openai"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt/deepgram"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt/whisper"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts/coqui"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/glyphoxa/pkg/provider/vision"
	"github.com/MrWong99/glyphoxa/pkg/provider/vision/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "glyphoxa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "glyphoxa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("glyphoxa starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers, app.WithMediaWorkspace(cfg.Media.Workspace))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: gatewayHandler(application),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "listen_addr", cfg.Server.ListenAddr)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	_ = server.Shutdown(shutdownCtx)
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// gatewayHandler exposes the session gateway's websocket upgrade at /ws, plus
// liveness/readiness probes for orchestration platforms (k8s et al.).
func gatewayHandler(application *app.App) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := application.Gateway().Accept(w, r); err != nil {
			slog.Warn("gateway: connection rejected", "err", err, "remote", r.RemoteAddr)
		}
	})

	health.New(health.Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return application.Storage().Pool().Ping(ctx)
		},
	}).Register(mux)

	return mux
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers the factory for every provider
// implementation that ships with Glyphoxa. A provider named in config.yaml
// but not registered here surfaces as ErrProviderNotRegistered, which
// buildProviders treats as "not yet implemented" rather than a fatal error.
func registerBuiltinProviders(reg *config.Registry) {
	registerLLMProviders(reg)
	registerSTTProviders(reg)
	registerTTSProviders(reg)
	registerVisionProviders(reg)
	registerEmbeddingsProviders(reg)
}

func registerLLMProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []llmopenai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewAnthropic(e.Model)
	})
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGemini(e.Model)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(e.Model)
	})
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewDeepSeek(e.Model)
	})
	reg.RegisterLLM("mistral", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewMistral(e.Model)
	})
	reg.RegisterLLM("groq", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGroq(e.Model)
	})
}

func registerSTTProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		return deepgram.New(e.APIKey, deepgram.WithModel(e.Model))
	})
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		return whisper.New(e.BaseURL, whisper.WithModel(e.Model))
	})
}

func registerTTSProviders(reg *config.Registry) {
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		return elevenlabs.New(e.APIKey, elevenlabs.WithModel(e.Model))
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		return coqui.New(e.BaseURL)
	})
}

func registerVisionProviders(reg *config.Registry) {
	reg.RegisterVision("gemini", func(e config.ProviderEntry) (vision.Provider, error) {
		return gemini.New(context.Background(), e.APIKey, gemini.WithModel(e.Model))
	})
}

func registerEmbeddingsProviders(reg *config.Registry) {
	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		opts := []openai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return ollama.New(e.BaseURL, e.Model)
	})
}

// buildProviders instantiates every provider named in cfg using the
// registry and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if handleProviderErr(err, "llm", name) {
			ps.LLM = p
		} else if err != nil && !errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if handleProviderErr(err, "stt", name) {
			ps.STT = p
		} else if err != nil && !errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if handleProviderErr(err, "tts", name) {
			ps.TTS = p
		} else if err != nil && !errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
	}

	if name := cfg.Providers.Vision.Name; name != "" {
		p, err := reg.CreateVision(cfg.Providers.Vision)
		if handleProviderErr(err, "vision", name) {
			ps.Vision = p
		} else if err != nil && !errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("create vision provider %q: %w", name, err)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if handleProviderErr(err, "embeddings", name) {
			ps.Embeddings = p
		} else if err != nil && !errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if handleProviderErr(err, "vad", name) {
			ps.VAD = p
		} else if err != nil && !errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
	}

	return ps, nil
}

// handleProviderErr logs and reports whether a successfully created
// provider should be kept. A provider named but not registered is logged at
// debug level and skipped rather than treated as fatal, since not every
// deployment configures every pipeline stage.
func handleProviderErr(err error, kind, name string) bool {
	if err == nil {
		slog.Info("provider created", "kind", kind, "name", name)
		return true
	}
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Debug("provider not yet implemented — skipping", "kind", kind, "name", name)
	}
	return false
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Glyphoxa — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Vision", cfg.Providers.Vision.Name, cfg.Providers.Vision.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
