// Command voxflow runs the voice conversation gateway.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/voxflow-ai/voxflow/internal/config"
	"github.com/voxflow-ai/voxflow/internal/gateway"
	"github.com/voxflow-ai/voxflow/internal/health"
	"github.com/voxflow-ai/voxflow/internal/history"
	histpg "github.com/voxflow-ai/voxflow/internal/history/postgres"
	"github.com/voxflow-ai/voxflow/internal/keystore"
	"github.com/voxflow-ai/voxflow/internal/observe"
	"github.com/voxflow-ai/voxflow/internal/reply"
	"github.com/voxflow-ai/voxflow/internal/tools"
	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
	"github.com/voxflow-ai/voxflow/pkg/provider/llm/anyllm"
	"github.com/voxflow-ai/voxflow/pkg/provider/llm/gemini"
	"github.com/voxflow-ai/voxflow/pkg/provider/llm/openai"
	"github.com/voxflow-ai/voxflow/pkg/provider/stt"
	"github.com/voxflow-ai/voxflow/pkg/provider/stt/assemblyai"
	"github.com/voxflow-ai/voxflow/pkg/provider/tts"
	"github.com/voxflow-ai/voxflow/pkg/provider/tts/murf"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxflow: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxflow: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("voxflow starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"llm", cfg.LLM.Provider+"/"+cfg.LLM.Model,
		"stt", cfg.STT.Provider,
		"tts", cfg.TTS.Provider,
		"history", cfg.History.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxflow"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	store, checker, closeStore, err := buildHistoryStore(ctx, cfg.History)
	if err != nil {
		slog.Error("failed to initialise history store", "err", err)
		return 1
	}
	defer closeStore()

	if cfg.Server.ArtifactsDir != "" {
		if err := os.MkdirAll(cfg.Server.ArtifactsDir, 0o755); err != nil {
			slog.Error("failed to create artifacts dir", "dir", cfg.Server.ArtifactsDir, "err", err)
			return 1
		}
	}

	pipeline := reply.New(
		store,
		llmFactory(cfg.LLM),
		reply.Defaults{
			ModelKey:   cfg.LLM.APIKey,
			WeatherKey: cfg.Tools.WeatherAPIKey,
			SearchKey:  cfg.Tools.SearchAPIKey,
		},
		tools.Options{},
	)

	srv := gateway.New(gateway.Options{
		Keys:          keystore.NewMemory(),
		History:       store,
		Pipeline:      pipeline,
		NewSTT:        sttFactory(cfg.STT),
		NewTTS:        ttsFactory(cfg.TTS),
		DefaultSTTKey: cfg.STT.APIKey,
		DefaultTTSKey: cfg.TTS.APIKey,
		SampleRate:    cfg.STT.SampleRate,
		ArtifactsDir:  cfg.Server.ArtifactsDir,
		Chunking:      cfg.Speech.Chunking,
		Voice: tts.Voice{
			ID:     cfg.TTS.VoiceID,
			Format: cfg.TTS.Format,
		},
		Ready: []health.Checker{checker},
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildHistoryStore constructs the configured conversation log backend along
// with its readiness probe and cleanup function.
func buildHistoryStore(ctx context.Context, cfg config.HistoryConfig) (history.Store, health.Checker, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := histpg.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, health.Checker{}, nil, err
		}
		checker := health.Checker{Name: "history", Check: pg.Ping}
		return pg, checker, pg.Close, nil

	default:
		fs, err := history.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, health.Checker{}, nil, err
		}
		checker := health.Checker{
			Name: "history",
			Check: func(context.Context) error {
				_, err := os.Stat(cfg.Dir)
				return err
			},
		}
		return fs, checker, func() {}, nil
	}
}

// llmFactory returns a per-turn model provider constructor for the configured
// backend. The API key varies per call; everything else is fixed from config.
func llmFactory(cfg config.LLMConfig) reply.ProviderFactory {
	switch cfg.Provider {
	case "gemini":
		return func(apiKey string) (llm.Provider, error) {
			var opts []gemini.Option
			if cfg.Model != "" {
				opts = append(opts, gemini.WithModel(cfg.Model))
			}
			if cfg.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
			}
			return gemini.New(apiKey, opts...)
		}

	case "openai":
		return func(apiKey string) (llm.Provider, error) {
			var opts []openai.Option
			if cfg.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
			}
			return openai.New(apiKey, cfg.Model, opts...)
		}

	default:
		// anthropic, ollama, groq, mistral, deepseek, llamacpp and friends all
		// go through any-llm.
		return func(apiKey string) (llm.Provider, error) {
			opts := []anyllmlib.Option{anyllmlib.WithAPIKey(apiKey)}
			if cfg.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
			}
			return anyllm.New(cfg.Provider, cfg.Model, opts...)
		}
	}
}

// sttFactory returns a per-connection transcription provider constructor.
func sttFactory(cfg config.STTConfig) gateway.STTFactory {
	return func(apiKey string) (stt.Provider, error) {
		var opts []assemblyai.Option
		if cfg.SampleRate != 0 {
			opts = append(opts, assemblyai.WithSampleRate(cfg.SampleRate))
		}
		return assemblyai.New(apiKey, opts...)
	}
}

// ttsFactory returns a per-turn synthesis provider constructor.
func ttsFactory(cfg config.TTSConfig) gateway.TTSFactory {
	return func(apiKey string) (tts.Provider, error) {
		var opts []murf.Option
		if cfg.VoiceID != "" {
			opts = append(opts, murf.WithVoice(cfg.VoiceID))
		}
		return murf.New(apiKey, opts...)
	}
}

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
