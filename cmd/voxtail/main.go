// Command voxtail runs the streaming transcript pipeline server: it
// supervises whisper-stream recognizer subprocesses, accumulates their
// output into sessions, deduplicates overlapping speech with an LLM, and
// serves transcripts plus a live event feed over HTTP.
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

	"github.com/voxtail/voxtail/internal/broadcast"
	"github.com/voxtail/voxtail/internal/config"
	"github.com/voxtail/voxtail/internal/dedupe"
	"github.com/voxtail/voxtail/internal/event"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/internal/session"
	"github.com/voxtail/voxtail/internal/store"
	storemock "github.com/voxtail/voxtail/internal/store/mock"
	"github.com/voxtail/voxtail/internal/store/postgres"
	"github.com/voxtail/voxtail/internal/web"
	"github.com/voxtail/voxtail/pkg/provider/llm"
	"github.com/voxtail/voxtail/pkg/provider/llm/anyllm"
	"github.com/voxtail/voxtail/pkg/provider/llm/openai"
)

var version = "dev"

// logLevel is shared with the config watcher so log verbosity follows
// configuration reloads.
var logLevel = new(slog.LevelVar)

func main() {
	configPath := flag.String("config", "voxtail.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("voxtail exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown failed", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("configure llm provider: %w", err)
	}
	engine := dedupe.New(provider,
		dedupe.WithTemperature(cfg.Processing.Temperature),
		dedupe.WithMaxTokens(cfg.Processing.MaxTokens),
		dedupe.WithTimeout(cfg.Processing.Timeout.Std()),
	)

	// The hub's snapshot closure and the registry's event publisher refer to
	// each other; the closure resolves the registry lazily.
	var registry *session.Registry
	hub := broadcast.New(broadcast.Config{
		QueueSize: cfg.Events.QueueSize,
		Heartbeat: cfg.Events.Heartbeat.Std(),
		Snapshot: func() event.Snapshot {
			if registry == nil {
				return event.Snapshot{}
			}
			return registry.Snapshot()
		},
		Metrics: metrics,
	})
	registry = session.NewRegistry(session.RegistryConfig{
		Store:      st,
		Engine:     engine,
		Events:     hub,
		Metrics:    metrics,
		Recognizer: cfg.Recognizer,
		Processing: cfg.Processing,
	})

	watcher, err := config.NewWatcher(configPath, func(_, next *config.Config) {
		logLevel.Set(slogLevel(next.Server.LogLevel))
		registry.SetConfig(next.Recognizer, next.Processing)
	})
	if err != nil {
		// Running without a config file on disk means nothing to watch.
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	srv := web.NewServer(web.Config{
		Registry: registry,
		Store:    st,
		Hub:      hub,
		Metrics:  metrics,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The hub outlives the signal context so stop-sequence events still reach
	// subscribers during shutdown.
	hubCtx, hubCancel := context.WithCancel(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		slog.Info("voxtail listening", "addr", cfg.Server.ListenAddr, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := registry.StopSession(shutdownCtx); err != nil && !errors.Is(err, session.ErrNoSession) {
			slog.Error("stopping active session failed", "err", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown failed", "err", err)
		}
		hubCancel()
		return nil
	})

	err = g.Wait()
	hubCancel()
	return err
}

// loadConfig reads the config file, falling back to defaults when none
// exists.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// openStore connects to PostgreSQL when configured and falls back to
// in-memory storage otherwise.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.TranscriptStore, error) {
	if cfg.PostgresDSN == "" {
		slog.Warn("no postgres_dsn configured, transcripts are held in memory only")
		return storemock.NewStore(), nil
	}
	st, err := postgres.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return st, nil
}

// unconfiguredProvider stands in when no LLM is configured. Recording and
// persistence still work; every deduplication run fails and its batch stays
// pending, matching the config loader's warning.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("llm provider is not configured")
}

func (unconfiguredProvider) Model() string { return "unconfigured" }

// buildProvider constructs the LLM backend from configuration.
// "openai-compat" talks to any OpenAI-compatible endpoint via the OpenAI SDK;
// every other name goes through the any-llm multi-provider layer.
func buildProvider(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "":
		return unconfiguredProvider{}, nil
	case "openai-compat":
		opts := []openai.Option{}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// slogLevel maps the config log level onto slog.
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
