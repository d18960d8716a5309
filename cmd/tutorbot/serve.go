package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shaharia-lab/tutorbot"
	"github.com/shaharia-lab/tutorbot/config"
	"github.com/shaharia-lab/tutorbot/observability"
	"github.com/shaharia-lab/tutorbot/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Long: `Starts the HTTP server that receives WhatsApp webhooks, generates replies and
delivers them through UltraMsg with Gupshup as fallback. SIGINT or SIGTERM
stops the server and flushes the session snapshot once.`,
	RunE: runServe,
}

// loadConfig reads and validates the configuration and builds the logger it names.
func loadConfig() (*config.Config, observability.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openSnapshotStorage returns the configured snapshot backend and a closer for any resource it holds.
func openSnapshotStorage(ctx context.Context, cfg *config.Config, logger observability.Logger) (tutorbot.SnapshotStorage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Sessions.Backend {
	case config.SessionBackendMemory:
		return tutorbot.NewMemorySnapshotStorage(), noop, nil
	case config.SessionBackendSQLite:
		db, err := sql.Open("sqlite3", cfg.Sessions.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session database: %w", err)
		}
		storage, err := tutorbot.NewSQLiteSnapshotStorage(ctx, db, logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return storage, db.Close, nil
	default:
		return tutorbot.NewFileSnapshotStorage(cfg.Sessions.File, logger), noop, nil
	}
}

// anthropicModel ignores OpenRouter-style "vendor/model" names so the provider default applies.
func anthropicModel(name string) anthropic.Model {
	if strings.Contains(name, "/") {
		return ""
	}
	return anthropic.Model(name)
}

func newCompletionProvider(cfg *config.Config) tutorbot.CompletionProvider {
	opts := []tutorbot.CompletionOption{
		tutorbot.WithMaxTokens(cfg.Completion.MaxTokens),
		tutorbot.WithTemperature(cfg.Completion.Temperature),
		tutorbot.WithTopP(cfg.Completion.TopP),
	}

	var provider tutorbot.CompletionProvider
	switch cfg.Completion.Backend {
	case config.BackendNoop:
		provider = tutorbot.NewNoOpsCompletionProvider()
	case config.BackendAnthropic:
		pc := tutorbot.AnthropicProviderConfig{Model: anthropicModel(cfg.Completion.Model), Options: opts}
		if cfg.Completion.AnthropicAPIKey != "" {
			pc.Client = tutorbot.NewAnthropicClient(cfg.Completion.AnthropicAPIKey)
		}
		provider = tutorbot.NewAnthropicCompletionProvider(pc)
	default:
		pc := tutorbot.OpenAIProviderConfig{Model: cfg.Completion.Model, Options: opts}
		if cfg.Completion.OpenRouterAPIKey != "" {
			pc.Client = tutorbot.NewOpenRouterClient(cfg.Completion.OpenRouterAPIKey)
		}
		provider = tutorbot.NewOpenAICompletionProvider(pc)
	}
	return tutorbot.NewTracingCompletionProvider(provider, cfg.Completion.Backend)
}

func newDispatcher(cfg *config.Config, logger observability.Logger) *tutorbot.Dispatcher {
	providers := []tutorbot.DeliveryProvider{
		tutorbot.NewUltraMsgProvider(tutorbot.UltraMsgConfig{
			Token:      cfg.Delivery.UltraMsg.Token,
			InstanceID: cfg.Delivery.UltraMsg.InstanceID,
			BaseURL:    cfg.Delivery.UltraMsg.BaseURL,
		}),
		tutorbot.NewGupshupProvider(tutorbot.GupshupConfig{
			APIKey:       cfg.Delivery.Gupshup.APIKey,
			AppName:      cfg.Delivery.Gupshup.AppName,
			SourceNumber: cfg.Delivery.Gupshup.SourceNumber,
			BaseURL:      cfg.Delivery.Gupshup.BaseURL,
		}),
	}
	if cfg.Delivery.RateLimit > 0 {
		for i, p := range providers {
			providers[i] = tutorbot.NewRateLimitedDeliveryProvider(p, cfg.Delivery.RateLimit)
		}
	}
	return tutorbot.NewDispatcher(providers, tutorbot.WithDispatcherLogger(logger))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if zl, ok := logger.(*observability.ZapLogger); ok {
		defer func() { _ = zl.Sync() }()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := openSnapshotStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.WithErr(err).Warn("Failed to close session storage")
		}
	}()

	store := tutorbot.NewSessionStore(ctx,
		tutorbot.WithMaxHistory(cfg.Sessions.MaxHistory),
		tutorbot.WithTimeout(cfg.GetSessionTimeout()),
		tutorbot.WithSweepInterval(cfg.GetSweepInterval()),
		tutorbot.WithSnapshotStorage(storage),
		tutorbot.WithLogger(logger),
	)
	// Runs after the server has drained so in-flight replies are part of the final snapshot.
	defer store.Destroy(context.Background())

	if cfg.Completion.Backend != config.BackendNoop &&
		cfg.Completion.OpenRouterAPIKey == "" && cfg.Completion.AnthropicAPIKey == "" {
		logger.Warn("No completion API key configured; every reply will be the apology text")
	}

	tutor := tutorbot.NewTutor(store,
		newCompletionProvider(cfg),
		tutorbot.NewResponseShaper(tutorbot.WithShaperLogger(logger)),
		newDispatcher(cfg, logger),
		tutorbot.WithTutorLogger(logger),
	)
	srv := server.New(cfg.Addr(), tutor,
		server.WithLogger(logger),
		server.WithCompletionBackend(cfg.Completion.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Infof("tutorbot serving on %s (completion: %s, sessions: %s)",
		cfg.Addr(), cfg.Completion.Backend, cfg.Sessions.Backend)
	return g.Wait()
}
