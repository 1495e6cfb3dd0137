package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/joi-gateway/internal/config"
	"github.com/zhouzirui/joi-gateway/internal/handler"
	"github.com/zhouzirui/joi-gateway/internal/logging"
	"github.com/zhouzirui/joi-gateway/internal/metrics"
	"github.com/zhouzirui/joi-gateway/internal/model/persona"
	"github.com/zhouzirui/joi-gateway/internal/service/ai"
	"github.com/zhouzirui/joi-gateway/internal/service/chat"
	"github.com/zhouzirui/joi-gateway/internal/service/ollama"
	"github.com/zhouzirui/joi-gateway/internal/service/relay"
	"github.com/zhouzirui/joi-gateway/web"
)

func newBackend(cfg *config.Config, logger *log.Logger) (*ollama.RetryClient, *ollama.Client) {
	retry := ollama.NewRetryClient(ollama.RetryOptions{
		MaxAttempts:    cfg.Backend.MaxRetries,
		BaseDelay:      cfg.Backend.RetryDelay,
		Timeout:        cfg.Backend.RequestTimeout,
		MaxConnections: cfg.Backend.MaxConnections,
		Logger:         logger,
	})
	return retry, ollama.NewClient(cfg.Backend.URL, retry, logger)
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	retry, backend := newBackend(cfg, logger)
	defer retry.Close()

	probeBackend(ctx, backend, logger)

	// Initialize persona store and prompt builder
	personaStore := persona.NewMemoryStore(persona.Seed())
	prompts, err := ai.NewPromptBuilder(personaStore, cfg.Session.Persona, cfg.Session.SystemPrompt)
	if err != nil {
		return fmt.Errorf("invalid SYSTEM_PERSONA: %w", err)
	}
	aiService := ai.NewService(backend, prompts, cfg.Backend)

	sessions := chat.NewService(cfg.Session.HistoryLength, cfg.Session.Timeout, chat.WithLogger(logger))
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sessions.RunSweeper(sweepCtx, cfg.Session.Timeout)
	}()
	defer func() {
		stopSweeper()
		<-sweeperDone
	}()

	static, err := web.Static()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	router := handler.NewRouter(handler.Dependencies{
		Relay:         relay.New(sessions, aiService, collector, logger),
		Sessions:      sessions,
		Backend:       backend,
		Personas:      personaStore,
		ActivePersona: cfg.Session.Persona,
		Metrics:       collector,
		Static:        static,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("joi gateway listening",
		"addr", cfg.Server.Addr,
		"ollama", cfg.Backend.URL,
		"model", aiService.Model(),
		"persona", prompts.Persona().ID,
		"history", cfg.Session.HistoryLength,
	)
	if err := runServer(ctx, srv, cfg.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("joi gateway stopped")
	return nil
}

// probeBackend makes one best-effort liveness check. Failure only warns.
func probeBackend(ctx context.Context, backend *ollama.Client, logger *log.Logger) {
	status, err := backend.Status(ctx)
	if err != nil {
		logger.Warn("ollama not reachable at startup", "url", backend.BaseURL, "err", err)
		return
	}
	if status.StatusCode != http.StatusOK {
		logger.Warn("ollama answered with non-OK status", "url", backend.BaseURL, "status", status.StatusCode)
		return
	}
	if v, err := backend.Version(ctx); err == nil {
		logger.Info("ollama reachable", "url", backend.BaseURL, "version", v)
	}
}

func runProbe(ctx context.Context, out io.Writer, cfg *config.Config) error {
	retry, backend := newBackend(cfg, logging.Discard())
	defer retry.Close()

	status, err := backend.Status(ctx)
	if err != nil {
		return fmt.Errorf("ollama status check failed: %w", err)
	}
	fmt.Fprintf(out, "%s -> %d %s\n", backend.BaseURL, status.StatusCode, status.Body)

	if v, err := backend.Version(ctx); err == nil {
		fmt.Fprintf(out, "version: %s\n", v)
	}
	if status.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama answered %d", status.StatusCode)
	}
	return nil
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
