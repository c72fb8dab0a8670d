package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"plantly.app/plantly-server/internal/api"
	"plantly.app/plantly-server/internal/auth"
	"plantly.app/plantly-server/internal/config"
	"plantly.app/plantly-server/internal/core"
	"plantly.app/plantly-server/internal/hub"
	"plantly.app/plantly-server/internal/inference"
	"plantly.app/plantly-server/internal/labels"
	"plantly.app/plantly-server/internal/llm"
	"plantly.app/plantly-server/internal/logging"
	"plantly.app/plantly-server/internal/storage"
	"plantly.app/plantly-server/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, ServiceName: "plantly-server"})
	l := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer dbStore.Close()

	client, closeLLM, err := newLLMClient(ctx, cfg.LLM)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to initialize language model client")
	}
	defer closeLLM()

	classLabels, err := inference.LoadLabels(cfg.Inference.LabelsPath)
	if err != nil {
		l.Fatal().Err(err).Str("path", cfg.Inference.LabelsPath).Msg("failed to load class labels")
	}
	if missing := labels.Untranslated(classLabels); len(missing) > 0 {
		l.Warn().Strs("labels", missing).Msg("class labels without a translation, using generic names")
	}
	classifier, err := inference.NewTFServingClassifier(inference.Config{
		URL:       cfg.Inference.URL,
		Labels:    classLabels,
		ImageSize: cfg.Inference.ImageSize,
		Timeout:   cfg.Inference.Timeout,
	})
	if err != nil {
		l.Fatal().Err(err).Msg("failed to initialize classifier")
	}

	images, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to initialize image storage")
	}

	rooms := hub.NewRegistry()
	chatService := core.NewChatService(dbStore, client, rooms, classifier, images, core.ServiceConfig{
		Chat:        cfg.Chat,
		Temperature: cfg.LLM.Temperature,
	})
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Timeout)

	apiHandler := api.NewAPIHandler(chatService, verifier, cfg.Upload)
	wsHandler := api.NewWSHandler(chatService, verifier, rooms, cfg.WebSocket)
	router := api.NewRouter(l, apiHandler, wsHandler)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// LLM turns on the upload path can take a while.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info().Str("addr", srv.Addr).Str("llm_provider", cfg.LLM.Provider).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("server stopped with error")
		return
	}
	l.Info().Msg("server exiting gracefully")
}

func newLLMClient(ctx context.Context, cfg config.LLMConfig) (llm.Client, func(), error) {
	var (
		client  llm.Client
		closeFn = func() {}
	)
	switch cfg.Provider {
	case config.ProviderGroq:
		client = llm.NewOpenAIClient(cfg.GroqAPIKey, cfg.GroqBaseURL, cfg.Model)
	default:
		gc, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		client = gc
		closeFn = func() { gc.Close() }
	}
	return llm.WithTimeout(llm.WithMetrics(client, cfg.Provider), cfg.Timeout), closeFn, nil
}
