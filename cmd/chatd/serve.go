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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-moderated-chat/internal/config"
	"github.com/tbourn/go-moderated-chat/internal/conversation"
	httpapi "github.com/tbourn/go-moderated-chat/internal/http"
	"github.com/tbourn/go-moderated-chat/internal/http/middleware"
	"github.com/tbourn/go-moderated-chat/internal/janitor"
	"github.com/tbourn/go-moderated-chat/internal/llm"
	"github.com/tbourn/go-moderated-chat/internal/observability"
	"github.com/tbourn/go-moderated-chat/internal/persona"
	"github.com/tbourn/go-moderated-chat/internal/prompt"
	"github.com/tbourn/go-moderated-chat/internal/ratelimit"
	"github.com/tbourn/go-moderated-chat/internal/repo"
	"github.com/tbourn/go-moderated-chat/internal/safety"
	"github.com/tbourn/go-moderated-chat/internal/services"
	"github.com/tbourn/go-moderated-chat/internal/sysutil"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var personaPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Chat.PersonaPath = sysutil.FirstNonEmpty(personaPath, cfg.Chat.PersonaPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&personaPath, "persona", "", "persona document (.json, .yaml); overrides PERSONA_PATH")
	return cmd
}

// autoMigrate reports whether serve should migrate on start. It defaults to
// true; DB_AUTO_MIGRATE=false turns it off for deployments that run
// "chatd migrate" separately.
func autoMigrate() bool {
	v, ok := os.LookupEnv("DB_AUTO_MIGRATE")
	if !ok || v == "" {
		return true
	}
	return sysutil.IsTruthy(v)
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version,
		attribute.String("chat.policy_version", safety.PolicyVersion))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if autoMigrate() {
		if err := repo.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	p, err := persona.Load(cfg.Chat.PersonaPath)
	if err != nil {
		return err
	}
	dialect, err := llm.ParseDialect(cfg.LLM.APIMode)
	if err != nil {
		return err
	}
	if cfg.LLM.Model == "" {
		// Turns fail with llm_model_not_configured until one is set.
		log.Warn().Msg("LLM_MODEL is empty")
	}
	client := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Dialect:     dialect,
		APIKey:      cfg.LLM.APIKey,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Concurrency: cfg.LLM.ConcurrencyLimit,
		Timeout:     cfg.LLM.RequestTimeout,
	}, nil)

	window := ratelimit.NewSlidingWindow(cfg.Chat.RateLimitPerMinute, cfg.Chat.RateLimitBurst)
	cache := conversation.NewCache(cfg.Chat.ConversationTTL)
	idem := &services.IdempotencyService{DB: db, TTL: cfg.IdempotencyTTL}
	deps := httpapi.Deps{
		DB:          db,
		Safety:      safety.New(safety.WithEnabled(cfg.Chat.SafetyEnabled), safety.WithRefusal(p.RefusalMessage())),
		Prompt:      prompt.NewBuilder(p, cfg.Chat.HistoryTurns),
		LLM:         services.FromClient(client),
		Limiter:     window,
		Cache:       cache,
		Idempotency: idem,
	}
	sweepers := []*janitor.Service{
		janitor.New("ratelimit", window, cfg.Chat.SweepInterval),
		janitor.New("conversation_cache", cache, cfg.Chat.SweepInterval),
		janitor.New("idempotency", idem, cfg.Chat.SweepInterval),
	}
	if cfg.RateRPS > 0 {
		deps.Edge = middleware.NewEdgeLimiter(cfg.RateRPS, cfg.RateBurst, 0, middleware.KeyByIdentity())
		sweepers = append(sweepers, janitor.New("edge_limiter", deps.Edge, cfg.Chat.SweepInterval))
	}
	for _, s := range sweepers {
		s.Start(ctx)
		defer s.Stop()
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, deps, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("base_path", cfg.APIBasePath).
			Str("db_driver", cfg.DB.Driver).
			Str("llm_mode", string(dialect)).
			Str("persona", p.Name).
			Str("policy_version", safety.PolicyVersion).
			Bool("safety", cfg.Chat.SafetyEnabled).
			Msg("chatd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
