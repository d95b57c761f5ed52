package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zackai/internal/auth"
	"zackai/internal/chat"
	"zackai/internal/config"
	"zackai/internal/groq"
	"zackai/internal/httpapi"
	"zackai/internal/mail"
	"zackai/internal/metrics"
	"zackai/internal/ratelimit"
	"zackai/internal/storage"
	"zackai/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Bool("shared_key", cfg.AI.SharedAPIKey != "").
		Bool("smtp_ready", cfg.SMTP.Ready()).
		Msg("starting zackai")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	vaultManager, err := vault.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vault")
	}

	m := metrics.Global()

	var mailer mail.Sender
	if cfg.SMTP.Ready() {
		mailer = mail.NewSMTPSender(cfg.SMTP)
	} else {
		log.Warn().Msg("smtp not configured, registration will fail")
	}

	authService := auth.NewService(auth.Config{
		Store:      store,
		Vault:      vaultManager,
		Mailer:     mailer,
		Metrics:    m,
		Logger:     log.Logger,
		SessionTTL: cfg.Auth.SessionTTL,
		CodeTTL:    cfg.Auth.CodeTTL,
	})

	engine := chat.NewEngine(chat.EngineConfig{
		Store:    store,
		Vault:    vaultManager,
		Provider: groq.New(cfg.AI.BaseURL, &http.Client{Timeout: cfg.AI.ClientTimeout}),
		Metrics:  m,
		Logger:   log.Logger,
		AI:       cfg.AI,
	})

	api := httpapi.New(httpapi.Config{
		Auth:        authService,
		Engine:      engine,
		AILimiter:   ratelimit.NewLimiter(rdb, "ai", cfg.Rate.AIBurstPerHour),
		ResendLimit: ratelimit.NewLimiter(rdb, "resend", cfg.Rate.ResendPerHour),
		Metrics:     m,
		Logger:      log.Logger,
		Upload:      cfg.Upload,
		SessionTTL:  cfg.Auth.SessionTTL,
		Secure:      cfg.SecureCookies,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
