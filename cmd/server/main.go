// Command server runs the capture job runner: the HTTP API, the token
// authority, the job store, and the background scheduler, all in one
// process holding all state in memory.
//
// Startup order: env → config → logging → tracing → services → routes →
// scheduler → HTTP server. Shutdown reverses it: stop accepting requests,
// stop the sweeps, flush traces.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pagewatch/pagewatch-runner/internal/captcha"
	"github.com/pagewatch/pagewatch-runner/internal/capture"
	"github.com/pagewatch/pagewatch-runner/internal/config"
	httpapi "github.com/pagewatch/pagewatch-runner/internal/http"
	"github.com/pagewatch/pagewatch-runner/internal/llm"
	"github.com/pagewatch/pagewatch-runner/internal/observability"
	"github.com/pagewatch/pagewatch-runner/internal/services"
	"github.com/pagewatch/pagewatch-runner/internal/sysutil"
	"github.com/pagewatch/pagewatch-runner/internal/webhook"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.With().Str("service", cfg.OTEL.ServiceName).Logger()

	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, httpapi.Version)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}

	// Services.
	verifier := captcha.New(cfg.Captcha, nil)
	tokens := services.NewTokenService(verifier, cfg, logger)
	jobs := services.NewJobService(tokens, cfg, logger)

	browser := capture.NewRemoteBrowser(cfg.Capture, nil)
	model := llm.NewHTTPClient(cfg.LLM, nil)
	hooks := webhook.NewEngine(cfg.Webhook.Timeout, cfg.Webhook.InterCallDelay, cfg.Webhook.DefaultMinConf, logger)

	executor := services.NewExecutor(jobs, tokens, browser, model, hooks, cfg, logger)
	scheduler := services.NewScheduler(jobs, tokens, executor, cfg, logger)

	// HTTP surface.
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	httpapi.RegisterRoutes(router, tokens, jobs, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler start failed")
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", httpapi.Version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Block until SIGINT/SIGTERM, then drain.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutdown signal received")

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	scheduler.Stop()
	if err := shutdownOTel(drainCtx); err != nil {
		logger.Error().Err(err).Msg("otel shutdown error")
	}
	logger.Info().Msg("server stopped")
}
