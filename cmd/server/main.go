package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tenantrelay/chatgateway/internal/config"
	"github.com/tenantrelay/chatgateway/internal/credstore"
	"github.com/tenantrelay/chatgateway/internal/events"
	"github.com/tenantrelay/chatgateway/internal/handler"
	"github.com/tenantrelay/chatgateway/internal/middleware"
	"github.com/tenantrelay/chatgateway/internal/redis"
	"github.com/tenantrelay/chatgateway/internal/service"
	"github.com/tenantrelay/chatgateway/internal/upstream/fake"
	"github.com/tenantrelay/chatgateway/internal/webhook"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	setLogLevel(cfg.LogLevel)

	creds, err := credstore.New(cfg.SessionDir, cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential store")
	}

	bus := events.NewBus()

	// The real upstream chat network protocol is out of scope (spec §1);
	// the fake transport stands in as the wired Adapter until a concrete
	// implementation is swapped in.
	adapter := fake.NewTransport()

	registry := service.NewRegistry(adapter, creds, bus, cfg.MaxReconnectAttempts)
	defer registry.Close()

	pairing := service.NewPairingService(registry)
	defer pairing.Close()

	dispatcher := webhook.NewDispatcher(bus)
	defer dispatcher.Close()

	if cfg.DefaultWebhookURL != "" {
		log.Info().Str("url", cfg.DefaultWebhookURL).Msg("default webhook url configured; auto-registering it for every newly created session")
		registry.OnNewSession(func(tenantID string) {
			if _, exists := dispatcher.Get(tenantID); exists {
				return
			}
			if _, err := dispatcher.Register(tenantID, cfg.DefaultWebhookURL, cfg.DefaultWebhookSecret, nil); err != nil {
				log.Warn().Err(err).Str("tenantId", tenantID).Msg("failed to auto-register default webhook sink")
			}
		})
	}

	startedAt := time.Now()

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIKey, cfg.JWTSecret, cfg.RequireAuth)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(middleware.DefaultMaxBodySize)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.IsProduction())

	var rateLimitHandler func(http.Handler) http.Handler
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected; using distributed rate limiter")
		rateLimitHandler = middleware.NewRedisRateLimitMiddleware(redisClient.Client, cfg.RateLimitMax, cfg.RateLimitWindow()).Handler
	} else {
		rateLimitHandler = middleware.NewRateLimitMiddleware(cfg.RateLimitMax, cfg.RateLimitWindow()).Handler
	}

	sessionHandler := handler.NewSessionHandler(registry, pairing)
	messageHandler := handler.NewMessageHandler(registry, cfg.MaxFileSizeBytes)
	webhookHandler := handler.NewWebhookHandler(dispatcher)
	healthHandler := handler.NewHealthHandler(registry, dispatcher, cfg.NodeEnv, startedAt)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(func(next http.Handler) http.Handler {
		limited := bodyLimitMiddleware.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// send-media sets its own, larger limit on its route.
			if req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/send-media") {
				next.ServeHTTP(w, req)
				return
			}
			limited.ServeHTTP(w, req)
		})
	})
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitHandler)
		r.Mount("/sessions", sessionHandler.Routes())
		r.Mount("/messages", messageHandler.Routes())
		r.Mount("/webhooks", webhookHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	registry.ShutdownAll(shutdownCtx)

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
