package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bwb/device-claim-server/internal/config"
	"github.com/bwb/device-claim-server/internal/database"
	"github.com/bwb/device-claim-server/internal/handler"
	"github.com/bwb/device-claim-server/internal/identity"
	"github.com/bwb/device-claim-server/internal/jobs"
	"github.com/bwb/device-claim-server/internal/middleware"
	"github.com/bwb/device-claim-server/internal/redis"
	"github.com/bwb/device-claim-server/internal/repository"
	"github.com/bwb/device-claim-server/internal/service"
	"github.com/bwb/device-claim-server/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	userRepo := repository.NewUserRepository(db.DB)
	deviceRepo := repository.NewDeviceRepository(db.DB)
	groupRepo := repository.NewGroupRepository(db.DB)
	sessionRepo := repository.NewPairingSessionRepository(db.DB)
	codeRepo := repository.NewProvisioningCodeRepository(db.DB)
	tokenRepo := repository.NewProvisioningTokenRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	pairingConfig := service.PairingConfig{
		Host:  cfg.RustdeskHost,
		Relay: cfg.RustdeskRelay,
		Key:   cfg.RustdeskKey,
	}
	ownershipService := service.NewOwnershipService(deviceRepo, groupRepo, cfg.EncryptionKey)
	sessionStore := service.NewSessionStore(sessionRepo, cfg.PairingSessionTTL)
	matcher := service.NewMatcher(
		sessionStore, db, sessionRepo, deviceRepo, ownershipService, broker, cfg.PairingMatchWindow,
	)
	directClaims := service.NewDirectClaimHandler(
		sessionStore, db, sessionRepo, userRepo, ownershipService, broker,
	)
	provisioningService := service.NewProvisioningService(
		db, codeRepo, tokenRepo, userRepo, ownershipService, broker,
		service.ProvisioningPolicy{
			CodeTTL:          cfg.ProvisionCodeTTL,
			TokenTTL:         cfg.ProvisionTokenTTL,
			LockoutThreshold: cfg.LockoutThreshold,
			LockoutDuration:  cfg.LockoutDuration,
		},
		pairingConfig,
	)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	resolver := identity.NewResolver(cfg.JWTSecret, cfg.JWTIssuer, userRepo, cfg.CanInitiatePairing)
	identityMiddleware := middleware.NewIdentityMiddleware(resolver)
	userRateLimit := middleware.NewRateLimitMiddleware(
		rateLimiter, config.UserRateLimitPerMin, config.UserRateLimitWindow, "user", middleware.ByIdentity,
	)
	claimRateLimit := middleware.NewRateLimitMiddleware(
		rateLimiter, cfg.ClaimRateLimitPerIP, config.ClaimRateLimitWindow, "claim", middleware.ByIP,
	)
	registerRateLimit := middleware.NewRateLimitMiddleware(
		rateLimiter, config.RegisterRateLimitPerMin, config.ClaimRateLimitWindow, "register", middleware.ByIP,
	)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	pairingHandler := handler.NewPairingHandler(sessionStore, matcher, directClaims, pairingConfig)
	provisioningHandler := handler.NewProvisioningHandler(provisioningService, cfg.InstallURL)
	eventsHandler := handler.NewEventsHandler(broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", handler.Health(db))

	// The event stream is long lived and stays outside the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(identityMiddleware.Handler)
		r.Get(middleware.EventStreamPath, eventsHandler.ServeHTTP)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.Route("/v1/pairing", func(r chi.Router) {
			r.With(registerRateLimit.Handler).Post("/register", pairingHandler.RegisterDevice)
			r.Group(func(r chi.Router) {
				r.Use(identityMiddleware.Handler)
				r.Use(userRateLimit.Handler)
				r.Mount("/", pairingHandler.Routes())
			})
		})

		r.Route("/v1/provisioning", func(r chi.Router) {
			r.With(claimRateLimit.Handler).Post("/claim", provisioningHandler.RedeemCode)
			r.With(registerRateLimit.Handler).Post("/register", provisioningHandler.RegisterDevice)
			r.With(registerRateLimit.Handler).Get("/bundle", provisioningHandler.GetBundle)
			r.With(registerRateLimit.Handler).Post("/revoke", provisioningHandler.RevokeToken)
			r.Group(func(r chi.Router) {
				r.Use(identityMiddleware.Handler)
				r.Use(userRateLimit.Handler)
				r.Mount("/", provisioningHandler.Routes())
			})
		})
	})

	cleanupJob := jobs.NewCleanupJob(sessionRepo, codeRepo, tokenRepo, cfg.RetentionPeriod, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

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
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
