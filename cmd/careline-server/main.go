package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careline/careline/internal/config"
	"github.com/careline/careline/internal/domain/patientauth"
	"github.com/careline/careline/internal/domain/records"
	"github.com/careline/careline/internal/platform/auth"
	"github.com/careline/careline/internal/platform/db"
	"github.com/careline/careline/internal/platform/fhir"
	"github.com/careline/careline/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "careline-server",
		Short: "Patient authentication and records API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initDBCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := patientauth.NewPgAuditRepository(pool).EnsureSchema(ctx); err != nil {
				return err
			}
			if err := records.NewPgAppointmentRepository(pool).EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Println("Database schema is up to date.")
			return nil
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Session issuer. A missing key is tolerated only in development,
	// where a throwaway key is generated on every start.
	signingKey := cfg.AuthSigningKey
	if signingKey == "" {
		key := make([]byte, 32)
		if _, err := cryptorand.Read(key); err != nil {
			logger.Fatal().Err(err).Msg("failed to generate dev signing key")
		}
		signingKey = hex.EncodeToString(key)
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, sessions will not survive a restart")
	}
	issuer := auth.NewSessionIssuer([]byte(signingKey))

	// Patient directory: the external FHIR store, or a seeded in-memory
	// one for development.
	var directory fhir.Directory
	if cfg.FHIRBaseURL != "" {
		directory = fhir.NewClient(cfg.FHIRBaseURL, cfg.FHIRAuthToken)
		logger.Info().Str("base_url", cfg.FHIRBaseURL).Msg("using remote FHIR patient directory")
	} else {
		directory = seedDevDirectory()
		logger.Warn().Msg("using in-memory patient directory with demo data")
	}

	// Ephemeral state: Redis when configured, in-process otherwise.
	var (
		tokenStore   patientauth.TokenStore
		limitStore   patientauth.RateLimitStore
		attemptStore patientauth.AttemptStore
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		tokenStore = patientauth.NewRedisTokenStore(rdb)
		limitStore = patientauth.NewRedisRateLimitStore(rdb)
		attemptStore = patientauth.NewRedisAttemptStore(rdb)
		logger.Info().Msg("connected to redis")
	} else {
		tokenStore = patientauth.NewMemoryTokenStore()
		limitStore = patientauth.NewMemoryRateLimitStore()
		attemptStore = patientauth.NewMemoryAttemptStore()
		logger.Warn().Msg("REDIS_URL not set, auth state is per-instance")
	}

	// Durable state: Postgres when configured.
	var (
		auditRepo patientauth.AuditRepository
		apptRepo  records.AppointmentRepository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		pgAudit := patientauth.NewPgAuditRepository(pool)
		if err := pgAudit.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare audit schema")
		}
		pgAppts := records.NewPgAppointmentRepository(pool)
		if err := pgAppts.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare appointments schema")
		}
		auditRepo = pgAudit
		apptRepo = pgAppts
		logger.Info().Msg("connected to database")
	} else {
		auditRepo = patientauth.NewMemoryAuditRepository()
		apptRepo = records.NewMemoryAppointmentRepository()
		logger.Warn().Msg("DATABASE_URL not set, audit trail and appointments are in-memory")
	}

	authService := patientauth.NewService(
		directory, issuer, tokenStore, limitStore, attemptStore, auditRepo,
		patientauth.LogNotifier{Logger: logger}, logger,
	)
	recordsService := records.NewService(apptRepo, directory, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	patientauth.NewHandler(authService, issuer, logger).RegisterRoutes(apiV1)
	records.NewHandler(recordsService, issuer, logger).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	// Expired-token housekeeping for the in-memory stores.
	gcCtx, cancelGC := context.WithCancel(ctx)
	defer cancelGC()
	go authService.RunTokenGC(gcCtx, time.Minute)

	// Start server with graceful shutdown.
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// seedDevDirectory builds the demo patient directory used when no FHIR
// store is configured.
func seedDevDirectory() *fhir.MemoryDirectory {
	dir := fhir.NewMemoryDirectory()
	dir.Add(&fhir.Patient{
		ID:        "demo-anna",
		Family:    "Muster",
		Given:     []string{"Anna"},
		BirthDate: time.Date(1985, 3, 12, 0, 0, 0, 0, time.UTC),
		Addresses: []fhir.Address{{
			Lines:      []string{"Hauptstrasse 12"},
			City:       "Berlin",
			PostalCode: "10115",
		}},
		Telecoms: []fhir.Telecom{
			{System: "email", Value: "anna.muster@example.com"},
			{System: "phone", Value: "+49 30 1234567"},
		},
	})
	dir.Add(&fhir.Patient{
		ID:        "demo-ben",
		Family:    "Schmidt",
		Given:     []string{"Ben"},
		BirthDate: time.Date(1972, 11, 3, 0, 0, 0, 0, time.UTC),
		Addresses: []fhir.Address{{
			Lines:      []string{"Lindenallee 4a"},
			City:       "Potsdam",
			PostalCode: "14467",
		}},
		Telecoms: []fhir.Telecom{
			{System: "email", Value: "ben.schmidt@example.com"},
			{System: "phone", Value: "+49 331 9876543"},
		},
	})
	return dir
}
