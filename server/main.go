package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jhuang59/router-benchmark/pkg/config"
	"github.com/jhuang59/router-benchmark/pkg/telemetry"
	"github.com/jhuang59/router-benchmark/pkg/whitelist"
)

var (
	configPath    = flag.String("config", "", "Coordinator config file path")
	listenAddr    = flag.String("listen", "", "Listen address (overrides config)")
	dbPath        = flag.String("db", "", "Database path (overrides config)")
	whitelistPath = flag.String("whitelist", "", "Command whitelist file (overrides config)")
	Version       = "dev"
)

// logger is the coordinator-wide zerolog instance. Request handlers
// prefer the per-request logger from the gin context; this one covers
// everything that runs outside a request.
var logger zerolog.Logger

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *whitelistPath != "" {
		cfg.Whitelist.Path = *whitelistPath
	}
	if err := cfg.Validate(); err != nil {
		panic("invalid config: " + err.Error())
	}

	logger = newServerLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("Coordinator starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Endpoint != "" || cfg.Tracing.LogSpans {
		provider, err := telemetry.SetupTracing(ctx, "coordinator", Version, cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
		if err != nil {
			logger.Warn().Err(err).Msg("Tracing setup failed, continuing without export")
		} else {
			if cfg.Tracing.LogSpans {
				telemetry.AttachLogSpans(provider)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open database")
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	registry, err := loadRegistry(cfg.Whitelist.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Whitelist.Path).Msg("Failed to load command whitelist")
	}
	logger.Info().Int("commands", len(registry.List())).Msg("Command whitelist loaded")

	salt, err := loadOrCreateSalt(filepath.Join(filepath.Dir(cfg.DBPath), "coordinator.salt"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize key salt")
	}

	audit := NewAuditLog(db)
	creds := NewCredentialStore(db, NewTokenHasher(salt), audit)
	liveness := NewLivenessTracker(db, time.Duration(cfg.OfflineAfterS)*time.Second)
	queue := NewCommandQueue(db, registry, creds, audit, time.Duration(cfg.FreshnessS)*time.Second, cfg.MaxOutputBytes)
	shells := NewShellManager(
		cfg.Sessions.MaxPerClient,
		time.Duration(cfg.Sessions.IdleTimeoutS)*time.Second,
		time.Duration(cfg.Sessions.MaxLifetimeS)*time.Second,
		liveness, audit,
	)

	if ok, err := creds.HasAdmins(); err == nil && !ok {
		logger.Warn().Msg("No admin credential yet; POST /v1/bootstrap to mint one")
	}

	srv := &Server{
		cfg:      cfg,
		db:       db,
		creds:    creds,
		queue:    queue,
		liveness: liveness,
		audit:    audit,
		shells:   shells,
		registry: registry,
		limiter:  NewRateLimiter(cfg.AuthRate.Limit, time.Duration(cfg.AuthRate.WindowS)*time.Second),
	}

	sweepEvery := time.Duration(cfg.Sessions.SweepEveryS) * time.Second
	go shells.RunJanitor(sweepEvery, ctx.Done())
	go runQueueSweeper(ctx, queue, sweepEvery)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(withRequestContext(logger))
	srv.routes(router)

	logger.Info().Str("listen", cfg.Listen).Msg("Coordinator listening")
	if err := router.Run(cfg.Listen); err != nil {
		logger.Fatal().Err(err).Msg("Server exited")
	}
}

// loadRegistry reads the configured whitelist file, or falls back to
// the embedded catalog when no path is given.
func loadRegistry(path string) (*whitelist.Registry, error) {
	if path == "" {
		return whitelist.Default(), nil
	}
	return whitelist.Load(path)
}

func runQueueSweeper(ctx context.Context, queue *CommandQueue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queue.SweepExpired()
		}
	}
}

func newServerLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	var base zerolog.Logger
	if cfg.JSON {
		base = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		base = zerolog.New(writer).With().Timestamp().Logger()
	}
	return base.Level(level)
}
