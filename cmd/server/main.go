package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vtt-server/internal/api"
	authapp "vtt-server/internal/app/auth"
	backupapp "vtt-server/internal/app/backup"
	charapp "vtt-server/internal/app/character"
	legacyapp "vtt-server/internal/app/legacy"
	sessionapp "vtt-server/internal/app/session"
	syncapp "vtt-server/internal/app/syncqueue"
	"vtt-server/internal/platform/cache"
	"vtt-server/internal/platform/config"
	"vtt-server/internal/platform/db"
	"vtt-server/internal/platform/localstore"
	"vtt-server/internal/platform/migrate"
	"vtt-server/internal/platform/mq"
	"vtt-server/internal/platform/observability"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := observability.NewLogger(cfg.Env)

	store, err := localstore.OpenSQLite(ctx, cfg.LocalStorePath)
	var local localstore.Store
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.LocalStorePath).Msg("sqlite local store unavailable; falling back to memory")
		local = localstore.NewMemory()
	} else {
		local = store
		defer store.Close()
	}

	// The server stays up without postgres: characters live in memory and
	// edits land in the offline queue until the next restart with a
	// reachable database.
	pg, err := db.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Warn().Err(err).Msg("postgres unavailable; starting offline")
		pg = nil
	}
	if pg != nil {
		defer pg.Close()
		if err := migrate.Up(ctx, pg, cfg.MigrationDir); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
	}

	var redisClient *redis.Client
	redisClient, err = cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable; continuing without cache")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	publisher, err := mq.NewPublisher(cfg.NATSURL)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable; using noop publisher")
		publisher = mq.NewNoopPublisher()
	}
	defer publisher.Close()

	var charRepo charapp.Repository
	var sessionRepo sessionapp.Repository
	var backupRemote backupapp.Repository
	if pg != nil {
		charRepo = charapp.NewPostgresRepository(pg)
		sessionRepo = sessionapp.NewPostgresRepository(pg)
		backupRemote = backupapp.NewPostgresRepository(pg)
	} else {
		charRepo = charapp.NewMemoryRepository()
	}

	authSvc := authapp.NewService(pg, cfg.JWTSecret, cfg.JWTTTL)
	charSvc := charapp.NewService(
		observability.Component(logger, "character"),
		charRepo, authSvc, redisClient, cfg.ListCacheTTL, publisher,
	)
	backupSvc := backupapp.NewService(
		observability.Component(logger, "backup"),
		backupRemote, backupapp.NewLocalRepository(local), charSvc, publisher,
		backupapp.Options{
			MaxBackups:  cfg.BackupMaxCount,
			Interval:    cfg.BackupInterval,
			AutoEnabled: cfg.AutoBackupEnabled,
		},
	)
	charSvc.SetAutoBackup(backupSvc.HandleSave)

	syncSvc := syncapp.NewService(observability.Component(logger, "syncqueue"), local, charSvc, pg != nil)
	sessionSvc := sessionapp.NewService(observability.Component(logger, "session"), sessionRepo, charSvc, syncSvc, publisher)
	legacySvc := legacyapp.NewService(observability.Component(logger, "legacy"), local, charSvc)

	if needed, err := legacySvc.IsMigrationNeeded(ctx); err != nil {
		logger.Warn().Err(err).Msg("legacy migration check failed")
	} else if needed {
		logger.Info().Msg("legacy characters awaiting migration")
	}

	handler := api.NewHandler(logger, authSvc, charSvc, sessionSvc, backupSvc, syncSvc, legacySvc, cfg.CorsOrigin, cfg.MaxRequestBody)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Bool("online", pg != nil).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	logger.Info().Msg("server stopped")
}
