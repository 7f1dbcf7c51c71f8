package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"coedit/internal/api"
	"coedit/internal/auth"
	"coedit/internal/config"
	"coedit/internal/permissions"
	"coedit/internal/persistence"
	"coedit/internal/routers"
	"coedit/internal/session"
	"coedit/internal/storage"
	"coedit/internal/utils"
)

const shutdownTimeout = 30 * time.Second

var (
	serve    = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc = defaultExit
	exit     = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("coedit: %v", err)
	exit(1)
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger()
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration loaded", "storeBackend", cfg.StoreBackend, "compression", cfg.SnapshotCompression)

	db, err := permissions.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := permissions.Migrate(db); err != nil {
		return fmt.Errorf("migrate permission store: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	bridge := persistence.NewBridge(store, cfg.SnapshotCompression == config.CompressionZstd, logger)
	hub := session.NewHub(bridge, logger, session.HubOptions{
		LoadTimeout:    cfg.LoadTimeout,
		SaveTimeout:    cfg.SaveTimeout,
		MaxUpdateBytes: cfg.MaxUpdateBytes,
	})
	gate := auth.NewGate(utils.NewTokenVerifier([]byte(cfg.JWTSecret)), &permissions.Repository{DB: db})
	handlers := api.NewHandlers(logger, gate, hub, api.Options{
		MaxUpdateBytes: cfg.MaxUpdateBytes,
		SendQueueSize:  cfg.SendQueueSize,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// no middleware.Timeout: sockets outlive any request deadline
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)
	r.Mount("/", routers.New(handlers, cfg.AllowedOrigins))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("coedit listening", "addr", srv.Addr)
		errc <- serve(srv)
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = hub.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown sessions: %w", err)
	}
	logger.Info("coedit exited")
	return nil
}

// openStore builds the configured snapshot backend and its cleanup.
func openStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendS3:
		client, err := storage.NewS3Client(ctx, cfg.AWSRegion, cfg.S3Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewS3Store(client, cfg.S3Bucket, cfg.S3Prefix), func() {}, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return storage.NewRedisStore(rdb, cfg.RedisKeyPrefix), func() { _ = rdb.Close() }, nil
	case config.BackendMemory:
		return storage.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}
