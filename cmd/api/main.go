package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"parlor/internal/app"
	"parlor/internal/config"
	"parlor/internal/logging"
	"parlor/internal/realtime"
	"parlor/internal/search"
	"parlor/internal/session"
	"parlor/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("parlor api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)

	var sessions session.Store = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		logger.Info("using redis for session storage")
		sessions = redisStore
	} else {
		logger.Info("using postgres for session storage")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.Component(logger, "meilisearch"))
	}
	searchService := search.NewService(meiliClient, pgfts, logging.Component(logger, "search"))
	defer searchService.Close()
	go searchService.ReindexAllFromPG(ctx)

	deps := app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Notifier: realtime.NopNotifier{},
		Search:   searchService,
		Logger:   logging.Component(logger, "app"),
	}
	if cfg.Hub.SigningSecret != "" {
		issuer, err := realtime.NewIssuer(cfg.Hub, dataStore)
		if err != nil {
			return fmt.Errorf("hub issuer: %w", err)
		}
		deps.Issuer = issuer
		if cfg.Hub.Enabled() {
			publisher, err := realtime.NewPublisher(cfg.Hub, issuer, &http.Client{}, logging.Component(logger, "publisher"))
			if err != nil {
				return fmt.Errorf("hub publisher: %w", err)
			}
			deps.Notifier = publisher
			logger.Info("publishing to hub", zap.String("hub", cfg.Hub.InternalURL))
		}
	} else {
		logger.Warn("no hub signing secret, real-time updates disabled")
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.RateLimit, logging.Component(logger, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("parlor api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
