package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"clubops/api/internal/app"
	"clubops/api/internal/cache"
	"clubops/api/internal/config"
	"clubops/api/internal/metrics"
	"clubops/api/internal/store"
	"clubops/api/internal/termcal"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	calendar, err := termcal.Load(cfg.TermCalendarPath)
	if err != nil {
		logger.Error("term calendar load failed", "path", cfg.TermCalendarPath, "error", err)
		os.Exit(1)
	}

	var widgetCache *cache.WidgetCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		widgetCache, err = cache.NewWidgetCache(cfg.RedisURL, cfg.WidgetCacheTTL)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer widgetCache.Close()
		logger.Info("widget snapshot cache enabled", "ttl", cfg.WidgetCacheTTL)
	} else {
		logger.Info("widget snapshot cache disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	schedulerMetrics := metrics.NewScheduler(registry)

	dataStore := store.NewPostgresStore(db)
	service := app.NewService(dataStore, calendar, widgetCache, schedulerMetrics, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.CronToken, cfg.CronTokenHash, logger, registry)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("ClubOps API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
