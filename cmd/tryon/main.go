// Package main запускает HTTP-сервер сервиса виртуальной примерки.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/garmaxai/tryon-system/internal/broadcast"
	"github.com/garmaxai/tryon-system/internal/config"
	"github.com/garmaxai/tryon-system/internal/handler"
	"github.com/garmaxai/tryon-system/internal/ledger"
	"github.com/garmaxai/tryon-system/internal/metrics"
	"github.com/garmaxai/tryon-system/internal/middleware"
	"github.com/garmaxai/tryon-system/internal/publisher"
	"github.com/garmaxai/tryon-system/internal/repository"
	"github.com/garmaxai/tryon-system/internal/service"
	"github.com/garmaxai/tryon-system/internal/webhook"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var (
		repo     service.Repository
		store    webhook.ConfigStore
		accounts ledger.AccountStore
	)
	if cfg.DatabaseURI != "" {
		pg, pgErr := repository.NewPostgresRepository(cfg.DatabaseURI)
		if pgErr != nil {
			sugar.Fatalw("database initialization error", "error", pgErr.Error())
		}
		repo, store, accounts = pg, pg, pg
	} else {
		sugar.Info("no database URI configured, using in-memory storage")
		mem := repository.NewMemoryRepository()
		repo, store, accounts = mem, mem, mem
	}
	defer repo.Close()

	var (
		pub   publisher.Publisher
		bcast broadcast.Broadcaster
	)
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		pub = publisher.NewRedisPublisher(client)
		bcast = broadcast.NewRedisBroadcaster(client, logger)
		defer client.Close()
	} else {
		sugar.Info("no redis address configured, render events stay in-process")
		pub = publisher.NewMemoryPublisher()
		bcast = broadcast.Noop{}
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	dispatcher := webhook.NewDispatcher(store, logger, cfg.WebhookWorkers, m)

	svc := service.NewService(repo, ledger.New(accounts), pub, bcast, dispatcher, m, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.PipelineToken, cfg.AdminToken)

	r := h.SetupRouter(registry)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting tryon server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		// Дожидаемся доставки уже поставленных в очередь вебхуков.
		if err := dispatcher.Close(shutdownCtx); err != nil {
			sugar.Warnw("webhook dispatcher drain incomplete", "error", err.Error())
		}

		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
