// Package server initializes and runs the chat core. It connects the
// durable store, bootstraps the in-memory cache from it, wires the lock
// coordinator and the write-behind queue, and exposes Prometheus metrics
// over HTTP until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/server/cache"
	"github.com/parley-chat/parley/internal/server/chat"
	"github.com/parley-chat/parley/internal/server/config"
	"github.com/parley-chat/parley/internal/server/locks"
	"github.com/parley-chat/parley/internal/server/persist"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   *persist.Postgres
	cache   *cache.Cache
	locks   *locks.Coordinator
	queue   *persist.Queue
	service *chat.Service
}

func NewApp(c *config.Config) (*App, error) {

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	store, err := persist.NewPostgres(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	ch := cache.New(c.VerificationTokenTTL)
	lc := locks.NewCoordinator(c.RegistrationLockWait)
	q := persist.NewQueue(store, logger, c.WriteQueueCapacity)
	svc := chat.NewService(ch, lc, q, logger, c)

	return &App{
		config:  c,
		logger:  logger,
		store:   store,
		cache:   ch,
		locks:   lc,
		queue:   q,
		service: svc,
	}, nil
}

// Service exposes the chat service for embedding transports.
func (app *App) Service() *chat.Service {
	return app.service
}

// bootstrap reads the full durable state and seeds the cache. The cache is
// authoritative from this point on; the store is only written to afterwards.
func (app *App) bootstrap(ctx context.Context) error {
	users, err := app.store.AllUsers(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap users: %w", err)
	}
	chats, err := app.store.AllChats(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap chats: %w", err)
	}
	memberships, err := app.store.AllMemberships(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap memberships: %w", err)
	}
	pairs, err := app.store.AllPersonalPairs(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap personal pairs: %w", err)
	}
	tokens, err := app.store.AllTokens(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap tokens: %w", err)
	}

	if err := app.cache.Load(users, chats, memberships, pairs, tokens); err != nil {
		return err
	}

	app.logger.Info(ctx, "bootstrap complete",
		"users", len(users), "chats", len(chats), "memberships", len(memberships))
	return nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()

	return srv
}

func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	if err := app.bootstrap(ctx); err != nil {
		return err
	}

	app.cache.Start()
	app.queue.Start()

	app.initSignalHandler(cancelFunc)
	srv := app.startMetricsServer(ctx, cancelFunc)

	<-ctx.Done()

	app.logger.Info(ctx, "Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, err.Error())
	}

	// Stop intake first, then drain the write-behind backlog so every
	// acknowledged mutation reaches the store before the connection closes.
	app.queue.Close()
	app.cache.Stop()

	if err := app.store.Close(); err != nil {
		app.logger.Error(shutdownCtx, err.Error())
	}

	app.logger.Info(shutdownCtx, "Shutdown complete")
	return nil
}
