package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/evpay/internal/db"
	"github.com/nkiryanov/evpay/internal/events"
	"github.com/nkiryanov/evpay/internal/handlers"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/metrics"
	"github.com/nkiryanov/evpay/internal/repository"
	"github.com/nkiryanov/evpay/internal/repository/memory"
	"github.com/nkiryanov/evpay/internal/repository/postgres"
	"github.com/nkiryanov/evpay/internal/service/auth"
	"github.com/nkiryanov/evpay/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/evpay/internal/service/dedupe"
	"github.com/nkiryanov/evpay/internal/service/ledger"
	"github.com/nkiryanov/evpay/internal/service/payment"
	"github.com/nkiryanov/evpay/internal/service/provider"
	"github.com/nkiryanov/evpay/internal/service/reconciler"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	reconciler *reconciler.Reconciler
	logger     logger.Logger

	// Released in reverse order when the app stops
	closers []func() error
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &ServerApp{ListenAddr: c.ListenAddr, logger: log}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	storage, err := app.storage(ctx, c)
	if err != nil {
		return nil, err
	}

	// Metrics and lifecycle events
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	publisher := events.Multi{&events.LogPublisher{L: log}, m}
	if len(c.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(c.KafkaBrokers, c.KafkaTopic, log)
		app.closers = append(app.closers, kp.Close)
		publisher = append(publisher, kp)
		log.Info("Publishing lifecycle events to kafka", "topic", c.KafkaTopic)
	}

	// Initialize services
	tokenManager, err := tokenmanager.New(tokenmanager.Config{SecretKey: c.SecretKey})
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}
	authService := auth.NewService(auth.Config{}, tokenManager)

	wallets := ledger.New(storage, ledger.Options{
		Currency:        c.WalletCurrency,
		StartingBalance: c.WalletStartingBalance,
		Publisher:       publisher,
		Logger:          log.WithGroup("ledger"),
	})

	adapters := newRegistry(c, m, log)
	if len(adapters) == 0 {
		log.Warn("No payment provider configured, top ups are disabled")
	}

	manager := payment.NewManager(storage, wallets, adapters, publisher, log.With("component", "manager"))
	processor := payment.NewProcessor(storage, wallets, adapters, publisher, log.With("component", "processor"))
	app.reconciler = reconciler.New(storage.Order(), adapters, processor, log.With("component", "reconciler"), reconciler.Options{
		Interval: c.ReconcileInterval,
	})

	guard, err := app.notificationGuard(ctx, c)
	if err != nil {
		return nil, err
	}

	app.Handler = handlers.NewRouter(handlers.Services{
		Auth:      authService,
		Wallets:   wallets,
		Topups:    manager,
		Processor: processor,
		Adapters:  adapters,
		Guard:     guard,
		Observer:  m,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, log)

	ok = true
	return app, nil
}

func (s *ServerApp) storage(ctx context.Context, c *Config) (repository.Storage, error) {
	if c.DatabaseDSN == "" {
		s.logger.Warn("Database is not configured, orders and wallets are kept in memory")
		return memory.NewStorage(), nil
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	s.closers = append(s.closers, func() error {
		pool.Close()
		return nil
	})

	return postgres.NewStorage(pool), nil
}

// Redis guard is shared by all instances. Without redis each instance remembers notifications it saw itself
func (s *ServerApp) notificationGuard(ctx context.Context, c *Config) (dedupe.Guard, error) {
	if c.RedisAddr == "" {
		return dedupe.NewMemoryGuard(0), nil
	}

	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	s.closers = append(s.closers, client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
	}

	return dedupe.NewRedisGuard(client, 0), nil
}

// Providers are enabled by their url
func newRegistry(c *Config, m *metrics.Metrics, log logger.Logger) provider.Registry {
	opts := provider.ClientOptions{
		RPS:      c.ProviderRPS,
		Observer: m,
		Logger:   log.WithGroup("provider"),
	}

	var adapters []provider.Adapter
	if c.CreditCardURL != "" {
		adapters = append(adapters, provider.NewCreditCard(provider.CreditCardConfig{
			URL:    c.CreditCardURL,
			APIKey: c.CreditCardKey,
		}, opts))
	}
	if c.LinePayURL != "" {
		linePay := provider.NewLinePay(provider.LinePayConfig{
			URL:           c.LinePayURL,
			ChannelID:     c.LinePayChannelID,
			ChannelSecret: c.LinePaySecret,
		}, opts)
		adapters = append(adapters, provider.NewRedirect(linePay, c.PublicURL, log))
	}
	if c.EasyCardURL != "" {
		easyCard := provider.NewEasyCard(provider.EasyCardConfig{
			URL:        c.EasyCardURL,
			MerchantID: c.EasyCardMerchant,
			Secret:     c.EasyCardSecret,
		}, opts)
		adapters = append(adapters, provider.NewRedirect(easyCard, c.PublicURL, log))
	}

	registry := provider.NewRegistry(adapters...)
	for _, method := range registry.Methods() {
		log.Info("Payment method enabled", "method", method)
	}
	return registry
}

// Run starts http server and reconciler and stops both gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.close()

	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting server", "address", s.ListenAddr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(timeoutCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
			return httpServer.Close()
		}
		s.logger.Info("HTTP server stopped")
		return err
	})

	g.Go(func() error {
		<-s.reconciler.Run(ctx)
		return nil
	})

	return g.Wait()
}

func (s *ServerApp) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("Error while releasing resource", "error", err)
		}
	}
	s.closers = nil
}
