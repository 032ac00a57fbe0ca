package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/advisorly/marketgate/internal/basket"
	"github.com/advisorly/marketgate/internal/config"
	"github.com/advisorly/marketgate/internal/dashboard"
	"github.com/advisorly/marketgate/internal/lifecycle"
	"github.com/advisorly/marketgate/internal/notify"
	"github.com/advisorly/marketgate/internal/provider"
	"github.com/advisorly/marketgate/internal/quotes"
	"github.com/advisorly/marketgate/internal/scheduler"
	"github.com/advisorly/marketgate/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logger.Infof("Starting market gateway engine in %s mode", cfg.Environment.Mode)

	loc := cfg.ProviderLocation()

	credentials := provider.NewCredentialManager(
		cfg.Provider.APIKey,
		cfg.Provider.APISecret,
		cfg.Provider.BaseURL,
		loc,
		cfg.Provider.RotationHour,
		cfg.Provider.SafetyMargin,
		logger,
		provider.WithCredentialHTTPClient(&http.Client{Timeout: cfg.Provider.Timeout}),
	)

	cache := quotes.NewCache(cfg.Cache.TTL)
	// A manual token swap means a new provider session; flush prices fetched
	// under the old one.
	credentials.OnRotate(cache.InvalidateAll)

	api := provider.NewAPI(cfg.Provider.BaseURL, credentials, cfg.Provider.Timeout, logger)
	client := provider.NewCircuitBreakerClient(api, logger)
	gateway := quotes.NewGateway(client, cache,
		cfg.Quotes.BatchSize, cfg.Quotes.MaxParallelBatches, logger)

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Storage close failed")
		}
	}()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notifications.Enabled && !cfg.IsPaperMode() {
		kafka, err := notify.NewKafkaNotifier(cfg.Notifications.Brokers, cfg.Notifications.Topic, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to Kafka: %v", err)
		}
		notifier = notify.NewRetrying(kafka, logger)
	} else {
		logger.Info("Notifications disabled, using noop notifier")
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.WithError(err).Warn("Notifier close failed")
		}
	}()

	service := lifecycle.NewService(store, gateway, notifier, logger)
	versioner := basket.NewVersioner(store, gateway, cfg.Basket.WeightTolerance, logger)

	startMin, endMin := cfg.SquareOffWindow()
	sweep := scheduler.NewSquareOff(store, gateway, notifier, loc, startMin, endMin, logger)
	if err := sweep.Start(); err != nil {
		logger.Fatalf("Failed to start square-off scheduler: %v", err)
	}
	defer sweep.Stop()

	var admin *dashboard.Server
	if cfg.Dashboard.Enabled {
		admin = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, credentials, cache, logger)
		admin.MountAPI(dashboard.API{Lifecycle: service, Basket: versioner})
		go func() {
			if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Admin server failed")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Warm the credential on startup so the first quote request does not pay
	// the exchange round trip.
	if _, err := credentials.Token(ctx); err != nil {
		logger.WithError(err).Warn("Initial token acquisition failed, will retry on demand")
	}

	<-sigChan
	logger.Info("Shutdown signal received, stopping engine...")
	cancel()

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Admin server shutdown failed")
		}
	}

	logger.Info("Engine stopped")
}
