package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/aggregator"
	"github.com/tinytelemetry/farmmon/internal/backup"
	"github.com/tinytelemetry/farmmon/internal/chiaconfig"
	"github.com/tinytelemetry/farmmon/internal/chiarpc"
	"github.com/tinytelemetry/farmmon/internal/collector"
	"github.com/tinytelemetry/farmmon/internal/collector/price"
	"github.com/tinytelemetry/farmmon/internal/collector/push"
	"github.com/tinytelemetry/farmmon/internal/collector/rpc"
	"github.com/tinytelemetry/farmmon/internal/duckdb"
	"github.com/tinytelemetry/farmmon/internal/eventlog"
	"github.com/tinytelemetry/farmmon/internal/eventqueue"
	"github.com/tinytelemetry/farmmon/internal/exporter"
	"github.com/tinytelemetry/farmmon/internal/httpserver"
	"github.com/tinytelemetry/farmmon/internal/notifier"
)

const rpcRequestTimeout = 30 * time.Second

// runMonitor wires the store, the sinks and the collectors, then runs the
// aggregator until a signal arrives or persistence fails.
func runMonitor(parent context.Context, cfg appConfig) error {
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	nodeCfg, err := chiaconfig.Load(cfg.RootPath)
	if err != nil {
		return fmt.Errorf("reading node config: %w", err)
	}

	store, err := duckdb.NewStore(cfg.DBPath, duckdb.Options{
		AutoMigrate:  cfg.DBAutoMigrate,
		QueryTimeout: cfg.QueryTimeout,
		Logger:       logger.Named("store"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.EventRetention,
	})
	defer retentionCleaner.Stop()

	backupManager, err := backup.NewManager(store, backup.Config{
		Enabled:  cfg.BackupEnabled,
		Interval: cfg.BackupInterval,
		LocalDir: cfg.BackupLocalDir,
		KeepLast: cfg.BackupKeepLast,
	}, logger.Named("backup"))
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	defer backupManager.Stop()

	exp := exporter.New(cfg.MetricsNamespace, store, logger.Named("exporter"))

	httpServer := httpserver.NewServer(cfg.ExporterAddr, store, exp.Handler(), logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	defer httpServer.Stop()

	var notif aggregator.Background
	if cfg.NotificationsEnabled {
		notif = notifier.New(store, notifier.NewHTTPSender(cfg.AlertServiceURL, cfg.StatusServiceURL), notifier.Config{
			RefreshInterval:         cfg.NotificationsRefresh,
			StatusInterval:          cfg.StatusInterval,
			LostPlotsAlertThreshold: cfg.LostPlotsAlertThresh,
			DisableProofFoundAlert:  cfg.DisableProofFoundAlert,
		}, logger.Named("notifier"))
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		logger.Info("shutting down gracefully, press Ctrl+C again to force")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			logger.Warn("forced shutdown")
		case <-deadline.C:
			logger.Warn("shutdown timed out, forcing exit")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg, nodeCfg)

	agg := aggregator.New(aggregator.Config{
		Sources:        buildSources(cfg, nodeCfg, logger),
		ConnectTimeout: cfg.ConnectTimeout,
		Queue:          eventqueue.New(cfg.QueueSize),
		Exporter:       exp,
		Logger:         eventlog.New(logger.Named("events")),
		Store:          store,
		Notifier:       notif,
		Log:            logger.Named("aggregator"),
	})

	err = agg.Run(ctx)
	if errors.Is(err, aggregator.ErrNoMandatoryCollector) {
		return fmt.Errorf("%w: check that the node is running and root-path %s is correct", err, cfg.RootPath)
	}
	return err
}

// buildSources returns the collector factories. TLS material is read inside
// each factory so that a missing certificate only disables that collector.
func buildSources(cfg appConfig, nodeCfg *chiaconfig.Config, logger *zap.Logger) []aggregator.Source {
	sources := []aggregator.Source{
		{Name: rpc.Name, Mandatory: true, Factory: rpcFactory(cfg, nodeCfg, logger.Named(rpc.Name))},
		{Name: push.Name, Mandatory: true, Factory: pushFactory(nodeCfg, logger.Named(push.Name))},
	}
	if cfg.PriceEnabled {
		sources = append(sources, aggregator.Source{
			Name: price.Name,
			Factory: price.NewFactory(price.Config{
				URL:      cfg.PriceURL,
				CoinID:   cfg.PriceCoinID,
				Interval: cfg.PriceRefreshInterval,
				Logger:   logger.Named(price.Name),
			}),
		})
	}
	return sources
}

func rpcFactory(cfg appConfig, nodeCfg *chiaconfig.Config, logger *zap.Logger) collector.Factory {
	return func(ctx context.Context, pub collector.Publisher) (collector.Collector, error) {
		fullNode, err := serviceClient(nodeCfg, nodeCfg.FullNode)
		if err != nil {
			return nil, fmt.Errorf("full node: %w", err)
		}
		rcfg := rpc.Config{
			FullNode: fullNode,
			Interval: cfg.RPCRefreshInterval,
			Logger:   logger,
		}
		if wallet, err := serviceClient(nodeCfg, nodeCfg.Wallet); err != nil {
			logger.Warn("wallet RPC disabled", zap.Error(err))
		} else {
			rcfg.Wallet = wallet
		}
		if farmer, err := serviceClient(nodeCfg, nodeCfg.Farmer); err != nil {
			logger.Warn("farmer RPC disabled", zap.Error(err))
		} else {
			rcfg.Farmer = farmer
		}
		return rpc.New(ctx, rcfg, pub)
	}
}

func serviceClient(nodeCfg *chiaconfig.Config, svc chiaconfig.Service) (*chiarpc.Client, error) {
	tlsConfig, err := nodeCfg.TLSConfig(svc.SSL)
	if err != nil {
		return nil, err
	}
	return chiarpc.New("https://"+nodeCfg.Addr(svc.RPCPort), tlsConfig, rpcRequestTimeout), nil
}

func pushFactory(nodeCfg *chiaconfig.Config, logger *zap.Logger) collector.Factory {
	return func(ctx context.Context, pub collector.Publisher) (collector.Collector, error) {
		tlsConfig, err := nodeCfg.TLSConfig(nodeCfg.DaemonSSL)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
		return push.New(ctx, push.Config{
			URL:    nodeCfg.DaemonURL(),
			TLS:    tlsConfig,
			Logger: logger,
		}, pub)
	}
}
