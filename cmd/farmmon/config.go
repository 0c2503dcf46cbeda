package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/farmmon/internal/collector/price"
	"github.com/tinytelemetry/farmmon/internal/model"
)

const (
	defaultBindHost         = "0.0.0.0"
	defaultQueryTimeout     = 30 * time.Second
	defaultEventRetention   = 0 // days, 0 = disabled
	defaultBackupInterval   = 6 * time.Hour
	defaultBackupKeepLast   = 24
	defaultLostPlotsAlert   = 1
	defaultLogLevel         = "info"
	defaultLogFormat        = "console"
	defaultMetricsNamespace = model.DefaultMetricsNamespace
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	RootPath               string        `mapstructure:"root-path"`
	ExporterPort           int           `mapstructure:"exporter-port"`
	ExporterAddr           string        `mapstructure:"exporter-addr"`
	MetricsNamespace       string        `mapstructure:"metrics-namespace"`
	RPCRefreshInterval     time.Duration `mapstructure:"rpc-refresh-interval"`
	PriceEnabled           bool          `mapstructure:"price-enabled"`
	PriceRefreshInterval   time.Duration `mapstructure:"price-refresh-interval"`
	PriceURL               string        `mapstructure:"price-url"`
	PriceCoinID            string        `mapstructure:"price-coin-id"`
	ConnectTimeout         time.Duration `mapstructure:"collector-connect-timeout"`
	QueueSize              int           `mapstructure:"queue-size"`
	DBPath                 string        `mapstructure:"db-path"`
	DBAutoMigrate          bool          `mapstructure:"db-auto-migrate"`
	QueryTimeout           time.Duration `mapstructure:"query-timeout"`
	EventRetention         int           `mapstructure:"event-retention"`
	BackupEnabled          bool          `mapstructure:"backup-enabled"`
	BackupInterval         time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir         string        `mapstructure:"backup-local-dir"`
	BackupKeepLast         int           `mapstructure:"backup-keep-last"`
	NotificationsEnabled   bool          `mapstructure:"notifications-enabled"`
	StatusServiceURL       string        `mapstructure:"status-service-url"`
	AlertServiceURL        string        `mapstructure:"alert-service-url"`
	StatusInterval         time.Duration `mapstructure:"status-interval"`
	NotificationsRefresh   time.Duration `mapstructure:"notifications-refresh-interval"`
	LostPlotsAlertThresh   int64         `mapstructure:"lost-plots-alert-threshold"`
	DisableProofFoundAlert bool          `mapstructure:"disable-proof-found-alert"`
	LogLevel               string        `mapstructure:"log-level"`
	LogFormat              string        `mapstructure:"log-format"`
	ConfigPath             string        `mapstructure:"-"` // not from config file
}

func defaultRootPath(home string) string {
	if root := os.Getenv("CHIA_ROOT"); root != "" {
		return root
	}
	return filepath.Join(home, ".chia", "mainnet")
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FARMMON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("root-path", defaultRootPath(home))
	v.SetDefault("exporter-port", model.DefaultExporterPort)
	v.SetDefault("metrics-namespace", defaultMetricsNamespace)
	v.SetDefault("rpc-refresh-interval", model.DefaultRPCRefreshInterval)
	v.SetDefault("price-enabled", true)
	v.SetDefault("price-refresh-interval", model.DefaultPriceRefresh)
	v.SetDefault("price-url", price.DefaultURL)
	v.SetDefault("price-coin-id", price.DefaultCoinID)
	v.SetDefault("collector-connect-timeout", model.DefaultConnectTimeout)
	v.SetDefault("queue-size", model.DefaultQueueSize)
	v.SetDefault("db-path", filepath.Join(home, ".local", "share", "farmmon", "farmmon.duckdb"))
	v.SetDefault("db-auto-migrate", true)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("event-retention", defaultEventRetention)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", "")
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("notifications-enabled", false)
	v.SetDefault("status-service-url", "")
	v.SetDefault("alert-service-url", "")
	v.SetDefault("status-interval", model.DefaultStatusInterval)
	v.SetDefault("notifications-refresh-interval", model.DefaultNotificationRefresh)
	v.SetDefault("lost-plots-alert-threshold", defaultLostPlotsAlert)
	v.SetDefault("disable-proof-found-alert", false)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-format", defaultLogFormat)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "farmmon", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	cfg.RootPath = expandHome(home, cfg.RootPath)
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.BackupLocalDir = expandHome(home, cfg.BackupLocalDir)

	if cfg.ExporterAddr == "" {
		cfg.ExporterAddr = fmt.Sprintf("%s:%d", defaultBindHost, cfg.ExporterPort)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg appConfig) validate() error {
	if cfg.ExporterPort <= 0 || cfg.ExporterPort > 65535 {
		return fmt.Errorf("invalid exporter-port: %d", cfg.ExporterPort)
	}
	intervals := []struct {
		key string
		d   time.Duration
	}{
		{"rpc-refresh-interval", cfg.RPCRefreshInterval},
		{"price-refresh-interval", cfg.PriceRefreshInterval},
		{"collector-connect-timeout", cfg.ConnectTimeout},
		{"query-timeout", cfg.QueryTimeout},
		{"backup-interval", cfg.BackupInterval},
		{"status-interval", cfg.StatusInterval},
		{"notifications-refresh-interval", cfg.NotificationsRefresh},
	}
	for _, iv := range intervals {
		if iv.d <= 0 {
			return fmt.Errorf("invalid %s: must be positive, got %s", iv.key, iv.d)
		}
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("invalid queue-size: %d", cfg.QueueSize)
	}
	if cfg.EventRetention < 0 {
		return fmt.Errorf("invalid event-retention: %d", cfg.EventRetention)
	}
	if cfg.BackupEnabled && cfg.BackupLocalDir == "" {
		return errors.New("backup-local-dir is required when backup-enabled is set")
	}
	if cfg.LostPlotsAlertThresh <= 0 {
		return fmt.Errorf("invalid lost-plots-alert-threshold: %d", cfg.LostPlotsAlertThresh)
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log-format %q: want console or json", cfg.LogFormat)
	}
	return nil
}

func expandHome(home, p string) string {
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
