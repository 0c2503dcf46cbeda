package model

import "time"

// Shared defaults used by the CLI and the components it wires.
const (
	DefaultQueueSize           = 1024
	DefaultRPCRefreshInterval  = 10 * time.Second
	DefaultPriceRefresh        = 5 * time.Minute
	DefaultConnectTimeout      = 10 * time.Second
	DefaultExporterPort        = 9824
	DefaultMetricsNamespace    = "chia"
	DefaultNotificationRefresh = time.Minute
	DefaultStatusInterval      = time.Hour
)
