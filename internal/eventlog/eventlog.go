// Package eventlog writes one human-readable log line per event.
package eventlog

import (
	"context"

	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/model"
)

// Logger is the logging sink of the pipeline. It never fails.
type Logger struct {
	log *zap.Logger
}

// New returns a sink writing to logger.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{log: logger}
}

// Process logs ev at info level. The error is always nil; it exists so the
// sink satisfies model.EventProcessor.
func (l *Logger) Process(_ context.Context, ev model.Event) error {
	switch ev := ev.(type) {
	case model.HarvesterPlots:
		l.log.Info("harvester plots",
			zap.String("host", ev.Host),
			zap.Int64("og_plots", ev.PlotCount),
			zap.Int64("portable_plots", ev.PortablePlotCount),
			zap.String("og_size", formatBytes(ev.PlotSize)),
			zap.String("portable_size", formatBytes(ev.PortablePlotSize)))
	case model.Connections:
		l.log.Info("peer connections",
			zap.Int64("full_nodes", ev.FullNodeCount),
			zap.Int64("farmers", ev.FarmerCount),
			zap.Int64("wallets", ev.WalletCount),
			zap.Int64("harvesters", ev.HarvesterCount))
	case model.BlockchainState:
		l.log.Info("blockchain state",
			zap.String("peak_height", ev.PeakHeight),
			zap.String("space", ev.Space),
			zap.Int64("difficulty", ev.Difficulty),
			zap.Int64("mempool_size", ev.MempoolSize),
			zap.Bool("synced", ev.Synced))
	case model.WalletBalance:
		l.log.Info("wallet balance",
			zap.String("confirmed_mojos", ev.Confirmed),
			zap.String("farmed_mojos", ev.Farmed))
	case model.SignagePoint:
		l.log.Info("new signage point",
			zap.Int64("index", ev.SignagePointIndex),
			zap.String("signage_point", ev.SignagePoint),
			zap.String("challenge_hash", ev.ChallengeHash))
	case model.FarmingInfo:
		l.log.Info("farming info",
			zap.Int64("passed_filter", ev.PassedFilter),
			zap.Int64("proofs", ev.Proofs),
			zap.Int64("total_plots", ev.TotalPlots),
			zap.String("signage_point", ev.SignagePoint))
	case model.PoolState:
		l.log.Info("pool state",
			zap.String("pool_url", ev.PoolURL),
			zap.String("p2", ev.P2SingletonPuzzleHash),
			zap.Int64("current_points", ev.CurrentPoints),
			zap.Int64("points_found_24h", ev.PointsFound24h),
			zap.Int64("points_acknowledged_24h", ev.PointsAcknowledged24h),
			zap.Int64("pool_errors_24h", ev.NumPoolErrors24h))
	case model.Price:
		l.log.Info("price",
			zap.String("usd", formatCents(ev.USDCents)),
			zap.String("eur", formatCents(ev.EURCents)),
			zap.Int64("btc_satoshi", ev.BTCSatoshi),
			zap.Int64("eth_gwei", ev.ETHGwei))
	default:
		l.log.Debug("unhandled event", zap.String("kind", string(ev.Kind())))
	}
	return nil
}
