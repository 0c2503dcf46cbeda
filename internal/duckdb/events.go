package duckdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinytelemetry/farmmon/internal/model"
)

// eventTable describes where one event variant is stored.
type eventTable struct {
	name    string
	columns []string
	// values returns the row for ev in columns order, after ts.
	values func(ev model.Event) []interface{}
}

// eventTables maps every variant to its table. Table and column names are
// constants and are safe to interpolate into SQL.
var eventTables = map[model.Kind]eventTable{
	model.KindHarvesterPlots: {
		name:    "harvester_events",
		columns: []string{"host", "plot_count", "portable_plot_count", "plot_size", "portable_plot_size"},
		values: func(ev model.Event) []interface{} {
			e := ev.(model.HarvesterPlots)
			return []interface{}{e.Host, e.PlotCount, e.PortablePlotCount, e.PlotSize, e.PortablePlotSize}
		},
	},
	model.KindConnections: {
		name:    "connection_events",
		columns: []string{"full_node_count", "farmer_count", "wallet_count", "harvester_count"},
		values: func(ev model.Event) []interface{} {
			e := ev.(model.Connections)
			return []interface{}{e.FullNodeCount, e.FarmerCount, e.WalletCount, e.HarvesterCount}
		},
	},
	model.KindBlockchainState: {
		name:    "blockchain_state_events",
		columns: []string{"space", "difficulty", "peak_height", "mempool_size", "synced"},
		values: func(ev model.Event) []interface{} {
			e := ev.(model.BlockchainState)
			return []interface{}{e.Space, e.Difficulty, e.PeakHeight, e.MempoolSize, e.Synced}
		},
	},
	model.KindWalletBalance: {
		name:    "wallet_balance_events",
		columns: []string{"confirmed", "farmed"},
		values: func(ev model.Event) []interface{} {
			e := ev.(model.WalletBalance)
			return []interface{}{e.Confirmed, e.Farmed}
		},
	},
	model.KindSignagePoint: {
		name:    "signage_point_events",
		columns: []string{"challenge_hash", "signage_point", "signage_point_index"},
		values: func(ev model.Event) []interface{} {
			e := ev.(model.SignagePoint)
			return []interface{}{e.ChallengeHash, e.SignagePoint, e.SignagePointIndex}
		},
	},
	model.KindFarmingInfo: {
		name:    "farming_info_events",
		columns: []string{"challenge_hash", "signage_point", "passed_filter", "proofs", "total_plots"},
		values: func(ev model.Event) []interface{} {
			e := ev.(model.FarmingInfo)
			return []interface{}{e.ChallengeHash, e.SignagePoint, e.PassedFilter, e.Proofs, e.TotalPlots}
		},
	},
	model.KindPoolState: {
		name: "pool_state_events",
		columns: []string{
			"p2_singleton_puzzle_hash", "pool_url", "current_points", "current_difficulty",
			"points_found_since_start", "points_acknowledged_since_start",
			"points_found_24h", "points_acknowledged_24h", "num_pool_errors_24h",
		},
		values: func(ev model.Event) []interface{} {
			e := ev.(model.PoolState)
			return []interface{}{
				e.P2SingletonPuzzleHash, e.PoolURL, e.CurrentPoints, e.CurrentDifficulty,
				e.PointsFoundSinceStart, e.PointsAcknowledgedSinceStart,
				e.PointsFound24h, e.PointsAcknowledged24h, e.NumPoolErrors24h,
			}
		},
	},
	model.KindPrice: {
		name:    "price_events",
		columns: []string{"usd_cents", "eur_cents", "btc_satoshi", "eth_gwei"},
		values: func(ev model.Event) []interface{} {
			e := ev.(model.Price)
			return []interface{}{e.USDCents, e.EURCents, e.BTCSatoshi, e.ETHGwei}
		},
	},
}

// TableNames returns the event table names in model.Kinds order.
func TableNames() []string {
	names := make([]string, 0, len(model.Kinds))
	for _, k := range model.Kinds {
		names = append(names, eventTables[k].name)
	}
	return names
}

// insertSQL caches one INSERT statement per table.
var insertSQL = func() map[model.Kind]string {
	out := make(map[model.Kind]string, len(eventTables))
	for kind, t := range eventTables {
		cols := append([]string{"ts"}, t.columns...)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		out[kind] = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(cols, ", "), placeholders)
	}
	return out
}()

// Persist writes one event to its table. Every failure is reported as a
// *model.PersistenceError.
func (s *Store) Persist(ctx context.Context, ev model.Event) error {
	if ev == nil {
		return &model.PersistenceError{Kind: "nil", Err: fmt.Errorf("nil event")}
	}
	t, ok := eventTables[ev.Kind()]
	if !ok {
		return &model.PersistenceError{Kind: ev.Kind(), Err: fmt.Errorf("no table for event kind %q", ev.Kind())}
	}
	args := append([]interface{}{ev.Timestamp().UTC()}, t.values(ev)...)

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, insertSQL[ev.Kind()], args...); err != nil {
		return &model.PersistenceError{Kind: ev.Kind(), Err: err}
	}
	return nil
}
