package aggregator_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/farmmon/internal/aggregator"
	"github.com/tinytelemetry/farmmon/internal/collector"
	"github.com/tinytelemetry/farmmon/internal/duckdb"
	"github.com/tinytelemetry/farmmon/internal/eventlog"
	"github.com/tinytelemetry/farmmon/internal/eventqueue"
	"github.com/tinytelemetry/farmmon/internal/exporter"
	"github.com/tinytelemetry/farmmon/internal/httpserver"
	"github.com/tinytelemetry/farmmon/internal/model"
)

// scripted publishes a fixed sequence and then idles.
type scripted struct {
	name   string
	events []model.Event
	pub    collector.Publisher
}

func (s *scripted) Name() string { return s.name }
func (s *scripted) Close() error { return nil }

func (s *scripted) Run(ctx context.Context) error {
	for _, ev := range s.events {
		if err := s.pub.Publish(ctx, ev); err != nil {
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (s *scripted) factory() collector.Factory {
	return func(_ context.Context, pub collector.Publisher) (collector.Collector, error) {
		s.pub = pub
		return s, nil
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)
	store, err := duckdb.NewStore("", duckdb.Options{AutoMigrate: true, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exp := exporter.New("chia", store, logger.Named("exporter"))
	srv := httpserver.NewServer("127.0.0.1:0", store, exp.Handler(), logger.Named("http"))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	push := &scripted{name: "push", events: []model.Event{
		model.SignagePoint{TS: t0, SignagePoint: "sp1", SignagePointIndex: 1},
		model.FarmingInfo{TS: t0.Add(400 * time.Millisecond), SignagePoint: "sp1", PassedFilter: 3, Proofs: 1},
		model.SignagePoint{TS: t0.Add(9 * time.Second), SignagePoint: "sp2", SignagePointIndex: 2},
		// Late result for sp1, resolved through the store.
		model.FarmingInfo{TS: t0.Add(10 * time.Second), SignagePoint: "sp1", PassedFilter: 1},
	}}
	rpc := &scripted{name: "rpc", events: []model.Event{
		model.HarvesterPlots{TS: t0, Host: "harvester-1", PlotCount: 40, PlotSize: 4000},
		model.BlockchainState{TS: t0, Space: "36893488147419103232", PeakHeight: "5000000", Difficulty: 2000, Synced: true},
	}}

	agg := aggregator.New(aggregator.Config{
		Sources: []aggregator.Source{
			{Name: "rpc", Factory: rpc.factory(), Mandatory: true},
			{Name: "push", Factory: push.factory(), Mandatory: true},
		},
		Queue:    eventqueue.New(8),
		Exporter: exp,
		Logger:   eventlog.New(logger.Named("events")),
		Store:    store,
		Log:      logger.Named("aggregator"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := store.TotalEventCount()
		return err == nil && n == 6
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	metrics := string(body)

	for _, want := range []string{
		"chia_lookup_time_seconds_count 2",
		"chia_lookup_time_seconds_sum 10.4",
		"chia_proofs_found_total 1",
		"chia_plots_passed_filter_total 4",
		"chia_signage_points_total 2",
		`chia_plot_count{host="harvester-1",type="OG"} 40`,
		"chia_sync_status 1",
	} {
		assert.True(t, strings.Contains(metrics, want), "metrics missing %q", want)
	}

	counts, err := store.TableRowCounts()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["signage_point_events"])
	assert.Equal(t, int64(2), counts["farming_info_events"])
	assert.Equal(t, int64(1), counts["harvester_events"])
	assert.Equal(t, int64(1), counts["blockchain_state_events"])
}
