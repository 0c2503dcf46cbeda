// Package exporter maps farming events onto Prometheus metrics.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/model"
)

// Plot types used as the "type" label of plot metrics.
const (
	PlotTypeOG       = "OG"
	PlotTypePortable = "portable"
)

// LookupBuckets are the histogram buckets for plot lookup latency, in seconds.
var LookupBuckets = lookupBuckets()

func lookupBuckets() []float64 {
	b := []float64{.01, .05, .1}
	for v := 0.25; v <= 5.0; v += 0.25 {
		b = append(b, v)
	}
	for v := 5.5; v <= 10.0; v += 0.5 {
		b = append(b, v)
	}
	for v := 11.0; v <= 20.0; v++ {
		b = append(b, v)
	}
	return b
}

// Exporter owns a private registry. All metrics are registered once in New.
// Process is called only from the aggregator's consume loop, so the retained
// signage point needs no locking.
type Exporter struct {
	registry *prometheus.Registry
	lookup   model.SignagePointLookup
	log      *zap.Logger

	lastSignagePoint *model.SignagePoint

	confirmedBalance prometheus.Gauge
	farmedBalance    prometheus.Gauge

	networkSpace prometheus.Gauge
	difficulty   prometheus.Gauge
	peakHeight   prometheus.Gauge
	syncStatus   prometheus.Gauge
	connections  *prometheus.GaugeVec
	mempoolSize  prometheus.Gauge

	plotCount *prometheus.GaugeVec
	plotSize  *prometheus.GaugeVec

	signagePoints     prometheus.Counter
	signagePointIndex prometheus.Gauge
	challenges        prometheus.Counter
	plotsPassedFilter prometheus.Counter
	proofsFound       prometheus.Counter
	lookupTime        prometheus.Histogram

	poolCurrentPoints         *prometheus.GaugeVec
	poolCurrentDifficulty     *prometheus.GaugeVec
	poolPointsFoundSinceStart *prometheus.GaugeVec
	poolPointsAckedSinceStart *prometheus.GaugeVec
	poolPointsFound24h        *prometheus.GaugeVec
	poolPointsAcked24h        *prometheus.GaugeVec
	poolErrors24h             *prometheus.GaugeVec

	priceUSDCents   prometheus.Gauge
	priceEURCents   prometheus.Gauge
	priceBTCSatoshi prometheus.Gauge
	priceETHGwei    prometheus.Gauge
}

// New creates an exporter. lookup resolves signage points that are no longer
// retained in memory; it may be nil, in which case such observations are skipped.
func New(namespace string, lookup model.SignagePointLookup, logger *zap.Logger) *Exporter {
	if namespace == "" {
		namespace = model.DefaultMetricsNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		lookup:   lookup,
		log:      logger,
	}
	e.initializeMetrics(namespace)
	return e
}

func (e *Exporter) initializeMetrics(ns string) {
	factory := promauto.With(e.registry)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help})
	}

	// Wallet
	e.confirmedBalance = gauge("confirmed_total_mojos", "Sum of confirmed wallet balances")
	e.farmedBalance = gauge("farmed_total_mojos", "Total farmed amount")

	// Full node
	e.networkSpace = gauge("network_space", "Approximation of current netspace")
	e.difficulty = gauge("difficulty", "Current network farming difficulty")
	e.peakHeight = gauge("peak_height", "Block height of the current peak")
	e.syncStatus = gauge("sync_status", "Sync status of the connected full node")
	e.connections = gaugeVec("connections_count", "Count of peers that the node is currently connected to", "type")
	e.mempoolSize = gauge("mempool_size", "Current mempool size")

	// Harvester
	e.plotCount = gaugeVec("plot_count", "Plot count being farmed by harvester", "host", "type")
	e.plotSize = gaugeVec("plot_size", "Size of plots being farmed by harvester", "host", "type")

	// Farmer
	e.signagePoints = counter("signage_points_total", "Received signage points")
	e.signagePointIndex = gauge("signage_point_index", "Received signage point index")
	e.challenges = counter("block_challenges_total", "Attempted block challenges")
	e.plotsPassedFilter = counter("plots_passed_filter_total", "Plots passed filter")
	e.proofsFound = counter("proofs_found_total", "Proofs found")
	e.lookupTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "lookup_time_seconds",
		Help:      "Plot lookup time",
		Buckets:   LookupBuckets,
	})

	// Pool
	e.poolCurrentPoints = gaugeVec("current_pool_points", "Number of pooling points you have collected during this round", "p2", "url")
	e.poolCurrentDifficulty = gaugeVec("current_pool_difficulty", "Difficulty of partials you are submitting", "p2", "url")
	e.poolPointsFoundSinceStart = gaugeVec("pool_points_found_since_start", "Total number of pooling points found", "p2", "url")
	e.poolPointsAckedSinceStart = gaugeVec("pool_points_acknowledged_since_start", "Total number of pooling points acknowledged", "p2", "url")
	e.poolPointsFound24h = gaugeVec("pool_points_found_24h", "Number of pooling points found the last 24h", "p2", "url")
	e.poolPointsAcked24h = gaugeVec("pool_points_acknowledged_24h", "Number of pooling points acknowledged the last 24h", "p2", "url")
	e.poolErrors24h = gaugeVec("num_pool_errors_24h", "Number of pool errors during the last 24 hours", "p2", "url")

	// Price
	e.priceUSDCents = gauge("price_usd_cent", "Current price in USD cent")
	e.priceEURCents = gauge("price_eur_cent", "Current price in EUR cent")
	e.priceBTCSatoshi = gauge("price_btc_satoshi", "Current price in BTC satoshi")
	e.priceETHGwei = gauge("price_eth_gwei", "Current price in ETH gwei")
}

// Registry returns the private registry holding every exporter metric.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Process updates the metrics for one event. Unknown variants are ignored.
// A returned error affects only this event.
func (e *Exporter) Process(ctx context.Context, ev model.Event) error {
	switch ev := ev.(type) {
	case model.HarvesterPlots:
		e.updateHarvester(ev)
	case model.FarmingInfo:
		return e.updateFarmer(ctx, ev)
	case model.Connections:
		e.updateConnections(ev)
	case model.BlockchainState:
		return e.updateBlockchainState(ev)
	case model.WalletBalance:
		return e.updateWalletBalance(ev)
	case model.SignagePoint:
		e.updateSignagePoint(ev)
	case model.PoolState:
		e.updatePoolState(ev)
	case model.Price:
		e.updatePrice(ev)
	}
	return nil
}

func (e *Exporter) updateHarvester(ev model.HarvesterPlots) {
	e.plotCount.WithLabelValues(ev.Host, PlotTypeOG).Set(float64(ev.PlotCount))
	e.plotCount.WithLabelValues(ev.Host, PlotTypePortable).Set(float64(ev.PortablePlotCount))
	e.plotSize.WithLabelValues(ev.Host, PlotTypeOG).Set(float64(ev.PlotSize))
	e.plotSize.WithLabelValues(ev.Host, PlotTypePortable).Set(float64(ev.PortablePlotSize))
}

func (e *Exporter) updateFarmer(ctx context.Context, ev model.FarmingInfo) error {
	e.challenges.Inc()
	e.plotsPassedFilter.Add(float64(max(ev.PassedFilter, 0)))
	e.proofsFound.Add(float64(max(ev.Proofs, 0)))

	if e.lastSignagePoint == nil {
		return nil
	}

	spTS := e.lastSignagePoint.TS
	if e.lastSignagePoint.SignagePoint != ev.SignagePoint {
		if e.lookup == nil {
			return nil
		}
		ts, err := e.lookup.SignagePointTimestamp(ctx, ev.SignagePoint)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("exporter: signage point lookup: %w", err)
		}
		spTS = ts
	}

	latency := ev.TS.Sub(spTS)
	if latency < 0 {
		e.log.Debug("skipping negative lookup time",
			zap.String("signage_point", ev.SignagePoint),
			zap.Duration("latency", latency))
		return nil
	}
	e.lookupTime.Observe(latency.Seconds())
	return nil
}

func (e *Exporter) updateConnections(ev model.Connections) {
	e.connections.WithLabelValues("Full Node").Set(float64(ev.FullNodeCount))
	e.connections.WithLabelValues("Farmer").Set(float64(ev.FarmerCount))
	e.connections.WithLabelValues("Harvester").Set(float64(ev.HarvesterCount))
}

func (e *Exporter) updateBlockchainState(ev model.BlockchainState) error {
	space, err := parseNumber("space", ev.Space)
	if err != nil {
		return err
	}
	height, err := parseNumber("peak height", ev.PeakHeight)
	if err != nil {
		return err
	}

	e.networkSpace.Set(space)
	e.difficulty.Set(float64(ev.Difficulty))
	e.peakHeight.Set(height)
	e.syncStatus.Set(boolToFloat(ev.Synced))
	e.mempoolSize.Set(float64(ev.MempoolSize))
	return nil
}

func (e *Exporter) updateWalletBalance(ev model.WalletBalance) error {
	confirmed, err := parseNumber("confirmed balance", ev.Confirmed)
	if err != nil {
		return err
	}
	farmed, err := parseNumber("farmed amount", ev.Farmed)
	if err != nil {
		return err
	}
	e.confirmedBalance.Set(confirmed)
	e.farmedBalance.Set(farmed)
	return nil
}

func (e *Exporter) updateSignagePoint(ev model.SignagePoint) {
	e.signagePoints.Inc()
	e.signagePointIndex.Set(float64(ev.SignagePointIndex))
	sp := ev
	e.lastSignagePoint = &sp
}

func (e *Exporter) updatePoolState(ev model.PoolState) {
	p2, url := ev.P2SingletonPuzzleHash, ev.PoolURL
	e.poolCurrentPoints.WithLabelValues(p2, url).Set(float64(ev.CurrentPoints))
	e.poolCurrentDifficulty.WithLabelValues(p2, url).Set(float64(ev.CurrentDifficulty))
	e.poolPointsFoundSinceStart.WithLabelValues(p2, url).Set(float64(ev.PointsFoundSinceStart))
	e.poolPointsAckedSinceStart.WithLabelValues(p2, url).Set(float64(ev.PointsAcknowledgedSinceStart))
	e.poolPointsFound24h.WithLabelValues(p2, url).Set(float64(ev.PointsFound24h))
	e.poolPointsAcked24h.WithLabelValues(p2, url).Set(float64(ev.PointsAcknowledged24h))
	e.poolErrors24h.WithLabelValues(p2, url).Set(float64(ev.NumPoolErrors24h))
}

func (e *Exporter) updatePrice(ev model.Price) {
	e.priceUSDCents.Set(float64(ev.USDCents))
	e.priceEURCents.Set(float64(ev.EURCents))
	e.priceBTCSatoshi.Set(float64(ev.BTCSatoshi))
	e.priceETHGwei.Set(float64(ev.ETHGwei))
}

// parseNumber parses an arbitrary-precision numeric string into a gauge value.
func parseNumber(field, s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("exporter: invalid %s %q: %w", field, s, err)
	}
	return d.InexactFloat64(), nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
