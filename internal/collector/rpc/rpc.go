// Package rpc polls the node's RPC services and turns their answers into events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/collector"
	"github.com/tinytelemetry/farmmon/internal/model"
)

// Name identifies the RPC collector in logs.
const Name = "rpc"

// Peer node types as reported by get_connections.
const (
	nodeTypeFullNode  = 1
	nodeTypeHarvester = 2
	nodeTypeFarmer    = 3
	nodeTypeWallet    = 6
)

// Caller is the subset of chiarpc.Client used here.
type Caller interface {
	Call(ctx context.Context, method string, req, resp interface{}) error
}

// Config selects the services to poll. FullNode is required; Wallet and
// Farmer are skipped when nil.
type Config struct {
	FullNode Caller
	Wallet   Caller
	Farmer   Caller
	Interval time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

// Collector polls the RPC services on a fixed interval.
type Collector struct {
	cfg    Config
	poller *collector.Poller

	closeOnce sync.Once
}

// New probes the full node and returns a ready collector.
func New(ctx context.Context, cfg Config, pub collector.Publisher) (*Collector, error) {
	if cfg.FullNode == nil {
		return nil, errors.New("rpc: full node client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.FullNode.Call(ctx, "healthz", nil, nil); err != nil {
		return nil, fmt.Errorf("rpc: probe full node: %w", err)
	}

	c := &Collector{cfg: cfg}
	c.poller = collector.NewPoller(Name, cfg.Interval, pub, c.Poll, cfg.Logger)
	return c, nil
}

func (c *Collector) Name() string { return Name }

// Run polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error { return c.poller.Run(ctx) }

// Close is a no-op beyond marking the collector closed; HTTP clients hold no
// dedicated connection.
func (c *Collector) Close() error {
	c.closeOnce.Do(func() {
		c.cfg.Logger.Debug("rpc collector closed")
	})
	return nil
}

// Poll runs one round of RPC calls. A failing call drops only its own
// events; the remaining calls still run and their errors are joined.
func (c *Collector) Poll(ctx context.Context) ([]model.Event, error) {
	now := c.cfg.Now().UTC()
	var (
		events []model.Event
		errs   []error
	)
	add := func(evs []model.Event, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		events = append(events, evs...)
	}

	add(c.pollBlockchainState(ctx, now))
	add(c.pollConnections(ctx, now))
	if c.cfg.Wallet != nil {
		add(c.pollWallet(ctx, now))
	}
	if c.cfg.Farmer != nil {
		add(c.pollHarvesters(ctx, now))
		add(c.pollPools(ctx, now))
	}
	return events, errors.Join(errs...)
}

type blockchainStateResponse struct {
	BlockchainState struct {
		Space       json.Number `json:"space"`
		Difficulty  int64       `json:"difficulty"`
		MempoolSize int64       `json:"mempool_size"`
		Peak        *struct {
			Height json.Number `json:"height"`
		} `json:"peak"`
		Sync struct {
			Synced bool `json:"synced"`
		} `json:"sync"`
	} `json:"blockchain_state"`
}

func (c *Collector) pollBlockchainState(ctx context.Context, now time.Time) ([]model.Event, error) {
	var resp blockchainStateResponse
	if err := c.cfg.FullNode.Call(ctx, "get_blockchain_state", nil, &resp); err != nil {
		return nil, err
	}
	return []model.Event{resp.event(now)}, nil
}

func (resp blockchainStateResponse) event(ts time.Time) model.BlockchainState {
	st := resp.BlockchainState
	peak := "0"
	if st.Peak != nil && st.Peak.Height != "" {
		peak = st.Peak.Height.String()
	}
	space := st.Space.String()
	if space == "" {
		space = "0"
	}
	return model.BlockchainState{
		TS:          ts,
		Space:       space,
		Difficulty:  st.Difficulty,
		PeakHeight:  peak,
		MempoolSize: st.MempoolSize,
		Synced:      st.Sync.Synced,
	}
}

// DecodeBlockchainState maps a raw get_blockchain_state payload. The daemon
// pushes the same payload, so the push collector decodes through here too.
func DecodeBlockchainState(ts time.Time, raw []byte) (model.BlockchainState, error) {
	var resp blockchainStateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return model.BlockchainState{}, fmt.Errorf("rpc: decode blockchain state: %w", err)
	}
	return resp.event(ts), nil
}

func (c *Collector) pollConnections(ctx context.Context, now time.Time) ([]model.Event, error) {
	var resp struct {
		Connections []struct {
			Type int `json:"type"`
		} `json:"connections"`
	}
	if err := c.cfg.FullNode.Call(ctx, "get_connections", nil, &resp); err != nil {
		return nil, err
	}
	ev := model.Connections{TS: now}
	for _, conn := range resp.Connections {
		switch conn.Type {
		case nodeTypeFullNode:
			ev.FullNodeCount++
		case nodeTypeFarmer:
			ev.FarmerCount++
		case nodeTypeWallet:
			ev.WalletCount++
		case nodeTypeHarvester:
			ev.HarvesterCount++
		}
	}
	return []model.Event{ev}, nil
}

func (c *Collector) pollWallet(ctx context.Context, now time.Time) ([]model.Event, error) {
	var wallets struct {
		Wallets []struct {
			ID int64 `json:"id"`
		} `json:"wallets"`
	}
	if err := c.cfg.Wallet.Call(ctx, "get_wallets", nil, &wallets); err != nil {
		return nil, err
	}

	confirmed := decimal.Zero
	for _, w := range wallets.Wallets {
		var bal struct {
			WalletBalance struct {
				Confirmed json.Number `json:"confirmed_wallet_balance"`
			} `json:"wallet_balance"`
		}
		if err := c.cfg.Wallet.Call(ctx, "get_wallet_balance", map[string]int64{"wallet_id": w.ID}, &bal); err != nil {
			return nil, err
		}
		amount, err := parseAmount(bal.WalletBalance.Confirmed)
		if err != nil {
			return nil, fmt.Errorf("rpc: wallet %d balance: %w", w.ID, err)
		}
		confirmed = confirmed.Add(amount)
	}

	var farmed struct {
		FarmedAmount json.Number `json:"farmed_amount"`
	}
	if err := c.cfg.Wallet.Call(ctx, "get_farmed_amount", nil, &farmed); err != nil {
		return nil, err
	}
	farmedAmount, err := parseAmount(farmed.FarmedAmount)
	if err != nil {
		return nil, fmt.Errorf("rpc: farmed amount: %w", err)
	}

	return []model.Event{model.WalletBalance{
		TS:        now,
		Confirmed: confirmed.String(),
		Farmed:    farmedAmount.String(),
	}}, nil
}

func (c *Collector) pollHarvesters(ctx context.Context, now time.Time) ([]model.Event, error) {
	var resp struct {
		Harvesters []struct {
			Connection struct {
				Host string `json:"host"`
			} `json:"connection"`
			Plots []struct {
				FileSize               int64  `json:"file_size"`
				PoolContractPuzzleHash string `json:"pool_contract_puzzle_hash"`
			} `json:"plots"`
		} `json:"harvesters"`
	}
	if err := c.cfg.Farmer.Call(ctx, "get_harvesters", nil, &resp); err != nil {
		return nil, err
	}

	byHost := make(map[string]*model.HarvesterPlots)
	for _, h := range resp.Harvesters {
		ev, ok := byHost[h.Connection.Host]
		if !ok {
			ev = &model.HarvesterPlots{TS: now, Host: h.Connection.Host}
			byHost[h.Connection.Host] = ev
		}
		for _, p := range h.Plots {
			if p.PoolContractPuzzleHash != "" {
				ev.PortablePlotCount++
				ev.PortablePlotSize += p.FileSize
				continue
			}
			ev.PlotCount++
			ev.PlotSize += p.FileSize
		}
	}

	hosts := make([]string, 0, len(byHost))
	for host := range byHost {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	events := make([]model.Event, 0, len(hosts))
	for _, host := range hosts {
		events = append(events, *byHost[host])
	}
	return events, nil
}

func (c *Collector) pollPools(ctx context.Context, now time.Time) ([]model.Event, error) {
	var resp struct {
		PoolState []struct {
			P2SingletonPuzzleHash string `json:"p2_singleton_puzzle_hash"`
			PoolConfig            struct {
				PoolURL string `json:"pool_url"`
			} `json:"pool_config"`
			CurrentPoints                int64             `json:"current_points"`
			CurrentDifficulty            int64             `json:"current_difficulty"`
			PointsFoundSinceStart        int64             `json:"points_found_since_start"`
			PointsAcknowledgedSinceStart int64             `json:"points_acknowledged_since_start"`
			PointsFound24h               [][2]json.Number  `json:"points_found_24h"`
			PointsAcknowledged24h        [][2]json.Number  `json:"points_acknowledged_24h"`
			PoolErrors24h                []json.RawMessage `json:"pool_errors_24h"`
		} `json:"pool_state"`
	}
	if err := c.cfg.Farmer.Call(ctx, "get_pool_state", nil, &resp); err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, len(resp.PoolState))
	for _, p := range resp.PoolState {
		found, err := sumPoints(p.PointsFound24h)
		if err != nil {
			return nil, fmt.Errorf("rpc: pool %s points found: %w", p.P2SingletonPuzzleHash, err)
		}
		acked, err := sumPoints(p.PointsAcknowledged24h)
		if err != nil {
			return nil, fmt.Errorf("rpc: pool %s points acknowledged: %w", p.P2SingletonPuzzleHash, err)
		}
		events = append(events, model.PoolState{
			TS:                           now,
			P2SingletonPuzzleHash:        p.P2SingletonPuzzleHash,
			PoolURL:                      p.PoolConfig.PoolURL,
			CurrentPoints:                p.CurrentPoints,
			CurrentDifficulty:            p.CurrentDifficulty,
			PointsFoundSinceStart:        p.PointsFoundSinceStart,
			PointsAcknowledgedSinceStart: p.PointsAcknowledgedSinceStart,
			PointsFound24h:               found,
			PointsAcknowledged24h:        acked,
			NumPoolErrors24h:             int64(len(p.PoolErrors24h)),
		})
	}
	return events, nil
}

// sumPoints adds the points column of [timestamp, points] pairs.
func sumPoints(pairs [][2]json.Number) (int64, error) {
	var total int64
	for _, pair := range pairs {
		n, err := pair[1].Int64()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func parseAmount(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}
