package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/farmmon/internal/eventqueue"
	"github.com/tinytelemetry/farmmon/internal/model"
)

// fakeService answers calls from canned JSON bodies keyed by method.
type fakeService struct {
	responses map[string]string
	failures  map[string]error
	calls     []string
}

func (f *fakeService) Call(_ context.Context, method string, _, resp interface{}) error {
	f.calls = append(f.calls, method)
	if err := f.failures[method]; err != nil {
		return err
	}
	body, ok := f.responses[method]
	if !ok {
		body = `{"success": true}`
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal([]byte(body), resp)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFullNode() *fakeService {
	return &fakeService{responses: map[string]string{
		"get_blockchain_state": `{"success": true, "blockchain_state": {
			"space": 36893488147419103232, "difficulty": 3072, "mempool_size": 12,
			"peak": {"height": 5123456}, "sync": {"synced": true}}}`,
		"get_connections": `{"success": true, "connections": [
			{"type": 1}, {"type": 1}, {"type": 3}, {"type": 6}, {"type": 2}, {"type": 4}]}`,
	}}
}

func TestPoll_FullRound(t *testing.T) {
	wallet := &fakeService{responses: map[string]string{
		"get_wallets":        `{"success": true, "wallets": [{"id": 1}, {"id": 2}]}`,
		"get_wallet_balance": `{"success": true, "wallet_balance": {"confirmed_wallet_balance": 9223372036854775807}}`,
		"get_farmed_amount":  `{"success": true, "farmed_amount": 2000000000000}`,
	}}
	farmer := &fakeService{responses: map[string]string{
		"get_harvesters": `{"success": true, "harvesters": [
			{"connection": {"host": "10.0.0.2"}, "plots": [
				{"file_size": 100, "pool_contract_puzzle_hash": null},
				{"file_size": 200, "pool_contract_puzzle_hash": "0xabc"}]},
			{"connection": {"host": "10.0.0.1"}, "plots": [
				{"file_size": 50}]}]}`,
		"get_pool_state": `{"success": true, "pool_state": [{
			"p2_singleton_puzzle_hash": "0xp2",
			"pool_config": {"pool_url": "https://pool.example"},
			"current_points": 10, "current_difficulty": 2,
			"points_found_since_start": 30, "points_acknowledged_since_start": 28,
			"points_found_24h": [[1700000000.5, 2], [1700000100.0, 3]],
			"points_acknowledged_24h": [[1700000000.5, 2]],
			"pool_errors_24h": [{"error_code": 1}, {"error_code": 2}]}]}`,
	}}

	c := &Collector{cfg: Config{FullNode: newFullNode(), Wallet: wallet, Farmer: farmer, Now: func() time.Time { return fixedNow }}}
	events, err := c.Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 6)
	assert.Equal(t, model.BlockchainState{
		TS: fixedNow, Space: "36893488147419103232", Difficulty: 3072,
		PeakHeight: "5123456", MempoolSize: 12, Synced: true,
	}, events[0])
	assert.Equal(t, model.Connections{TS: fixedNow, FullNodeCount: 2, FarmerCount: 1, WalletCount: 1, HarvesterCount: 1}, events[1])
	assert.Equal(t, model.WalletBalance{TS: fixedNow, Confirmed: "18446744073709551614", Farmed: "2000000000000"}, events[2])
	assert.Equal(t, model.HarvesterPlots{TS: fixedNow, Host: "10.0.0.1", PlotCount: 1, PlotSize: 50}, events[3])
	assert.Equal(t, model.HarvesterPlots{
		TS: fixedNow, Host: "10.0.0.2", PlotCount: 1, PlotSize: 100, PortablePlotCount: 1, PortablePlotSize: 200,
	}, events[4])
	assert.Equal(t, model.PoolState{
		TS: fixedNow, P2SingletonPuzzleHash: "0xp2", PoolURL: "https://pool.example",
		CurrentPoints: 10, CurrentDifficulty: 2, PointsFoundSinceStart: 30, PointsAcknowledgedSinceStart: 28,
		PointsFound24h: 5, PointsAcknowledged24h: 2, NumPoolErrors24h: 2,
	}, events[5])
}

func TestPoll_FailingServiceSkipsOnlyItsEvents(t *testing.T) {
	wallet := &fakeService{failures: map[string]error{"get_wallets": errors.New("wallet down")}}
	c := &Collector{cfg: Config{FullNode: newFullNode(), Wallet: wallet, Now: func() time.Time { return fixedNow }}}

	events, err := c.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet down")
	require.Len(t, events, 2)
	assert.Equal(t, model.KindBlockchainState, events[0].Kind())
	assert.Equal(t, model.KindConnections, events[1].Kind())
}

func TestNew_ProbesFullNode(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.Error(t, err)

	down := &fakeService{failures: map[string]error{"healthz": errors.New("connection refused")}}
	_, err = New(context.Background(), Config{FullNode: down}, nil)
	assert.ErrorContains(t, err, "connection refused")

	node := newFullNode()
	c, err := New(context.Background(), Config{FullNode: node}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"healthz"}, node.calls)
	assert.Equal(t, Name, c.Name())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestRun_PublishesUntilCancelled(t *testing.T) {
	q := eventqueue.New(8)
	c, err := New(context.Background(), Config{
		FullNode: newFullNode(),
		Interval: time.Hour,
		Logger:   zaptest.NewLogger(t),
	}, q)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ev, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.KindBlockchainState, ev.Kind())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestDecodeBlockchainState(t *testing.T) {
	ev, err := DecodeBlockchainState(fixedNow, []byte(`{"blockchain_state": {"peak": null, "sync": {"synced": false}}}`))
	require.NoError(t, err)
	assert.Equal(t, "0", ev.PeakHeight)
	assert.Equal(t, "0", ev.Space)
	assert.False(t, ev.Synced)

	_, err = DecodeBlockchainState(fixedNow, []byte(`not json`))
	assert.Error(t, err)
}
