package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/farmmon/internal/eventqueue"
	"github.com/tinytelemetry/farmmon/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	signagePointMsg = `{"command": "new_signage_point", "origin": "farmer", "destination": "wallet_ui",
		"data": {"success": true, "signage_point": {"challenge_hash": "0xc1", "challenge_chain_sp": "0xsp1", "signage_point_index": 7}}}`
	farmingInfoMsg = `{"command": "new_farming_info", "origin": "farmer",
		"data": {"farming_info": {"challenge_hash": "0xc1", "signage_point": "0xsp1", "passed_filter": 3, "proofs": 1, "total_plots": 400}}}`
	chainStateMsg = `{"command": "get_blockchain_state", "origin": "chia_full_node",
		"data": {"success": true, "blockchain_state": {"space": 100, "difficulty": 5, "peak": {"height": 42}, "sync": {"synced": true}}}}`
)

// daemonServer upgrades every request and hands the connection to handle.
func daemonServer(t *testing.T, handle func(conn *websocket.Conn, n int)) (*httptest.Server, string) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, int(conns.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readRegister(t *testing.T, conn *websocket.Conn) message {
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Errorf("read register: %v", err)
	}
	return msg
}

func waitForClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestCollector_RegistersAndMapsCommands(t *testing.T) {
	registered := make(chan message, 1)
	_, url := daemonServer(t, func(conn *websocket.Conn, _ int) {
		registered <- readRegister(t, conn)
		for _, m := range []string{signagePointMsg, `{"command": "get_plots"}`, `garbage`, farmingInfoMsg, chainStateMsg} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		waitForClose(conn)
	})

	q := eventqueue.New(8)
	c, err := New(context.Background(), Config{URL: url, Logger: zaptest.NewLogger(t), Now: func() time.Time { return fixedNow }}, q)
	require.NoError(t, err)
	defer c.Close()

	reg := <-registered
	assert.Equal(t, "register_service", reg.Command)
	assert.Equal(t, ServiceName, reg.Origin)
	assert.Equal(t, "daemon", reg.Destination)
	assert.JSONEq(t, `{"service": "wallet_ui"}`, string(reg.Data))
	assert.NotEmpty(t, reg.RequestID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	next := func() model.Event {
		ev, err := q.Next(context.Background())
		require.NoError(t, err)
		return ev
	}
	assert.Equal(t, model.SignagePoint{TS: fixedNow, ChallengeHash: "0xc1", SignagePoint: "0xsp1", SignagePointIndex: 7}, next())
	assert.Equal(t, model.FarmingInfo{
		TS: fixedNow, ChallengeHash: "0xc1", SignagePoint: "0xsp1", PassedFilter: 3, Proofs: 1, TotalPlots: 400,
	}, next())
	assert.Equal(t, model.BlockchainState{TS: fixedNow, Space: "100", Difficulty: 5, PeakHeight: "42", Synced: true}, next())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("push collector did not stop after cancel")
	}
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestCollector_ReconnectsAfterSocketLoss(t *testing.T) {
	_, url := daemonServer(t, func(conn *websocket.Conn, n int) {
		readRegister(t, conn)
		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(signagePointMsg))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(farmingInfoMsg))
		waitForClose(conn)
	})

	q := eventqueue.New(8)
	c, err := New(context.Background(), Config{
		URL:        url,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Logger:     zaptest.NewLogger(t),
	}, q)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ev, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.KindSignagePoint, ev.Kind())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	ev, err = q.Next(waitCtx)
	require.NoError(t, err, "no event after reconnect")
	assert.Equal(t, model.KindFarmingInfo, ev.Kind())
}

func TestNew_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := New(context.Background(), Config{URL: url}, eventqueue.New(1))
	assert.Error(t, err)

	_, err = New(context.Background(), Config{}, eventqueue.New(1))
	assert.Error(t, err)
}

func TestClose_BeforeRun(t *testing.T) {
	_, url := daemonServer(t, func(conn *websocket.Conn, _ int) {
		readRegister(t, conn)
		waitForClose(conn)
	})

	c, err := New(context.Background(), Config{URL: url}, eventqueue.New(1))
	require.NoError(t, err)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	assert.NoError(t, c.Run(context.Background()), "run after close returns immediately")
}
