// Package push listens to the node daemon's WebSocket for pushed farming updates.
package push

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/collector"
	"github.com/tinytelemetry/farmmon/internal/collector/rpc"
	"github.com/tinytelemetry/farmmon/internal/model"
)

// Name identifies the push collector in logs.
const Name = "push"

// ServiceName is the daemon service the collector registers as. The daemon
// only forwards farmer and full node updates to UI services.
const ServiceName = "wallet_ui"

const (
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
)

var errClosed = errors.New("push: collector closed")

// Config describes how to reach the daemon.
type Config struct {
	URL        string
	TLS        *tls.Config
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// message is the daemon's WebSocket envelope.
type message struct {
	Command     string          `json:"command"`
	Ack         bool            `json:"ack"`
	Data        json.RawMessage `json:"data"`
	RequestID   string          `json:"request_id"`
	Destination string          `json:"destination"`
	Origin      string          `json:"origin"`
}

// Collector holds one daemon connection at a time and re-dials it when lost.
type Collector struct {
	cfg Config
	pub collector.Publisher
	log *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// New dials the daemon and registers as ServiceName.
func New(ctx context.Context, cfg Config, pub collector.Publisher) (*Collector, error) {
	if cfg.URL == "" {
		return nil, errors.New("push: daemon url is required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Collector{cfg: cfg, pub: pub, log: cfg.Logger}
	if _, err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) Name() string { return Name }

// Run reads daemon messages until ctx is cancelled, reconnecting with capped
// exponential backoff whenever the socket drops.
func (c *Collector) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.dropConn)
	defer stop()

	backoff := c.cfg.MinBackoff
	for {
		conn := c.currentConn()
		if conn == nil {
			var err error
			conn, err = c.connect(ctx)
			if errors.Is(err, errClosed) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				c.log.Warn("daemon reconnect failed", zap.Duration("retry_in", backoff), zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, c.cfg.MaxBackoff)
				continue
			}
			c.log.Info("daemon reconnected", zap.String("url", c.cfg.URL))
			backoff = c.cfg.MinBackoff
		}

		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			c.releaseConn(conn)
			return nil
		}
		c.log.Warn("daemon connection lost", zap.Error(err))
		c.releaseConn(conn)
	}
}

// Close closes the current connection. Safe to call more than once.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Collector) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errClosed
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  c.cfg.TLS,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("push: dial %s: %w", c.cfg.URL, err)
	}

	register := message{
		Command:     "register_service",
		Data:        json.RawMessage(`{"service":"` + ServiceName + `"}`),
		RequestID:   uuid.NewString(),
		Destination: "daemon",
		Origin:      ServiceName,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(register); err != nil {
		conn.Close()
		return nil, fmt.Errorf("push: register: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || ctx.Err() != nil {
		conn.Close()
		return nil, errClosed
	}
	c.conn = conn
	return conn, nil
}

func (c *Collector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := c.decode(data)
		if err != nil {
			c.log.Debug("skipping undecodable daemon message", zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}
		if err := c.pub.Publish(ctx, ev); err != nil {
			return err
		}
	}
}

// decode maps a daemon message to an event. Commands the pipeline does not
// track yield a nil event.
func (c *Collector) decode(data []byte) (model.Event, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	now := c.cfg.Now().UTC()

	switch msg.Command {
	case "new_signage_point":
		var d struct {
			SignagePoint struct {
				ChallengeHash     string `json:"challenge_hash"`
				ChallengeChainSP  string `json:"challenge_chain_sp"`
				SignagePointIndex int64  `json:"signage_point_index"`
			} `json:"signage_point"`
		}
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, fmt.Errorf("new_signage_point: %w", err)
		}
		return model.SignagePoint{
			TS:                now,
			ChallengeHash:     d.SignagePoint.ChallengeHash,
			SignagePoint:      d.SignagePoint.ChallengeChainSP,
			SignagePointIndex: d.SignagePoint.SignagePointIndex,
		}, nil

	case "new_farming_info":
		var d struct {
			FarmingInfo struct {
				ChallengeHash string `json:"challenge_hash"`
				SignagePoint  string `json:"signage_point"`
				PassedFilter  int64  `json:"passed_filter"`
				Proofs        int64  `json:"proofs"`
				TotalPlots    int64  `json:"total_plots"`
			} `json:"farming_info"`
		}
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, fmt.Errorf("new_farming_info: %w", err)
		}
		return model.FarmingInfo{
			TS:            now,
			ChallengeHash: d.FarmingInfo.ChallengeHash,
			SignagePoint:  d.FarmingInfo.SignagePoint,
			PassedFilter:  d.FarmingInfo.PassedFilter,
			Proofs:        d.FarmingInfo.Proofs,
			TotalPlots:    d.FarmingInfo.TotalPlots,
		}, nil

	case "get_blockchain_state":
		return rpc.DecodeBlockchainState(now, msg.Data)
	}
	return nil, nil
}

func (c *Collector) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// releaseConn forgets conn if it is still current so Run dials a new one.
func (c *Collector) releaseConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// dropConn unblocks a pending read when Run's context is cancelled.
func (c *Collector) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
