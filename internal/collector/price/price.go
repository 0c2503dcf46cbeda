// Package price polls a CoinGecko-compatible quote endpoint.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/collector"
	"github.com/tinytelemetry/farmmon/internal/model"
)

// Name identifies the price collector in logs.
const Name = "price"

const (
	DefaultURL    = "https://api.coingecko.com/api/v3/simple/price"
	DefaultCoinID = "chia"

	requestTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
)

var currencies = []string{"usd", "eur", "btc", "eth"}

// Unit scales per quoted currency.
var (
	centsPerUnit   = decimal.NewFromInt(100)
	satoshiPerUnit = decimal.NewFromInt(100_000_000)
	gweiPerUnit    = decimal.NewFromInt(1_000_000_000)
)

// Config configures the price feed.
type Config struct {
	URL      string
	CoinID   string
	Interval time.Duration
	Client   *http.Client
	Logger   *zap.Logger
	Now      func() time.Time
}

// Collector polls the quote endpoint on a fixed interval.
type Collector struct {
	cfg    Config
	poller *collector.Poller
	// probed is the quote fetched by New, published by the first poll.
	probed *model.Price

	closeOnce sync.Once
}

// NewFactory returns a factory that fetches one quote before handing out the collector.
func NewFactory(cfg Config) collector.Factory {
	return func(ctx context.Context, pub collector.Publisher) (collector.Collector, error) {
		return New(ctx, cfg, pub)
	}
}

// New validates cfg and probes the endpoint once. The probed quote becomes
// the first published event.
func New(ctx context.Context, cfg Config, pub collector.Publisher) (*Collector, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("price: invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("price: invalid url %q: want an absolute http(s) url", cfg.URL)
	}
	if cfg.CoinID == "" {
		cfg.CoinID = DefaultCoinID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = model.DefaultPriceRefresh
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: requestTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Collector{cfg: cfg}
	quote, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.probed = &quote
	c.poller = collector.NewPoller(Name, cfg.Interval, pub, c.poll, cfg.Logger)
	return c, nil
}

func (c *Collector) Name() string { return Name }

// Run polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error { return c.poller.Run(ctx) }

// Close drops idle keep-alive connections.
func (c *Collector) Close() error {
	c.closeOnce.Do(c.cfg.Client.CloseIdleConnections)
	return nil
}

// poll publishes the quote fetched at creation on the first round and
// fetches fresh quotes afterwards.
func (c *Collector) poll(ctx context.Context) ([]model.Event, error) {
	if c.probed != nil {
		ev := *c.probed
		c.probed = nil
		return []model.Event{ev}, nil
	}
	ev, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return []model.Event{ev}, nil
}

// Fetch requests one quote and converts it to integer units.
func (c *Collector) Fetch(ctx context.Context) (model.Price, error) {
	q := url.Values{}
	q.Set("ids", c.cfg.CoinID)
	q.Set("vs_currencies", strings.Join(currencies, ","))

	sep := "?"
	if strings.Contains(c.cfg.URL, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+sep+q.Encode(), nil)
	if err != nil {
		return model.Price{}, fmt.Errorf("price: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return model.Price{}, fmt.Errorf("price: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Price{}, fmt.Errorf("price: unexpected status %d", resp.StatusCode)
	}

	var quotes map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&quotes); err != nil {
		return model.Price{}, fmt.Errorf("price: decode: %w", err)
	}
	quote, ok := quotes[c.cfg.CoinID]
	if !ok {
		return model.Price{}, fmt.Errorf("price: no quote for %q", c.cfg.CoinID)
	}
	return Convert(c.cfg.Now().UTC(), quote)
}

// Convert turns unit quotes into cents, satoshi and gwei, truncating toward zero.
func Convert(ts time.Time, quote map[string]decimal.Decimal) (model.Price, error) {
	for _, cur := range currencies {
		if _, ok := quote[cur]; !ok {
			return model.Price{}, errors.New("price: quote missing " + cur)
		}
	}
	return model.Price{
		TS:         ts,
		USDCents:   quote["usd"].Mul(centsPerUnit).IntPart(),
		EURCents:   quote["eur"].Mul(centsPerUnit).IntPart(),
		BTCSatoshi: quote["btc"].Mul(satoshiPerUnit).IntPart(),
		ETHGwei:    quote["eth"].Mul(gweiPerUnit).IntPart(),
	}, nil
}
