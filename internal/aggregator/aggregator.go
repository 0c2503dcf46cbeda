package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/farmmon/internal/collector"
	"github.com/tinytelemetry/farmmon/internal/eventqueue"
	"github.com/tinytelemetry/farmmon/internal/model"
)

// ErrNoMandatoryCollector is returned by Run when every mandatory collector
// failed to start. No events are processed in that case.
var ErrNoMandatoryCollector = errors.New("aggregator: no mandatory collector could be started")

// Source describes one collector to start.
type Source struct {
	Name      string
	Factory   collector.Factory
	Mandatory bool
}

// Background is a component with its own schedule that lives as long as the
// consume loop.
type Background interface {
	Start(ctx context.Context)
	Stop()
}

// Config wires the aggregator to its collectors and sinks.
type Config struct {
	Sources        []Source
	ConnectTimeout time.Duration
	Queue          *eventqueue.Queue

	Exporter model.EventProcessor
	Logger   model.EventProcessor
	Store    model.EventPersister

	// Notifier is optional.
	Notifier Background
	Log      *zap.Logger
}

// Aggregator starts the collectors and routes every event they publish to
// the exporter, the logger and the store, one event at a time.
type Aggregator struct {
	cfg Config
	log *zap.Logger
}

type started struct {
	name string
	c    collector.Collector
	once sync.Once
}

func (s *started) close(log *zap.Logger) {
	s.once.Do(func() {
		if err := s.c.Close(); err != nil {
			log.Warn("collector close failed", zap.String("collector", s.name), zap.Error(err))
		}
	})
}

// New returns an aggregator for cfg.
func New(cfg Config) *Aggregator {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = model.DefaultConnectTimeout
	}
	if cfg.Queue == nil {
		cfg.Queue = eventqueue.New(eventqueue.DefaultSize)
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{cfg: cfg, log: log}
}

// Run starts the collectors and consumes events until ctx is cancelled or a
// persistence failure occurs. Cancellation returns nil. Every collector that
// was created is closed exactly once before Run returns.
func (a *Aggregator) Run(ctx context.Context) error {
	collectors, mandatory := a.startCollectors(ctx)
	if mandatory == 0 {
		a.log.Error("no mandatory collector started, not processing events")
		a.closeAll(collectors)
		return ErrNoMandatoryCollector
	}

	if a.cfg.Notifier != nil {
		a.cfg.Notifier.Start(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	for _, s := range collectors {
		g.Go(func() error {
			if err := s.c.Run(runCtx); err != nil {
				a.log.Warn("collector stopped with error", zap.String("collector", s.name), zap.Error(err))
			}
			return nil
		})
	}

	a.log.Info("aggregator started", zap.Int("collectors", len(collectors)))
	err := a.consume(ctx)
	a.shutdown(cancel, &g, collectors)
	return err
}

// shutdown cancels the collectors, waits for them, closes each one and only
// then stops the background schedulers.
func (a *Aggregator) shutdown(cancel context.CancelFunc, g *errgroup.Group, collectors []*started) {
	cancel()
	_ = g.Wait()
	a.closeAll(collectors)
	if a.cfg.Notifier != nil {
		a.cfg.Notifier.Stop()
	}
}

func (a *Aggregator) closeAll(collectors []*started) {
	for _, s := range collectors {
		s.close(a.log)
	}
}

func (a *Aggregator) startCollectors(ctx context.Context) ([]*started, int) {
	var (
		out       []*started
		mandatory int
	)
	for _, src := range a.cfg.Sources {
		c, err := collector.Create(ctx, src.Name, a.cfg.ConnectTimeout, src.Factory, a.cfg.Queue)
		if err != nil {
			a.log.Warn("collector unavailable", zap.String("collector", src.Name), zap.Bool("mandatory", src.Mandatory), zap.Error(err))
			continue
		}
		out = append(out, &started{name: src.Name, c: c})
		if src.Mandatory {
			mandatory++
		}
		a.log.Info("collector started", zap.String("collector", src.Name))
	}
	return out, mandatory
}

func (a *Aggregator) consume(ctx context.Context) error {
	for {
		ev, err := a.cfg.Queue.Next(ctx)
		if err != nil {
			a.log.Info("aggregator stopping")
			return nil
		}
		if err := a.dispatch(context.WithoutCancel(ctx), ev); err != nil {
			return err
		}
	}
}

// dispatch routes ev through the sinks. Only a persistence failure is returned.
func (a *Aggregator) dispatch(ctx context.Context, ev model.Event) error {
	if a.cfg.Exporter != nil {
		if err := a.cfg.Exporter.Process(ctx, ev); err != nil {
			a.log.Warn("exporter failed", zap.String("kind", string(ev.Kind())), zap.Error(err))
		}
	}
	if a.cfg.Logger != nil {
		if err := a.cfg.Logger.Process(ctx, ev); err != nil {
			a.log.Warn("logger failed", zap.String("kind", string(ev.Kind())), zap.Error(err))
		}
	}
	if a.cfg.Store == nil {
		return nil
	}
	if err := a.cfg.Store.Persist(ctx, ev); err != nil {
		var perr *model.PersistenceError
		if !errors.As(err, &perr) {
			err = &model.PersistenceError{Kind: ev.Kind(), Err: err}
		}
		a.log.Error("persisting event failed, run `farmmon migrate` if the schema is missing", zap.Error(err))
		return fmt.Errorf("aggregator: %w", err)
	}
	return nil
}
