package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/model"
)

// PollFunc fetches one round of events from a source. It may return events
// together with an error when only part of the round failed.
type PollFunc func(ctx context.Context) ([]model.Event, error)

// Poller drives a polling collector: one poll immediately, then one per interval.
type Poller struct {
	name     string
	interval time.Duration
	poll     PollFunc
	pub      Publisher
	log      *zap.Logger
}

// NewPoller creates a poller that publishes the results of poll to pub.
func NewPoller(name string, interval time.Duration, pub Publisher, poll PollFunc, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = model.DefaultRPCRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		name:     name,
		interval: interval,
		poll:     poll,
		pub:      pub,
		log:      logger,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.tick(ctx); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one poll and publishes its events in order. It only returns an
// error when ctx is done.
func (p *Poller) tick(ctx context.Context) error {
	events, err := p.poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("poll failed", zap.String("collector", p.name), zap.Error(err))
	}
	for _, ev := range events {
		if err := p.pub.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
