package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/model"
)

const defaultPlotWindow = 5 * time.Minute

// Config controls the notifier schedule and alert thresholds.
type Config struct {
	RefreshInterval         time.Duration
	StatusInterval          time.Duration
	LostPlotsAlertThreshold int64
	DisableProofFoundAlert  bool
	// PlotWindow bounds how old a harvester report may be and still count
	// towards the plot total.
	PlotWindow time.Duration
}

// Notifier checks node health from the store on its own schedule and sends
// alerts on state transitions plus a periodic status summary.
type Notifier struct {
	reader model.HealthReader
	sender Sender
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	// check state, touched only by the check goroutine
	maxPlots   int64
	plotsLost  bool
	syncLost   bool
	lastCheck  time.Time
	lastStatus time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a notifier. It does not start checking until Start.
func New(reader model.HealthReader, sender Sender, cfg Config, logger *zap.Logger) *Notifier {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = model.DefaultNotificationRefresh
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = model.DefaultStatusInterval
	}
	if cfg.LostPlotsAlertThreshold <= 0 {
		cfg.LostPlotsAlertThreshold = 1
	}
	if cfg.PlotWindow <= 0 {
		cfg.PlotWindow = defaultPlotWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		reader: reader,
		sender: sender,
		cfg:    cfg,
		log:    logger,
		now:    time.Now,
	}
}

// Start launches the check loop. A second call is a no-op.
func (n *Notifier) Start(ctx context.Context) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	n.started = true
	n.lastCheck = n.now()

	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	go n.loop(ctx)
	n.log.Info("notifier started",
		zap.Duration("refresh_interval", n.cfg.RefreshInterval),
		zap.Duration("status_interval", n.cfg.StatusInterval))
}

// Stop ends the check loop and waits for it. Safe on a nil notifier, before
// Start, and when called twice.
func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	n.log.Info("notifier stopped")
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)
	ticker := time.NewTicker(n.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Check(ctx); err != nil && ctx.Err() == nil {
				n.log.Warn("health check failed", zap.Error(err))
			}
		}
	}
}

// Check runs one round of health checks. Failures of individual checks are
// joined; a failing check does not prevent the others.
func (n *Notifier) Check(ctx context.Context) error {
	now := n.now()
	var errs []error

	total, harvesters, err := n.checkPlots(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("plots: %w", err))
	}
	if err := n.checkProofs(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("proofs: %w", err))
	}
	state, haveState, err := n.checkSync(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	if n.lastStatus.IsZero() || now.Sub(n.lastStatus) >= n.cfg.StatusInterval {
		body := fmt.Sprintf("%d plots on %d harvesters", total, harvesters)
		if haveState {
			body += fmt.Sprintf(", peak height %s, synced: %t", state.PeakHeight, state.Synced)
		}
		if err := n.sender.Send(ctx, ChannelStatus, Message{Title: "Farm status", Body: body}); err != nil {
			errs = append(errs, fmt.Errorf("status: %w", err))
		} else {
			n.lastStatus = now
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) checkPlots(ctx context.Context, now time.Time) (total int64, harvesters int, err error) {
	rows, err := n.reader.LatestHarvesterPlots(ctx, now.Add(-n.cfg.PlotWindow))
	if err != nil {
		return 0, 0, err
	}
	for _, h := range rows {
		total += h.PlotCount + h.PortablePlotCount
	}
	if total > n.maxPlots {
		n.maxPlots = total
	}

	lost := n.maxPlots - total
	switch {
	case lost >= n.cfg.LostPlotsAlertThreshold && !n.plotsLost:
		msg := Message{
			Title: "Plots lost",
			Body:  fmt.Sprintf("farming %d plots, down %d from %d", total, lost, n.maxPlots),
		}
		if err := n.sender.Send(ctx, ChannelAlert, msg); err != nil {
			return total, len(rows), err
		}
		n.plotsLost = true
	case lost < n.cfg.LostPlotsAlertThreshold && n.plotsLost:
		n.plotsLost = false
		n.log.Info("plot count recovered", zap.Int64("plots", total))
	}
	return total, len(rows), nil
}

// checkProofs alerts on proofs recorded since the last successful check. The
// window only advances once the proofs in it have been reported.
func (n *Notifier) checkProofs(ctx context.Context, now time.Time) error {
	since := n.lastCheck
	if n.cfg.DisableProofFoundAlert {
		n.lastCheck = now
		return nil
	}
	proofs, err := n.reader.ProofsFoundSince(ctx, since)
	if err != nil {
		return err
	}
	if proofs > 0 {
		msg := Message{
			Title: "Proof found",
			Body:  fmt.Sprintf("%d proof(s) found since %s", proofs, since.UTC().Format(time.RFC3339)),
		}
		if err := n.sender.Send(ctx, ChannelAlert, msg); err != nil {
			return err
		}
	}
	n.lastCheck = now
	return nil
}

func (n *Notifier) checkSync(ctx context.Context) (model.BlockchainState, bool, error) {
	state, err := n.reader.LatestBlockchainState(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return model.BlockchainState{}, false, nil
	}
	if err != nil {
		return model.BlockchainState{}, false, err
	}

	switch {
	case !state.Synced && !n.syncLost:
		msg := Message{
			Title: "Node out of sync",
			Body:  fmt.Sprintf("full node is not synced at peak height %s", state.PeakHeight),
		}
		if err := n.sender.Send(ctx, ChannelAlert, msg); err != nil {
			return state, true, err
		}
		n.syncLost = true
	case state.Synced && n.syncLost:
		n.syncLost = false
		n.log.Info("node synced again", zap.String("peak_height", state.PeakHeight))
	}
	return state, true, nil
}
