package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24

	filePrefix = "farmmon-"
	fileSuffix = ".duckdb"
	timeLayout = "20060102-150405"
)

// Manager takes periodic local snapshots of the event store and keeps the
// newest KeepLast of them.
type Manager struct {
	store Snapshotter
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager validates cfg, takes a startup snapshot and starts the periodic
// loop. It returns nil when backups are disabled.
func NewManager(store Snapshotter, cfg Config, logger *zap.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, errors.New("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, errors.New("backup: db-path is empty (in-memory store)")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, errors.New("backup: local-dir is required when backup is enabled")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store: store,
		cfg:   cfg,
		log:   logger,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Startup snapshot to reduce recovery point after restarts.
	if _, err := m.RunOnce(m.ctx); err != nil {
		m.log.Warn("startup snapshot failed", zap.Error(err))
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(m.ctx); err != nil {
				m.log.Warn("periodic snapshot failed", zap.Error(err))
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce writes one snapshot, prunes old ones and returns the snapshot path.
func (m *Manager) RunOnce(ctx context.Context) (string, error) {
	fileName := filePrefix + m.now().UTC().Format(timeLayout) + fileSuffix
	localPath := filepath.Join(m.cfg.LocalDir, fileName)

	n, err := m.store.SnapshotTo(ctx, localPath)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	m.log.Info("created snapshot", zap.String("path", localPath), zap.Int64("bytes", n))

	removed, err := pruneLocalBackups(m.cfg.LocalDir, m.cfg.KeepLast)
	if err != nil {
		return localPath, fmt.Errorf("prune local backups: %w", err)
	}
	if removed > 0 {
		m.log.Debug("pruned old snapshots", zap.Int("removed", removed))
	}
	return localPath, nil
}

// Stop cancels an in-flight snapshot and terminates the periodic loop.
// Safe on a nil manager and safe to call twice.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		close(m.done)
		m.wg.Wait()
	})
}

func pruneLocalBackups(localDir string, keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return 0, err
	}
	if len(matches) <= keepLast {
		return 0, nil
	}

	// The timestamp is embedded in the name, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	removed := 0
	for _, oldPath := range matches[keepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
