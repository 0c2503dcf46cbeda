package backup

import (
	"context"
	"time"
)

// Config controls periodic event store snapshots.
type Config struct {
	Enabled  bool
	Interval time.Duration
	LocalDir string
	KeepLast int
}

// Snapshotter is the minimal store contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(ctx context.Context, dstPath string) (int64, error)
}
