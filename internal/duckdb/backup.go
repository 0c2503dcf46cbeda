package duckdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SnapshotTo checkpoints the database and copies its file to dstPath.
// Writes are held off only for the CHECKPOINT; the copy runs outside the
// store lock and lands atomically via rename.
func (s *Store) SnapshotTo(ctx context.Context, dstPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return 0, fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.Lock()
	dbPath := s.dbPath
	if dbPath == "" {
		s.mu.Unlock()
		return 0, ErrInMemoryStore
	}
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	s.mu.Unlock()

	n, err := copyFile(dbPath, dstPath)
	if err != nil {
		return 0, fmt.Errorf("copy duckdb file: %w", err)
	}
	s.log.Debug("snapshot written", zap.String("path", dstPath), zap.Int64("bytes", n))
	return n, nil
}

func copyFile(srcPath, dstPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(dst, src)
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, os.Rename(tmp, dstPath)
}
