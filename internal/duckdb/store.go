package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/duckdb/migrate"
)

// DefaultQueryTimeout bounds read queries that carry no caller deadline.
const DefaultQueryTimeout = 30 * time.Second

// Options configures NewStore.
type Options struct {
	// AutoMigrate applies pending schema migrations on open.
	AutoMigrate  bool
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

// Store is the persistent event store. Every event variant has its own table.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	log          *zap.Logger
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database.
// If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string, opts Options) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("duckdb: create data dir: %w", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %q: %w", dbPath, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	qt := opts.QueryTimeout
	if qt <= 0 {
		qt = DefaultQueryTimeout
	}
	s := &Store{
		db:           db,
		dbPath:       dbPath,
		log:          logger,
		QueryTimeout: qt,
	}

	if opts.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 5*qt)
		defer cancel()
		n, err := s.Migrator().Run(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("duckdb: migrate: %w", err)
		}
		if n > 0 {
			logger.Info("applied schema migrations", zap.Int("count", n))
		}
	}
	return s, nil
}

// Migrator returns a migration runner bound to the store's database.
func (s *Store) Migrator() *migrate.Runner {
	return migrate.NewRunner(s.db)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// queryCtx derives a context bounded by the store's query timeout.
func (s *Store) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.QueryTimeout)
}
