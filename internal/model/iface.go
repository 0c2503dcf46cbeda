package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by store lookups that match no rows.
var ErrNotFound = errors.New("not found")

// PersistenceError reports that an event could not be written to the store.
// The aggregator treats it as fatal.
type PersistenceError struct {
	Kind Kind
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s event: %v", e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// EventProcessor is a sink that may fail per event without stopping the stream.
type EventProcessor interface {
	Process(ctx context.Context, ev Event) error
}

// EventPersister writes events to durable storage.
type EventPersister interface {
	Persist(ctx context.Context, ev Event) error
}

// SignagePointLookup resolves when a signage point was first recorded.
type SignagePointLookup interface {
	SignagePointTimestamp(ctx context.Context, signagePoint string) (time.Time, error)
}

// HealthReader is the read contract the notifier needs from the store.
type HealthReader interface {
	// LatestHarvesterPlots returns the newest row per host among rows newer than since.
	LatestHarvesterPlots(ctx context.Context, since time.Time) ([]HarvesterPlots, error)
	LatestBlockchainState(ctx context.Context) (BlockchainState, error)
	ProofsFoundSince(ctx context.Context, since time.Time) (int64, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}
