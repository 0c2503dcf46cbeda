package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/farmmon/internal/model"
)

// ErrCreate wraps every collector construction failure.
var ErrCreate = errors.New("collector: create failed")

// Collector owns the connection to one data source and translates what it
// observes into events.
type Collector interface {
	// Name is a short identifier used in logs ("rpc", "push", "price").
	Name() string
	// Run publishes events until ctx is cancelled. Cancellation is not an error.
	Run(ctx context.Context) error
	// Close releases the connection. It is idempotent and safe to call
	// whether or not Run was ever started.
	Close() error
}

// Publisher is the write side of the shared event queue.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Factory connects to a data source and returns a ready collector.
// The ctx passed to a Factory carries the connect timeout; implementations
// must not keep it for use in Run.
type Factory func(ctx context.Context, pub Publisher) (Collector, error)

// Create runs factory under the given connect timeout and wraps any failure
// in ErrCreate.
func Create(ctx context.Context, name string, timeout time.Duration, factory Factory, pub Publisher) (Collector, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: %s: no factory configured", ErrCreate, name)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c, err := factory(ctx, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCreate, name, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s: factory returned nil collector", ErrCreate, name)
	}
	return c, nil
}
