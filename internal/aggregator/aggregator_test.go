package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/farmmon/internal/collector"
	"github.com/tinytelemetry/farmmon/internal/eventqueue"
	"github.com/tinytelemetry/farmmon/internal/model"
)

// fakeCollector publishes its events once and then waits for cancellation.
type fakeCollector struct {
	name   string
	events []model.Event
	pub    collector.Publisher
	closes atomic.Int32

	// closeErr is returned from every Close; ops, when set, records the call.
	closeErr error
	ops      *recorder
}

func (f *fakeCollector) Name() string { return f.name }

func (f *fakeCollector) Run(ctx context.Context) error {
	for _, ev := range f.events {
		if err := f.pub.Publish(ctx, ev); err != nil {
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (f *fakeCollector) Close() error {
	f.closes.Add(1)
	if f.ops != nil {
		f.ops.add("close:" + f.name)
	}
	return f.closeErr
}

func factoryFor(c *fakeCollector) collector.Factory {
	return func(_ context.Context, pub collector.Publisher) (collector.Collector, error) {
		c.pub = pub
		return c, nil
	}
}

func failingFactory(context.Context, collector.Publisher) (collector.Collector, error) {
	return nil, errors.New("connection refused")
}

// recorder captures the order in which sinks observe events.
type recorder struct {
	mu        sync.Mutex
	calls     []string
	persisted []model.Event
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) persistedEvents() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.persisted...)
}

type sink struct {
	name string
	rec  *recorder
	err  error
}

func (s *sink) Process(_ context.Context, ev model.Event) error {
	s.rec.add(fmt.Sprintf("%s:%s", s.name, label(ev)))
	return s.err
}

type store struct {
	rec    *recorder
	failOn string
}

func (s *store) Persist(_ context.Context, ev model.Event) error {
	s.rec.add("store:" + label(ev))
	if label(ev) == s.failOn {
		return &model.PersistenceError{Kind: ev.Kind(), Err: errors.New("no such table")}
	}
	s.rec.mu.Lock()
	s.rec.persisted = append(s.rec.persisted, ev)
	s.rec.mu.Unlock()
	return nil
}

type fakeNotifier struct {
	starts, stops atomic.Int32
	ops           *recorder
}

func (n *fakeNotifier) Start(context.Context) { n.starts.Add(1) }

func (n *fakeNotifier) Stop() {
	n.stops.Add(1)
	if n.ops != nil {
		n.ops.add("notifier-stop")
	}
}

func label(ev model.Event) string {
	if sp, ok := ev.(model.SignagePoint); ok {
		return sp.SignagePoint
	}
	return string(ev.Kind())
}

func signagePoints(prefix string, n int) []model.Event {
	events := make([]model.Event, n)
	for i := range events {
		events[i] = model.SignagePoint{SignagePoint: fmt.Sprintf("%s%d", prefix, i), SignagePointIndex: int64(i)}
	}
	return events
}

func newAggregator(t *testing.T, rec *recorder, st *store, sources ...Source) *Aggregator {
	t.Helper()
	return New(Config{
		Sources:        sources,
		ConnectTimeout: time.Second,
		Queue:          eventqueue.New(4),
		Exporter:       &sink{name: "exporter", rec: rec},
		Logger:         &sink{name: "logger", rec: rec},
		Store:          st,
		Log:            zaptest.NewLogger(t),
	})
}

func runAsync(ctx context.Context, a *Aggregator) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("aggregator did not return")
		return nil
	}
}

func TestRun_PerCollectorFIFO(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a1 := &fakeCollector{name: "rpc", events: signagePoints("a", 20)}
	b1 := &fakeCollector{name: "push", events: signagePoints("b", 20)}
	a := newAggregator(t, rec, &store{rec: rec},
		Source{Name: "rpc", Factory: factoryFor(a1), Mandatory: true},
		Source{Name: "push", Factory: factoryFor(b1), Mandatory: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	require.Eventually(t, func() bool { return len(rec.persistedEvents()) == 40 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	next := map[byte]int{}
	for _, ev := range rec.persistedEvents() {
		sp := ev.(model.SignagePoint)
		src := sp.SignagePoint[0]
		assert.Equal(t, int64(next[src]), sp.SignagePointIndex, "collector %c out of order", src)
		next[src]++
	}
}

func TestRun_SinkOrderPerEvent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := &fakeCollector{name: "rpc", events: signagePoints("sp", 2)}
	a := newAggregator(t, rec, &store{rec: rec}, Source{Name: "rpc", Factory: factoryFor(c), Mandatory: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	require.Eventually(t, func() bool { return len(rec.persistedEvents()) == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	assert.Equal(t, []string{
		"exporter:sp0", "logger:sp0", "store:sp0",
		"exporter:sp1", "logger:sp1", "store:sp1",
	}, rec.snapshot())
}

func TestRun_OneMandatoryCollectorFails(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	push := &fakeCollector{name: "push", events: signagePoints("p", 3)}
	a := newAggregator(t, rec, &store{rec: rec},
		Source{Name: "rpc", Factory: failingFactory, Mandatory: true},
		Source{Name: "push", Factory: factoryFor(push), Mandatory: true},
		Source{Name: "price", Factory: failingFactory},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	require.Eventually(t, func() bool { return len(rec.persistedEvents()) == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, int32(1), push.closes.Load())
}

func TestRun_BothMandatoryCollectorsFail(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	price := &fakeCollector{name: "price", events: []model.Event{model.Price{USDCents: 1}}}
	notif := &fakeNotifier{}
	a := newAggregator(t, rec, &store{rec: rec},
		Source{Name: "rpc", Factory: failingFactory, Mandatory: true},
		Source{Name: "push", Factory: failingFactory, Mandatory: true},
		Source{Name: "price", Factory: factoryFor(price)},
	)
	a.cfg.Notifier = notif

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoMandatoryCollector)
	assert.Empty(t, rec.snapshot(), "no event may reach a sink")
	assert.Equal(t, int32(1), price.closes.Load(), "created optional collector is still closed")
	assert.Zero(t, notif.starts.Load())
}

func TestRun_PersistenceErrorIsFatal(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	rpc := &fakeCollector{name: "rpc", events: signagePoints("sp", 5)}
	push := &fakeCollector{name: "push"}
	notif := &fakeNotifier{}
	a := newAggregator(t, rec, &store{rec: rec, failOn: "sp2"},
		Source{Name: "rpc", Factory: factoryFor(rpc), Mandatory: true},
		Source{Name: "push", Factory: factoryFor(push), Mandatory: true},
	)
	a.cfg.Notifier = notif

	err := waitErr(t, runAsync(context.Background(), a))

	var perr *model.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.KindSignagePoint, perr.Kind)

	calls := rec.snapshot()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, []string{"exporter:sp2", "logger:sp2", "store:sp2"}, calls[len(calls)-3:],
		"exporter and logger observe the failing event, nothing is dequeued after it")

	assert.Equal(t, int32(1), rpc.closes.Load())
	assert.Equal(t, int32(1), push.closes.Load())
	assert.Equal(t, int32(1), notif.starts.Load())
	assert.Equal(t, int32(1), notif.stops.Load())
}

func TestRun_CancellationClosesEveryCollectorOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	rpc := &fakeCollector{name: "rpc"}
	push := &fakeCollector{name: "push"}
	price := &fakeCollector{name: "price"}
	notif := &fakeNotifier{}
	a := newAggregator(t, rec, &store{rec: rec},
		Source{Name: "rpc", Factory: factoryFor(rpc), Mandatory: true},
		Source{Name: "push", Factory: factoryFor(push), Mandatory: true},
		Source{Name: "price", Factory: factoryFor(price)},
	)
	a.cfg.Notifier = notif

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	require.Eventually(t, func() bool { return notif.starts.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	for _, c := range []*fakeCollector{rpc, push, price} {
		assert.Equal(t, int32(1), c.closes.Load(), "collector %s", c.name)
	}
	assert.Equal(t, int32(1), notif.stops.Load())
}

func TestRun_ExporterErrorIsTransient(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	rpc := &fakeCollector{name: "rpc", events: signagePoints("sp", 3)}
	a := newAggregator(t, rec, &store{rec: rec}, Source{Name: "rpc", Factory: factoryFor(rpc), Mandatory: true})
	a.cfg.Exporter = &sink{name: "exporter", rec: rec, err: errors.New("unparsable difficulty")}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	require.Eventually(t, func() bool { return len(rec.persistedEvents()) == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))
}

type slowStore struct {
	started chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (s *slowStore) Persist(ctx context.Context, _ model.Event) error {
	close(s.started)
	<-s.release
	s.ctxErr.Store(fmt.Sprint(ctx.Err()))
	return nil
}

func TestRun_DequeuedEventCompletesAfterCancel(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	st := &slowStore{started: make(chan struct{}), release: make(chan struct{})}
	rpc := &fakeCollector{name: "rpc", events: signagePoints("sp", 1)}
	a := New(Config{
		Sources:  []Source{{Name: "rpc", Factory: factoryFor(rpc), Mandatory: true}},
		Queue:    eventqueue.New(4),
		Exporter: &sink{name: "exporter", rec: rec},
		Store:    st,
		Log:      zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	<-st.started
	cancel()
	close(st.release)
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, "<nil>", st.ctxErr.Load(), "processing context must not be cancelled")
}

func TestRun_ShutdownClosesCollectorsBeforeStoppingNotifier(t *testing.T) {
	t.Parallel()

	rec, ops := &recorder{}, &recorder{}
	rpc := &fakeCollector{name: "rpc", ops: ops}
	push := &fakeCollector{name: "push", ops: ops}
	notif := &fakeNotifier{ops: ops}
	a := newAggregator(t, rec, &store{rec: rec},
		Source{Name: "rpc", Factory: factoryFor(rpc), Mandatory: true},
		Source{Name: "push", Factory: factoryFor(push), Mandatory: true},
	)
	a.cfg.Notifier = notif

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	require.Eventually(t, func() bool { return notif.starts.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	assert.Equal(t, []string{"close:rpc", "close:push", "notifier-stop"}, ops.snapshot())
}

func TestRun_CloseErrorDoesNotStopShutdown(t *testing.T) {
	t.Parallel()

	rec, ops := &recorder{}, &recorder{}
	rpc := &fakeCollector{name: "rpc", ops: ops, closeErr: errors.New("close: broken pipe")}
	push := &fakeCollector{name: "push", ops: ops}
	price := &fakeCollector{name: "price", ops: ops}
	notif := &fakeNotifier{ops: ops}
	a := newAggregator(t, rec, &store{rec: rec},
		Source{Name: "rpc", Factory: factoryFor(rpc), Mandatory: true},
		Source{Name: "push", Factory: factoryFor(push), Mandatory: true},
		Source{Name: "price", Factory: factoryFor(price)},
	)
	a.cfg.Notifier = notif

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	require.Eventually(t, func() bool { return notif.starts.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	for _, c := range []*fakeCollector{rpc, push, price} {
		assert.Equal(t, int32(1), c.closes.Load(), "collector %s", c.name)
	}
	assert.Equal(t, []string{"close:rpc", "close:push", "close:price", "notifier-stop"}, ops.snapshot())
}

func TestRun_LoggerErrorIsTransient(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	rpc := &fakeCollector{name: "rpc", events: signagePoints("sp", 3)}
	a := newAggregator(t, rec, &store{rec: rec}, Source{Name: "rpc", Factory: factoryFor(rpc), Mandatory: true})
	a.cfg.Logger = &sink{name: "logger", rec: rec, err: errors.New("write: no space left on device")}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	require.Eventually(t, func() bool { return len(rec.persistedEvents()) == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))
}
