package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/graph-loader/internal/config"
	"github.com/example/graph-loader/internal/driver"
	"github.com/example/graph-loader/internal/models"
	"github.com/example/graph-loader/internal/worker"
)

type feedDriver struct {
	name   string
	calls  atomic.Int32
	closed atomic.Bool
}

func (d *feedDriver) ProcessUpdates(ctx context.Context, fn driver.UpdateFunc) error {
	d.calls.Add(1)
	return fn(ctx, &models.Update{
		Action:     models.ActionCreate,
		Type:       "collections",
		Collection: d.name,
		Element:    json.RawMessage(`{}`),
	})
}

func (d *feedDriver) Close() error {
	d.closed.Store(true)
	return nil
}

type loadDriver struct {
	err   error
	calls atomic.Int32
}

func (d *loadDriver) FullLoad(context.Context) error {
	d.calls.Add(1)
	return d.err
}

type countingStore struct {
	mu      sync.Mutex
	applied []string
	notify  chan string
}

func (s *countingStore) Apply(_ context.Context, u *models.Update) error {
	s.mu.Lock()
	s.applied = append(s.applied, u.Collection)
	s.mu.Unlock()
	if s.notify != nil {
		s.notify <- u.Collection
	}
	return nil
}

type nopRouter struct{}

func (nopRouter) Route(context.Context, string, *models.Update) error { return nil }

type harness struct {
	registry *driver.Registry
	mu       sync.Mutex
	stores   map[string][]*countingStore
	released atomic.Int32
	feeds    []*feedDriver
	loader   *loadDriver
	notify   chan string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: driver.NewRegistry(),
		stores:   map[string][]*countingStore{},
		loader:   &loadDriver{},
		notify:   make(chan string, 16),
	}
	h.registry.MustRegister("feed", func(_ driver.Params, env driver.Env) (any, error) {
		d := &feedDriver{name: env.Name}
		h.mu.Lock()
		h.feeds = append(h.feeds, d)
		h.mu.Unlock()
		return d, nil
	})
	h.registry.MustRegister("load-only", func(driver.Params, driver.Env) (any, error) {
		return h.loader, nil
	})
	h.registry.MustRegister("broken", func(driver.Params, driver.Env) (any, error) {
		return nil, errors.New("missing credentials")
	})
	h.registry.MustRegister("panics", func(p driver.Params, _ driver.Env) (any, error) {
		var m map[string]string
		m[p.String("key", "x")] = "boom"
		return nil, nil
	})
	return h
}

func (h *harness) engine(t *testing.T, wait func(context.Context, time.Duration) bool) *Engine {
	t.Helper()
	e, err := New(Options{
		Registry: h.registry,
		Resources: func(_ context.Context, name string) (Resources, error) {
			if name == "no-resources" {
				return Resources{}, errors.New("graph api unreachable")
			}
			s := &countingStore{notify: h.notify}
			h.mu.Lock()
			h.stores[name] = append(h.stores[name], s)
			h.mu.Unlock()
			return Resources{
				Store:  s,
				Router: nopRouter{},
				Close: func() error {
					h.released.Add(1)
					return nil
				},
			}, nil
		},
		FetchInterval: time.Minute,
		Logger:        zerolog.Nop(),
		Wait:          wait,
	})
	require.NoError(t, err)
	return e
}

func blockUntilDone(ctx context.Context, _ time.Duration) bool {
	<-ctx.Done()
	return false
}

func entries() []config.DriverConfig {
	return []config.DriverConfig{
		{Name: "napi", Driver: "feed", Factor: 2},
		{Name: "ghost", Driver: "unknown", Factor: 1},
		{Name: "broken", Driver: "broken", Factor: 1},
		{Name: "panics", Driver: "panics", Factor: 1},
		{Name: "cmdb", Driver: "load-only", Factor: 1},
		{Name: "no-resources", Driver: "feed", Factor: 1},
	}
}

func TestLoadContinuousSkipsBadConfigs(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, blockUntilDone)

	n := e.Load(context.Background(), entries(), ModeContinuous)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"napi", "napi"}, e.Workers())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.stores["napi"], 2)
	assert.NotSame(t, h.stores["napi"][0], h.stores["napi"][1], "every instance owns its store client")
	assert.True(t, h.feeds[len(h.feeds)-1].closed.Load(), "driver without resources is closed")
}

func TestLoadKeepsRemainingInstancesAfterOneFails(t *testing.T) {
	h := newHarness(t)
	var builds atomic.Int32
	h.registry.MustRegister("flaky", func(_ driver.Params, env driver.Env) (any, error) {
		if builds.Add(1) == 2 {
			return nil, errors.New("broker handshake timed out")
		}
		return &feedDriver{name: env.Name}, nil
	})
	e := h.engine(t, blockUntilDone)

	n := e.Load(context.Background(), []config.DriverConfig{{Name: "dns", Driver: "flaky", Factor: 3}}, ModeContinuous)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(3), builds.Load(), "every instance is attempted")
	assert.Equal(t, []string{"dns", "dns"}, e.Workers())
}

func TestLoadFullLoadUsesOneInstancePerEntry(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, blockUntilDone)

	n := e.Load(context.Background(), entries(), ModeFullLoad)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"napi", "cmdb"}, e.Workers())
}

func TestRunStartsEveryWorker(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, blockUntilDone)
	require.Equal(t, 2, e.Load(context.Background(), entries(), ModeContinuous))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-h.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker %d never applied an update", i)
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	h.mu.Lock()
	for _, s := range h.stores["napi"] {
		assert.Equal(t, []string{"napi"}, s.applied)
	}
	h.mu.Unlock()

	require.NoError(t, e.Close())
	assert.Equal(t, int32(2), h.released.Load())
	for _, d := range h.feeds[:2] {
		assert.True(t, d.closed.Load())
	}
}

func TestRunRestartsPanickingWorker(t *testing.T) {
	h := newHarness(t)

	var waits atomic.Int32
	wait := func(ctx context.Context, _ time.Duration) bool {
		switch waits.Add(1) {
		case 1:
			panic("sleep interrupted")
		case 2:
			return true
		default:
			<-ctx.Done()
			return false
		}
	}
	e := h.engine(t, wait)
	require.Equal(t, 1, e.Load(context.Background(), []config.DriverConfig{{Name: "napi", Driver: "feed", Factor: 1}}, ModeContinuous))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-h.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected cycle %d after restart", i)
		}
	}
	cancel()
	<-done

	assert.Equal(t, int32(2), h.feeds[0].calls.Load())
}

func TestFullLoadWaitsForAll(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("cmdb unavailable")
	h.loader.err = boom
	e := h.engine(t, blockUntilDone)
	require.Equal(t, 2, e.Load(context.Background(), entries(), ModeFullLoad))

	err := e.FullLoad(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, worker.ErrFullLoadUnsupported, "napi has no full load")
	assert.Equal(t, int32(1), h.loader.calls.Load())
}

func TestRunWithoutWorkers(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, blockUntilDone)

	assert.ErrorIs(t, e.Run(context.Background()), ErrNoWorkers)
	assert.ErrorIs(t, e.FullLoad(context.Background()), ErrNoWorkers)
}

func TestNewRequiresResources(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
