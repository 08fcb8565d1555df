package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/graph-loader/internal/config"
	"github.com/example/graph-loader/internal/driver"
	"github.com/example/graph-loader/internal/jobs"
	"github.com/example/graph-loader/internal/worker"
)

// ErrNoWorkers is returned by Run and FullLoad when Load produced nothing.
var ErrNoWorkers = errors.New("engine: no workers loaded")

// Mode selects which driver capability Load requires.
type Mode int

const (
	// ModeContinuous loads drivers for the consume-apply-sleep loop.
	ModeContinuous Mode = iota
	// ModeFullLoad loads one instance per entry for a one-shot resync.
	ModeFullLoad
)

func (m Mode) String() string {
	if m == ModeFullLoad {
		return "full-load"
	}
	return "continuous"
}

// Resources are the per-worker collaborators. Close releases them.
type Resources struct {
	Store  worker.Applier
	Router worker.Router
	Close  func() error
}

// ResourceFactory builds fresh Resources for the named driver instance.
type ResourceFactory func(ctx context.Context, name string) (Resources, error)

// Options configure an Engine.
type Options struct {
	Registry      *driver.Registry
	Resources     ResourceFactory
	Jobs          jobs.Tracker
	Brokers       []string
	FetchInterval time.Duration
	Bookkeeping   worker.BookkeepingPolicy
	Logger        zerolog.Logger

	// Wait overrides the sleep used between worker restarts and inside
	// workers. Tests use it to avoid real timers.
	Wait func(ctx context.Context, d time.Duration) bool
}

type instance struct {
	name     string
	index    int
	worker   *worker.Worker
	driver   any
	release  func() error
	restarts int
}

// Engine starts one worker per configured driver instance and keeps them
// running.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	instances []*instance
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Resources == nil {
		return nil, errors.New("engine: resource factory is required")
	}
	if opts.Registry == nil {
		opts.Registry = driver.Default
	}
	if opts.Jobs == nil {
		opts.Jobs = jobs.Nop{}
	}
	if opts.Wait == nil {
		opts.Wait = sleep
	}
	logger := opts.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	opts.Logger = logger
	return &Engine{opts: opts, logger: logger.With().Str("component", "engine").Logger()}, nil
}

// Load builds driver instances for every entry. Entries that cannot be built
// are logged and skipped. It returns the number of workers now loaded.
func (e *Engine) Load(ctx context.Context, entries []config.DriverConfig, mode Mode) int {
	loaded := 0
	for _, entry := range entries {
		count := entry.Factor
		if count < 1 || mode == ModeFullLoad {
			count = 1
		}
		for i := 0; i < count; i++ {
			inst, err := e.build(ctx, entry, i, mode)
			if err != nil {
				e.logger.Error().
					Err(err).
					Str("driver", entry.Name).
					Str("driver_id", entry.Driver).
					Int("instance", i).
					Msg("skipping driver instance")
				continue
			}
			e.mu.Lock()
			e.instances = append(e.instances, inst)
			e.mu.Unlock()
			loaded++
		}
	}
	e.logger.Info().Int("workers", loaded).Str("mode", mode.String()).Msg("drivers loaded")
	return loaded
}

func (e *Engine) build(ctx context.Context, entry config.DriverConfig, index int, mode Mode) (*instance, error) {
	name := entry.Name
	if name == "" {
		name = entry.Driver
	}
	log := e.opts.Logger.With().Str("driver", name).Int("instance", index).Logger()

	drv, err := e.opts.Registry.New(entry.Driver, driver.Params(entry.Params), driver.Env{
		Name:    name,
		Brokers: e.opts.Brokers,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	if _, ok := drv.(driver.Feeder); !ok && mode == ModeContinuous {
		closeDriver(drv)
		return nil, fmt.Errorf("engine: driver %s cannot process updates", name)
	}

	res, err := e.opts.Resources(ctx, name)
	if err != nil {
		closeDriver(drv)
		return nil, fmt.Errorf("engine: resources for %s: %w", name, err)
	}

	w, err := worker.New(worker.Config{
		Name:          name,
		FetchInterval: e.opts.FetchInterval,
		Bookkeeping:   e.opts.Bookkeeping,
	}, worker.Dependencies{
		Driver: drv,
		Store:  res.Store,
		Router: res.Router,
		Jobs:   e.opts.Jobs,
		Logger: log,
		Wait:   e.opts.Wait,
	})
	if err != nil {
		closeDriver(drv)
		if res.Close != nil {
			_ = res.Close()
		}
		return nil, err
	}

	return &instance{name: name, index: index, worker: w, driver: drv, release: res.Close}, nil
}

// Run starts every loaded worker and blocks until ctx ends. A worker that
// panics or returns is restarted after the fetch interval.
func (e *Engine) Run(ctx context.Context) error {
	insts := e.snapshot()
	if len(insts) == 0 {
		return ErrNoWorkers
	}

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			e.supervise(ctx, inst)
		}(inst)
	}
	wg.Wait()
	return ctx.Err()
}

// FullLoad runs every loaded worker's resync concurrently and waits for all
// of them. A failing resync does not cancel the others; all failures are
// returned joined.
func (e *Engine) FullLoad(ctx context.Context) error {
	insts := e.snapshot()
	if len(insts) == 0 {
		return ErrNoWorkers
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, inst := range insts {
		inst := inst
		g.Go(func() error {
			err := inst.worker.FullLoad(ctx)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Join(errs...)
	}
	return nil
}

// Close releases every instance's driver and resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	insts := e.instances
	e.instances = nil
	e.mu.Unlock()

	var errs []error
	for _, inst := range insts {
		if err := closeDriver(inst.driver); err != nil {
			errs = append(errs, fmt.Errorf("close driver %s: %w", inst.name, err))
		}
		if inst.release != nil {
			if err := inst.release(); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", inst.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Workers returns the names of the loaded workers in load order.
func (e *Engine) Workers() []string {
	insts := e.snapshot()
	names := make([]string, 0, len(insts))
	for _, inst := range insts {
		names = append(names, inst.name)
	}
	return names
}

func (e *Engine) supervise(ctx context.Context, inst *instance) {
	log := e.logger.With().Str("driver", inst.name).Int("instance", inst.index).Logger()
	for {
		err := runProtected(ctx, inst.worker)
		if ctx.Err() != nil {
			return
		}
		inst.restarts++
		log.Error().Err(err).Int("restarts", inst.restarts).Msg("worker stopped; restarting")
		if !e.opts.Wait(ctx, e.opts.FetchInterval) {
			return
		}
	}
}

func runProtected(ctx context.Context, w *worker.Worker) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine: worker %s panicked: %v", w.Name(), rec)
		}
	}()
	return w.Run(ctx)
}

func (e *Engine) snapshot() []*instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*instance(nil), e.instances...)
}

func closeDriver(drv any) error {
	if c, ok := drv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
