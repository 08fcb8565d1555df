package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/graph-loader/internal/driver"
	"github.com/example/graph-loader/internal/jobs"
	"github.com/example/graph-loader/internal/models"
	"github.com/example/graph-loader/internal/store"
)

// ErrFullLoadUnsupported is returned by FullLoad for drivers without a full
// load capability.
var ErrFullLoadUnsupported = errors.New("worker: driver does not support full load")

// BookkeepingPolicy decides what happens when job bookkeeping fails.
type BookkeepingPolicy string

const (
	// BookkeepingLog logs bookkeeping failures and carries on.
	BookkeepingLog BookkeepingPolicy = "log"
	// BookkeepingPropagate returns bookkeeping failures to the driver so the
	// update is redelivered.
	BookkeepingPropagate BookkeepingPolicy = "propagate"
)

// ParseBookkeepingPolicy accepts "log" or "propagate"; empty means log.
func ParseBookkeepingPolicy(raw string) (BookkeepingPolicy, error) {
	switch p := BookkeepingPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "", BookkeepingLog:
		return BookkeepingLog, nil
	case BookkeepingPropagate:
		return p, nil
	default:
		return "", fmt.Errorf("worker: unknown bookkeeping policy %q", raw)
	}
}

// State is the phase of the continuous loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateSleeping:
		return "SLEEPING"
	default:
		return "IDLE"
	}
}

// Applier applies a single update to the graph store.
type Applier interface {
	Apply(ctx context.Context, update *models.Update) error
}

// Router hands failed updates to the dead-letter topic.
type Router interface {
	Route(ctx context.Context, driverName string, update *models.Update) error
}

// Config contains the per-worker settings.
type Config struct {
	Name          string
	FetchInterval time.Duration
	Bookkeeping   BookkeepingPolicy
}

// Dependencies collects the collaborators owned by one worker. Driver must
// implement driver.Feeder, driver.FullLoader or both.
type Dependencies struct {
	Driver any
	Store  Applier
	Router Router
	Jobs   jobs.Tracker
	Logger zerolog.Logger

	// Wait sleeps for d and reports false if ctx ended first.
	Wait func(ctx context.Context, d time.Duration) bool
}

// Worker binds one driver instance to its store client and dead-letter
// router.
type Worker struct {
	cfg    Config
	driver any
	store  Applier
	router Router
	jobs   jobs.Tracker
	logger zerolog.Logger
	wait   func(ctx context.Context, d time.Duration) bool

	state atomic.Int32
}

// New validates cfg and deps and returns a Worker.
func New(cfg Config, deps Dependencies) (*Worker, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("worker: name must be provided")
	}
	if cfg.FetchInterval < 0 {
		return nil, errors.New("worker: fetch interval cannot be negative")
	}
	if cfg.Bookkeeping == "" {
		cfg.Bookkeeping = BookkeepingLog
	}
	if deps.Driver == nil {
		return nil, errors.New("worker: driver dependency is required")
	}
	_, feeds := deps.Driver.(driver.Feeder)
	_, loads := deps.Driver.(driver.FullLoader)
	if !feeds && !loads {
		return nil, fmt.Errorf("worker: driver %T implements neither ProcessUpdates nor FullLoad", deps.Driver)
	}
	if feeds && deps.Store == nil {
		return nil, errors.New("worker: store dependency is required")
	}
	if feeds && deps.Router == nil {
		return nil, errors.New("worker: dead-letter router dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "worker").Str("driver", cfg.Name).Logger()

	tracker := deps.Jobs
	if tracker == nil {
		tracker = jobs.Nop{}
	}
	wait := deps.Wait
	if wait == nil {
		wait = sleep
	}

	return &Worker{
		cfg:    cfg,
		driver: deps.Driver,
		store:  deps.Store,
		router: deps.Router,
		jobs:   tracker,
		logger: logger,
		wait:   wait,
	}, nil
}

// Name returns the driver name the worker was configured with.
func (w *Worker) Name() string { return w.cfg.Name }

func (w *Worker) phase() State { return State(w.state.Load()) }

// Run alternates between draining the driver and sleeping for the fetch
// interval until ctx ends. Driver failures are logged and never stop the
// loop.
func (w *Worker) Run(ctx context.Context) error {
	if _, ok := w.driver.(driver.Feeder); !ok {
		return fmt.Errorf("worker: driver %s cannot process updates", w.cfg.Name)
	}
	w.logger.Info().Dur("fetch_interval", w.cfg.FetchInterval).Msg("worker started")
	defer w.state.Store(int32(StateIdle))

	for {
		w.state.Store(int32(StateRunning))
		stats.Cycle(w.cfg.Name)
		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			stats.DriverError(w.cfg.Name)
			w.logger.Error().Err(err).Msg("error syncing updates from driver")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.state.Store(int32(StateSleeping))
		w.logger.Debug().Dur("sleep", w.cfg.FetchInterval).Msg("no more updates found; sleeping")
		if !w.wait(ctx, w.cfg.FetchInterval) {
			return ctx.Err()
		}
	}
}

// RunOnce performs a single RUNNING phase. A panicking driver is reported as
// an error.
func (w *Worker) RunOnce(ctx context.Context) (err error) {
	feeder, ok := w.driver.(driver.Feeder)
	if !ok {
		return fmt.Errorf("worker: driver %s cannot process updates", w.cfg.Name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker: driver %s panicked: %v", w.cfg.Name, rec)
		}
	}()
	return feeder.ProcessUpdates(ctx, w.handle)
}

// FullLoad runs the driver's full resync once. Failures are logged and
// returned; there is no retry.
func (w *Worker) FullLoad(ctx context.Context) (err error) {
	loader, ok := w.driver.(driver.FullLoader)
	if !ok {
		w.logger.Error().Msg("driver has no full load capability")
		return fmt.Errorf("%w: %s", ErrFullLoadUnsupported, w.cfg.Name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker: full load of %s panicked: %v", w.cfg.Name, rec)
		}
		if err != nil {
			w.logger.Error().Err(err).Msg("full load failed")
		}
	}()

	w.logger.Info().Msg("full load started")
	start := time.Now()
	if err := loader.FullLoad(ctx); err != nil {
		return fmt.Errorf("worker: full load of %s: %w", w.cfg.Name, err)
	}
	w.logger.Info().Dur("duration", time.Since(start)).Msg("full load finished")
	return nil
}

// handle applies one update. Store failures are dead-lettered and accepted;
// only cancellation and, under the propagate policy, bookkeeping failures
// are returned to the driver.
func (w *Worker) handle(ctx context.Context, update *models.Update) error {
	if update == nil {
		return nil
	}
	log := w.logger.With().
		Str("action", string(update.Action)).
		Str("collection", update.Collection).
		Str("key", update.Key).
		Logger()
	if update.JobID != "" {
		log.Info().Str("job_id", update.JobID).Msg("processing update from job")
	}

	err := w.store.Apply(ctx, update)
	if err == nil {
		stats.Applied(w.cfg.Name)
		return w.bookkeeping(log, w.jobs.IncrementSuccess(ctx, update.JobID))
	}

	storeErr, ok := store.AsError(err)
	if !ok {
		return err
	}

	stats.Failed(w.cfg.Name)
	log.Error().
		Int("status", storeErr.StatusCode).
		Str("outcome", storeErr.Kind.String()).
		Int("attempts", storeErr.Attempts).
		Str("body", storeErr.Message).
		Msg("could not process update")

	raw, _ := json.Marshal(update)
	if berr := w.bookkeeping(log, w.jobs.AddError(ctx, update.JobID, jobs.JobError{
		JobID:      update.JobID,
		Update:     raw,
		Message:    storeErr.Message,
		StatusCode: storeErr.StatusCode,
	})); berr != nil {
		return berr
	}

	update.Annotate(storeErr.StatusCode, storeErr.Message)
	name := update.DriverName
	if name == "" {
		name = w.cfg.Name
	}
	if rerr := w.router.Route(ctx, name, update); rerr != nil {
		stats.DeadLetterFailed(w.cfg.Name)
		log.Error().Err(rerr).Msg("failed to handle update error")
		return nil
	}
	stats.DeadLettered(w.cfg.Name)
	return nil
}

func (w *Worker) bookkeeping(log zerolog.Logger, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jobs.ErrNotFound) {
		log.Error().Err(err).Msg("job not found")
		return nil
	}
	log.Error().Err(err).Msg("job bookkeeping failed")
	if w.cfg.Bookkeeping == BookkeepingPropagate {
		return err
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
