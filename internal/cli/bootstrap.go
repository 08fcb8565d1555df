package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/graph-loader/internal/config"
	"github.com/example/graph-loader/internal/deadletter"
	"github.com/example/graph-loader/internal/driver"
	"github.com/example/graph-loader/internal/engine"
	"github.com/example/graph-loader/internal/jobs"
	"github.com/example/graph-loader/internal/kafka/producer"
	"github.com/example/graph-loader/internal/logger"
	"github.com/example/graph-loader/internal/store"
	"github.com/example/graph-loader/internal/worker"
)

type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	jobs   jobs.Tracker
	closer func() error
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, jobs: jobs.Nop{}, closer: func() error { return nil }}
	if cfg.Loader.JobsDBPath != "" {
		st, err := jobs.Open(cfg.Loader.JobsDBPath)
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		a.jobs = st
		a.closer = st.Close
		log.Info().Str("path", cfg.Loader.JobsDBPath).Msg("job bookkeeping enabled")
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.closer(); err != nil {
		a.log.Error().Err(err).Msg("failed to close job store")
	}
}

// resources builds an independent store client and dead-letter router for
// one driver instance.
func (a *app) resources(ctx context.Context, name string) (engine.Resources, error) {
	log := a.log.With().Str("driver", name).Logger()

	auth, err := store.NewHTTPAuthenticator(
		a.cfg.GraphAPI.URL,
		a.cfg.GraphAPI.Username,
		a.cfg.GraphAPI.Password,
		a.cfg.GraphAPI.Timeout,
		log,
	)
	if err != nil {
		return engine.Resources{}, err
	}
	client, err := store.NewClient(ctx, store.Config{
		MaxRetries: a.cfg.Retry.MaxRetries,
		BaseDelay:  a.cfg.Retry.BaseDelay,
		Step:       a.cfg.Retry.Step,
	}, auth, log)
	if err != nil {
		return engine.Resources{}, err
	}

	brokers := append([]string(nil), a.cfg.Kafka.Brokers...)
	kafkaLog := log.With().Str("component", "kafka").Logger()
	dial := func(context.Context) (deadletter.Publisher, error) {
		p, err := producer.New(brokers, kafkaLog, producer.WithClientID("graph-loader-"+name))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	router, err := deadletter.NewRouter(nil, dial, a.cfg.Kafka.ErrorTopic, a.cfg.Kafka.ErrorRoutingPrefix, log)
	if err != nil {
		return engine.Resources{}, err
	}

	return engine.Resources{Store: client, Router: router, Close: router.Close}, nil
}

func (a *app) loadEngine(ctx context.Context, only string, mode engine.Mode) (*engine.Engine, error) {
	entries, err := config.LoadDrivers(a.cfg.Loader.DriversFile, a.cfg.Loader.Factor)
	if err != nil {
		return nil, err
	}
	entries = config.FilterDrivers(entries, only)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no driver entries selected", engine.ErrNoWorkers)
	}

	policy, err := worker.ParseBookkeepingPolicy(a.cfg.Loader.Bookkeeping)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Registry:      driver.Default,
		Resources:     a.resources,
		Jobs:          a.jobs,
		Brokers:       a.cfg.Kafka.Brokers,
		FetchInterval: a.cfg.Loader.FetchInterval,
		Bookkeeping:   policy,
		Logger:        a.log,
	})
	if err != nil {
		return nil, err
	}
	if eng.Load(ctx, entries, mode) == 0 {
		return nil, fmt.Errorf("%w: registered drivers: %s", engine.ErrNoWorkers, strings.Join(driver.Default.IDs(), ", "))
	}
	return eng, nil
}

// serveMetrics exposes the prometheus registry on addr until ctx ends. An
// empty addr disables the listener.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.cfg.App.MetricsAddr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info().Str("addr", addr).Msg("metrics listener started")
}
