package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/example/graph-loader/internal/engine"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Continuously apply driver updates to the graph store",
		Long: `Start one worker per driver instance. Each worker drains its driver,
applies the updates to the graph store and sleeps for
DRIVER_FETCH_INTERVAL_SECONDS before polling again.

Example:
  graph-loader run
  graph-loader run --driver napi`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoader(cmd.Context(), rootOpts)
		},
	}
}

func runLoader(ctx context.Context, opts *RootOptions) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.loadEngine(ctx, opts.Driver, engine.ModeContinuous)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to release driver resources")
		}
	}()

	a.serveMetrics(ctx)
	a.log.Info().Strs("workers", eng.Workers()).Msg("graph loader started")

	err = eng.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.log.Info().Msg("shutdown signal received")
		return nil
	}
	return err
}
