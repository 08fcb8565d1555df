package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/example/graph-loader/internal/engine"
)

// NewFullLoadCommand creates the full-load command.
func NewFullLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "full-load",
		Short: "Rebuild every driver's domain in the graph store once",
		Long: `Run the full resync of each configured driver concurrently and exit when
all of them have finished. Drivers without a full load are reported as
errors.

Example:
  graph-loader full-load --driver napi`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fullLoad(cmd.Context(), rootOpts)
		},
	}
}

func fullLoad(ctx context.Context, opts *RootOptions) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.loadEngine(ctx, opts.Driver, engine.ModeFullLoad)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to release driver resources")
		}
	}()

	if err := eng.FullLoad(ctx); err != nil {
		return err
	}
	a.log.Info().Strs("workers", eng.Workers()).Msg("full load finished")
	return nil
}
