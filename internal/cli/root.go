package cli

import (
	"github.com/spf13/cobra"

	// Registers the queue driver.
	_ "github.com/example/graph-loader/internal/driver/queue"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Driver string
}

// NewRootCommand creates the root command for the loader CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "graph-loader",
		Short: "Synchronize driver updates into the graph store",
		Long: `graph-loader pulls change events from the configured drivers and applies
them to the graph store. Updates the store rejects are published to the error
topic.

Configuration is read from the environment and an optional .env file. The
driver list is read from DRIVERS_CONFIG.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "only load the driver entry with this name")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewFullLoadCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))

	return cmd
}
