package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/example/graph-loader/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fail(err)
	}
}

func fail(err error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger.Fatal().Err(err).Msg("graph loader failed")
}
