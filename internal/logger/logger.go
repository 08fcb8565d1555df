package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	simpleTimeFormat = "02-01-2006 15:04:05"
	serviceName      = "graph-loader"
)

// New builds the process logger. Development environments get console
// output; everything else emits JSON. When writers are supplied they replace
// stdout.
func New(env, level string, writers ...io.Writer) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	switch {
	case len(writers) > 0:
		output = io.MultiWriter(writers...)
	case IsDevelopment(env):
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: simpleTimeFormat}
	default:
		output = os.Stdout
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger(), nil
}

// IsDevelopment reports whether env selects human readable output.
func IsDevelopment(env string) bool {
	return strings.EqualFold(env, "development") || strings.EqualFold(env, "dev")
}

// ParseLevel parses a zerolog level name. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logger: invalid level %q: %w", level, err)
	}
	return lvl, nil
}
