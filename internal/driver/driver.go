package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/graph-loader/internal/models"
)

// UpdateFunc receives every update a driver produces. Returning an error
// tells the driver the update was not accepted.
type UpdateFunc func(ctx context.Context, update *models.Update) error

// Feeder is implemented by drivers that can be polled continuously. A call
// returns once no more updates are currently available.
type Feeder interface {
	ProcessUpdates(ctx context.Context, fn UpdateFunc) error
}

// FullLoader is implemented by drivers that can rebuild their whole domain
// in the store.
type FullLoader interface {
	FullLoad(ctx context.Context) error
}

// Env carries the process-wide settings a factory may need.
type Env struct {
	Name    string
	Brokers []string
	Logger  zerolog.Logger
}

// Params holds the free-form parameters of a driver config entry.
type Params map[string]any

// String returns the parameter as a trimmed string, or def when absent.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// Duration accepts Go duration strings ("5s") or plain numbers of seconds.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case time.Duration:
		return t, nil
	}
	raw := strings.TrimSpace(fmt.Sprint(v))
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("driver: param %s: invalid duration %q", key, raw)
	}
	return d, nil
}
