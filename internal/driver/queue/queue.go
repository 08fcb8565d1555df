package queue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/graph-loader/internal/driver"
	"github.com/example/graph-loader/internal/kafka/consumer"
	"github.com/example/graph-loader/internal/models"
)

// ID is the registry id of the queue driver.
const ID = "queue"

const defaultIdleTimeout = 5 * time.Second

func init() {
	driver.Default.MustRegister(ID, Factory)
}

// Drainer is the consumer behaviour the driver depends on.
type Drainer interface {
	Drain(ctx context.Context, topics []string, handler consumer.Handler) error
	Close() error
}

// Opener creates a Drainer. It is called lazily and again after a consumer
// failed.
type Opener func() (Drainer, error)

// Driver feeds updates from a Kafka topic. Each ProcessUpdates call drains
// the topic until it has been idle for the configured timeout.
type Driver struct {
	name   string
	topic  string
	open   Opener
	logger zerolog.Logger

	mu  sync.Mutex
	cur Drainer
}

// New returns a queue driver reading topic through consumers built by open.
func New(name, topic string, open Opener, logger zerolog.Logger) (*Driver, error) {
	if topic == "" {
		return nil, errors.New("queue driver: topic is required")
	}
	if open == nil {
		return nil, errors.New("queue driver: opener is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Driver{
		name:   name,
		topic:  topic,
		open:   open,
		logger: logger.With().Str("component", "queue_driver").Str("driver", name).Logger(),
	}, nil
}

// Factory builds a queue driver from params "topic", "group" and
// "idle_timeout". Brokers come from env.
func Factory(params driver.Params, env driver.Env) (any, error) {
	topic := params.String("topic", "")
	if topic == "" {
		return nil, errors.New("queue driver: param topic is required")
	}
	if len(env.Brokers) == 0 {
		return nil, errors.New("queue driver: no kafka brokers configured")
	}
	group := params.String("group", "graph-loader-"+env.Name)
	idle, err := params.Duration("idle_timeout", defaultIdleTimeout)
	if err != nil {
		return nil, err
	}

	brokers := append([]string(nil), env.Brokers...)
	logger := env.Logger
	open := func() (Drainer, error) {
		return consumer.New(brokers, group, logger, true, consumer.WithIdleTimeout(idle))
	}
	return New(env.Name, topic, open, logger)
}

// ProcessUpdates hands every queued update to fn, in order. A record is
// acknowledged only after fn accepted it; the first rejection ends the call
// and the record is redelivered on the next one.
func (d *Driver) ProcessUpdates(ctx context.Context, fn driver.UpdateFunc) error {
	if fn == nil {
		return errors.New("queue driver: update func is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cur == nil {
		c, err := d.open()
		if err != nil {
			return fmt.Errorf("queue driver: open consumer: %w", err)
		}
		d.cur = c
	}

	var handlerErr error
	err := d.cur.Drain(ctx, []string{d.topic}, func(ctx context.Context, record *consumer.Record) error {
		update, err := models.DecodeUpdate(record.Value)
		if err != nil {
			d.logger.Error().
				Err(err).
				Str("topic", record.Topic).
				Int32("partition", record.Partition).
				Int64("offset", record.Offset).
				Msg("discarding undecodable update")
			return nil
		}
		if err := fn(ctx, update); err != nil {
			handlerErr = err
			return err
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case handlerErr != nil && errors.Is(err, handlerErr):
		return fmt.Errorf("queue driver: update rejected: %w", err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		d.resetLocked()
		return fmt.Errorf("queue driver: drain %s: %w", d.topic, err)
	}
}

// Close releases the current consumer.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == nil {
		return nil
	}
	err := d.cur.Close()
	d.cur = nil
	return err
}

func (d *Driver) resetLocked() {
	if d.cur == nil {
		return
	}
	if err := d.cur.Close(); err != nil {
		d.logger.Debug().Err(err).Msg("closing failed consumer")
	}
	d.cur = nil
}
