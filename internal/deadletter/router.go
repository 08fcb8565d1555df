package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/graph-loader/internal/kafka/producer"
	"github.com/example/graph-loader/internal/models"
)

// ErrNoPublisher is returned when the router has neither a live publisher nor
// a dialer to obtain one.
var ErrNoPublisher = errors.New("deadletter: publisher not initialised")

// Header keys attached to every dead-letter record.
const (
	HeaderRoutingKey  = "routing-key"
	HeaderContentType = "content-type"
	HeaderMessageID   = "message-id"
)

// Publisher captures the subset of producer behaviour required by the router.
type Publisher interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
	Close() error
}

// Dialer opens a fresh publisher after the previous connection was lost.
type Dialer func(ctx context.Context) (Publisher, error)

// Router forwards failed updates to the error topic.
type Router struct {
	topic  string
	prefix string
	dial   Dialer
	logger zerolog.Logger

	mu  sync.Mutex
	pub Publisher
}

// NewRouter constructs a Router. pub may be nil when dial is set; the first
// Route then connects lazily.
func NewRouter(pub Publisher, dial Dialer, topic, prefix string, logger zerolog.Logger) (*Router, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("deadletter: topic is required")
	}
	if pub == nil && dial == nil {
		return nil, ErrNoPublisher
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Router{
		topic:  topic,
		prefix: prefix,
		dial:   dial,
		pub:    pub,
		logger: logger.With().Str("component", "deadletter").Logger(),
	}, nil
}

// RoutingKey builds "<prefix>.<driver>.<collection>". An empty prefix is
// omitted.
func RoutingKey(prefix, driverName, collection string) string {
	if prefix == "" {
		return driverName + "." + collection
	}
	return prefix + "." + driverName + "." + collection
}

// Route publishes the update under the routing key derived from driverName
// and the update's collection. A closed connection is redialled once and the
// publish retried once.
func (r *Router) Route(ctx context.Context, driverName string, update *models.Update) error {
	if update == nil {
		return errors.New("deadletter: update is nil")
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("deadletter: marshal update: %w", err)
	}

	key := RoutingKey(r.prefix, driverName, update.Collection)
	headers := map[string][]byte{
		HeaderRoutingKey:  []byte(key),
		HeaderContentType: []byte("application/json"),
		HeaderMessageID:   []byte(uuid.NewString()),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pub == nil {
		if err := r.reconnectLocked(ctx); err != nil {
			return err
		}
	}

	err = r.pub.PublishSync(r.topic, []byte(key), headers, payload)
	if err == nil {
		r.logRouted(key, update)
		return nil
	}
	if !producer.IsConnectionClosed(err) || r.dial == nil {
		return fmt.Errorf("deadletter: publish %s: %w", key, err)
	}

	r.logger.Warn().Err(err).Str("routing_key", key).Msg("dead-letter connection closed; reconnecting")
	if err := r.reconnectLocked(ctx); err != nil {
		return err
	}
	if err := r.pub.PublishSync(r.topic, []byte(key), headers, payload); err != nil {
		return fmt.Errorf("deadletter: publish %s after reconnect: %w", key, err)
	}
	r.logRouted(key, update)
	return nil
}

// Close releases the current publisher.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pub == nil {
		return nil
	}
	err := r.pub.Close()
	r.pub = nil
	return err
}

func (r *Router) reconnectLocked(ctx context.Context) error {
	if r.dial == nil {
		return ErrNoPublisher
	}
	if r.pub != nil {
		if err := r.pub.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("closing stale dead-letter publisher")
		}
		r.pub = nil
	}
	pub, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("deadletter: reconnect: %w", err)
	}
	if pub == nil {
		return ErrNoPublisher
	}
	r.pub = pub
	return nil
}

func (r *Router) logRouted(key string, update *models.Update) {
	r.logger.Info().
		Str("routing_key", key).
		Str("action", string(update.Action)).
		Str("collection", update.Collection).
		Str("key", update.Key).
		Int("status", update.StatusCode()).
		Msg("update dead-lettered")
}
