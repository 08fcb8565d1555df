package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultIdleTimeout      = 5 * time.Second
)

// Handler is invoked for every record delivered by the consumer. A non-nil
// error leaves the record unmarked and ends the current drain.
type Handler func(ctx context.Context, record *Record) error

// Option customises the consumer during construction.
type Option func(*options)

type options struct {
	config      *sarama.Config
	idleTimeout time.Duration
}

// WithConfig allows callers to supply a Sarama config. The configuration is
// cloned internally so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithIdleTimeout sets how long Drain waits without records before it
// decides the topic is drained.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// Consumer wraps a Sarama consumer group. Records are marked only after the
// handler accepted them.
type Consumer struct {
	logger zerolog.Logger

	group        sarama.ConsumerGroup
	groupID      string
	commitOnAck  bool
	idleTimeout  time.Duration
	errorsDoneCh chan struct{}

	closeOnce sync.Once
}

// Record represents a Kafka message delivered by the consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

// New constructs a consumer for the supplied brokers and consumer group.
func New(brokers []string, groupID string, logger zerolog.Logger, commitOnSuccessOnly bool, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}

	settings := &options{
		config:      defaultConfig(commitOnSuccessOnly),
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	cfg := cloneConfig(settings.config)
	cfg.Consumer.Offsets.AutoCommit.Enable = !commitOnSuccessOnly

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	return NewFromGroup(group, groupID, logger, commitOnSuccessOnly, settings.idleTimeout), nil
}

// NewFromGroup wraps an existing consumer group.
func NewFromGroup(group sarama.ConsumerGroup, groupID string, logger zerolog.Logger, commitOnSuccessOnly bool, idleTimeout time.Duration) *Consumer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	c := &Consumer{
		logger:       logger,
		group:        group,
		groupID:      groupID,
		commitOnAck:  commitOnSuccessOnly,
		idleTimeout:  idleTimeout,
		errorsDoneCh: make(chan struct{}),
	}
	go c.consumeErrors()
	return c
}

// Drain joins the group and hands every record to handler until no record
// has arrived for the idle timeout, the handler fails, or ctx ends. The
// handler error, if any, is returned.
func (c *Consumer) Drain(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gh := &drainHandler{consumer: c, handler: handler, cancel: cancel}
	gh.touch()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		c.watchIdle(drainCtx, gh, cancel)
	}()

	err := c.group.Consume(drainCtx, topics, gh)
	cancel()
	<-watchDone

	if herr := gh.err(); herr != nil {
		return herr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("kafka consumer: consume: %w", err)
	}
	return nil
}

// Close shuts down the consumer group.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.group.Close()
		<-c.errorsDoneCh
	})
	return err
}

func (c *Consumer) watchIdle(ctx context.Context, gh *drainHandler, cancel context.CancelFunc) {
	tick := c.idleTimeout / 4
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if gh.idleFor() >= c.idleTimeout {
				c.logger.Debug().
					Str("group_id", c.groupID).
					Dur("idle", c.idleTimeout).
					Msg("kafka consumer: no records within idle timeout; ending drain")
				cancel()
				return
			}
		}
	}
}

func (c *Consumer) consumeErrors() {
	defer close(c.errorsDoneCh)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("kafka consumer error")
		}
	}
}

type drainHandler struct {
	consumer *Consumer
	handler  Handler
	cancel   context.CancelFunc

	lastSeen atomic.Int64
	inflight atomic.Int32

	// Claims run on separate goroutines; records are still handled one at a time.
	handleMu sync.Mutex

	mu       sync.Mutex
	firstErr error
}

func (h *drainHandler) touch() {
	h.lastSeen.Store(time.Now().UnixNano())
}

// idleFor is zero while a record is being handled; slow handlers never count
// as idle time.
func (h *drainHandler) idleFor() time.Duration {
	if h.inflight.Load() > 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() - h.lastSeen.Load())
}

func (h *drainHandler) fail(err error) {
	h.mu.Lock()
	if h.firstErr == nil {
		h.firstErr = err
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *drainHandler) err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstErr
}

func (h *drainHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.touch()
	h.consumer.logger.Debug().
		Str("group_id", h.consumer.groupID).
		Str("member_id", session.MemberID()).
		Msg("kafka consumer group session started")
	return nil
}

func (h *drainHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Debug().
		Str("group_id", h.consumer.groupID).
		Msg("kafka consumer group session cleanup")
	return nil
}

func (h *drainHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.touch()

			record := &Record{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       cloneBytes(msg.Key),
				Value:     cloneBytes(msg.Value),
				Timestamp: msg.Timestamp,
				Headers:   fromHeaders(msg.Headers),
			}

			h.inflight.Add(1)
			h.handleMu.Lock()
			if h.err() != nil {
				h.handleMu.Unlock()
				h.inflight.Add(-1)
				return nil
			}
			err := h.handler(session.Context(), record)
			h.handleMu.Unlock()
			h.inflight.Add(-1)
			h.touch()
			if err != nil {
				h.consumer.logger.Warn().
					Err(err).
					Str("topic", msg.Topic).
					Int32("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("kafka consumer: handler rejected record; leaving it for redelivery")
				h.fail(err)
				return nil
			}

			session.MarkMessage(msg, "")
			if h.consumer.commitOnAck {
				session.Commit()
			}
		}
	}
}

func defaultConfig(commitOnSuccessOnly bool) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "graph-loader-consumer"

	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = !commitOnSuccessOnly
	cfg.Consumer.Return.Errors = true

	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig(false)
	}
	cloned := *cfg
	return &cloned
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = cloneBytes(h.Value)
	}
	return out
}
