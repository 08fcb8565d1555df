package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/graph-loader/internal/models"
)

type published struct {
	topic   string
	key     string
	headers map[string][]byte
	payload []byte
}

type stubPublisher struct {
	errs   []error
	sent   []published
	closed int
}

func (s *stubPublisher) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, published{topic: topic, key: string(key), headers: headers, payload: payload})
	return nil
}

func (s *stubPublisher) Close() error {
	s.closed++
	return nil
}

func failedUpdate() *models.Update {
	u := &models.Update{
		Action:     models.ActionUpdate,
		Type:       "collections",
		Collection: "vip",
		Key:        "vip-123",
		Element:    json.RawMessage(`{"ip":"10.0.0.1"}`),
	}
	u.Annotate(400, "invalid element")
	return u
}

func TestRouteUsesRoutingKeyAndHeaders(t *testing.T) {
	pub := &stubPublisher{}
	r, err := NewRouter(pub, nil, "loader.errors", "errors", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), "napi", failedUpdate()))

	require.Len(t, pub.sent, 1)
	msg := pub.sent[0]
	assert.Equal(t, "loader.errors", msg.topic)
	assert.Equal(t, "errors.napi.vip", msg.key)
	assert.Equal(t, "errors.napi.vip", string(msg.headers[HeaderRoutingKey]))
	assert.Equal(t, "application/json", string(msg.headers[HeaderContentType]))
	assert.NotEmpty(t, msg.headers[HeaderMessageID])

	var body models.Update
	require.NoError(t, json.Unmarshal(msg.payload, &body))
	assert.Equal(t, 400, body.StatusCode())
	assert.Equal(t, "invalid element", body.ErrorMsg)
	assert.Equal(t, "vip-123", body.Key)
}

func TestRouteReconnectsOnceOnClosedConnection(t *testing.T) {
	stale := &stubPublisher{errs: []error{sarama.ErrNotConnected}}
	fresh := &stubPublisher{}
	dials := 0
	dial := func(context.Context) (Publisher, error) {
		dials++
		return fresh, nil
	}

	r, err := NewRouter(stale, dial, "loader.errors", "errors", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Route(context.Background(), "napi", failedUpdate()))

	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, stale.closed)
	assert.Empty(t, stale.sent)
	assert.Len(t, fresh.sent, 1)
}

func TestRouteGivesUpAfterSecondFailure(t *testing.T) {
	stale := &stubPublisher{errs: []error{sarama.ErrNotConnected}}
	fresh := &stubPublisher{errs: []error{sarama.ErrNotConnected}}
	dials := 0
	dial := func(context.Context) (Publisher, error) {
		dials++
		return fresh, nil
	}

	r, err := NewRouter(stale, dial, "loader.errors", "errors", zerolog.Nop())
	require.NoError(t, err)
	err = r.Route(context.Background(), "napi", failedUpdate())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrNotConnected)
	assert.Equal(t, 1, dials)
}

func TestRouteDoesNotReconnectOnOtherErrors(t *testing.T) {
	pub := &stubPublisher{errs: []error{sarama.ErrMessageSizeTooLarge}}
	dials := 0
	dial := func(context.Context) (Publisher, error) {
		dials++
		return &stubPublisher{}, nil
	}

	r, err := NewRouter(pub, dial, "loader.errors", "errors", zerolog.Nop())
	require.NoError(t, err)
	err = r.Route(context.Background(), "napi", failedUpdate())
	assert.ErrorIs(t, err, sarama.ErrMessageSizeTooLarge)
	assert.Zero(t, dials)
}

func TestRouteDialFailure(t *testing.T) {
	boom := errors.New("brokers unreachable")
	r, err := NewRouter(nil, func(context.Context) (Publisher, error) { return nil, boom }, "loader.errors", "errors", zerolog.Nop())
	require.NoError(t, err)

	err = r.Route(context.Background(), "napi", failedUpdate())
	assert.ErrorIs(t, err, boom)
}

func TestRouteConnectsLazily(t *testing.T) {
	pub := &stubPublisher{}
	r, err := NewRouter(nil, func(context.Context) (Publisher, error) { return pub, nil }, "loader.errors", "", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), "napi", failedUpdate()))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "napi.vip", pub.sent[0].key)

	require.NoError(t, r.Close())
	assert.Equal(t, 1, pub.closed)
}

func TestNewRouterValidates(t *testing.T) {
	_, err := NewRouter(nil, nil, "loader.errors", "errors", zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoPublisher)

	_, err = NewRouter(&stubPublisher{}, nil, " ", "errors", zerolog.Nop())
	assert.Error(t, err)
}
