package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/graph-loader/internal/models"
)

// Documents is the remote surface the client drives. Implementations report
// every response as an explicit Result instead of returning errors.
type Documents interface {
	Insert(ctx context.Context, typ, collection string, element json.RawMessage) Result
	Replace(ctx context.Context, typ, collection, key string, element json.RawMessage) Result
	Merge(ctx context.Context, typ, collection, key string, element json.RawMessage) Result
	Remove(ctx context.Context, typ, collection, key string) Result
	Clear(ctx context.Context, typ, collection string, element json.RawMessage) Result
}

// Authenticator establishes a fresh authenticated session. Each call must
// return a new value; sessions are never mutated after creation.
type Authenticator interface {
	Authenticate(ctx context.Context) (Documents, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context) (Documents, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context) (Documents, error) {
	return f(ctx)
}

// Config controls the retry ceiling and the linear backoff.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Step       time.Duration
}

// Option customises the client during construction.
type Option func(*Client)

// WithWait overrides how the client sleeps between retries. The function
// returns false when the wait was interrupted.
func WithWait(wait func(ctx context.Context, d time.Duration) bool) Option {
	return func(c *Client) {
		if wait != nil {
			c.wait = wait
		}
	}
}

type session struct {
	docs Documents
}

// Client applies updates to the graph store. A client is owned by a single
// worker; re-authentication swaps the active session atomically so requests
// already running keep the session they started with.
type Client struct {
	cfg     Config
	auth    Authenticator
	logger  zerolog.Logger
	session atomic.Pointer[session]
	wait    func(ctx context.Context, d time.Duration) bool
}

// NewClient authenticates once and returns a client ready to apply updates.
func NewClient(ctx context.Context, cfg Config, auth Authenticator, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if auth == nil {
		return nil, errors.New("store: authenticator is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("store: max retries cannot be negative")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	c := &Client{
		cfg:    cfg,
		auth:   auth,
		logger: logger.With().Str("component", "store_client").Logger(),
		wait:   wait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if err := c.reauthenticate(ctx); err != nil {
		return nil, fmt.Errorf("store: initial authentication: %w", err)
	}
	return c, nil
}

// Apply performs exactly one logical store operation for the update. Unknown
// actions are ignored. Every failure the client gives up on is a *Error.
func (c *Client) Apply(ctx context.Context, u *models.Update) error {
	if u == nil {
		return nil
	}
	action, known := models.ParseAction(string(u.Action))
	if !known {
		c.logger.Debug().Str("action", string(u.Action)).Msg("store: ignoring unknown action")
		return nil
	}
	if err := u.Validate(); err != nil {
		return &Error{Kind: OutcomeValidation, StatusCode: 400, Message: err.Error(), Action: action}
	}

	log := c.logger.With().
		Str("action", string(action)).
		Str("type", u.Type).
		Str("collection", u.Collection).
		Str("key", u.Key).
		Logger()

	for retries := 0; ; retries++ {
		res := c.dispatch(ctx, c.current(), action, u, log)
		attempts := retries + 1

		switch res.Outcome {
		case OutcomeSuccess:
			return nil
		case OutcomeAuth:
			if retries >= c.cfg.MaxRetries {
				log.Error().Int("status", res.StatusCode).Int("attempts", attempts).Msg("store: authentication retries exhausted")
				return newError(action, res, attempts)
			}
			log.Warn().Int("attempt", attempts).Msg("store: authentication rejected; renewing session before retry")
			if err := c.reauthenticate(ctx); err != nil {
				log.Warn().Err(err).Msg("store: session renewal failed")
				break
			}
			// A fresh session is retried at once.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		case OutcomeTransient:
			if retries >= c.cfg.MaxRetries {
				log.Error().Int("status", res.StatusCode).Int("attempts", attempts).Msg("store: transient retries exhausted")
				return newError(action, res, attempts)
			}
			log.Warn().Int("status", res.StatusCode).Int("attempt", attempts).Msg("store: transient failure; retrying")
		default:
			log.Error().Int("status", res.StatusCode).Str("outcome", res.Outcome.String()).Msg("store: request rejected")
			return newError(action, res, attempts)
		}

		delay := c.backoff(attempts)
		if !c.wait(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (c *Client) dispatch(ctx context.Context, docs Documents, action models.Action, u *models.Update, log zerolog.Logger) Result {
	switch action {
	case models.ActionCreate:
		return c.create(ctx, docs, u, log)
	case models.ActionUpdate:
		res := docs.Replace(ctx, u.Type, u.Collection, u.Key, u.Element)
		if res.Outcome == OutcomeNotFound {
			log.Info().Msg("store: element not found on update; creating")
			return c.create(ctx, docs, u, log)
		}
		return res
	case models.ActionPatch:
		res := docs.Merge(ctx, u.Type, u.Collection, u.Key, u.Element)
		if res.Outcome == OutcomeNotFound {
			log.Info().Msg("store: element not found on patch; creating")
			return c.create(ctx, docs, u, log)
		}
		return res
	case models.ActionDelete:
		res := docs.Remove(ctx, u.Type, u.Collection, u.Key)
		if res.Outcome == OutcomeNotFound {
			log.Warn().Msg("store: element already deleted")
			return Result{Outcome: OutcomeSuccess, StatusCode: res.StatusCode}
		}
		return res
	case models.ActionClear:
		return docs.Clear(ctx, u.Type, u.Collection, u.Element)
	default:
		return Result{Outcome: OutcomeSuccess}
	}
}

func (c *Client) create(ctx context.Context, docs Documents, u *models.Update, log zerolog.Logger) Result {
	res := docs.Insert(ctx, u.Type, u.Collection, u.Element)
	if res.Outcome == OutcomeAlreadyExists {
		log.Warn().Msg("store: element already inserted")
		return Result{Outcome: OutcomeSuccess, StatusCode: res.StatusCode}
	}
	return res
}

func (c *Client) current() Documents {
	return c.session.Load().docs
}

func (c *Client) reauthenticate(ctx context.Context) error {
	docs, err := c.auth.Authenticate(ctx)
	if err != nil {
		return err
	}
	if docs == nil {
		return errors.New("store: authenticator returned no session")
	}
	c.session.Store(&session{docs: docs})
	c.logger.Info().Msg("store: new session established")
	return nil
}

// backoff grows linearly with the attempt number.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay + time.Duration(attempt)*c.cfg.Step
	if d < 0 {
		return 0
	}
	return d
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
