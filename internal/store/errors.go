package store

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/example/graph-loader/internal/models"
)

// DefaultMessageLimit bounds how many characters of a response body are kept
// on an Error.
const DefaultMessageLimit = 1024

// ErrPermanent is matched by every error the client gives up on, whether the
// failure was non-retryable or the retry ceiling was reached.
var ErrPermanent = errors.New("permanent store failure")

// Outcome classifies the response of a single remote call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotFound
	OutcomeAlreadyExists
	OutcomeValidation
	OutcomeAuth
	OutcomeForbidden
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeAlreadyExists:
		return "already_exists"
	case OutcomeValidation:
		return "validation"
	case OutcomeAuth:
		return "auth"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the explicit response of a remote call. Transport failures are
// reported as OutcomeTransient with StatusCode zero.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       string
}

// Error is the single failure type surfaced by Client.Apply. Callers read the
// status code and message without caring which transport produced them.
type Error struct {
	Kind       Outcome
	StatusCode int
	Message    string
	Action     models.Action
	Attempts   int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("store: %s %s failed after %d attempt(s) (status %d)", e.Action, e.Kind, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("store: %s %s failed after %d attempt(s) (status %d): %s", e.Action, e.Kind, e.Attempts, e.StatusCode, e.Message)
}

// Unwrap lets callers use errors.Is(err, ErrPermanent).
func (e *Error) Unwrap() error {
	return ErrPermanent
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr, true
	}
	return nil, false
}

func newError(action models.Action, res Result, attempts int) *Error {
	return &Error{
		Kind:       res.Outcome,
		StatusCode: res.StatusCode,
		Message:    truncate(res.Body, DefaultMessageLimit),
		Action:     action,
		Attempts:   attempts,
	}
}

func truncate(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}
