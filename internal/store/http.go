package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 16 * 1024
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPOption customises the HTTP authenticator.
type HTTPOption func(*HTTPAuthenticator)

// WithHTTPClient overrides the HTTP client used to talk to the graph API.
func WithHTTPClient(client HTTPClient) HTTPOption {
	return func(a *HTTPAuthenticator) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// WithBodyLimit adjusts how many bytes are retained from response bodies.
func WithBodyLimit(limit int64) HTTPOption {
	return func(a *HTTPAuthenticator) {
		if limit > 0 {
			a.maxBodyBytes = limit
		}
	}
}

// HTTPAuthenticator exchanges credentials for an API token and hands out
// sessions bound to that token.
type HTTPAuthenticator struct {
	logger       zerolog.Logger
	baseURL      string
	username     string
	password     string
	httpClient   HTTPClient
	maxBodyBytes int64
}

// NewHTTPAuthenticator validates the endpoint and credentials.
func NewHTTPAuthenticator(baseURL, username, password string, timeout time.Duration, logger zerolog.Logger, opts ...HTTPOption) (*HTTPAuthenticator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("store http: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("store http: parse base url: %w", err)
	}
	if strings.TrimSpace(username) == "" {
		return nil, errors.New("store http: username is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	a := &HTTPAuthenticator{
		logger:       logger,
		baseURL:      baseURL,
		username:     username,
		password:     password,
		httpClient:   &http.Client{Timeout: timeout},
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token   string `json:"token"`
	Expires string `json:"expires_at,omitempty"`
}

// Authenticate requests a new token and returns a session that uses it.
func (a *HTTPAuthenticator) Authenticate(ctx context.Context) (Documents, error) {
	body, err := json.Marshal(authRequest{Username: a.username, Password: a.password})
	if err != nil {
		return nil, fmt.Errorf("store http: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("store http: new auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store http: auth request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := readBody(resp.Body, a.maxBodyBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store http: auth rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(raw))
	}

	var parsed authResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("store http: decode auth response: %w", err)
	}
	if parsed.Token == "" {
		return nil, errors.New("store http: auth response carried no token")
	}

	a.logger.Debug().Str("expires_at", parsed.Expires).Msg("store http: token issued")
	return &HTTPSession{
		baseURL:      a.baseURL,
		token:        parsed.Token,
		httpClient:   a.httpClient,
		maxBodyBytes: a.maxBodyBytes,
	}, nil
}

// HTTPSession performs document calls with a fixed token. It is immutable and
// safe for concurrent use.
type HTTPSession struct {
	baseURL      string
	token        string
	httpClient   HTTPClient
	maxBodyBytes int64
}

// Insert posts a new element to the collection.
func (s *HTTPSession) Insert(ctx context.Context, typ, collection string, element json.RawMessage) Result {
	return s.do(ctx, http.MethodPost, s.path(typ, collection)+"/", element)
}

// Replace overwrites the element identified by key.
func (s *HTTPSession) Replace(ctx context.Context, typ, collection, key string, element json.RawMessage) Result {
	return s.do(ctx, http.MethodPut, s.path(typ, collection, key), element)
}

// Merge partially updates the element identified by key.
func (s *HTTPSession) Merge(ctx context.Context, typ, collection, key string, element json.RawMessage) Result {
	return s.do(ctx, http.MethodPatch, s.path(typ, collection, key), element)
}

// Remove deletes the element identified by key.
func (s *HTTPSession) Remove(ctx context.Context, typ, collection, key string) Result {
	return s.do(ctx, http.MethodDelete, s.path(typ, collection, key), nil)
}

// Clear resets the collection contents according to the full-sync payload.
func (s *HTTPSession) Clear(ctx context.Context, typ, collection string, element json.RawMessage) Result {
	return s.do(ctx, http.MethodPost, s.path(typ, collection)+"/clear/", element)
}

func (s *HTTPSession) path(segments ...string) string {
	var b strings.Builder
	b.WriteString(s.baseURL)
	for _, seg := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

func (s *HTTPSession) do(ctx context.Context, method, endpoint string, payload json.RawMessage) Result {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return Result{Outcome: OutcomeValidation, Body: fmt.Sprintf("store http: new request: %v", err)}
	}
	req.Header.Set("Authorization", "Token "+s.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Body: fmt.Sprintf("store http: %s %s: %v", method, endpoint, err)}
	}
	defer resp.Body.Close()

	raw, err := readBody(resp.Body, s.maxBodyBytes)
	if err != nil {
		return Result{Outcome: OutcomeTransient, StatusCode: resp.StatusCode, Body: err.Error()}
	}

	return Result{Outcome: Classify(resp.StatusCode), StatusCode: resp.StatusCode, Body: raw}
}

// Classify maps an HTTP status code to an Outcome.
func Classify(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusNotFound:
		return OutcomeNotFound
	case code == http.StatusConflict:
		return OutcomeAlreadyExists
	case code == http.StatusUnauthorized:
		return OutcomeAuth
	case code == http.StatusForbidden:
		return OutcomeForbidden
	case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		return OutcomeTransient
	case code >= http.StatusBadRequest:
		return OutcomeValidation
	default:
		return OutcomeTransient
	}
}

func readBody(r io.Reader, limit int64) (string, error) {
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return "", fmt.Errorf("store http: read body: %w", err)
	}
	return string(data), nil
}
