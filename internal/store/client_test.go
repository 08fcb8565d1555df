package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/graph-loader/internal/models"
)

type docCall struct {
	Op         string
	Type       string
	Collection string
	Key        string
	Element    string
}

// fakeDocs records every call and replays queued results per operation.
// When a queue is empty the call succeeds.
type fakeDocs struct {
	mu      sync.Mutex
	calls   []docCall
	results map[string][]Result
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{results: map[string][]Result{}}
}

func (f *fakeDocs) queue(op string, results ...Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[op] = append(f.results[op], results...)
}

func (f *fakeDocs) record(c docCall) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	q := f.results[c.Op]
	if len(q) == 0 {
		return Result{Outcome: OutcomeSuccess, StatusCode: 200}
	}
	f.results[c.Op] = q[1:]
	return q[0]
}

func (f *fakeDocs) snapshot() []docCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]docCall(nil), f.calls...)
}

func (f *fakeDocs) Insert(_ context.Context, typ, collection string, element json.RawMessage) Result {
	return f.record(docCall{Op: "insert", Type: typ, Collection: collection, Element: string(element)})
}

func (f *fakeDocs) Replace(_ context.Context, typ, collection, key string, element json.RawMessage) Result {
	return f.record(docCall{Op: "replace", Type: typ, Collection: collection, Key: key, Element: string(element)})
}

func (f *fakeDocs) Merge(_ context.Context, typ, collection, key string, element json.RawMessage) Result {
	return f.record(docCall{Op: "merge", Type: typ, Collection: collection, Key: key, Element: string(element)})
}

func (f *fakeDocs) Remove(_ context.Context, typ, collection, key string) Result {
	return f.record(docCall{Op: "remove", Type: typ, Collection: collection, Key: key})
}

func (f *fakeDocs) Clear(_ context.Context, typ, collection string, element json.RawMessage) Result {
	return f.record(docCall{Op: "clear", Type: typ, Collection: collection, Element: string(element)})
}

type countingAuth struct {
	mu    sync.Mutex
	calls int
	docs  Documents
	err   error
}

func (a *countingAuth) Authenticate(context.Context) (Documents, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.docs, nil
}

// reauths excludes the initial authentication done by NewClient.
func (a *countingAuth) reauths() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls - 1
}

type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) bool {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err() == nil
}

func newTestClient(t *testing.T, docs *fakeDocs, maxRetries int) (*Client, *countingAuth, *waitRecorder) {
	t.Helper()
	auth := &countingAuth{docs: docs}
	waits := &waitRecorder{}
	c, err := NewClient(context.Background(), Config{
		MaxRetries: maxRetries,
		BaseDelay:  5 * time.Second,
		Step:       5 * time.Second,
	}, auth, zerolog.Nop(), WithWait(waits.wait))
	require.NoError(t, err)
	return c, auth, waits
}

func vipUpdate(action string) *models.Update {
	return &models.Update{
		Action:     models.Action(action),
		Type:       "network",
		Collection: "vip",
		Key:        "vip-123",
		Element:    json.RawMessage(`{"ip":"10.0.0.1"}`),
	}
}

func TestApplyIssuesSingleCallPerAction(t *testing.T) {
	tests := []struct {
		action string
		op     string
	}{
		{"create", "insert"},
		{"update", "replace"},
		{"patch", "merge"},
		{"delete", "remove"},
		{"clear", "clear"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.action, func(t *testing.T) {
			docs := newFakeDocs()
			c, auth, _ := newTestClient(t, docs, 3)

			u := vipUpdate(tc.action)
			if tc.action == "delete" {
				u.Element = nil
			}
			require.NoError(t, c.Apply(context.Background(), u))

			calls := docs.snapshot()
			require.Len(t, calls, 1)
			assert.Equal(t, tc.op, calls[0].Op)
			assert.Equal(t, "network", calls[0].Type)
			assert.Equal(t, "vip", calls[0].Collection)
			assert.Equal(t, 0, auth.reauths())
		})
	}
}

func TestApplyUpdateNotFoundFallsBackToCreate(t *testing.T) {
	docs := newFakeDocs()
	docs.queue("replace", Result{Outcome: OutcomeNotFound, StatusCode: 404})
	c, _, _ := newTestClient(t, docs, 3)

	require.NoError(t, c.Apply(context.Background(), vipUpdate("update")))

	calls := docs.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "replace", calls[0].Op)
	assert.Equal(t, docCall{Op: "insert", Type: "network", Collection: "vip", Element: `{"ip":"10.0.0.1"}`}, calls[1])
}

func TestApplyPatchNotFoundFallsBackToCreate(t *testing.T) {
	docs := newFakeDocs()
	docs.queue("merge", Result{Outcome: OutcomeNotFound, StatusCode: 404})
	c, _, _ := newTestClient(t, docs, 3)

	require.NoError(t, c.Apply(context.Background(), vipUpdate("PATCH")))

	calls := docs.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "merge", calls[0].Op)
	assert.Equal(t, "insert", calls[1].Op)
	assert.Empty(t, calls[1].Key)
}

func TestApplyFallbackDoesNotChain(t *testing.T) {
	docs := newFakeDocs()
	docs.queue("replace", Result{Outcome: OutcomeNotFound, StatusCode: 404})
	docs.queue("insert", Result{Outcome: OutcomeNotFound, StatusCode: 404, Body: "collection missing"})
	c, _, _ := newTestClient(t, docs, 3)

	err := c.Apply(context.Background(), vipUpdate("update"))
	storeErr, ok := AsError(err)
	require.True(t, ok, "expected *Error, got %v", err)
	assert.Equal(t, OutcomeNotFound, storeErr.Kind)
	assert.Equal(t, 404, storeErr.StatusCode)
	assert.Len(t, docs.snapshot(), 2)
}

func TestApplyDeleteNotFoundIsSuccess(t *testing.T) {
	docs := newFakeDocs()
	docs.queue("remove", Result{Outcome: OutcomeNotFound, StatusCode: 404})
	c, _, _ := newTestClient(t, docs, 3)

	u := &models.Update{Action: "delete", Type: "network", Collection: "vip", Key: "vip-999"}
	require.NoError(t, c.Apply(context.Background(), u))

	calls := docs.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "remove", calls[0].Op)
}

func TestApplyCreateAlreadyExistsIsSuccess(t *testing.T) {
	docs := newFakeDocs()
	docs.queue("insert", Result{Outcome: OutcomeAlreadyExists, StatusCode: 409})
	c, _, _ := newTestClient(t, docs, 3)

	require.NoError(t, c.Apply(context.Background(), vipUpdate("create")))
	assert.Len(t, docs.snapshot(), 1)
}

func TestApplyUnknownActionIsNoop(t *testing.T) {
	docs := newFakeDocs()
	c, _, _ := newTestClient(t, docs, 3)

	require.NoError(t, c.Apply(context.Background(), vipUpdate("upsert")))
	assert.Empty(t, docs.snapshot())
}

func TestApplyInvalidUpdateIsPermanent(t *testing.T) {
	docs := newFakeDocs()
	c, _, waits := newTestClient(t, docs, 3)

	u := vipUpdate("update")
	u.Key = ""
	err := c.Apply(context.Background(), u)

	require.ErrorIs(t, err, ErrPermanent)
	storeErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, OutcomeValidation, storeErr.Kind)
	assert.Equal(t, 400, storeErr.StatusCode)
	assert.Empty(t, docs.snapshot())
	assert.Empty(t, waits.delays)
}

func TestApplyAuthRetriesBelowCeilingSucceed(t *testing.T) {
	for _, failures := range []int{1, 2, 4} {
		docs := newFakeDocs()
		for i := 0; i < failures; i++ {
			docs.queue("insert", Result{Outcome: OutcomeAuth, StatusCode: 401})
		}
		c, auth, waits := newTestClient(t, docs, 5)

		require.NoError(t, c.Apply(context.Background(), vipUpdate("create")))
		assert.Equal(t, failures, auth.reauths())
		assert.Len(t, docs.snapshot(), failures+1)
		assert.Empty(t, waits.delays, "renewed sessions retry without backoff")
	}
}

func TestApplyAuthRetriesAtCeilingFail(t *testing.T) {
	const ceiling = 3
	for _, failures := range []int{ceiling, ceiling + 4} {
		docs := newFakeDocs()
		for i := 0; i < failures; i++ {
			docs.queue("replace", Result{Outcome: OutcomeAuth, StatusCode: 401, Body: "token expired"})
		}
		c, auth, _ := newTestClient(t, docs, ceiling)

		err := c.Apply(context.Background(), vipUpdate("update"))
		storeErr, ok := AsError(err)
		require.True(t, ok, "expected *Error, got %v", err)
		assert.Equal(t, OutcomeAuth, storeErr.Kind)
		assert.Equal(t, 401, storeErr.StatusCode)
		assert.Equal(t, "token expired", storeErr.Message)
		assert.Equal(t, ceiling+1, storeErr.Attempts)
		assert.Equal(t, ceiling, auth.reauths())
	}
}

func TestApplyAuthRenewalFailureStillBounded(t *testing.T) {
	docs := newFakeDocs()
	for i := 0; i < 10; i++ {
		docs.queue("insert", Result{Outcome: OutcomeAuth, StatusCode: 401})
	}
	c, auth, _ := newTestClient(t, docs, 2)
	auth.mu.Lock()
	auth.err = errors.New("auth endpoint down")
	auth.mu.Unlock()

	err := c.Apply(context.Background(), vipUpdate("create"))
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 2, auth.reauths())
	assert.Len(t, docs.snapshot(), 3)
}

func TestApplyBacksOffOnlyWhenRenewalFails(t *testing.T) {
	docs := newFakeDocs()
	docs.queue("insert", Result{Outcome: OutcomeAuth, StatusCode: 401})
	docs.queue("insert", Result{Outcome: OutcomeAuth, StatusCode: 401})
	c, auth, waits := newTestClient(t, docs, 5)

	auth.mu.Lock()
	auth.err = errors.New("auth endpoint down")
	auth.mu.Unlock()
	var calls int
	c.wait = func(ctx context.Context, d time.Duration) bool {
		calls++
		auth.mu.Lock()
		auth.err = nil
		auth.mu.Unlock()
		return waits.wait(ctx, d)
	}

	require.NoError(t, c.Apply(context.Background(), vipUpdate("create")))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []time.Duration{10 * time.Second}, waits.delays)
	assert.Equal(t, 2, auth.reauths())
	assert.Len(t, docs.snapshot(), 3)
}

func TestApplyTransientRetriesWithLinearBackoff(t *testing.T) {
	docs := newFakeDocs()
	docs.queue("clear",
		Result{Outcome: OutcomeTransient, StatusCode: 503},
		Result{Outcome: OutcomeTransient, StatusCode: 502},
	)
	c, auth, waits := newTestClient(t, docs, 3)

	require.NoError(t, c.Apply(context.Background(), vipUpdate("clear")))
	assert.Len(t, docs.snapshot(), 3)
	assert.Equal(t, []time.Duration{10 * time.Second, 15 * time.Second}, waits.delays)
	assert.Equal(t, 0, auth.reauths())
}

func TestApplyTransientExhaustionIsPermanent(t *testing.T) {
	docs := newFakeDocs()
	for i := 0; i < 5; i++ {
		docs.queue("remove", Result{Outcome: OutcomeTransient, StatusCode: 503, Body: "unavailable"})
	}
	c, _, waits := newTestClient(t, docs, 2)

	u := &models.Update{Action: "DELETE", Type: "network", Collection: "vip", Key: "vip-1"}
	err := c.Apply(context.Background(), u)

	storeErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, OutcomeTransient, storeErr.Kind)
	assert.Equal(t, 503, storeErr.StatusCode)
	assert.Len(t, docs.snapshot(), 3)
	assert.Len(t, waits.delays, 2)
}

func TestApplyNonRetryableOutcomes(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeValidation, OutcomeForbidden} {
		docs := newFakeDocs()
		docs.queue("insert", Result{Outcome: outcome, StatusCode: 403})
		c, auth, waits := newTestClient(t, docs, 5)

		err := c.Apply(context.Background(), vipUpdate("create"))
		storeErr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, outcome, storeErr.Kind)
		assert.Len(t, docs.snapshot(), 1)
		assert.Empty(t, waits.delays)
		assert.Equal(t, 0, auth.reauths())
	}
}

func TestApplyStopsWhenContextCancelled(t *testing.T) {
	docs := newFakeDocs()
	for i := 0; i < 5; i++ {
		docs.queue("insert", Result{Outcome: OutcomeTransient, StatusCode: 503})
	}
	c, _, _ := newTestClient(t, docs, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Apply(ctx, vipUpdate("create"))
	require.ErrorIs(t, err, context.Canceled)
	_, ok := AsError(err)
	assert.False(t, ok)
	assert.Len(t, docs.snapshot(), 1)
}

func TestApplyConcurrentReauthentication(t *testing.T) {
	docs := newFakeDocs()
	for i := 0; i < 20; i++ {
		docs.queue("insert", Result{Outcome: OutcomeAuth, StatusCode: 401})
	}
	c, _, _ := newTestClient(t, docs, 25)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Apply(context.Background(), vipUpdate("create"))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestNewClientFailsWhenInitialAuthFails(t *testing.T) {
	auth := &countingAuth{err: errors.New("bad credentials")}
	_, err := NewClient(context.Background(), Config{MaxRetries: 1}, auth, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}
