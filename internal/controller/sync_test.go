package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternservice/patternd/internal/failure"
	testutil "github.com/patternservice/patternd/internal/testing"
)

// scriptedGetter replays results in order and repeats the last one.
type scriptedGetter struct {
	results []func() (*Response, error)
	calls   int
}

func (g *scriptedGetter) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	idx := g.calls
	if idx >= len(g.results) {
		idx = len(g.results) - 1
	}
	g.calls++
	return g.results[idx]()
}

func statusResult(status string) func() (*Response, error) {
	return func() (*Response, error) {
		return &Response{StatusCode: http.StatusOK, URL: "/p", Body: []byte(fmt.Sprintf(`{"id": 1, "status": %q}`, status))}, nil
	}
}

func errorResult(code int) func() (*Response, error) {
	return func() (*Response, error) {
		return nil, failure.Wrap(failure.KindTransport, "", &HTTPError{Method: http.MethodGet, URL: "/p", StatusCode: code})
	}
}

func timeoutResult() (*Response, error) {
	return nil, failure.Wrap(failure.KindTransport, "GET /p", context.DeadlineExceeded)
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func testSyncOptions(rec *sleepRecorder, retries int) SyncOptions {
	return SyncOptions{
		MaxRetries:   retries,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Timeout:      time.Second,
		Sleep:        rec.sleep,
		Jitter:       func() float64 { return 1.0 },
	}
}

func TestWaitForProjectSyncPendingThenSuccessful(t *testing.T) {
	getter := &scriptedGetter{results: []func() (*Response, error){statusResult("pending"), statusResult("successful")}}
	rec := &sleepRecorder{}

	err := WaitForProjectSync(context.Background(), getter, 7, testSyncOptions(rec, 15))
	require.NoError(t, err)
	assert.Equal(t, 2, getter.calls)
	assert.Equal(t, []time.Duration{time.Second}, rec.waits)
}

func TestWaitForProjectSyncTerminalFailure(t *testing.T) {
	for _, status := range []string{"failed", "error", "canceled"} {
		t.Run(status, func(t *testing.T) {
			getter := &scriptedGetter{results: []func() (*Response, error){statusResult("running"), statusResult(status)}}
			rec := &sleepRecorder{}

			err := WaitForProjectSync(context.Background(), getter, 7, testSyncOptions(rec, 15))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSyncFailed))
			assert.False(t, errors.Is(err, ErrRetryExhausted))
			assert.Equal(t, failure.KindExternalFailure, failure.KindOf(err))
			assert.Equal(t, 2, getter.calls)
		})
	}
}

func TestWaitForProjectSyncExhaustsOnTimeouts(t *testing.T) {
	getter := &scriptedGetter{results: []func() (*Response, error){timeoutResult}}
	rec := &sleepRecorder{}

	err := WaitForProjectSync(context.Background(), getter, 7, testSyncOptions(rec, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryExhausted))
	assert.Equal(t, failure.KindRetryExhausted, failure.KindOf(err))
	assert.Equal(t, 5, getter.calls)
	assert.Len(t, rec.waits, 4)
}

func TestWaitForProjectSyncHTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantCalls int
		wantErr   error
	}{
		{name: "not found is fatal", code: http.StatusNotFound, wantCalls: 1},
		{name: "forbidden is fatal", code: http.StatusForbidden, wantCalls: 1},
		{name: "request timeout retried", code: http.StatusRequestTimeout, wantCalls: 3, wantErr: ErrRetryExhausted},
		{name: "too many requests retried", code: http.StatusTooManyRequests, wantCalls: 3, wantErr: ErrRetryExhausted},
		{name: "server error retried", code: http.StatusBadGateway, wantCalls: 3, wantErr: ErrRetryExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getter := &scriptedGetter{results: []func() (*Response, error){errorResult(tt.code)}}
			rec := &sleepRecorder{}

			err := WaitForProjectSync(context.Background(), getter, 7, testSyncOptions(rec, 3))
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, getter.calls)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			var httpErr *HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.code, httpErr.StatusCode)
		})
	}
}

func TestWaitForProjectSyncNonTransportErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind failure.Kind
	}{
		{name: "malformed request", err: failure.Wrap(failure.KindValidation, "create request", errors.New("bad url")), kind: failure.KindValidation},
		{name: "untagged", err: errors.New("unexpected"), kind: failure.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getter := &scriptedGetter{results: []func() (*Response, error){
				func() (*Response, error) { return nil, tt.err },
			}}
			rec := &sleepRecorder{}

			err := WaitForProjectSync(context.Background(), getter, 7, testSyncOptions(rec, 15))
			require.Error(t, err)
			assert.Equal(t, 1, getter.calls)
			assert.Empty(t, rec.waits)
			assert.False(t, errors.Is(err, ErrRetryExhausted))
			assert.Equal(t, tt.kind, failure.KindOf(err))
		})
	}
}

func TestWaitForProjectSyncRetriesThenSucceeds(t *testing.T) {
	getter := &scriptedGetter{results: []func() (*Response, error){
		errorResult(http.StatusTooManyRequests),
		timeoutResult,
		func() (*Response, error) { return &Response{StatusCode: 200, URL: "/p", Body: []byte("<html>")}, nil },
		statusResult("successful"),
	}}
	rec := &sleepRecorder{}

	require.NoError(t, WaitForProjectSync(context.Background(), getter, 7, testSyncOptions(rec, 15)))
	assert.Equal(t, 4, getter.calls)
}

func TestWaitForProjectSyncBackoffSchedule(t *testing.T) {
	getter := &scriptedGetter{results: []func() (*Response, error){statusResult("pending")}}
	rec := &sleepRecorder{}
	opts := testSyncOptions(rec, 6)
	opts.MaxDelay = 5 * time.Second

	err := WaitForProjectSync(context.Background(), getter, 7, opts)
	require.True(t, errors.Is(err, ErrRetryExhausted))
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}, rec.waits)
}

func TestWaitForProjectSyncJitterBounds(t *testing.T) {
	for _, factor := range []float64{0.8, 1.2} {
		getter := &scriptedGetter{results: []func() (*Response, error){statusResult("pending")}}
		rec := &sleepRecorder{}
		opts := testSyncOptions(rec, 3)
		opts.MaxDelay = 1500 * time.Millisecond
		opts.Jitter = func() float64 { return factor }

		_ = WaitForProjectSync(context.Background(), getter, 7, opts)
		require.Len(t, rec.waits, 2)
		assert.Equal(t, time.Duration(float64(time.Second)*factor), rec.waits[0])
		// Jitter never pushes a wait past the cap.
		assert.Equal(t, 1500*time.Millisecond, rec.waits[1])
	}

	opts := SyncOptions{}.withDefaults()
	for i := 0; i < 100; i++ {
		j := opts.Jitter()
		assert.GreaterOrEqual(t, j, 0.8)
		assert.LessOrEqual(t, j, 1.2)
	}
}

func TestWaitForProjectSyncHonorsContext(t *testing.T) {
	getter := &scriptedGetter{results: []func() (*Response, error){statusResult("pending")}}
	ctx, cancel := context.WithCancel(context.Background())
	opts := SyncOptions{
		MaxRetries:   5,
		InitialDelay: time.Hour,
		Jitter:       func() float64 { return 1.0 },
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForProjectSync(ctx, getter, 7, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, getter.calls)
}

func TestWaitForProjectSyncPerCallTimeout(t *testing.T) {
	mock := testutil.NewMockController()
	mock.AddResponse(http.MethodGet, "/api/controller/v2/projects/9", http.StatusOK, map[string]any{"status": "successful"})
	mock.SetDelay(200 * time.Millisecond)
	srv := mock.NewTestServer(t)
	session := newTestClient(t, srv, nil).NewSession()
	defer session.Close()

	rec := &sleepRecorder{}
	opts := testSyncOptions(rec, 3)
	opts.Timeout = 20 * time.Millisecond

	err := WaitForProjectSync(context.Background(), session, 9, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryExhausted))
	assert.Equal(t, 3, mock.Count(http.MethodGet, "/api/controller/v2/projects/9"))
}
