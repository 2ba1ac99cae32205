package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/patternservice/patternd/internal/failure"
)

var (
	// ErrSyncFailed is returned when the controller reports a terminal
	// failure for the project sync.
	ErrSyncFailed = errors.New("project sync failed")

	// ErrRetryExhausted is returned when polling ends without a terminal status.
	ErrRetryExhausted = errors.New("project sync did not finish")
)

// Getter is the read side of a Session.
type Getter interface {
	Get(ctx context.Context, path string, params url.Values) (*Response, error)
}

// SyncOptions tunes WaitForProjectSync. Zero fields take defaults.
type SyncOptions struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration // per GET

	Logger *log.Logger

	// Testing hooks
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64 // returns a factor in [0.8, 1.2]
}

// DefaultSyncOptions returns 15 attempts, 1s initial delay, 60s cap and a
// 30s per-call timeout.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		MaxRetries:   15,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Timeout:      30 * time.Second,
	}
}

func (o SyncOptions) withDefaults() SyncOptions {
	def := DefaultSyncOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = def.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Jitter == nil {
		o.Jitter = func() float64 { return 0.8 + rand.Float64()*0.4 }
	}
	return o
}

type projectStatus struct {
	Status string `json:"status"`
}

// WaitForProjectSync polls the project until its sync is successful.
//
// A failed, error or canceled status returns ErrSyncFailed at once, as does
// any 4xx other than 408 and 429. Other statuses, 408/429, 5xx, network
// errors, per-call timeouts and undecodable bodies are retried with jittered
// exponential backoff. Errors not tagged as transport failures, such as a
// malformed request, return at once. After MaxRetries GETs it returns
// ErrRetryExhausted.
func WaitForProjectSync(ctx context.Context, getter Getter, projectID int64, opts SyncOptions) error {
	opts = opts.withDefaults()
	path := fmt.Sprintf("/api/controller/v2/projects/%d", projectID)
	delay := opts.InitialDelay
	var lastState string

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		status, err := pollOnce(ctx, getter, path, opts.Timeout)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !retryable(err) {
				return err
			}
			lastState = err.Error()
		case status == "successful":
			return nil
		case status == "failed" || status == "error" || status == "canceled":
			return failure.Wrap(failure.KindExternalFailure, "",
				fmt.Errorf("%w: project %d status %s", ErrSyncFailed, projectID, status))
		default:
			lastState = "status " + status
		}
		if opts.Logger != nil {
			opts.Logger.Printf("project %d sync attempt %d/%d: %s", projectID, attempt, opts.MaxRetries, lastState)
		}
		if attempt == opts.MaxRetries {
			break
		}
		wait := time.Duration(float64(delay) * opts.Jitter())
		if wait > opts.MaxDelay {
			wait = opts.MaxDelay
		}
		if err := sleep(ctx, opts.Sleep, wait); err != nil {
			return err
		}
		// Growth stops at twice the cap so jittered waits stay pinned to MaxDelay.
		delay = nextBackoff(delay, 2*opts.MaxDelay)
	}
	return failure.Wrap(failure.KindRetryExhausted, "",
		fmt.Errorf("%w: project %d after %d attempts (last: %s)", ErrRetryExhausted, projectID, opts.MaxRetries, lastState))
}

func pollOnce(ctx context.Context, getter Getter, path string, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := getter.Get(callCtx, path, nil)
	if err != nil {
		return "", err
	}
	var status projectStatus
	if err := resp.Decode(&status); err != nil {
		return "", failure.Wrap(failure.KindTransport, "", err)
	}
	return status.Status, nil
}

func retryable(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return failure.KindOf(err) == failure.KindTransport
	}
	switch code := httpErr.StatusCode; {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, hook func(context.Context, time.Duration) error, d time.Duration) error {
	if hook != nil {
		return hook(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
