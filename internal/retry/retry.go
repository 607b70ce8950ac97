// Package retry wraps ledger operations with classification-driven
// exponential backoff. Validation failures surface immediately; transient
// failures (network, timeout, rate limit, upstream errors) are retried
// with exponentially growing delays, optionally jittered.
//
// Cancellation is cooperative: the context is only observed between
// attempts, never mid-operation.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kai/ledger-engine/internal/model"
)

// ErrAborted wraps the context error when a retried operation is
// cancelled between attempts.
var ErrAborted = errors.New("retry: operation aborted")

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Policy controls the backoff schedule.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // ceiling for the backoff curve
	Multiplier float64       // delay growth factor per attempt
	Jitter     bool          // randomize each delay in [delay/2, delay]
}

// DefaultPolicy matches the documented defaults: three retries starting at
// one second, doubling each time, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the backoff delay before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	delay := time.Duration(d)
	if p.Jitter && delay > 0 {
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
	}
	return delay
}

// Retrier executes operations under a Policy and tracks per-key in-flight
// retry state so concurrent callers can observe active retry counts and
// clear all state at shutdown.
type Retrier struct {
	policy   Policy
	classify Classifier

	mu       sync.Mutex
	inflight map[string]int
}

// New creates a Retrier. A nil classifier falls back to the ledger error
// taxonomy (only TRANSIENT failures retry).
func New(policy Policy, classify Classifier) *Retrier {
	if classify == nil {
		classify = model.Retryable
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	return &Retrier{
		policy:   policy,
		classify: classify,
		inflight: make(map[string]int),
	}
}

// Do runs op, retrying per the policy while the classifier approves. The
// key identifies the logical operation for in-flight tracking. A context
// cancelled between attempts returns an error wrapping ErrAborted and the
// context cause; the in-progress attempt itself is never interrupted.
func (r *Retrier) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	defer r.clearKey(key)

	var err error
	for attempt := 0; ; attempt++ {
		r.setAttempt(key, attempt)

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !r.classify(err) || attempt >= r.policy.MaxRetries {
			return err
		}

		timer := time.NewTimer(r.policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ErrAborted, ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// Aborted reports whether err came from a cancelled retry loop.
func Aborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// Active returns the current attempt number for a key, or -1 when the key
// has no in-flight operation.
func (r *Retrier) Active(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.inflight[key]; ok {
		return n
	}
	return -1
}

// Clear drops all tracked in-flight state. Used at service shutdown and
// test teardown.
func (r *Retrier) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight = make(map[string]int)
}

func (r *Retrier) setAttempt(key string, attempt int) {
	r.mu.Lock()
	r.inflight[key] = attempt
	r.mu.Unlock()
}

func (r *Retrier) clearKey(key string) {
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
}
