package hw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many blocking driver calls run at once across all
// resources.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool returns a Pool with size worker slots.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// ResourceOptions configures retry and failure accounting for a Resource.
type ResourceOptions struct {
	// Retries is the number of extra attempts DoRetry makes.
	Retries int
	// RetryDelay separates two attempts.
	RetryDelay time.Duration
	// FailureThreshold is the number of consecutive failed calls after which
	// the resource reports itself failed.
	FailureThreshold int
	// OnRetry, when set, is called before every extra attempt of DoRetry
	// with the error of the previous one.
	OnRetry func(name string, attempt int, err error)
}

// Resource is one exclusive physical resource: calls through it are strictly
// serialized and each one occupies a Pool slot while it runs.
type Resource struct {
	name string
	pool *Pool
	excl *semaphore.Weighted
	opts ResourceOptions

	mu       sync.Mutex
	failures int
	lastErr  error
	calls    uint64
}

// Resource creates a named resource sharing p's worker slots.
func (p *Pool) Resource(name string, opts ResourceOptions) *Resource {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	return &Resource{
		name: name,
		pool: p,
		excl: semaphore.NewWeighted(1),
		opts: opts,
	}
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Do runs fn once with exclusive access to the resource. Waiting for access
// honours ctx; once fn has started it always runs to completion.
func (r *Resource) Do(ctx context.Context, fn func() error) error {
	err := r.run(ctx, fn)
	if ctx.Err() == nil || err == nil {
		r.Record(err)
	}
	return err
}

func (r *Resource) run(ctx context.Context, fn func() error) error {
	if err := r.excl.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.excl.Release(1)
	if err := r.pool.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.pool.sem.Release(1)
	return fn()
}

// DoRetry is Do with up to Retries extra attempts. A call that fails every
// attempt returns an error wrapping ErrTransientIO and the last cause. Only
// idempotent operations may use it.
func (r *Resource) DoRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.opts.Retries; attempt++ {
		if attempt > 0 && r.opts.OnRetry != nil {
			r.opts.OnRetry(r.name, attempt, err)
		}
		if attempt > 0 && r.opts.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.RetryDelay):
			}
		}
		if err = r.run(ctx, fn); err == nil {
			r.Record(nil)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	err = fmt.Errorf("%s: %w: %w", r.name, ErrTransientIO, err)
	r.Record(err)
	return err
}

// Record accounts for the outcome of a call made outside Do, such as a
// serial link that dropped.
func (r *Resource) Record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err == nil {
		r.failures = 0
		r.lastErr = nil
		return
	}
	r.failures++
	r.lastErr = err
}

// Failed reports whether the resource is in persistent failure.
func (r *Resource) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures >= r.opts.FailureThreshold
}

// ResourceStatus is a snapshot used by health reporting.
type ResourceStatus struct {
	Name                string `json:"name"`
	Calls               uint64 `json:"calls"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Failed              bool   `json:"failed"`
	LastError           string `json:"last_error,omitempty"`
}

// Status returns the resource's failure accounting.
func (r *Resource) Status() ResourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := ResourceStatus{
		Name:                r.name,
		Calls:               r.calls,
		ConsecutiveFailures: r.failures,
		Failed:              r.failures >= r.opts.FailureThreshold,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}
