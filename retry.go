package diligent

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig parametrizes the retry wrapper. Zero values fall back to
// the documented defaults via WithRetry.
type RetryConfig struct {
	MaxAttempts int
	BaseDelayMs int64
	MaxDelayMs  int64
	Cancel      <-chan struct{}
	OnRetry     func(attempt int, delayMs int64, err error)
}

const (
	defaultMaxAttempts = 5
	defaultBaseDelayMs = 1000
	defaultMaxDelayMs  = 30000
)

// RetryOption configures a retryProvider.
type RetryOption func(*RetryConfig)

// RetryMaxAttempts overrides the default of 5.
func RetryMaxAttempts(n int) RetryOption { return func(c *RetryConfig) { c.MaxAttempts = n } }

// RetryBaseDelay overrides the default 1000ms initial backoff.
func RetryBaseDelay(ms int64) RetryOption { return func(c *RetryConfig) { c.BaseDelayMs = ms } }

// RetryMaxDelay overrides the default 30000ms backoff ceiling.
func RetryMaxDelay(ms int64) RetryOption { return func(c *RetryConfig) { c.MaxDelayMs = ms } }

// RetryOnRetry registers a callback invoked before each backoff sleep.
func RetryOnRetry(fn func(attempt int, delayMs int64, err error)) RetryOption {
	return func(c *RetryConfig) { c.OnRetry = fn }
}

// retryProvider wraps an inner Provider, re-driving Stream on retryable
// errors with exponential backoff.
type retryProvider struct {
	inner Provider
	cfg   RetryConfig
}

// WithRetry wraps p so that retryable ProviderErrors from p.Stream are
// re-attempted per RetryConfig, per spec §4.3.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	cfg := RetryConfig{MaxAttempts: defaultMaxAttempts, BaseDelayMs: defaultBaseDelayMs, MaxDelayMs: defaultMaxDelayMs}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &retryProvider{inner: p, cfg: cfg}
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Stream(ctx context.Context, model string, pctx ProviderContext, opts ProviderOptions) *EventStream[ProviderEvent, ProviderResult] {
	out := NewProviderStream()
	cancel := opts.Cancel
	if cancel == nil {
		cancel = ctx.Done()
	}

	go func() {
		maxAttempts := r.cfg.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			select {
			case <-cancel:
				out.Push(ProviderEvent{Type: PEError, Err: &ProviderError{Kind: ErrorKindUnknown, Message: "cancelled"}})
				return
			default:
			}

			inner := r.inner.Stream(ctx, model, pctx, opts)
			var capturedErr error
			terminal := false

			for e := range inner.Iterate() {
				if e.Type == PEDone {
					out.Push(e)
					terminal = true
					continue
				}
				if e.Type == PEError {
					capturedErr = e.Err
					continue
				}
				out.Push(e)
			}

			// Drain (and discard) the inner terminal future so a
			// failure there never dangles unobserved.
			_, _ = inner.Result()

			if terminal {
				return
			}
			if capturedErr == nil {
				// Inner stream ended without done or error; nothing more to do.
				return
			}

			var perr *ProviderError
			if !errors.As(capturedErr, &perr) {
				perr = &ProviderError{Kind: ErrorKindUnknown, Message: capturedErr.Error()}
			}

			if !perr.Kind.Retryable() || attempt >= maxAttempts {
				out.Push(ProviderEvent{Type: PEError, Err: perr})
				return
			}

			delay := retryDelay(r.cfg.BaseDelayMs, r.cfg.MaxDelayMs, attempt, perr.RetryAfterMs)
			if r.cfg.OnRetry != nil {
				r.cfg.OnRetry(attempt, delay, perr)
			}
			if !sleepInterruptible(ctx, time.Duration(delay)*time.Millisecond, cancel) {
				out.Push(ProviderEvent{Type: PEError, Err: &ProviderError{Kind: ErrorKindUnknown, Message: "cancelled"}})
				return
			}
		}
	}()

	return out
}

// retryDelay computes min(maxDelayMs, max(baseDelayMs*2^(n-1)+jitter, retryAfterMs)).
func retryDelay(baseMs, maxMs int64, attempt int, retryAfterMs int64) int64 {
	if baseMs <= 0 {
		baseMs = defaultBaseDelayMs
	}
	if maxMs <= 0 {
		maxMs = defaultMaxDelayMs
	}
	backoff := baseMs
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > maxMs {
			backoff = maxMs
			break
		}
	}
	jitter := backoff / 2
	if jitter > 0 {
		backoff += rand.Int63n(jitter + 1)
	}
	delay := backoff
	if retryAfterMs > delay {
		delay = retryAfterMs
	}
	if delay > maxMs {
		delay = maxMs
	}
	return delay
}

// sleepInterruptible sleeps for d, waking early (and returning false) if
// cancel fires or ctx is done.
func sleepInterruptible(ctx context.Context, d time.Duration, cancel <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancel:
		return false
	case <-ctx.Done():
		return false
	}
}

var _ Provider = (*retryProvider)(nil)
