package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/envelope"
)

// RetryPolicy bounds handler retries for transient and timeout failures.
// Validation and fatal errors are never retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the
	// first. 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; each subsequent
	// retry multiplies it by Multiplier, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter adds up to this fraction of the computed backoff randomly,
	// spreading retries from concurrent executions.
	Jitter float64
}

// DefaultRetryPolicy retries transient failures twice with exponential
// backoff starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// backoff computes the delay before retry attempt n (1-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxBackoff); p.MaxBackoff > 0 && d > max {
		d = max
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// invokeHandler runs the node handler under the engine's timeout and retry
// policy.
func (e *Engine) invokeHandler(ctx context.Context, h Handler, node *diagram.Node, inputs map[string]any, hctx *HandlerContext) (*envelope.Envelope, error) {
	attempts := e.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		env, err := e.invokeWithTimeout(ctx, h, node, inputs, hctx)
		if err == nil {
			return env, nil
		}
		lastErr = err

		var herr *HandlerError
		if !errors.As(err, &herr) || !herr.Retryable() || attempt == attempts {
			break
		}
		if e.metrics != nil {
			e.metrics.Retries.Inc()
		}
		delay := e.retry.backoff(attempt)
		e.log.Warn().
			Str("node_id", string(node.ID)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("retrying node handler")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &HandlerError{Kind: KindTransient, Message: "context cancelled during backoff", Err: ctx.Err()}
		}
	}
	return nil, lastErr
}
