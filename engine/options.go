package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/events"
	"github.com/dipeo/dipeo-go/llm"
	"github.com/dipeo/dipeo-go/store"
)

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the observer sink for domain events. The state store
// is fed separately (WithStore) so its application stays ordered and its
// errors visible.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithStore attaches the state store; every event is applied to it
// synchronously before observers see it.
func WithStore(s *store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the engine's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetryPolicy replaces the default handler retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithNodeTimeout bounds each handler invocation; 0 disables the bound.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.nodeTimeout = d }
}

// WithMaxConcurrent allows up to n independent ready nodes to run in
// parallel within one execution. Results are still applied serially on
// the main loop. Default 1 (sequential).
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithDefaultIterationCap sets the loop bound for nodes that do not
// configure max_iteration. Default 100.
func WithDefaultIterationCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultIterationCap = n
		}
	}
}

// WithMaxRequeueAttempts sets how often a waiting node may be
// reconsidered before the execution fails as starved. Default 100.
func WithMaxRequeueAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRequeue = n
		}
	}
}

// WithCostTracker replaces the default cost tracker.
func WithCostTracker(t *llm.CostTracker) Option {
	return func(e *Engine) { e.cost = t }
}
