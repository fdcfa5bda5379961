package engine

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

// retryPolicy is the resolved retry configuration for one step: the
// step's declared values over the engine defaults.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func (e *Executor) retryPolicy(step *ast.Step) retryPolicy {
	policy := retryPolicy{
		baseDelay: e.config.RetryBaseDelay,
		maxDelay:  e.config.RetryMaxDelay,
	}
	if policy.baseDelay <= 0 {
		policy.baseDelay = 100 * time.Millisecond
	}
	if policy.maxDelay <= 0 {
		policy.maxDelay = 30 * time.Second
	}

	if step.Retry != nil {
		policy.maxRetries = step.Retry.MaxRetries
		if step.Retry.BaseDelay != nil {
			policy.baseDelay = step.Retry.BaseDelay.Duration
		}
		if step.Retry.MaxDelay != nil {
			policy.maxDelay = step.Retry.MaxDelay.Duration
		}
	}
	return policy
}

// delay computes the backoff before retrying a failed attempt:
// baseDelay doubled per attempt, capped at maxDelay, plus up to 10%
// jitter so synchronized retries spread out.
func (p retryPolicy) delay(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := rand.Float64() * delay * 0.1
	return time.Duration(delay + jitter)
}

// retryable decides whether a failed attempt may be retried. Errors carry
// their own verdict when wrapped by the adapter layer; unmarked errors
// default to retryable. Timeouts never retry.
func retryable(err error) bool {
	if errors.Is(err, errStepTimeout) {
		return false
	}
	var retryableErr *adapter.RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}
	return true
}
