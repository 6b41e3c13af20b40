package queue

import (
	"context"
	"errors"
	"time"

	"github.com/Phala-Network/dstack-verifier/imagestore"
	"github.com/Phala-Network/dstack-verifier/registry"
)

// action is the retry state machine's decision for a failed attempt.
type action struct {
	Retry bool
	Delay time.Duration
}

// isTransient classifies an attempt error. Only network-shaped failures are
// retryable; everything else is a terminal property of the inputs.
func isTransient(err error) bool {
	var fetchErr *imagestore.FetchError
	if errors.As(err, &fetchErr) {
		return true
	}
	var rpcErr *registry.RPCError
	if errors.As(err, &rpcErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// calculateBackoff derives the delay before the given retry, doubling from
// the base up to the cap. attempt is 1-based: the delay after the first
// failed attempt is the base delay.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// nextAction decides what happens after a failed attempt. It is a pure
// function of the attempt count and the error, independently testable
// without any I/O: transient errors retry with exponential backoff until the
// attempt budget is exhausted; terminal errors never retry.
func nextAction(attempt, maxAttempts int, err error, base, max time.Duration) action {
	if err == nil {
		return action{}
	}
	if !isTransient(err) {
		return action{}
	}
	if attempt >= maxAttempts {
		return action{}
	}
	return action{Retry: true, Delay: calculateBackoff(attempt, base, max)}
}
