package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds retry configuration for model and tool calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for LLM requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// Do runs op until it succeeds, returns a fatal error, the context ends, or
// the attempt budget is spent. notify, when set, is called before each wait.
func Do(ctx context.Context, cfg RetryConfig, op func(attempt int) error, notify func(err error, wait time.Duration)) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BackoffBase
	exp.Multiplier = cfg.BackoffMultiplier
	exp.MaxInterval = cfg.MaxBackoff
	exp.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := op(attempt)
		if err != nil && IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}
