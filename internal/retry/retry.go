// Package retry runs store operations with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how quickly a failing operation is retried.
type Policy struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultPolicy retries three times starting at 25ms.
var DefaultPolicy = Policy{
	MaxRetries:      3,
	InitialInterval: 25 * time.Millisecond,
	MaxInterval:     time.Second,
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if p.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Do calls op until it succeeds, returns an error for which retryable is
// false, the retry budget runs out, or ctx is done. The last error is
// returned unchanged.
func Do(ctx context.Context, p Policy, op string, retryable func(error) bool, fn func() error) error {
	attempt := func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("retrying operation", "op", op, "error", err, "wait", wait)
	}
	return backoff.RetryNotify(attempt, p.backOff(ctx), notify)
}
