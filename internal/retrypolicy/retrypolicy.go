// Package retrypolicy implements jittered exponential backoff retry, built
// on cenkalti/backoff/v4 the way the corpus wraps that library for its own
// reconnect/retry loops. It carries forward the named per-concern presets
// (bus vs. persistence) the Python original defined as MQTT_RETRY_CONFIG and
// DATABASE_RETRY_CONFIG.
package retrypolicy

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a named retry configuration for one operational concern.
type Policy struct {
	Name           string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ExponentialBase float64
	JitterFactor   float64
}

// BusPolicy governs MQTT connect retries: quick, frequent attempts.
// Publishes are not retried.
var BusPolicy = Policy{
	Name:            "bus",
	MaxAttempts:     5,
	BaseDelay:       500 * time.Millisecond,
	MaxDelay:        30 * time.Second,
	ExponentialBase: 2.0,
	JitterFactor:    0.1,
}

// PersistencePolicy is the database retry preset: fewer attempts, longer
// base delay, since a down database is rarely transient within seconds. No
// caller in this repository currently runs store operations through it.
var PersistencePolicy = Policy{
	Name:            "persistence",
	MaxAttempts:     3,
	BaseDelay:       1 * time.Second,
	MaxDelay:        10 * time.Second,
	ExponentialBase: 2.0,
	JitterFactor:    0.2,
}

// ErrExhausted wraps the last error once a Policy's MaxAttempts is spent.
var ErrExhausted = errors.New("retrypolicy: attempts exhausted")

// newBackOff builds the cenkalti/backoff ExponentialBackOff matching the
// policy's delay/jitter shape, capped by MaxAttempts via WithMaxRetries.
func (p Policy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.ExponentialBase
	eb.RandomizationFactor = p.JitterFactor
	eb.MaxElapsedTime = 0 // bounded by attempt count instead of wall clock
	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

// NonRetriable marks an error as permanent: Do stops retrying immediately
// and returns the wrapped error without consuming further attempts.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op under the policy's backoff schedule, respecting ctx
// cancellation. It returns the last error (wrapped in ErrExhausted) if every
// attempt fails, or the error immediately if op returns a NonRetriable one.
func Do(ctx context.Context, p Policy, op func() error) error {
	var lastErr error
	wrapped := func() error {
		err := op()
		lastErr = err
		return err
	}

	bo := backoff.WithContext(p.newBackOff(), ctx)
	if err := backoff.Retry(wrapped, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Unwrap()
		}
		if lastErr != nil {
			return errors.Join(ErrExhausted, lastErr)
		}
		return errors.Join(ErrExhausted, err)
	}
	return nil
}
