// Package backoff provides the exponential backoff policies that bound every
// retry loop in the forecaster: forecast request retries, pool submission
// retries, and completion polling.
package backoff

import (
	"context"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"
)

// Config is one policy's triple: starting interval, interval cap, and the
// maximum total elapsed time before the policy signals stop.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// FromSeconds builds a Config from the configuration units used in the
// config file (seconds for intervals, minutes for total wait).
func FromSeconds(initialSeconds, maxSeconds, totalMinutes int) Config {
	return Config{
		InitialInterval: time.Duration(initialSeconds) * time.Second,
		MaxInterval:     time.Duration(maxSeconds) * time.Second,
		MaxElapsed:      time.Duration(totalMinutes) * time.Minute,
	}
}

// Policy yields a non-decreasing sequence of wait intervals, capped at the
// configured maximum, until the total elapsed time since creation exceeds
// the configured limit. A Policy is owned by a single retry loop and must
// not be shared.
type Policy struct {
	b *backoffv4.ExponentialBackOff
}

// New creates a fresh policy. The clock starts now.
func New(cfg Config) *Policy {
	b := backoffv4.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsed
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.Reset()
	return &Policy{b: b}
}

// Next returns the next wait interval. ok is false once the policy's maximum
// elapsed time has been exceeded; all subsequent calls also return false.
func (p *Policy) Next() (time.Duration, bool) {
	d := p.b.NextBackOff()
	if d == backoffv4.Stop {
		return 0, false
	}
	return d, true
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
