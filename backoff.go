package proofdb

import "context"
import "time"

import "github.com/cenkalti/backoff/v4"

// Backoff is the single retry/idle policy shared by every poll loop:
// exponential growth with jitter, capped, reset to the initial delay on success.
// It is not safe for concurrent use, each loop owns one.
type Backoff struct {
	b *backoff.ExponentialBackOff
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.RandomizationFactor
	b.MaxElapsedTime = 0 // never give up, loops stop through their context
	b.Reset()
	return &Backoff{b: b}
}

// Next returns the next delay
func (b *Backoff) Next() time.Duration {
	d := b.b.NextBackOff()
	if d == backoff.Stop {
		return b.b.MaxInterval
	}
	return d
}

// Reset goes back to the initial delay
func (b *Backoff) Reset() {
	b.b.Reset()
}

// Wait sleeps for the next delay or until ctx is done
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
