// Package retry runs an operation against a fixed delay schedule.
package retry

import (
	"context"
	"time"
)

// Policy is a fixed-schedule retry: one initial attempt plus one
// attempt per schedule entry, sleeping the entry's duration first.
type Policy struct {
	Schedule []time.Duration
}

// DefaultPolicy retries three times at 0.5s, 1.0s and 1.5s.
func DefaultPolicy() Policy {
	return Policy{Schedule: []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		1500 * time.Millisecond,
	}}
}

// Attempts is the total number of tries Do will make.
func (p Policy) Attempts() int { return len(p.Schedule) + 1 }

// Do invokes op until it succeeds or the schedule is exhausted. The
// last error is returned. Context cancellation interrupts the waits
// and wins over further attempts.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	for _, delay := range p.Schedule {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err = op(ctx); err == nil {
			return nil
		}
	}
	return err
}
