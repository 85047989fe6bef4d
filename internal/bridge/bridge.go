// Package bridge lets a blocking caller wait for an asynchronous engine
// signal while the engine's events keep being pumped.
package bridge

import (
	"context"
	"time"
)

// DefaultPollInterval is the pause between pumps when nothing was pending.
const DefaultPollInterval = 10 * time.Millisecond

// Outcome reports how RunUntil ended.
type Outcome int

const (
	// Completed means one of the signals fired before the deadline.
	Completed Outcome = iota
	// TimedOut means the timer expired first.
	TimedOut
)

func (o Outcome) String() string {
	if o == Completed {
		return "completed"
	}
	return "timed_out"
}

// Pumper drains pending engine work without blocking.
type Pumper interface {
	PumpPendingEvents() int
}

// Bridge drives a Pumper from the calling goroutine.
type Bridge struct {
	pumper       Pumper
	pollInterval time.Duration
}

// New creates a bridge. A non-positive interval uses DefaultPollInterval.
func New(p Pumper, pollInterval time.Duration) *Bridge {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Bridge{pumper: p, pollInterval: pollInterval}
}

// RunUntil pumps until any signal channel is closed (or receives), or until
// timeout elapses. A cancelled ctx returns its error.
func (b *Bridge) RunUntil(ctx context.Context, timeout time.Duration, signals ...<-chan struct{}) (Outcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		pumped := b.pumper.PumpPendingEvents()

		if fired(signals) {
			return Completed, nil
		}

		select {
		case <-timer.C:
			return TimedOut, nil
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		default:
		}

		if pumped > 0 {
			continue
		}

		select {
		case <-timer.C:
			// A signal delivered by a concurrent pump wins over the timer.
			if fired(signals) {
				return Completed, nil
			}
			return TimedOut, nil
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

func fired(signals []<-chan struct{}) bool {
	for _, s := range signals {
		select {
		case <-s:
			return true
		default:
		}
	}
	return false
}
