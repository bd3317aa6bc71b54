package approval

import (
	"context"
	"sync"
	"time"
)

type Outcome int

const (
	Decided Outcome = iota
	TimedOut
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Decided:
		return "decided"
	case TimedOut:
		return "timed_out"
	default:
		return "cancelled"
	}
}

// Race waits for the first of: a decision delivered through fire, the
// timeout, or ctx ending. subscribe registers the listener and returns its
// unsubscribe; the listener is removed and the timer stopped whichever
// branch wins. fire may be called any number of times; only the first call counts.
func Race(ctx context.Context, timeout time.Duration, subscribe func(fire func(Decision)) (unsubscribe func())) (Decision, Outcome) {
	decided := make(chan Decision, 1)
	var once sync.Once
	fire := func(d Decision) {
		once.Do(func() { decided <- d })
	}

	unsubscribe := subscribe(fire)
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-decided:
		return d, Decided
	case <-timer.C:
		return Deny, TimedOut
	case <-ctx.Done():
		return Deny, Cancelled
	}
}
