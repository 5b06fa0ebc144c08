package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type fetchFunc func(ctx context.Context) (*JobStatus, error)

// poller queries one TaskHandle until it reaches a terminal state. The next
// query is only scheduled once the previous one has resolved.
type poller struct {
	policy  PollPolicy
	fetch   fetchFunc
	onPoll  func(status *JobStatus)       // non-terminal snapshot
	onRetry func(failures int, err error) // failed poll still within budget
}

func (p PollPolicy) withDefaults() PollPolicy {
	def := DefaultPollPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	switch {
	case p.MaxFailures == 0:
		p.MaxFailures = def.MaxFailures
	case p.MaxFailures < 0:
		p.MaxFailures = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// run returns the terminal JobStatus, or ErrPollingFailed, ErrPollingTimedOut
// or the parent context's error when cancelled.
func (p *poller) run(ctx context.Context) (*JobStatus, error) {
	policy := p.policy.withDefaults()

	runCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	timedOut := func(polls int) error {
		return fmt.Errorf("%w: no terminal state after %d polls in %v", ErrPollingTimedOut, polls, policy.Timeout)
	}

	failures := 0
	for polls := 1; ; polls++ {
		status, err := p.fetch(runCtx)
		if err == nil && status == nil {
			err = errors.New("empty job status")
		}

		// Cancelled by the owner: whatever came back belongs to a dead attempt
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err == nil {
			failures = 0
			if status.State.Terminal() {
				return status, nil
			}
			if p.onPoll != nil {
				p.onPoll(status)
			}
		} else {
			if runCtx.Err() != nil {
				return nil, timedOut(polls)
			}
			failures++
			if failures > policy.MaxFailures {
				return nil, fmt.Errorf("%w after %d consecutive failures: %w", ErrPollingFailed, failures, err)
			}
			if p.onRetry != nil {
				p.onRetry(failures, err)
			}
		}

		timer := time.NewTimer(policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-runCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, timedOut(polls)
		case <-timer.C:
			// Both may be ready at once; a cancelled attempt is never queried again
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
}
