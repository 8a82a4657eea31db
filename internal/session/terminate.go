package session

import (
	"context"
	"sync/atomic"
	"time"
)

type TerminateAction string

const (
	TerminateNone      TerminateAction = "none"
	TerminateWarn      TerminateAction = "warn"
	TerminateTerminate TerminateAction = "terminate"
)

type TerminateDecision struct {
	Action  TerminateAction
	Message string
}

const (
	terminateWarnMessage = "Press Ctrl-F again to terminate background agents"
	terminateDoneMessage = "All background agents killed"
)

// DecideTermination is the double-press confirmation state machine.
// presses is an owned counter mutated synchronously here, so two key
// presses landing within one input tick are both honored; deferring
// the write would collapse them into a single warn.
func DecideTermination(presses *atomic.Int32, activeBackground int) TerminateDecision {
	if activeBackground <= 0 {
		presses.Store(0)
		return TerminateDecision{Action: TerminateNone}
	}
	if presses.Load() == 0 {
		presses.Store(1)
		return TerminateDecision{Action: TerminateWarn, Message: terminateWarnMessage}
	}
	presses.Store(0)
	return TerminateDecision{Action: TerminateTerminate, Message: terminateDoneMessage}
}

type TerminateOutcome string

const (
	TerminateNoop       TerminateOutcome = "noop"
	TerminateFailed     TerminateOutcome = "failed"
	TerminateTerminated TerminateOutcome = "terminated"
)

type TerminateResult struct {
	Outcome        TerminateOutcome
	Agents         []Agent
	InterruptedIDs []string
	Err            error
}

// ExecuteTermination runs the two-phase cancel: external abort first,
// local interruption second. snapshot reads the live agent set and is
// called twice deliberately — the set may change while the abort is in
// flight, and interruption must only touch agents still active at that
// point. A failed abort applies no local state: the result carries the
// pre-callback snapshot unchanged.
func ExecuteTermination(ctx context.Context, snapshot func() []Agent, abort func(context.Context) error, now time.Time) TerminateResult {
	before := snapshot()
	if len(ActiveBackground(before)) == 0 {
		return TerminateResult{Outcome: TerminateNoop, Agents: before}
	}

	if abort != nil {
		if err := abort(ctx); err != nil {
			return TerminateResult{Outcome: TerminateFailed, Agents: before, Err: err}
		}
	}

	live := snapshot()
	updated, ids := Interrupt(live, now)
	return TerminateResult{Outcome: TerminateTerminated, Agents: updated, InterruptedIDs: ids}
}
