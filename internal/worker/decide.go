package worker

import (
	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/forecast"
)

// Reasons for terminal FAILED outcomes produced by the retry loop itself.
const (
	ReasonMaxWaitExceeded = "max wait time exceeded"
	ReasonBatchEmpty      = "no forecastable line items remained"
)

// retryState is the explicit state of one retry loop: the attempt number and
// the line items still in the unit. It is advanced only by decide.
type retryState struct {
	attempt   int
	remaining []int64
}

// callOutcome captures the result of one remote call attempt.
type callOutcome struct {
	ok       bool
	timedOut bool
	err      error
}

type decisionKind int

const (
	decideCompleted decisionKind = iota
	decideFailed
	// decideRetryBackoff retries the unchanged batch after a backoff sleep.
	decideRetryBackoff
	// decideRetryReduced retries immediately with the reduced batch, keeping
	// the same attempt counter.
	decideRetryReduced
)

// removedItem is a line item dropped from a delivery batch, to be persisted
// FAILED with the remote's reason.
type removedItem struct {
	id     int64
	reason string
}

// decision is the pure outcome of one decide step.
type decision struct {
	kind       decisionKind
	next       retryState
	removed    *removedItem
	failReason string
}

// decide maps (state, outcome) to the next step of the retry loop. It is a
// pure function: all sleeps and store writes happen in the driver.
func decide(state retryState, ftype domain.ForecastType, out callOutcome) decision {
	if out.ok {
		return decision{kind: decideCompleted, next: state}
	}

	if out.timedOut {
		return decision{
			kind: decideRetryBackoff,
			next: retryState{attempt: state.attempt + 1, remaining: state.remaining},
		}
	}

	c := forecast.Classify(out.err, state.remaining)
	if c.Class == forecast.ClassTransient {
		return decision{
			kind: decideRetryBackoff,
			next: retryState{attempt: state.attempt + 1, remaining: state.remaining},
		}
	}

	// Item-attributable. A single-item unit fails outright with the remote's
	// reason; a delivery batch drops exactly the offending item and retries
	// the reduced batch under the same attempt counter.
	if ftype == domain.ForecastAvailability || len(state.remaining) == 1 {
		return decision{kind: decideFailed, next: state, failReason: c.Reason}
	}

	reduced := make([]int64, 0, len(state.remaining)-1)
	for _, id := range state.remaining {
		if id != c.LineItemID {
			reduced = append(reduced, id)
		}
	}

	// The next state carries the reduced batch even when it is empty, so the
	// removed item's specific reason is never overwritten by a blanket one.
	if len(reduced) == 0 {
		return decision{
			kind:       decideFailed,
			next:       retryState{attempt: state.attempt, remaining: reduced},
			removed:    &removedItem{id: c.LineItemID, reason: c.Reason},
			failReason: ReasonBatchEmpty,
		}
	}

	return decision{
		kind:    decideRetryReduced,
		next:    retryState{attempt: state.attempt, remaining: reduced},
		removed: &removedItem{id: c.LineItemID, reason: c.Reason},
	}
}
