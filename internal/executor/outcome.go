package executor

import "fmt"

// OutcomeKind classifies the result of one registration attempt.
type OutcomeKind int

const (
	// OutcomeSuccess: registration confirmed by the external surface
	// (or verified as already registered).
	OutcomeSuccess OutcomeKind = iota
	// OutcomeAlreadyFull: the course has no free slots. Terminal; retrying
	// is useless.
	OutcomeAlreadyFull
	// OutcomeWindowNotOpen: the attempt ran before the true registration
	// window opened (clock skew or premature fire). Retried after a short
	// fixed delay, not the full backoff.
	OutcomeWindowNotOpen
	// OutcomeTransientFailure: network or server error; eligible for retry
	// under the backoff policy.
	OutcomeTransientFailure
	// OutcomePermanentFailure: a failure retrying cannot fix (bad
	// credentials, rejected request). Terminal; needs human attention.
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyFull:
		return "already_full"
	case OutcomeWindowNotOpen:
		return "window_not_open"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the result of one registration attempt. It is a plain data
// value; the scheduler's state machine handles every kind explicitly and
// an Outcome never aborts the scheduling loop.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func Success(reason string) Outcome       { return Outcome{Kind: OutcomeSuccess, Reason: reason} }
func AlreadyFull(reason string) Outcome   { return Outcome{Kind: OutcomeAlreadyFull, Reason: reason} }
func WindowNotOpen(reason string) Outcome { return Outcome{Kind: OutcomeWindowNotOpen, Reason: reason} }
func Transient(reason string) Outcome     { return Outcome{Kind: OutcomeTransientFailure, Reason: reason} }
func Permanent(reason string) Outcome     { return Outcome{Kind: OutcomePermanentFailure, Reason: reason} }
