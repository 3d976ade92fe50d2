package domain

import "fmt"

// ValidationError rejects an event or action before any log mutation. The
// caller is notified synchronously and may retry with a corrected action.
type ValidationError struct {
	SessionID string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for session %s: %s", e.SessionID, e.Reason)
}

// ConcurrencyConflict is an optimistic-append sequence mismatch. The caller
// must re-read derived state and retry; nothing was written.
type ConcurrencyConflict struct {
	SessionID   string
	ExpectedSeq int
	ActualSeq   int
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict on session %s: expected seq %d, log is at %d",
		e.SessionID, e.ExpectedSeq, e.ActualSeq)
}

// DeliveryError is a single context's failed message delivery. It is surfaced
// per context and does not abort the session by itself.
type DeliveryError struct {
	ContextID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to context %s failed: %v", e.ContextID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TimeoutError marks an elapsed deadline. Deadlines are normal state
// transitions, not failures; this error only surfaces where a caller asked
// for a result that the deadline pre-empted.
type TimeoutError struct {
	SessionID string
	Round     int
}

func (e *TimeoutError) Error() string {
	if e.Round > 0 {
		return fmt.Sprintf("deadline elapsed for session %s round %d", e.SessionID, e.Round)
	}
	return fmt.Sprintf("deadline elapsed for session %s", e.SessionID)
}

// AgentDecisionError wraps a failure of the pluggable decision logic. It is
// recoverable: the context's turn yields no action for the round.
type AgentDecisionError struct {
	ContextID string
	Err       error
}

func (e *AgentDecisionError) Error() string {
	return fmt.Sprintf("agent decision failed for context %s: %v", e.ContextID, e.Err)
}

func (e *AgentDecisionError) Unwrap() error { return e.Err }
