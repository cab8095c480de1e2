package redemption

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of one redemption attempt.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateResolved
	StateConfirmed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateConfirmed:
		return "confirmed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when an attempt is driven out of order.
var ErrInvalidTransition = errors.New("invalid attempt transition")

// ScanResult is the outcome of resolving raw station input.
type ScanResult struct {
	State     State            `json:"-"`
	Status    string           `json:"status"`
	Kind      ErrorKind        `json:"kind,omitempty"`
	Message   string           `json:"message,omitempty"`
	Identity  *IdentitySummary `json:"identity,omitempty"`
	SessionID int64            `json:"session_id,omitempty"`
	Method    Method           `json:"method,omitempty"`
}

// Accepted reports whether the attempt resolved to an identity.
func (r ScanResult) Accepted() bool { return r.State == StateResolved }

// Attempt tracks a single scan from input to confirmation. Terminal states
// are Confirmed and Rejected; an attempt is not reused.
type Attempt struct {
	state  State
	result ScanResult
	record *Record
}

// NewAttempt returns an attempt in the Idle state.
func NewAttempt() *Attempt { return &Attempt{} }

func (a *Attempt) State() State       { return a.state }
func (a *Attempt) Result() ScanResult { return a.result }

// Record returns the persisted record once the attempt is Confirmed.
func (a *Attempt) Record() (Record, bool) {
	if a.record == nil {
		return Record{}, false
	}
	return *a.record, true
}

func (a *Attempt) begin() error {
	if a.state != StateIdle {
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, a.state)
	}
	a.state = StateResolving
	return nil
}

func (a *Attempt) resolve(id IdentitySummary, sessionID int64, method Method) error {
	if a.state != StateResolving {
		return fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, a.state)
	}
	a.state = StateResolved
	a.result = ScanResult{
		State:     StateResolved,
		Status:    "resolved",
		Identity:  &id,
		SessionID: sessionID,
		Method:    method,
	}
	return nil
}

// reject is legal from Resolving (bad input) and Resolved (confirm lost a
// race or failed validation).
func (a *Attempt) reject(kind ErrorKind, msg string) error {
	if a.state != StateResolving && a.state != StateResolved {
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, a.state)
	}
	prev := a.result
	a.state = StateRejected
	a.result = ScanResult{
		State:     StateRejected,
		Status:    "rejected",
		Kind:      kind,
		Message:   msg,
		Identity:  prev.Identity,
		SessionID: prev.SessionID,
		Method:    prev.Method,
	}
	return nil
}

func (a *Attempt) confirm(rec Record) error {
	if a.state != StateResolved {
		return fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, a.state)
	}
	a.state = StateConfirmed
	a.record = &rec
	a.result.State = StateConfirmed
	a.result.Status = "confirmed"
	return nil
}
