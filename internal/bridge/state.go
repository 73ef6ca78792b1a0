package bridge

import "errors"

// ErrBadState is returned when an operation is requested in a state that
// does not allow it. The caller must not assume any transition happened.
var ErrBadState = errors.New("bridge: operation not allowed in current state")

// ErrPeerGone marks the telephony peer disappearing while the session was
// active.
var ErrPeerGone = errors.New("bridge: telephony peer gone")

// State is the lifecycle position of a bridge session. Transitions are
// monotone: a session only ever moves to a higher-numbered state, except
// that any state may jump to StateError.
type State int32

const (
	// StateWaitingStart covers the window between the telephony accept and
	// the start event. Inbound audio is buffered, not forwarded.
	StateWaitingStart State = iota

	// StateActive is the steady bridging state: both legs open, audio
	// flowing in both directions.
	StateActive

	// StateEscalating is the first escalation phase: the agent link is being
	// closed, outbound forwarding is suspended.
	StateEscalating

	// StateAgentClosed is the second escalation phase: the agent link is
	// gone, the final stop frame has not been sent yet.
	StateAgentClosed

	// StateClosing means the session is tearing down; no more media frames
	// are written to the telephony peer.
	StateClosing

	// StateClosed is terminal.
	StateClosed

	// StateError is terminal for failed sessions.
	StateError
)

// String returns the lowercase state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateWaitingStart:
		return "waiting_start"
	case StateActive:
		return "active"
	case StateEscalating:
		return "escalating"
	case StateAgentClosed:
		return "agent_closed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Registered reports whether a session in this state belongs in the session
// registry.
func (s State) Registered() bool {
	switch s {
	case StateActive, StateEscalating, StateAgentClosed, StateClosing:
		return true
	}
	return false
}

// Terminal reports whether the session is finished.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}
