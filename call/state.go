package call

import (
	"slices"

	"go.ringline.dev/callkit/signaling"
)

// State is the local lifecycle state of a call session.
type State string

// The session states. Ended, Rejected and Missed are terminal.
const (
	StateIdle       = State("idle")
	StateRinging    = State("ringing")
	StateConnecting = State("connecting")
	StateConnected  = State("connected")
	StateEnded      = State("ended")
	StateRejected   = State("rejected")
	StateMissed     = State("missed")
)

var stateTransitions = map[State][]State{
	StateIdle:       {StateRinging},
	StateRinging:    {StateConnecting, StateRejected, StateMissed, StateEnded},
	StateConnecting: {StateConnected, StateEnded},
	StateConnected:  {StateEnded},
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateMissed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a session may move between the two states.
func CanTransition(from, to State) bool {
	return slices.Contains(stateTransitions[from], to)
}

// Status returns the shared call status matching the state. Idle has none.
func (s State) Status() signaling.Status {
	switch s {
	case StateRinging:
		return signaling.StatusRinging
	case StateConnecting:
		return signaling.StatusConnecting
	case StateConnected:
		return signaling.StatusConnected
	case StateEnded:
		return signaling.StatusEnded
	case StateRejected:
		return signaling.StatusRejected
	case StateMissed:
		return signaling.StatusMissed
	default:
		return ""
	}
}

func stateFromStatus(status signaling.Status) State {
	switch status {
	case signaling.StatusRinging:
		return StateRinging
	case signaling.StatusConnecting:
		return StateConnecting
	case signaling.StatusConnected:
		return StateConnected
	case signaling.StatusEnded:
		return StateEnded
	case signaling.StatusRejected:
		return StateRejected
	case signaling.StatusMissed:
		return StateMissed
	default:
		return StateIdle
	}
}
