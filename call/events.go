package call

import (
	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
	"go.ringline.dev/callkit/users"
)

// An IncomingCall is a call ringing for the local user.
type IncomingCall struct {
	CallID string
	Caller users.Profile
	Type   signaling.CallType
}

// A StatusChange reports a session moving to a new state.
type StatusChange struct {
	CallID string
	State  State
	// Reason is a short human readable explanation, set on terminal states.
	Reason string
	// Err is the failure that ended the call, if any.
	Err error
	// LocalInitiated is true when this client decided the change.
	LocalInitiated bool
}

// Handlers receive client events. They are called one at a time, in order, from a
// goroutine of their own. Any of them may be nil. A handler may call back into the
// client but must not call Close.
type Handlers struct {
	OnIncomingCall      func(call IncomingCall)
	OnCallStatusChanged func(change StatusChange)
	OnRemoteStreamReady func(callID string, stream *media.RemoteStream)
}
