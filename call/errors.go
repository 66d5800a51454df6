package call

import (
	"github.com/pkg/errors"

	"go.ringline.dev/callkit/signaling"
)

var (
	// ErrPeerConnectionFailed ends a call whose peer connection could not be built or
	// did not connect.
	ErrPeerConnectionFailed = errors.New("peer connection failed")
	// ErrSignalingFailure ends a call whose signaling could not be published after retries.
	ErrSignalingFailure = errors.New("signaling failure")
	// ErrCalleeUnreachable is returned by PlaceCall when the callee is unknown, offline
	// or already in a call.
	ErrCalleeUnreachable = errors.New("callee unreachable")
	// ErrUnknownCall is returned for a call ID this client has no session for.
	ErrUnknownCall = errors.New("unknown call")
	// ErrNotRinging is returned when responding to a call that is no longer ringing.
	ErrNotRinging = errors.New("call is not ringing")
	// ErrClientClosed is returned once the client has been closed.
	ErrClientClosed = errors.New("call client closed")
	// ErrInvalidCall is returned by PlaceCall for a request that can never succeed.
	ErrInvalidCall = errors.New("invalid call")

	// ErrCallerBusy is returned by PlaceCall when the caller already has an active call.
	ErrCallerBusy = signaling.ErrCallerBusy
	// ErrCalleeBusy matches, along with ErrCalleeUnreachable, a PlaceCall to someone in a call.
	ErrCalleeBusy = signaling.ErrCalleeBusy
)

// unreachableError matches ErrCalleeUnreachable as well as its cause.
type unreachableError struct {
	cause error
}

func unreachable(cause error) error {
	return &unreachableError{cause: cause}
}

func (e *unreachableError) Error() string {
	return ErrCalleeUnreachable.Error() + ": " + e.cause.Error()
}

func (e *unreachableError) Unwrap() error {
	return e.cause
}

func (e *unreachableError) Is(target error) bool {
	return target == ErrCalleeUnreachable
}
