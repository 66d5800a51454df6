package call

import (
	"testing"

	"go.viam.com/test"

	"go.ringline.dev/callkit/signaling"
)

func TestStateTransitions(t *testing.T) {
	for _, tc := range []struct {
		from, to State
		allowed  bool
	}{
		{StateIdle, StateRinging, true},
		{StateIdle, StateConnecting, false},
		{StateRinging, StateConnecting, true},
		{StateRinging, StateRejected, true},
		{StateRinging, StateMissed, true},
		{StateRinging, StateEnded, true},
		{StateRinging, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateEnded, true},
		{StateConnecting, StateRejected, false},
		{StateConnecting, StateMissed, false},
		{StateConnected, StateEnded, true},
		{StateConnected, StateRinging, false},
		{StateEnded, StateRinging, false},
		{StateRejected, StateEnded, false},
		{StateMissed, StateEnded, false},
	} {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			test.That(t, CanTransition(tc.from, tc.to), test.ShouldEqual, tc.allowed)
		})
	}
}

func TestStateTerminal(t *testing.T) {
	for _, state := range []State{StateEnded, StateRejected, StateMissed} {
		test.That(t, state.Terminal(), test.ShouldBeTrue)
	}
	for _, state := range []State{StateIdle, StateRinging, StateConnecting, StateConnected} {
		test.That(t, state.Terminal(), test.ShouldBeFalse)
	}
}

func TestStateStatus(t *testing.T) {
	for _, state := range []State{StateRinging, StateConnecting, StateConnected, StateEnded, StateRejected, StateMissed} {
		status := state.Status()
		test.That(t, string(status), test.ShouldEqual, string(state))
		test.That(t, stateFromStatus(status), test.ShouldEqual, state)
		test.That(t, status.Terminal(), test.ShouldEqual, state.Terminal())
	}
	test.That(t, StateIdle.Status(), test.ShouldEqual, signaling.Status(""))
}
