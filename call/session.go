package call

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"

	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
)

// Reasons recorded on terminal states.
const (
	reasonHungUp           = "hung up"
	reasonDeclined         = "declined"
	reasonNoAnswer         = "no answer"
	reasonBusy             = "busy"
	reasonMediaUnavailable = "camera or microphone unavailable"
	reasonConnectionFailed = "connection failed"
	reasonTimedOut         = "connection timed out"
	reasonSignalingFailed  = "signaling failed"
	reasonClientClosed     = "client closed"
	reasonSessionLost      = "session lost"
)

// A session is the local side of one call. Every field but the ones noted is owned by
// the client loop.
type session struct {
	id     string
	record signaling.CallRecord
	side   signaling.Side
	peerID string
	logger golog.Logger

	state          State
	reason         string
	err            error
	localInitiated bool

	// ctx is canceled once the session ends. Safe for any goroutine.
	ctx    context.Context
	cancel func()

	// Safe for any goroutine.
	resources *media.Resources
	subs      subscriptionSet
	publisher *taskQueue

	peer                 media.Peer
	remoteDescriptionSet bool
	remoteOffer          *webrtc.SessionDescription
	remoteAnswer         *webrtc.SessionDescription
	applying             bool
	accepted             bool
	expiring             bool

	ringTimer        *time.Timer
	negotiationTimer *time.Timer

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
}

func (s *session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *session) stopNegotiationTimer() {
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
}

func (s *session) snapshot() ActiveCall {
	return ActiveCall{
		CallID:    s.id,
		PeerID:    s.peerID,
		Side:      s.side,
		Type:      s.record.Type,
		State:     s.state,
		StartedAt: s.startedAt,
	}
}

// An ActiveCall describes the client's current session.
type ActiveCall struct {
	CallID    string
	PeerID    string
	Side      signaling.Side
	Type      signaling.CallType
	State     State
	StartedAt time.Time
}

// subscriptionSet collects the signaling subscriptions of a session. Subscriptions added
// after close are canceled right away.
type subscriptionSet struct {
	mu      sync.Mutex
	cancels []signaling.CancelFunc
	closed  bool
}

func (ss *subscriptionSet) add(cancel signaling.CancelFunc) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		cancel()
		return
	}
	ss.cancels = append(ss.cancels, cancel)
	ss.mu.Unlock()
}

func (ss *subscriptionSet) close() {
	ss.mu.Lock()
	ss.closed = true
	cancels := ss.cancels
	ss.cancels = nil
	ss.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// outcome describes how a session reached a terminal state.
type outcome struct {
	reason string
	err    error
	// local is set when this client decided the end.
	local bool
	// write asks for the terminal status to be stored in the directory.
	write bool
}
