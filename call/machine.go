package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.opencensus.io/stats"

	"go.ringline.dev/callkit"
	"go.ringline.dev/callkit/history"
	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
	"go.ringline.dev/callkit/users"
)

func (c *Client) newSession(record signaling.CallRecord, side signaling.Side) *session {
	ctx, cancel := context.WithCancel(context.Background())
	logger := c.logger.With("call", record.ID, "side", side)
	s := &session{
		id:        record.ID,
		record:    record,
		side:      side,
		peerID:    record.PeerOf(c.options.UserID),
		logger:    logger,
		state:     StateIdle,
		ctx:       ctx,
		cancel:    cancel,
		resources: media.NewResources(c.options.Source, c.options.Peers, logger),
		publisher: newTaskQueue(),
		startedAt: time.Now(),
	}
	c.sessions[s.id] = s
	c.finalizers.Add(1)
	callkit.PanicCapturingGo(func() {
		defer c.finalizers.Done()
		s.publisher.run()
	})
	return s
}

// transition moves s to a non-terminal state and reports it.
func (c *Client) transition(s *session, to State, local bool) bool {
	if !CanTransition(s.state, to) {
		s.logger.Debugw("ignoring transition", "from", s.state, "to", to)
		return false
	}
	s.logger.Debugw("call state changed", "from", s.state, "to", to)
	s.state = to
	s.localInitiated = local
	c.emitStatus(s)
	return true
}

// startOutgoing rings the callee of a created call. The caller captures media, builds
// its peer and publishes an offer while the call rings.
func (c *Client) startOutgoing(record signaling.CallRecord) {
	s := c.newSession(record, signaling.SideCaller)
	c.transition(s, StateRinging, true)
	c.startRingTimer(s)

	c.goWork(s, func(ctx context.Context) {
		if err := c.follow(ctx, s); err != nil {
			c.resume(s, func() { c.fail(s, err) }, StateRinging)
			return
		}
		if _, err := s.resources.AcquireLocalMedia(ctx, record.Type); err != nil {
			c.resume(s, func() { c.fail(s, err) }, StateRinging)
			return
		}
		peer, err := s.resources.CreatePeerConnection(ctx, true, c.peerEvents(s))
		if err != nil {
			c.resume(s, func() { c.fail(s, err) }, StateRinging)
			return
		}
		c.resume(s, func() {
			s.peer = peer
			c.maybeApplyAnswer(s)
		}, StateRinging)
		if err := c.subscribeRemote(ctx, s); err != nil {
			c.resume(s, func() { c.fail(s, err) }, StateRinging)
			return
		}
		if err := peer.CreateOffer(ctx); err != nil {
			c.resume(s, func() { c.fail(s, err) }, StateRinging)
		}
	})
}

// handleIncoming starts a session for a call ringing for the user. The prompt is raised
// once the caller's profile is known.
func (c *Client) handleIncoming(record signaling.CallRecord) {
	if c.closed || record.ReceiverID != c.options.UserID || record.Status != signaling.StatusRinging {
		return
	}
	if _, ok := c.sessions[record.ID]; ok || c.finished.Has(record.ID) {
		return
	}
	if len(c.sessions) > 0 {
		c.logger.Infow("rejecting call while busy", "call", record.ID, "caller", record.CallerID)
		c.finished.Add(record.ID)
		c.background(func(ctx context.Context) {
			if _, err := c.updateStatus(ctx, record.ID, signaling.StatusRejected, reasonBusy); err != nil {
				c.logger.Debugw("failed to reject call while busy", "call", record.ID, "error", err)
			}
		})
		return
	}

	s := c.newSession(record, signaling.SideReceiver)
	s.state = StateRinging
	c.startRingTimer(s)

	c.goWork(s, func(ctx context.Context) {
		if err := c.follow(ctx, s); err != nil {
			c.resume(s, func() { c.fail(s, err) }, StateRinging)
			return
		}
		if err := c.subscribeRemote(ctx, s); err != nil {
			c.resume(s, func() { c.fail(s, err) }, StateRinging)
			return
		}
		caller, err := c.options.Users.GetUserProfile(ctx, record.CallerID)
		if err != nil {
			s.logger.Warnw("failed to look up caller", "error", err)
			caller = users.Profile{ID: record.CallerID}
		}
		incoming := IncomingCall{CallID: record.ID, Caller: caller, Type: record.Type}
		c.resume(s, func() {
			c.emit(func(h Handlers) {
				if h.OnIncomingCall != nil {
					h.OnIncomingCall(incoming)
				}
			})
			c.emitStatus(s)
		}, StateRinging)
	})
}

// accept claims the call for the callee and then builds the answering peer.
func (c *Client) accept(s *session) {
	c.goWork(s, func(ctx context.Context) {
		_, err := c.updateStatus(ctx, s.id, signaling.StatusConnecting, "")
		c.resume(s, func() {
			if err != nil {
				c.statusWriteFailed(s, err)
				return
			}
			s.stopRingTimer()
			c.transition(s, StateConnecting, true)
			c.startNegotiationTimer(s)

			c.goWork(s, func(ctx context.Context) {
				if _, err := s.resources.AcquireLocalMedia(ctx, s.record.Type); err != nil {
					c.resume(s, func() { c.fail(s, err) }, StateConnecting)
					return
				}
				peer, err := s.resources.CreatePeerConnection(ctx, false, c.peerEvents(s))
				if err != nil {
					c.resume(s, func() { c.fail(s, err) }, StateConnecting)
					return
				}
				c.resume(s, func() {
					s.peer = peer
					c.maybeAnswer(s)
				}, StateConnecting)
			})
		}, StateRinging)
	})
}

// follow subscribes to the call's status so remote terminal changes end the session.
func (c *Client) follow(ctx context.Context, s *session) error {
	cancel, err := c.options.Channel.SubscribeToStatus(ctx, s.id, s.side, func(record signaling.CallRecord) {
		c.post(func() {
			if c.live(s) {
				c.handleStatus(s, record)
			}
		})
	})
	if err != nil {
		return errors.Wrapf(ErrSignalingFailure, "failed to follow call status: %v", err)
	}
	s.subs.add(cancel)
	return nil
}

// subscribeRemote subscribes to the other side's description and candidates.
func (c *Client) subscribeRemote(ctx context.Context, s *session) error {
	onDescription := func(desc webrtc.SessionDescription) {
		c.post(func() {
			if c.live(s) {
				c.handleRemoteDescription(s, desc)
			}
		})
	}
	var cancel signaling.CancelFunc
	var err error
	if s.side == signaling.SideCaller {
		cancel, err = c.options.Channel.SubscribeToAnswer(ctx, s.id, onDescription)
	} else {
		cancel, err = c.options.Channel.SubscribeToOffer(ctx, s.id, onDescription)
	}
	if err != nil {
		return errors.Wrapf(ErrSignalingFailure, "failed to subscribe to remote description: %v", err)
	}
	s.subs.add(cancel)

	cancel, err = c.options.Channel.SubscribeToICECandidates(ctx, s.id, s.side.Opposite(),
		func(candidate webrtc.ICECandidateInit) {
			c.post(func() {
				if c.live(s) {
					c.handleRemoteCandidate(s, candidate)
				}
			})
		})
	if err != nil {
		return errors.Wrapf(ErrSignalingFailure, "failed to subscribe to remote candidates: %v", err)
	}
	s.subs.add(cancel)
	return nil
}

func (c *Client) handleStatus(s *session, record signaling.CallRecord) {
	if !record.Status.Terminal() {
		if record.Status == signaling.StatusConnecting {
			c.claimedRemotely(s)
		}
		return
	}
	reason := record.EndReason
	if reason == "" {
		reason = string(record.Status)
	}
	c.finish(s, stateFromStatus(record.Status), outcome{
		reason: reason,
		local:  record.EndedBy == c.options.UserID,
	})
}

func (c *Client) handleRemoteDescription(s *session, desc webrtc.SessionDescription) {
	if s.side == signaling.SideCaller {
		if s.remoteAnswer == nil {
			s.remoteAnswer = &desc
			c.maybeApplyAnswer(s)
		}
		return
	}
	if s.remoteOffer == nil {
		s.remoteOffer = &desc
		c.maybeAnswer(s)
	}
}

// maybeApplyAnswer moves the caller to connecting once both its peer and the answer
// are there.
func (c *Client) maybeApplyAnswer(s *session) {
	if s.state != StateRinging || s.peer == nil || s.remoteAnswer == nil || s.applying {
		return
	}
	s.applying = true
	s.stopRingTimer()
	c.transition(s, StateConnecting, false)
	c.startNegotiationTimer(s)

	peer, answer := s.peer, *s.remoteAnswer
	c.goWork(s, func(ctx context.Context) {
		err := peer.SetRemoteDescription(answer)
		c.resume(s, func() { c.remoteDescriptionApplied(s, err) }, StateConnecting, StateConnected)
	})
}

// maybeAnswer answers the offer once the callee has accepted and built its peer.
func (c *Client) maybeAnswer(s *session) {
	if s.state != StateConnecting || s.peer == nil || s.remoteOffer == nil || s.applying {
		return
	}
	s.applying = true

	peer, offer := s.peer, *s.remoteOffer
	c.goWork(s, func(ctx context.Context) {
		err := peer.AcceptOffer(ctx, offer)
		c.resume(s, func() { c.remoteDescriptionApplied(s, err) }, StateConnecting, StateConnected)
	})
}

// remoteDescriptionApplied applies the candidates that arrived before the remote
// description.
func (c *Client) remoteDescriptionApplied(s *session, err error) {
	if err != nil {
		c.fail(s, err)
		return
	}
	s.remoteDescriptionSet = true
	pending := c.pendingCandidates[s.id]
	delete(c.pendingCandidates, s.id)
	for _, candidate := range pending {
		c.applyCandidate(s, candidate)
	}
}

func (c *Client) handleRemoteCandidate(s *session, candidate webrtc.ICECandidateInit) {
	if s.peer == nil || !s.remoteDescriptionSet {
		c.pendingCandidates[s.id] = append(c.pendingCandidates[s.id], candidate)
		return
	}
	c.applyCandidate(s, candidate)
}

func (c *Client) applyCandidate(s *session, candidate webrtc.ICECandidateInit) {
	if err := s.peer.AddICECandidate(candidate); err != nil {
		s.logger.Warnw("failed to add remote candidate", "error", err)
	}
}

func (c *Client) peerEvents(s *session) media.PeerEvents {
	onLoop := func(f func()) {
		c.post(func() {
			if c.live(s) {
				f()
			}
		})
	}
	return media.PeerEvents{
		OnLocalDescription: func(desc webrtc.SessionDescription) {
			onLoop(func() { c.publishDescription(s, desc) })
		},
		OnICECandidate: func(candidate webrtc.ICECandidateInit) {
			onLoop(func() { c.publishCandidate(s, candidate) })
		},
		OnRemoteStream: func(stream *media.RemoteStream) {
			onLoop(func() { c.emitRemoteStream(s, stream) })
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			onLoop(func() { c.handlePeerState(s, state) })
		},
		OnError: func(err error) {
			onLoop(func() { c.handlePeerError(s, err) })
		},
	}
}

func (c *Client) handlePeerState(s *session, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.state != StateConnecting {
			return
		}
		s.stopNegotiationTimer()
		s.connectedAt = time.Now()
		c.transition(s, StateConnected, false)
		recordConnected(s, s.connectedAt.Sub(s.startedAt))
		c.goWork(s, func(ctx context.Context) {
			_, err := c.updateStatus(ctx, s.id, signaling.StatusConnected, "")
			if err == nil {
				return
			}
			c.resume(s, func() {
				var invalid *signaling.InvalidTransitionError
				if errors.As(err, &invalid) && invalid.From.Terminal() {
					c.finish(s, stateFromStatus(invalid.From), outcome{reason: string(invalid.From)})
					return
				}
				s.logger.Debugw("did not store connected status", "error", err)
			}, StateConnected)
		})
	case webrtc.PeerConnectionStateFailed:
		if s.state == StateConnecting || s.state == StateConnected {
			c.finish(s, StateEnded, outcome{
				reason: reasonConnectionFailed,
				err:    errors.Wrap(ErrPeerConnectionFailed, "ice connectivity lost"),
				local:  true,
				write:  true,
			})
		}
	case webrtc.PeerConnectionStateDisconnected:
		s.logger.Warnw("peer connection disconnected")
	default:
	}
}

func (c *Client) handlePeerError(s *session, err error) {
	if s.state == StateConnected {
		s.logger.Warnw("peer connection error", "error", err)
		return
	}
	c.fail(s, err)
}

func (c *Client) publishDescription(s *session, desc webrtc.SessionDescription) {
	if s.side == signaling.SideCaller {
		c.publish(s, "offer", func(ctx context.Context) error {
			return c.options.Channel.PublishOffer(ctx, s.id, desc)
		})
		return
	}
	c.publish(s, "answer", func(ctx context.Context) error {
		return c.options.Channel.PublishAnswer(ctx, s.id, desc)
	})
}

func (c *Client) publishCandidate(s *session, candidate webrtc.ICECandidateInit) {
	c.publish(s, "ice candidate", func(ctx context.Context) error {
		return c.options.Channel.PublishICECandidate(ctx, s.id, s.side, candidate)
	})
}

// publish queues a signaling write on the session's publisher, retrying transient
// failures. A write that still fails ends the session.
func (c *Client) publish(s *session, what string, write func(ctx context.Context) error) {
	s.publisher.push(func() {
		var attempts int
		_, err := callkit.RetryNTimesWithSleep(s.ctx, func() (struct{}, error) {
			if attempts > 0 {
				stats.Record(s.ctx, publishRetries.M(1))
			}
			attempts++
			ctx, cancel := callkit.MergeContextWithTimeout(s.ctx, c.workers.Context(), c.options.WriteTimeout)
			defer cancel()
			return struct{}{}, write(ctx)
		}, c.options.PublishAttempts, c.options.PublishRetryDelay, signaling.ErrSignalingPublishFailed)
		switch {
		case err == nil, s.ctx.Err() != nil:
			return
		case errors.Is(err, signaling.ErrCallNotActive):
			s.logger.Debugw("call ended before publishing", "what", what)
			return
		}
		s.logger.Warnw("failed to publish", "what", what, "error", err)
		c.post(func() {
			if c.live(s) {
				c.fail(s, errors.Wrapf(ErrSignalingFailure, "failed to publish %s: %v", what, err))
			}
		})
	})
}

func (c *Client) startRingTimer(s *session) {
	s.ringTimer = time.AfterFunc(c.options.RingTimeout, func() {
		c.post(func() {
			if c.live(s) {
				c.ringTimedOut(s)
			}
		})
	})
}

// ringTimedOut marks the call missed. The session only ends once the directory agrees,
// since the other side may have answered in the meantime.
func (c *Client) ringTimedOut(s *session) {
	if s.state != StateRinging || s.expiring {
		return
	}
	s.expiring = true
	s.logger.Infow("call was not answered in time")
	c.goWork(s, func(ctx context.Context) {
		_, err := c.updateStatus(ctx, s.id, signaling.StatusMissed, reasonNoAnswer)
		c.resume(s, func() {
			var invalid *signaling.InvalidTransitionError
			switch {
			case err == nil:
				c.finish(s, StateMissed, outcome{reason: reasonNoAnswer, local: true})
			case errors.As(err, &invalid):
				if invalid.From.Terminal() {
					c.finish(s, stateFromStatus(invalid.From), outcome{reason: string(invalid.From)})
					return
				}
				c.claimedRemotely(s)
			default:
				c.finish(s, StateMissed, outcome{
					reason: reasonNoAnswer,
					err:    errors.Wrapf(ErrSignalingFailure, "failed to mark call missed: %v", err),
					local:  true,
					write:  true,
				})
			}
		}, StateRinging)
	})
}

// claimedRemotely handles the callee accepting while the caller still waits for the
// answer. Ringing no longer times out, so the caller waits at most a negotiation timeout.
func (c *Client) claimedRemotely(s *session) {
	if s.side != signaling.SideCaller || s.state != StateRinging {
		return
	}
	s.stopRingTimer()
	c.startNegotiationTimer(s)
}

// startNegotiationTimer bounds the time left to connect. A running timer is kept.
func (c *Client) startNegotiationTimer(s *session) {
	if s.negotiationTimer != nil {
		return
	}
	s.negotiationTimer = time.AfterFunc(c.options.NegotiationTimeout, func() {
		c.post(func() {
			if c.live(s) && (s.state == StateRinging || s.state == StateConnecting) {
				c.finish(s, StateEnded, outcome{
					reason: reasonTimedOut,
					err:    errors.Wrap(ErrPeerConnectionFailed, "negotiation timed out"),
					local:  true,
					write:  true,
				})
			}
		})
	})
}

func (c *Client) updateStatus(
	ctx context.Context, callID string, to signaling.Status, reason string,
) (signaling.CallRecord, error) {
	return callkit.RetryNTimesWithSleep(ctx, func() (signaling.CallRecord, error) {
		return c.options.Directory.UpdateStatus(ctx, callID, signaling.StatusUpdate{
			To:     to,
			By:     c.options.UserID,
			Reason: reason,
		})
	}, c.options.PublishAttempts, c.options.PublishRetryDelay, signaling.ErrSignalingPublishFailed)
}

// statusWriteFailed handles a refused or failed status write of a live session.
func (c *Client) statusWriteFailed(s *session, err error) {
	var invalid *signaling.InvalidTransitionError
	if errors.As(err, &invalid) {
		if invalid.From.Terminal() {
			c.finish(s, stateFromStatus(invalid.From), outcome{reason: string(invalid.From)})
			return
		}
		s.logger.Debugw("call status already moved on", "status", invalid.From)
		return
	}
	c.fail(s, errors.Wrapf(ErrSignalingFailure, "failed to store call status: %v", err))
}

// fail ends s because of err, unless err only says the session is already over.
func (c *Client) fail(s *session, err error) {
	switch {
	case errors.Is(err, media.ErrReleased), errors.Is(err, context.Canceled):
		return
	case errors.Is(err, media.ErrMediaUnavailable):
		c.finish(s, StateEnded, outcome{reason: reasonMediaUnavailable, err: err, local: true, write: true})
	case errors.Is(err, ErrSignalingFailure):
		c.finish(s, StateEnded, outcome{reason: reasonSignalingFailed, err: err, local: true, write: true})
	default:
		if !errors.Is(err, ErrPeerConnectionFailed) {
			err = errors.Wrap(ErrPeerConnectionFailed, err.Error())
		}
		c.finish(s, StateEnded, outcome{reason: reasonConnectionFailed, err: err, local: true, write: true})
	}
}

// finish moves s to a terminal state. It runs once per session: the session is dropped
// from the client, its events stop and its resources are released in the background.
func (c *Client) finish(s *session, to State, out outcome) {
	if s.state.Terminal() || !c.live(s) {
		return
	}
	if !CanTransition(s.state, to) {
		s.logger.Debugw("ending call instead", "from", s.state, "to", to)
		to = StateEnded
	}
	s.logger.Infow("call finished", "from", s.state, "to", to, "reason", out.reason)
	s.state = to
	s.reason = out.reason
	s.err = out.err
	s.localInitiated = out.local
	s.endedAt = time.Now()

	s.stopRingTimer()
	s.stopNegotiationTimer()
	s.cancel()
	delete(c.sessions, s.id)
	delete(c.pendingCandidates, s.id)
	c.finished.Add(s.id)
	s.publisher.close()

	c.emitStatus(s)
	recordFinished(s)
	c.finalize(s, out.write)
}

// finalize stops the session's subscriptions, stores the terminal status when this
// client decided it, releases media and archives the call.
func (c *Client) finalize(s *session, write bool) {
	update := signaling.StatusUpdate{To: s.state.Status(), By: c.options.UserID, Reason: s.reason}
	entry := c.historyEntry(s)
	c.background(func(ctx context.Context) {
		s.subs.close()
		if write {
			_, err := callkit.RetryNTimesWithSleep(ctx, func() (signaling.CallRecord, error) {
				return c.options.Directory.UpdateStatus(ctx, s.id, update)
			}, c.options.PublishAttempts, c.options.PublishRetryDelay, signaling.ErrSignalingPublishFailed)
			switch {
			case err == nil:
			case errors.Is(err, signaling.ErrInvalidTransition):
				s.logger.Debugw("call already ended elsewhere", "error", err)
			default:
				s.logger.Warnw("failed to store final call status", "error", err)
			}
		}
		if err := s.resources.Release(); err != nil {
			s.logger.Warnw("failed to release call resources", "error", err)
		}
		if c.options.Archive != nil {
			if err := c.options.Archive.Record(ctx, entry); err != nil {
				s.logger.Warnw("failed to archive call", "error", err)
			}
		}
	})
}

func (c *Client) historyEntry(s *session) history.Entry {
	entry := history.Entry{
		UserID:         c.options.UserID,
		CallID:         s.id,
		PeerID:         s.peerID,
		Side:           s.side,
		Type:           s.record.Type,
		Status:         s.state.Status(),
		Reason:         s.reason,
		LocalInitiated: s.localInitiated,
		StartedAt:      s.startedAt,
		EndedAt:        s.endedAt,
	}
	if !s.connectedAt.IsZero() {
		connectedAt := s.connectedAt
		entry.ConnectedAt = &connectedAt
	}
	return entry
}

// background runs f with a write timeout. Close waits for it.
func (c *Client) background(f func(ctx context.Context)) {
	c.finalizers.Add(1)
	callkit.PanicCapturingGo(func() {
		defer c.finalizers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.options.WriteTimeout)
		defer cancel()
		f(ctx)
	})
}
