// Package call runs the call session state machine of a ringline user. A Client places,
// answers and hangs up calls, driving the signaling store and the peer connection of
// each session and reporting what happens through its Handlers.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.opencensus.io/stats"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"

	"go.ringline.dev/callkit"
	"go.ringline.dev/callkit/history"
	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
	"go.ringline.dev/callkit/users"
)

// A Client is one user's view of their calls. It holds at most one live session at a
// time. Every session state change happens on a single loop goroutine, so stale
// continuations from work started in an earlier state are dropped there.
type Client struct {
	options Options
	logger  golog.Logger

	// tasks feeds the loop. events feeds the handler dispatcher.
	tasks      *taskQueue
	events     *taskQueue
	loopDone   chan struct{}
	eventsDone chan struct{}

	// workers run cancellable steps such as media capture and negotiation.
	workers *callkit.StoppableWorkers
	// finalizers track releases, terminal writes and archiving of ended sessions.
	finalizers sync.WaitGroup

	closing   atomic.Bool
	closeOnce sync.Once

	mu             sync.Mutex
	incomingCancel signaling.CancelFunc

	// Loop owned.
	closed            bool
	sessions          map[string]*session
	finished          callkit.StringSet
	pendingCandidates map[string][]webrtc.ICECandidateInit
}

// NewClient returns a client for options.UserID. Call Start to begin receiving calls.
func NewClient(options Options) (*Client, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	options = options.withDefaults()
	c := &Client{
		options:           options,
		logger:            options.Logger.With("user", options.UserID),
		tasks:             newTaskQueue(),
		events:            newTaskQueue(),
		loopDone:          make(chan struct{}),
		eventsDone:        make(chan struct{}),
		workers:           callkit.NewStoppableWorkers(context.Background()),
		sessions:          map[string]*session{},
		finished:          callkit.NewStringSet(),
		pendingCandidates: map[string][]webrtc.ICECandidateInit{},
	}
	callkit.ManagedGo(c.tasks.run, func() { close(c.loopDone) })
	callkit.ManagedGo(c.events.run, func() { close(c.eventsDone) })
	return c, nil
}

// Start ends calls left active by an earlier run of this user and subscribes to
// incoming calls.
func (c *Client) Start(ctx context.Context) error {
	if c.closing.Load() {
		return ErrClientClosed
	}
	ctx, span := trace.StartSpan(ctx, "call::Client::Start")
	defer span.End()

	if err := c.reconcile(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incomingCancel != nil {
		return errors.New("client already started")
	}
	cancel, err := c.options.Channel.SubscribeToIncomingCalls(ctx, c.options.UserID, func(record signaling.CallRecord) {
		c.post(func() { c.handleIncoming(record) })
	})
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to incoming calls")
	}
	if c.closing.Load() {
		cancel()
		return ErrClientClosed
	}
	c.incomingCancel = cancel
	return nil
}

// reconcile ends the user's active call when this client has no session for it. A call
// still ringing for the user is left to the incoming subscription.
func (c *Client) reconcile(ctx context.Context) error {
	record, err := c.options.Directory.FindActiveCallFor(ctx, c.options.UserID)
	if err != nil {
		return errors.Wrap(err, "failed to look up active call")
	}
	if record == nil {
		return nil
	}
	if record.ReceiverID == c.options.UserID && record.Status == signaling.StatusRinging {
		return nil
	}
	var known bool
	if err := c.do(ctx, func() error {
		_, known = c.sessions[record.ID]
		return nil
	}); err != nil {
		return err
	}
	if known {
		return nil
	}
	c.logger.Infow("ending call left over from an earlier session", "call", record.ID, "status", record.Status)
	_, err = c.options.Directory.UpdateStatus(ctx, record.ID, signaling.StatusUpdate{
		To:     signaling.StatusEnded,
		By:     c.options.UserID,
		Reason: reasonSessionLost,
	})
	if err != nil && !errors.Is(err, signaling.ErrInvalidTransition) {
		return errors.Wrap(err, "failed to end stale call")
	}
	return nil
}

// PlaceCall rings the callee and returns the new call's ID. The call continues in the
// background and its progress is reported through OnCallStatusChanged.
func (c *Client) PlaceCall(ctx context.Context, calleeID string, callType signaling.CallType) (string, error) {
	if c.closing.Load() {
		return "", ErrClientClosed
	}
	ctx, span := trace.StartSpan(ctx, "call::Client::PlaceCall")
	defer span.End()

	switch {
	case calleeID == "":
		return "", errors.Wrap(ErrInvalidCall, "callee is required")
	case calleeID == c.options.UserID:
		return "", errors.Wrap(ErrInvalidCall, "cannot call yourself")
	}
	if err := callType.Validate(); err != nil {
		return "", errors.Wrap(ErrInvalidCall, err.Error())
	}

	var busy bool
	if err := c.do(ctx, func() error {
		busy = len(c.sessions) > 0
		return nil
	}); err != nil {
		return "", err
	}
	if busy {
		return "", ErrCallerBusy
	}

	profile, err := c.options.Users.GetUserProfile(ctx, calleeID)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return "", unreachable(err)
		}
		return "", errors.Wrap(err, "failed to look up callee")
	}
	if !profile.Online {
		return "", unreachable(errors.Errorf("%s is offline", profile.Name()))
	}

	record := signaling.NewCallRecord(c.options.UserID, calleeID, callType, time.Now())
	if err := c.options.Directory.CreateCall(ctx, record); err != nil {
		switch {
		case errors.Is(err, signaling.ErrCallerBusy):
			return "", ErrCallerBusy
		case errors.Is(err, signaling.ErrCalleeBusy):
			return "", unreachable(err)
		}
		return "", errors.Wrap(err, "failed to create call")
	}
	stats.Record(ctx, callsPlaced.M(1))

	if err := c.do(context.Background(), func() error {
		if c.closed {
			return ErrClientClosed
		}
		c.startOutgoing(record)
		return nil
	}); err != nil {
		c.abandon(record.ID)
		return "", err
	}
	return record.ID, nil
}

// abandon ends a created call that never got a session.
func (c *Client) abandon(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.options.WriteTimeout)
	defer cancel()
	_, err := c.options.Directory.UpdateStatus(ctx, callID, signaling.StatusUpdate{
		To:     signaling.StatusEnded,
		By:     c.options.UserID,
		Reason: reasonClientClosed,
	})
	if err != nil {
		c.logger.Warnw("failed to end abandoned call", "call", callID, "error", err)
	}
}

// RespondToCall accepts or rejects a call ringing for the user.
func (c *Client) RespondToCall(ctx context.Context, callID string, accept bool) error {
	return c.do(ctx, func() error {
		s, ok := c.sessions[callID]
		if !ok {
			if c.finished.Has(callID) {
				return ErrNotRinging
			}
			return ErrUnknownCall
		}
		if s.side != signaling.SideReceiver {
			return errors.Wrap(ErrNotRinging, "only the callee can respond")
		}
		if s.state != StateRinging || s.accepted {
			return ErrNotRinging
		}
		if !accept {
			c.finish(s, StateRejected, outcome{reason: reasonDeclined, local: true, write: true})
			return nil
		}
		s.accepted = true
		c.accept(s)
		return nil
	})
}

// HangUp ends the call. Hanging up a call that already ended does nothing.
func (c *Client) HangUp(ctx context.Context, callID string) error {
	return c.do(ctx, func() error {
		s, ok := c.sessions[callID]
		if !ok {
			if c.finished.Has(callID) {
				return nil
			}
			return ErrUnknownCall
		}
		c.finish(s, StateEnded, outcome{reason: reasonHungUp, local: true, write: true})
		return nil
	})
}

// ActiveCall returns the current session or nil when there is none.
func (c *Client) ActiveCall(ctx context.Context) (*ActiveCall, error) {
	var active *ActiveCall
	err := c.do(ctx, func() error {
		for _, s := range c.sessions {
			snapshot := s.snapshot()
			active = &snapshot
		}
		return nil
	})
	return active, err
}

// History returns the user's most recent finished calls.
func (c *Client) History(ctx context.Context, limit int) ([]history.Entry, error) {
	if c.options.Archive == nil {
		return nil, errors.New("call history is not configured")
	}
	return c.options.Archive.ListForUser(ctx, c.options.UserID, limit)
}

// Close hangs up the live session, waits for its resources to be released and stops
// delivering events.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		c.mu.Lock()
		cancel := c.incomingCancel
		c.incomingCancel = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		if c.tasks.push(func() {
			defer close(done)
			c.closed = true
			for _, s := range c.sessions {
				c.finish(s, StateEnded, outcome{reason: reasonClientClosed, local: true, write: true})
			}
		}) {
			<-done
		}

		c.workers.Stop()
		c.finalizers.Wait()
		c.tasks.close()
		<-c.loopDone
		c.events.close()
		<-c.eventsDone
	})
	return nil
}

// post runs f on the loop. It is dropped once the loop has stopped.
func (c *Client) post(f func()) {
	if !c.tasks.push(f) {
		c.logger.Debug("dropping task posted after close")
	}
}

// do runs f on the loop and waits for its result.
func (c *Client) do(ctx context.Context, f func() error) error {
	errCh := make(chan error, 1)
	if !c.tasks.push(func() { errCh <- f() }) {
		return ErrClientClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// live reports whether s is still the client's session for its call. Loop only.
func (c *Client) live(s *session) bool {
	return c.sessions[s.id] == s
}

// resume posts f to run on the loop if s is still live and in one of the given states.
func (c *Client) resume(s *session, f func(), states ...State) {
	c.post(func() {
		if !c.live(s) {
			return
		}
		for _, state := range states {
			if s.state == state {
				f()
				return
			}
		}
		c.logger.Debugw("dropping stale continuation", "call", s.id, "state", s.state)
	})
}

// goWork runs work off the loop with a context canceled when the session ends or the
// client closes.
func (c *Client) goWork(s *session, work func(ctx context.Context)) {
	if err := c.workers.Add(func(workersCtx context.Context) {
		ctx, cancel := callkit.MergeContext(s.ctx, workersCtx)
		defer cancel()
		work(ctx)
	}); err != nil {
		c.logger.Debugw("not starting work on a closed client", "call", s.id)
	}
}

// emit queues a call to the handlers.
func (c *Client) emit(f func(h Handlers)) {
	c.events.push(func() {
		defer func() {
			if err := recover(); err != nil {
				c.logger.Errorw("panic in call handler", "error", err)
			}
		}()
		f(c.options.Handlers)
	})
}

func (c *Client) emitStatus(s *session) {
	change := StatusChange{
		CallID:         s.id,
		State:          s.state,
		Reason:         s.reason,
		Err:            s.err,
		LocalInitiated: s.localInitiated,
	}
	c.emit(func(h Handlers) {
		if h.OnCallStatusChanged != nil {
			h.OnCallStatusChanged(change)
		}
	})
}

func (c *Client) emitRemoteStream(s *session, stream *media.RemoteStream) {
	c.emit(func(h Handlers) {
		if h.OnRemoteStreamReady != nil {
			h.OnRemoteStreamReady(s.id, stream)
		}
	})
}
