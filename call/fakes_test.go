package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
	"go.ringline.dev/callkit/testutils"
	"go.ringline.dev/callkit/users"
)

// fakeNetwork creates peers that connect once they hold a remote description and at
// least one remote candidate.
type fakeNetwork struct {
	mu    sync.Mutex
	err   error
	stall bool
	peers []*fakePeer
}

func (n *fakeNetwork) NewPeer(
	ctx context.Context, initiator bool, local media.Stream, events media.PeerEvents,
) (media.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	p := &fakePeer{
		name:      fmt.Sprintf("peer-%d", len(n.peers)),
		initiator: initiator,
		local:     local,
		events:    events,
		stall:     n.stall,
		state:     webrtc.PeerConnectionStateNew,
	}
	n.peers = append(n.peers, p)
	return p, nil
}

func (n *fakeNetwork) allClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		if !p.isClosed() {
			return false
		}
	}
	return true
}

func (n *fakeNetwork) peer(i int) *fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[i]
}

func (n *fakeNetwork) peerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

type fakePeer struct {
	name      string
	initiator bool
	local     media.Stream
	events    media.PeerEvents
	stall     bool

	mu               sync.Mutex
	remoteSet        bool
	remoteCandidates int
	state            webrtc.PeerConnectionState
	closed           bool
}

func (p *fakePeer) emitLocal(sdpType webrtc.SDPType) {
	p.events.OnLocalDescription(webrtc.SessionDescription{Type: sdpType, SDP: "v=0 " + p.name})
	p.events.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + p.name})
}

func (p *fakePeer) CreateOffer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.emitLocal(webrtc.SDPTypeOffer)
	return nil
}

func (p *fakePeer) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := p.SetRemoteDescription(offer); err != nil {
		return err
	}
	p.emitLocal(webrtc.SDPTypeAnswer)
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return errors.New("remote description already set")
	}
	p.remoteSet = true
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.mu.Unlock()
		return errors.New("remote description not set")
	}
	p.remoteCandidates++
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	if p.stall || p.closed || !p.remoteSet || p.remoteCandidates == 0 || p.state == webrtc.PeerConnectionStateConnected {
		p.mu.Unlock()
		return
	}
	p.state = webrtc.PeerConnectionStateConnected
	p.mu.Unlock()
	p.events.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	p.events.OnRemoteStream(media.NewRemoteStream("remote-" + p.name))
}

// fail drops the connection as ICE would.
func (p *fakePeer) fail() {
	p.mu.Lock()
	p.state = webrtc.PeerConnectionStateFailed
	p.mu.Unlock()
	p.events.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = webrtc.PeerConnectionStateClosed
	return nil
}

type failingSource struct{}

func (failingSource) Acquire(ctx context.Context, constraints media.Constraints) (media.Stream, error) {
	return nil, errors.New("camera is in use")
}

// flakyChannel fails the first failures offer publishes.
type flakyChannel struct {
	signaling.Channel
	failures int32
	attempts atomic.Int32
}

func (c *flakyChannel) PublishOffer(ctx context.Context, callID string, offer webrtc.SessionDescription) error {
	if c.attempts.Inc() <= c.failures {
		return errors.Wrap(signaling.ErrSignalingPublishFailed, "store unavailable")
	}
	return c.Channel.PublishOffer(ctx, callID, offer)
}

// flakyDirectory fails the first failures terminal status writes.
type flakyDirectory struct {
	signaling.Directory
	failures int32
	attempts atomic.Int32
}

func (d *flakyDirectory) UpdateStatus(
	ctx context.Context, callID string, update signaling.StatusUpdate,
) (signaling.CallRecord, error) {
	if update.To.Terminal() && d.attempts.Inc() <= d.failures {
		return signaling.CallRecord{}, errors.Wrap(signaling.ErrSignalingPublishFailed, "store unavailable")
	}
	return d.Directory.UpdateStatus(ctx, callID, update)
}

type recorder struct {
	incoming chan IncomingCall
	changes  chan StatusChange
	streams  chan string
}

func newRecorder() *recorder {
	return &recorder{
		incoming: make(chan IncomingCall, 8),
		changes:  make(chan StatusChange, 32),
		streams:  make(chan string, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnIncomingCall: func(call IncomingCall) {
			r.incoming <- call
		},
		OnCallStatusChanged: func(change StatusChange) {
			r.changes <- change
		},
		OnRemoteStreamReady: func(callID string, stream *media.RemoteStream) {
			r.streams <- callID
		},
	}
}

func (r *recorder) nextIncoming(t *testing.T) IncomingCall {
	t.Helper()
	select {
	case call := <-r.incoming:
		return call
	case <-time.After(testutils.WaitTimeout):
		t.Fatal("timed out waiting for an incoming call")
	}
	return IncomingCall{}
}

// expect reads the next status change and checks it.
func (r *recorder) expect(t *testing.T, callID string, state State) StatusChange {
	t.Helper()
	select {
	case change := <-r.changes:
		test.That(t, change.CallID, test.ShouldEqual, callID)
		test.That(t, change.State, test.ShouldEqual, state)
		return change
	case <-time.After(testutils.WaitTimeout):
		t.Fatalf("timed out waiting for %s", state)
	}
	return StatusChange{}
}

func (r *recorder) expectStream(t *testing.T, callID string) {
	t.Helper()
	select {
	case id := <-r.streams:
		test.That(t, id, test.ShouldEqual, callID)
	case <-time.After(testutils.WaitTimeout):
		t.Fatal("timed out waiting for a remote stream")
	}
}

func (r *recorder) expectQuiet(t *testing.T, wait time.Duration) {
	t.Helper()
	if wait == 0 {
		select {
		case change := <-r.changes:
			t.Fatalf("unexpected status change %+v", change)
		default:
		}
		return
	}
	select {
	case change := <-r.changes:
		t.Fatalf("unexpected status change %+v", change)
	case <-time.After(wait):
	}
}

type testEnv struct {
	logger  golog.Logger
	store   *signaling.MemoryStore
	users   *users.MemoryDirectory
	network *fakeNetwork
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := golog.NewTestLogger(t)
	store := signaling.NewMemoryStore(logger)
	t.Cleanup(func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	})
	return &testEnv{
		logger: logger,
		store:  store,
		users: users.NewMemoryDirectory(
			users.Profile{ID: "alice", DisplayName: "Alice", Online: true},
			users.Profile{ID: "bob", DisplayName: "Bob", Online: true},
			users.Profile{ID: "carol", DisplayName: "Carol", Online: true},
			users.Profile{ID: "dave", DisplayName: "Dave"},
		),
		network: &fakeNetwork{},
	}
}

func (env *testEnv) options(userID string, rec *recorder) Options {
	return Options{
		UserID:            userID,
		Directory:         env.store,
		Channel:           env.store,
		Users:             env.users,
		Source:            media.SyntheticSource{},
		Peers:             env.network,
		Handlers:          rec.handlers(),
		PublishRetryDelay: time.Millisecond,
		Logger:            env.logger,
	}
}

func (env *testEnv) newClient(t *testing.T, userID string, configure ...func(*Options)) (*Client, *recorder) {
	t.Helper()
	rec := newRecorder()
	options := env.options(userID, rec)
	for _, f := range configure {
		f(&options)
	}
	client, err := NewClient(options)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, client.Close(), test.ShouldBeNil)
	})
	test.That(t, client.Start(context.Background()), test.ShouldBeNil)
	return client, rec
}

func (env *testEnv) waitForStatus(t *testing.T, callID string, status signaling.Status) signaling.CallRecord {
	t.Helper()
	var record signaling.CallRecord
	testutils.WaitForCondition(t, func() bool {
		var err error
		record, err = env.store.GetCall(context.Background(), callID)
		return err == nil && record.Status == status
	}, "call to be "+string(status))
	return record
}
