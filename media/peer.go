package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
)

// PeerEvents are the callbacks a Peer emits. Any of them may be nil. They are called from
// the peer's own goroutines and must not block.
type PeerEvents struct {
	// OnLocalDescription is called once per negotiation with the description to send to the
	// remote party. Without trickle ICE it already carries every local candidate.
	OnLocalDescription func(desc webrtc.SessionDescription)
	// OnICECandidate is called per gathered local candidate when trickling, never before
	// OnLocalDescription.
	OnICECandidate func(candidate webrtc.ICECandidateInit)
	// OnRemoteStream is called once per remote stream when its first track arrives.
	OnRemoteStream func(stream *RemoteStream)
	// OnConnectionStateChange is called on every peer connection state change.
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
	// OnError is called when the connection fails outside of a method call.
	OnError func(err error)
}

func (e PeerEvents) localDescription(desc webrtc.SessionDescription) {
	if e.OnLocalDescription != nil {
		e.OnLocalDescription(desc)
	}
}

func (e PeerEvents) iceCandidate(candidate webrtc.ICECandidateInit) {
	if e.OnICECandidate != nil {
		e.OnICECandidate(candidate)
	}
}

func (e PeerEvents) remoteStream(stream *RemoteStream) {
	if e.OnRemoteStream != nil {
		e.OnRemoteStream(stream)
	}
}

func (e PeerEvents) connectionStateChange(state webrtc.PeerConnectionState) {
	if e.OnConnectionStateChange != nil {
		e.OnConnectionStateChange(state)
	}
}

func (e PeerEvents) error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// A Peer is one side of a peer connection.
type Peer interface {
	// CreateOffer sets and emits a local offer.
	CreateOffer(ctx context.Context) error
	// AcceptOffer applies the remote offer, then sets and emits a local answer.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) error
	// SetRemoteDescription applies a remote description, typically the answer to our offer.
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate. The remote description must be set first.
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	ConnectionState() webrtc.PeerConnectionState
	// Close closes the connection and waits for the peer's goroutines. It is safe to call
	// more than once.
	Close() error
}

// A PeerFactory creates peers that send the given local stream. A nil stream creates a
// receive only peer.
type PeerFactory interface {
	NewPeer(ctx context.Context, initiator bool, local Stream, events PeerEvents) (Peer, error)
}

// A RemoteStream is a group of tracks the remote party sends together. The peer reads
// the tracks itself and counts what arrives.
type RemoteStream struct {
	id string

	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	packets atomic.Uint64
}

// NewRemoteStream returns an empty remote stream.
func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

// ID returns the stream ID announced by the remote party.
func (rs *RemoteStream) ID() string {
	return rs.id
}

// Tracks returns the tracks seen so far.
func (rs *RemoteStream) Tracks() []*webrtc.TrackRemote {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	tracks := make([]*webrtc.TrackRemote, len(rs.tracks))
	copy(tracks, rs.tracks)
	return tracks
}

// Kinds returns the kinds of the tracks seen so far.
func (rs *RemoteStream) Kinds() []webrtc.RTPCodecType {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	kinds := make([]webrtc.RTPCodecType, 0, len(rs.tracks))
	for _, track := range rs.tracks {
		kinds = append(kinds, track.Kind())
	}
	return kinds
}

// PacketsReceived returns the number of RTP packets read across all tracks.
func (rs *RemoteStream) PacketsReceived() uint64 {
	return rs.packets.Load()
}

func (rs *RemoteStream) addTrack(track *webrtc.TrackRemote) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.tracks = append(rs.tracks, track)
}
