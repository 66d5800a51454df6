package media

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.ringline.dev/callkit"
)

// DefaultICEServers is the default set of ICE servers to use for peer negotiation.
// There is no guarantee that the defaults here will remain usable.
var DefaultICEServers = []webrtc.ICEServer{
	{
		URLs: []string{"stun:stun.l.google.com:19302"},
	},
}

// PeerOptions configure the peers a PionFactory creates.
type PeerOptions struct {
	ICEServers []webrtc.ICEServer

	// Trickle emits local candidates one by one after the local description. Without it
	// the description is emitted once gathering completes.
	Trickle bool

	// IncludeLoopback gathers 127.0.0.1 as a host candidate so peers on one machine can
	// connect without a network.
	IncludeLoopback bool

	// IPv4Only drops IPv6 candidates.
	IPv4Only bool

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// Net replaces the host network, typically with a virtual one in tests.
	Net transport.Net
}

// DefaultPeerOptions returns the options used when none are configured.
func DefaultPeerOptions() PeerOptions {
	return PeerOptions{
		ICEServers:             DefaultICEServers,
		IncludeLoopback:        true,
		IPv4Only:               true,
		ICEDisconnectedTimeout: 30 * time.Second,
		ICEFailedTimeout:       2 * time.Minute,
		ICEKeepaliveInterval:   2 * time.Second,
	}
}

// A PionFactory creates peers on pion/webrtc.
type PionFactory struct {
	options PeerOptions
	logger  golog.Logger
}

// NewPionFactory returns a factory creating peers with the given options.
func NewPionFactory(options PeerOptions, logger golog.Logger) *PionFactory {
	return &PionFactory{options: options, logger: logger}
}

func (f *PionFactory) newAPI(local Stream) (*webrtc.API, error) {
	m := webrtc.MediaEngine{}
	if registrar, ok := local.(CodecRegistrar); ok {
		if err := registrar.RegisterCodecs(&m); err != nil {
			return nil, err
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&m, &i); err != nil {
		return nil, err
	}

	var settingEngine webrtc.SettingEngine
	settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	settingEngine.SetIncludeLoopbackCandidate(f.options.IncludeLoopback)
	if f.options.ICEDisconnectedTimeout > 0 || f.options.ICEFailedTimeout > 0 {
		settingEngine.SetICETimeouts(
			f.options.ICEDisconnectedTimeout,
			f.options.ICEFailedTimeout,
			f.options.ICEKeepaliveInterval,
		)
	}
	if f.options.IPv4Only {
		settingEngine.SetIPFilter(func(ip net.IP) bool {
			return len(ip.To4()) == net.IPv4len
		})
	}
	if f.options.Net != nil {
		settingEngine.SetNet(f.options.Net)
	}
	if callkit.Debug {
		settingEngine.LoggerFactory = LoggerFactory{f.logger}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(&m),
		webrtc.WithInterceptorRegistry(&i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// NewPeer creates a peer connection sending the local stream's tracks.
func (f *PionFactory) NewPeer(ctx context.Context, initiator bool, local Stream, events PeerEvents) (_ Peer, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	webAPI, err := f.newAPI(local)
	if err != nil {
		return nil, err
	}

	peerConn, err := webAPI.NewPeerConnection(webrtc.Configuration{ICEServers: f.options.ICEServers})
	if err != nil {
		return nil, err
	}
	p := &pionPeer{
		peerConn:      peerConn,
		trickle:       f.options.Trickle,
		events:        events,
		logger:        f.logger,
		remoteStreams: map[string]*RemoteStream{},
	}
	var successful bool
	defer func() {
		if !successful {
			err = multierr.Combine(err, p.Close())
		}
	}()

	peerConn.OnICECandidate(p.onICECandidate)
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debugw("peer connection state changed", "initiator", initiator, "state", state.String())
		events.connectionStateChange(state)
	})
	peerConn.OnTrack(p.onTrack)

	if local == nil {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := peerConn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return nil, err
			}
		}
	} else {
		for _, track := range local.Tracks() {
			sender, err := peerConn.AddTrack(track)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to add %s track", track.Kind())
			}
			p.readRTCP(sender)
		}
	}

	successful = true
	return p, nil
}

type pionPeer struct {
	peerConn *webrtc.PeerConnection
	trickle  bool
	events   PeerEvents
	logger   golog.Logger

	// held until the local description has been emitted
	emitMu          sync.Mutex
	descriptionSent bool
	heldCandidates  []webrtc.ICECandidateInit

	// guards closed against new track readers
	streamsMu     sync.Mutex
	remoteStreams map[string]*RemoteStream

	closed                  atomic.Bool
	closeOnce               sync.Once
	closeErr                error
	activeBackgroundWorkers sync.WaitGroup
}

func (p *pionPeer) CreateOffer(ctx context.Context) error {
	offer, err := p.peerConn.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.peerConn.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.emitLocalDescription(ctx)
}

func (p *pionPeer) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := p.peerConn.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := p.peerConn.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := p.peerConn.SetLocalDescription(answer); err != nil {
		return err
	}
	return p.emitLocalDescription(ctx)
}

func (p *pionPeer) emitLocalDescription(ctx context.Context) error {
	if !p.trickle {
		// Block until ICE gathering is complete since we signal one complete SDP
		// and do not trickle.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-webrtc.GatheringCompletePromise(p.peerConn):
		}
	}
	desc := p.peerConn.LocalDescription()
	if desc == nil {
		return errors.New("local description is nil after gathering")
	}

	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.events.localDescription(*desc)
	p.descriptionSent = true
	for _, candidate := range p.heldCandidates {
		p.events.iceCandidate(candidate)
	}
	p.heldCandidates = nil
	return nil
}

func (p *pionPeer) onICECandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if candidate == nil || !p.trickle {
		return
	}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if !p.descriptionSent {
		p.heldCandidates = append(p.heldCandidates, candidate.ToJSON())
		return
	}
	p.events.iceCandidate(candidate.ToJSON())
}

func (p *pionPeer) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.streamsMu.Lock()
	if p.closed.Load() {
		p.streamsMu.Unlock()
		return
	}
	stream, ok := p.remoteStreams[track.StreamID()]
	if !ok {
		stream = NewRemoteStream(track.StreamID())
		p.remoteStreams[track.StreamID()] = stream
	}
	stream.addTrack(track)
	p.activeBackgroundWorkers.Add(1)
	p.streamsMu.Unlock()

	if !ok {
		p.events.remoteStream(stream)
	}

	callkit.PanicCapturingGo(func() {
		defer p.activeBackgroundWorkers.Done()
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				if !p.closed.Load() && !errors.Is(err, io.EOF) {
					p.events.error(errors.Wrapf(err, "failed to read remote %s track", track.Kind()))
				}
				return
			}
			stream.packets.Inc()
		}
	})
}

// readRTCP drains RTCP for a sender so interceptors keep running.
func (p *pionPeer) readRTCP(sender *webrtc.RTPSender) {
	p.activeBackgroundWorkers.Add(1)
	callkit.PanicCapturingGo(func() {
		defer p.activeBackgroundWorkers.Done()
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	})
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.peerConn.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.peerConn.AddICECandidate(candidate)
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.peerConn.ConnectionState()
}

func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.streamsMu.Lock()
		p.closed.Store(true)
		p.streamsMu.Unlock()
		p.closeErr = p.peerConn.Close()
		p.activeBackgroundWorkers.Wait()
	})
	return p.closeErr
}
