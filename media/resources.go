package media

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.ringline.dev/callkit"
	"go.ringline.dev/callkit/signaling"
)

// Resources holds the local stream and peer connection of one call session. Release
// closes whatever was acquired, and anything acquired after Release is closed right away.
type Resources struct {
	source  Source
	factory PeerFactory
	logger  golog.Logger

	cancelCtx  context.Context
	cancelFunc func()

	mu       sync.Mutex
	released bool
	stream   Stream
	peer     Peer

	releaseOnce sync.Once
	releaseErr  error
}

// NewResources returns resources that acquire from the given source and factory.
func NewResources(source Source, factory PeerFactory, logger golog.Logger) *Resources {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Resources{
		source:     source,
		factory:    factory,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

// AcquireLocalMedia captures the local stream a call of the given type needs. Release
// cancels an acquisition in progress.
func (r *Resources) AcquireLocalMedia(ctx context.Context, callType signaling.CallType) (Stream, error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil, ErrReleased
	}
	if r.stream != nil {
		stream := r.stream
		r.mu.Unlock()
		return stream, nil
	}
	r.mu.Unlock()

	ctx, cancel := callkit.MergeContext(ctx, r.cancelCtx)
	defer cancel()
	stream, err := r.source.Acquire(ctx, ConstraintsFor(callType))
	if err != nil {
		if r.cancelCtx.Err() != nil {
			return nil, ErrReleased
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		callkit.UncheckedError(stream.Close())
		return nil, ErrReleased
	}
	r.stream = stream
	return stream, nil
}

// CreatePeerConnection creates the peer connection sending the acquired local stream.
// Without a local stream the peer only receives.
func (r *Resources) CreatePeerConnection(ctx context.Context, initiator bool, events PeerEvents) (Peer, error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil, ErrReleased
	}
	if r.peer != nil {
		r.mu.Unlock()
		return nil, errors.New("peer connection already created")
	}
	stream := r.stream
	r.mu.Unlock()

	ctx, cancel := callkit.MergeContext(ctx, r.cancelCtx)
	defer cancel()
	peer, err := r.factory.NewPeer(ctx, initiator, stream, events)
	if err != nil {
		if r.cancelCtx.Err() != nil {
			return nil, ErrReleased
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || r.peer != nil {
		callkit.UncheckedError(peer.Close())
		if r.released {
			return nil, ErrReleased
		}
		return nil, errors.New("peer connection already created")
	}
	r.peer = peer
	return peer, nil
}

// Stream returns the acquired local stream, if any.
func (r *Resources) Stream() Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// Peer returns the created peer, if any.
func (r *Resources) Peer() Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

// Released reports whether Release has been called.
func (r *Resources) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// Release cancels acquisitions in progress, closes the peer connection and stops the
// local stream. Every call returns the result of the first.
func (r *Resources) Release() error {
	r.releaseOnce.Do(func() {
		r.cancelFunc()
		r.mu.Lock()
		r.released = true
		peer, stream := r.peer, r.stream
		r.mu.Unlock()

		var err error
		if peer != nil {
			err = multierr.Combine(err, errors.Wrap(peer.Close(), "failed to close peer connection"))
		}
		if stream != nil {
			err = multierr.Combine(err, errors.Wrap(stream.Close(), "failed to stop local stream"))
		}
		if err != nil {
			r.logger.Warnw("error releasing media resources", "error", err)
		}
		r.releaseErr = err
	})
	return r.releaseErr
}
