// Package media owns the local capture streams and the peer connection of a call and
// guarantees both are released on every exit path.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"go.ringline.dev/callkit/signaling"
)

var (
	// ErrMediaUnavailable is returned when local capture cannot be acquired, for example
	// because a device is missing or access was denied.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrReleased is returned when acquiring resources that were already released.
	ErrReleased = errors.New("media resources released")
)

// Constraints describe which kinds of capture a call needs.
type Constraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor returns the capture a call of the given type needs. Every call carries audio.
func ConstraintsFor(callType signaling.CallType) Constraints {
	return Constraints{Audio: true, Video: callType == signaling.CallTypeVideo}
}

// A Source acquires local capture streams.
type Source interface {
	// Acquire returns a stream satisfying the constraints or an error matching
	// ErrMediaUnavailable.
	Acquire(ctx context.Context, constraints Constraints) (Stream, error)
}

// A Stream is a set of local tracks captured together.
type Stream interface {
	ID() string
	Tracks() []webrtc.TrackLocal

	// Close stops every capture track of the stream.
	Close() error
}

// A CodecRegistrar is a Stream whose tracks need specific codecs registered in the
// media engine of the peer connection that sends them.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrMediaUnavailable) {
		return err
	}
	return errors.Wrap(ErrMediaUnavailable, err.Error())
}
