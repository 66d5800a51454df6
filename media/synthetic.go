package media

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"go.ringline.dev/callkit"
)

const (
	syntheticAudioFrame = 20 * time.Millisecond
	syntheticVideoFrame = 33 * time.Millisecond
)

var (
	// an Opus frame of silence
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// a 16x16 VP8 keyframe header
	vp8Keyframe = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

// A SyntheticSource produces streams of silent audio and blank video without touching any
// capture device. It serves headless clients and tests.
type SyntheticSource struct{}

// Acquire returns a stream with an Opus track and, if asked for, a VP8 track.
func (SyntheticSource) Acquire(ctx context.Context, constraints Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Audio && !constraints.Video {
		return nil, errors.Wrap(ErrMediaUnavailable, "nothing to capture")
	}

	id := "ringline-" + uuid.NewString()
	stream := &syntheticStream{
		id:      id,
		workers: callkit.NewStoppableWorkers(context.Background()),
	}
	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", id,
		)
		if err != nil {
			return nil, unavailable(err)
		}
		stream.tracks = append(stream.tracks, track)
		callkit.UncheckedError(stream.workers.Add(writeSamples(track, opusSilence, syntheticAudioFrame)))
	}
	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", id,
		)
		if err != nil {
			callkit.UncheckedError(stream.Close())
			return nil, unavailable(err)
		}
		stream.tracks = append(stream.tracks, track)
		callkit.UncheckedError(stream.workers.Add(writeSamples(track, vp8Keyframe, syntheticVideoFrame)))
	}
	return stream, nil
}

func writeSamples(track *webrtc.TrackLocalStaticSample, frame []byte, interval time.Duration) func(ctx context.Context) {
	return func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// unbound tracks drop samples
			callkit.UncheckedError(track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}))
		}
	}
}

type syntheticStream struct {
	id      string
	tracks  []webrtc.TrackLocal
	workers *callkit.StoppableWorkers
}

func (s *syntheticStream) ID() string {
	return s.id
}

func (s *syntheticStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

func (s *syntheticStream) Close() error {
	s.workers.Stop()
	return nil
}
