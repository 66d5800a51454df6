//go:build linux

package device

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	// register the capture drivers
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.ringline.dev/callkit/media"
)

// Options bound what the capture source asks the devices for.
type Options struct {
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
}

// DefaultOptions returns the capture options used when none are configured.
func DefaultOptions() Options {
	return Options{
		VideoBitRate: 1_500_000,
		MaxWidth:     640,
		MaxHeight:    480,
	}
}

// Source is a media.Source backed by the host's capture devices.
type Source struct {
	options Options
	logger  golog.Logger
}

// NewSource returns a capture source.
func NewSource(options Options, logger golog.Logger) *Source {
	return &Source{options: options, logger: logger}
}

// Devices lists the capture devices the drivers found.
func (s *Source) Devices() []mediadevices.MediaDeviceInfo {
	return mediadevices.EnumerateDevices()
}

func (s *Source) codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = s.options.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Acquire opens the microphone and, for video, the camera. A video request falls back to
// audio alone when the camera cannot be opened.
func (s *Source) Acquire(ctx context.Context, constraints media.Constraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Audio && !constraints.Video {
		return nil, errors.Wrap(media.ErrMediaUnavailable, "nothing to capture")
	}
	selector, err := s.codecSelector()
	if err != nil {
		return nil, errors.Wrap(media.ErrMediaUnavailable, err.Error())
	}

	attempts := []media.Constraints{constraints}
	if constraints.Video && constraints.Audio {
		attempts = append(attempts, media.Constraints{Audio: true})
	}
	var errs error
	for _, attempt := range attempts {
		stream, err := mediadevices.GetUserMedia(s.userMediaConstraints(selector, attempt))
		if err != nil {
			s.logger.Warnw("failed to open capture devices", "audio", attempt.Audio, "video", attempt.Video, "error", err)
			errs = multierr.Combine(errs, err)
			continue
		}
		if err := ctx.Err(); err != nil {
			closeTracks(stream.GetTracks())
			return nil, err
		}
		s.logger.Debugw("capture devices opened", "tracks", len(stream.GetTracks()))
		return &deviceStream{stream: stream, selector: selector, logger: s.logger}, nil
	}
	return nil, errors.Wrap(media.ErrMediaUnavailable, errs.Error())
}

func (s *Source) userMediaConstraints(
	selector *mediadevices.CodecSelector,
	constraints media.Constraints,
) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{Codec: selector}
	if constraints.Video {
		c.Video = func(c *mediadevices.MediaTrackConstraints) {
			// raw formats only; MJPEG nodes hand the encoder broken frames
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: s.options.MaxWidth}
			c.Height = prop.IntRanged{Max: s.options.MaxHeight}
		}
	}
	if constraints.Audio {
		c.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	return c
}

type deviceStream struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
	logger   golog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *deviceStream) ID() string {
	tracks := s.stream.GetTracks()
	if len(tracks) == 0 {
		return ""
	}
	return tracks[0].StreamID()
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	tracks := s.stream.GetTracks()
	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		locals = append(locals, track)
	}
	return locals
}

// RegisterCodecs registers the encoders the capture tracks produce.
func (s *deviceStream) RegisterCodecs(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

func (s *deviceStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = closeTracks(s.stream.GetTracks())
	})
	return s.closeErr
}

func closeTracks(tracks []mediadevices.Track) error {
	var err error
	for _, track := range tracks {
		err = multierr.Combine(err, track.Close())
	}
	return err
}
