//go:build linux

package device

import (
	"context"
	"errors"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"go.viam.com/test"

	"go.ringline.dev/callkit/media"
)

func TestAcquireNothing(t *testing.T) {
	source := NewSource(DefaultOptions(), golog.NewTestLogger(t))
	_, err := source.Acquire(context.Background(), media.Constraints{})
	test.That(t, errors.Is(err, media.ErrMediaUnavailable), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = source.Acquire(ctx, media.Constraints{Audio: true})
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func TestCodecRegistration(t *testing.T) {
	source := NewSource(DefaultOptions(), golog.NewTestLogger(t))
	selector, err := source.codecSelector()
	test.That(t, err, test.ShouldBeNil)

	var stream media.Stream = &deviceStream{selector: selector}
	registrar, ok := stream.(media.CodecRegistrar)
	test.That(t, ok, test.ShouldBeTrue)

	var m webrtc.MediaEngine
	test.That(t, registrar.RegisterCodecs(&m), test.ShouldBeNil)
	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(&m)).NewPeerConnection(webrtc.Configuration{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Close(), test.ShouldBeNil)
}

func TestUserMediaConstraints(t *testing.T) {
	source := NewSource(DefaultOptions(), golog.NewTestLogger(t))
	selector, err := source.codecSelector()
	test.That(t, err, test.ShouldBeNil)

	audio := source.userMediaConstraints(selector, media.Constraints{Audio: true})
	test.That(t, audio.Audio, test.ShouldNotBeNil)
	test.That(t, audio.Video, test.ShouldBeNil)
	test.That(t, audio.Codec, test.ShouldEqual, selector)

	video := source.userMediaConstraints(selector, media.Constraints{Audio: true, Video: true})
	test.That(t, video.Video, test.ShouldNotBeNil)
}
