//go:build linux

package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewStack builds the Linux media stack: camera and microphone capture via
// V4L2 and malgo, encoded as VP8/Opus. The codec selector is shared between
// the device manager and the PeerConn factory because capture pipelines
// encode ahead of the transport.
func NewStack() (*Stack, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	factory := func(iceServers []string) (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		selector.Populate(mediaEngine)

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}

		// Generous ICE timeouts: the default 5 s disconnectedTimeout drops
		// calls on brief NAT rebinding hiccups that ICE would recover from.
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)
		return newPionPeer(api, iceServers)
	}

	return &Stack{
		Media:   &deviceMedia{selector: selector},
		Factory: factory,
	}, nil
}

// deviceMedia acquires local capture devices through pion/mediadevices.
type deviceMedia struct {
	selector *mediadevices.CodecSelector
}

func (d *deviceMedia) Acquire(mode Mode) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if mode == ModeVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 to keep VP8 encoding latency down.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media (%s): %w", mode, err)
	}
	return &captureStream{tracks: stream.GetTracks()}, nil
}

func (d *deviceMedia) Release(s Stream) {
	if cs, ok := s.(*captureStream); ok {
		cs.release()
	}
}
