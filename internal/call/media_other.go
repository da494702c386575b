//go:build !linux

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewStack builds the receive-only media stack for platforms without a
// capture pipeline. Camera/mic capture via pion/mediadevices requires
// platform drivers (V4L2/malgo on Linux); elsewhere calls still receive
// remote media but send none.
func NewStack() (*Stack, error) {
	factory := func(iceServers []string) (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		)
		return newPionPeer(api, iceServers)
	}

	return &Stack{Media: nullMedia{}, Factory: factory}, nil
}

// nullMedia hands out empty streams: AddStream then falls back to recvonly
// transceivers, matching the capture-less platforms.
type nullMedia struct{}

func (nullMedia) Acquire(Mode) (Stream, error) { return &captureStream{}, nil }

func (nullMedia) Release(s Stream) {
	if cs, ok := s.(*captureStream); ok {
		cs.release()
	}
}
