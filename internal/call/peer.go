package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// captureStream is the concrete Stream over pion/mediadevices tracks. A
// stream without tracks means receive-only (no capture on this platform, or
// all capture attempts failed).
type captureStream struct {
	mu       sync.Mutex
	tracks   []mediadevices.Track
	released bool
}

func (s *captureStream) HasVideo() bool {
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// release closes all capture tracks. Idempotent.
func (s *captureStream) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	for _, t := range s.tracks {
		if err := t.Close(); err != nil {
			log.Printf("CALL: closing capture track: %v", err)
		}
	}
}

func (s *captureStream) trackOfKind(kind webrtc.RTPCodecType) mediadevices.Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// pionPeer implements PeerConn over a Pion PeerConnection with trickle ICE.
type pionPeer struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender
}

// newPionPeer creates a PeerConnection from the given API (codec setup is
// platform-specific) and the configured STUN servers.
func newPionPeer(api *webrtc.API, iceServers []string) (*pionPeer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) AddStream(s Stream) error {
	cs, ok := s.(*captureStream)
	if !ok {
		return fmt.Errorf("unexpected stream type %T", s)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, track := range cs.tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track: %w", err)
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			p.videoSender = sender
		case webrtc.RTPCodecTypeAudio:
			p.audioSender = sender
		}
	}

	// Recvonly transceivers for the kinds we do not send, so the SDP always
	// has valid m-lines with ICE credentials.
	if p.videoSender == nil {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	if p.audioSender == nil {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	return nil
}

// ReplaceVideo swaps the outgoing video track via ReplaceTrack, which does
// not renegotiate. Audio is likewise swapped in place when the new stream
// carries one, so the previous acquisition can be released wholesale.
func (p *pionPeer) ReplaceVideo(s Stream) error {
	cs, ok := s.(*captureStream)
	if !ok {
		return fmt.Errorf("unexpected stream type %T", s)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	video := cs.trackOfKind(webrtc.RTPCodecTypeVideo)
	audio := cs.trackOfKind(webrtc.RTPCodecTypeAudio)

	switch {
	case video != nil && p.videoSender != nil:
		if err := p.videoSender.ReplaceTrack(video); err != nil {
			return fmt.Errorf("replace video track: %w", err)
		}
	case video != nil:
		sender, err := p.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		p.videoSender = sender
	case p.videoSender != nil:
		// Dropping to audio-only: stop sending video, keep the sender.
		if err := p.videoSender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("clear video track: %w", err)
		}
	}

	if audio != nil && p.audioSender != nil {
		if err := p.audioSender.ReplaceTrack(audio); err != nil {
			return fmt.Errorf("replace audio track: %w", err)
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer() (Signal, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return Signal{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return Signal{}, err
	}
	return Signal{Type: "offer", SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (Signal, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return Signal{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return Signal{}, err
	}
	return Signal{Type: "answer", SDP: answer.SDP}, nil
}

func (p *pionPeer) SetRemote(sig Signal) error {
	var sdpType webrtc.SDPType
	switch sig.Type {
	case "offer":
		sdpType = webrtc.SDPTypeOffer
	case "answer":
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("not a session description: %q", sig.Type)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sig.SDP})
}

func (p *pionPeer) AddCandidate(sig Signal) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     sig.Candidate,
		SDPMid:        sig.SDPMid,
		SDPMLineIndex: sig.SDPMLineIndex,
	})
}

func (p *pionPeer) OnCandidate(fn func(Signal)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		fn(Signal{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
