package call

// Stream is an opaque handle over acquired local capture devices. The
// concrete type is owned by the Media implementation; the machine only
// tracks the handle's lifecycle.
type Stream interface {
	// HasVideo reports whether the stream carries an outgoing video track.
	HasVideo() bool
}

// Media acquires and releases the local capture devices. The device is a
// singleton resource: only the active call session may hold a stream, and
// Release must be idempotent.
type Media interface {
	Acquire(mode Mode) (Stream, error)
	Release(s Stream)
}

// PeerConn drives one peer connection's negotiation. The production
// implementation wraps a Pion PeerConnection; tests substitute a fake.
type PeerConn interface {
	// AddStream attaches the local capture tracks before negotiation.
	AddStream(s Stream) error
	// ReplaceVideo swaps the outgoing video track for the one in s, or adds
	// one if the connection had none. The audio path keeps flowing; no
	// renegotiation restart.
	ReplaceVideo(s Stream) error
	// CreateOffer produces and installs the local offer.
	CreateOffer() (Signal, error)
	// CreateAnswer produces and installs the local answer. The remote offer
	// must have been applied first.
	CreateAnswer() (Signal, error)
	// SetRemote applies a remote session description.
	SetRemote(sig Signal) error
	// AddCandidate adds a remote connectivity candidate.
	AddCandidate(sig Signal) error
	// OnCandidate registers the callback fired for each locally gathered
	// connectivity candidate.
	OnCandidate(fn func(Signal))
	Close() error
}

// Factory creates a PeerConn configured with the given STUN/relay servers.
type Factory func(iceServers []string) (PeerConn, error)

// Stack bundles the platform media manager with its matching PeerConn
// factory. On Linux the two share a codec selector (capture pipelines encode
// VP8/Opus); elsewhere calls are receive-only.
type Stack struct {
	Media   Media
	Factory Factory
}
