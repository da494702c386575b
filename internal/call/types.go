package call

import "encoding/json"

// Mode selects which media the call carries.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

// Direction records which side placed the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// State is the call lifecycle state. Ended is not observable: a terminal
// transition collapses straight back to Idle.
type State string

const (
	StateIdle      State = "idle"
	StateOutgoing  State = "outgoing"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

// Signal is one signaling payload relayed between the peers: a session
// description (offer or answer) or a connectivity candidate. The receiver
// dispatches on shape — Type set means description, otherwise candidate.
type Signal struct {
	Type          string  `json:"type,omitempty"` // "offer" | "answer"
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// IsDescription reports whether the signal carries a session description.
func (s Signal) IsDescription() bool {
	return s.Type == "offer" || s.Type == "answer"
}

// Bus is the only surface the call package needs from the event channel.
// Declared here so the package stays decoupled from the concrete client.
type Bus interface {
	Emit(name string, payload any) error
	On(name string, fn func(data json.RawMessage)) (off func())
}

// Notifier surfaces call outcomes to the user (rejected notice, media
// permission failure). Implementations must not block.
type Notifier interface {
	CallEnded(peerID, reason string)
}

// Wire payloads. call_user/incoming_call carry the initial offer; the rest of
// the description/candidate exchange rides on call_signal.
type callPayload struct {
	PeerID string `json:"peerId"`
	Mode   Mode   `json:"mode"`
	Offer  Signal `json:"offer"`
}

type acceptPayload struct {
	PeerID string `json:"peerId"`
	Answer Signal `json:"answer"`
}

type peerPayload struct {
	PeerID string `json:"peerId"`
}

type signalPayload struct {
	PeerID string `json:"peerId"`
	Signal Signal `json:"signal"`
}

// Info is a snapshot of the observable call state.
type Info struct {
	State     State
	PeerID    string
	Direction Direction
	Mode      Mode
	StartedAt int64 // unix milliseconds, zero until Connected
}
