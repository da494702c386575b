// Package call drives one peer-to-peer call session through its lifecycle:
// Idle → Outgoing/Incoming → Connected, collapsing back to Idle on any
// terminal transition. Signaling rides on the shared event channel, which
// orders events per name but gives no ordering across names — candidate
// signals may legitimately arrive before the description that makes them
// valid, so early candidates are buffered per session and flushed once the
// remote description is set.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/session"
)

var (
	// ErrBusy is returned when a call is placed while another is active.
	ErrBusy = errors.New("call: another call is active")
	// ErrNoCall is returned for operations that need an active session.
	ErrNoCall = errors.New("call: no active call")
	// ErrBadState is returned when the operation does not apply to the
	// session's current state.
	ErrBadState = errors.New("call: operation not valid in this state")
)

// maxPendingCandidates bounds the per-session buffer of candidates that
// arrived before the remote description.
const maxPendingCandidates = 32

// sessionState is the single active call session. Owned by Machine.mu.
type sessionState struct {
	gen       uint64
	peerID    string
	direction Direction
	mode      Mode
	state     State
	startedAt time.Time

	pc     PeerConn
	stream Stream

	remoteOffer *Signal  // stored on incoming_call, applied on Accept
	remoteSet   bool     // remote description applied
	pending     []Signal // candidates waiting for the remote description
}

// Machine owns the call session and keeps local signaling state consistent
// with the remote peer.
type Machine struct {
	bus     Bus
	media   Media
	factory Factory
	self    *session.Context
	notify  Notifier

	iceMu      sync.RWMutex
	iceServers []string

	mu  sync.Mutex
	cur *sessionState
	gen uint64

	// activeGen mirrors cur.gen (zero when idle) without requiring mu, so
	// candidate callbacks fired from the gathering goroutine can check
	// session identity without deadlocking against an in-flight transition.
	activeGen atomic.Uint64

	listenerMu sync.Mutex
	listeners  map[chan Info]struct{}

	offs   []func()
	closed bool
}

// New creates a machine wired to the event channel and subscribes to the
// inbound call events immediately.
func New(bus Bus, media Media, factory Factory, self *session.Context, notify Notifier, iceServers []string) *Machine {
	m := &Machine{
		bus:        bus,
		media:      media,
		factory:    factory,
		self:       self,
		notify:     notify,
		iceServers: iceServers,
		listeners:  make(map[chan Info]struct{}),
	}
	m.offs = append(m.offs,
		bus.On(events.EventIncomingCall, m.handleIncoming),
		bus.On(events.EventCallAccepted, m.handleAccepted),
		bus.On(events.EventCallRejected, m.handleRejected),
		bus.On(events.EventCallEnded, m.handleEnded),
		bus.On(events.EventCallSignal, m.handleSignal),
	)
	return m
}

// UpdateICEServers replaces the server list used for new peer connections.
// The active session keeps its current configuration.
func (m *Machine) UpdateICEServers(servers []string) {
	m.iceMu.Lock()
	m.iceServers = append([]string(nil), servers...)
	m.iceMu.Unlock()
}

func (m *Machine) currentICEServers() []string {
	m.iceMu.RLock()
	defer m.iceMu.RUnlock()
	return append([]string(nil), m.iceServers...)
}

// Place starts an outgoing call: acquire local media for the mode, build the
// offer, and emit call_user. The session stays Outgoing until the remote
// accepts, rejects, or hangs up.
func (m *Machine) Place(peerID string, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil {
		return ErrBusy
	}

	m.gen++
	sess := &sessionState{
		gen:       m.gen,
		peerID:    peerID,
		direction: DirectionOutgoing,
		mode:      mode,
		state:     StateOutgoing,
	}
	m.cur = sess
	m.activeGen.Store(sess.gen)

	if err := m.setupPeerLocked(sess); err != nil {
		m.teardownLocked("", "")
		if m.notify != nil {
			m.notify.CallEnded(peerID, "setup failed")
		}
		return err
	}

	offer, err := sess.pc.CreateOffer()
	if err != nil {
		m.teardownLocked("", "")
		return fmt.Errorf("call: create offer: %w", err)
	}

	if err := m.bus.Emit(events.EventCallUser, callPayload{PeerID: peerID, Mode: mode, Offer: offer}); err != nil {
		m.teardownLocked("", "")
		return fmt.Errorf("call: call_user: %w", err)
	}

	log.Printf("CALL [%s]: outgoing %s call placed", peerID, mode)
	m.notifyStateLocked()
	return nil
}

// setupPeerLocked acquires media and builds the peer connection for the
// session. Caller holds m.mu; sess must be the current session.
func (m *Machine) setupPeerLocked(sess *sessionState) error {
	stream, err := m.media.Acquire(sess.mode)
	if err != nil {
		return fmt.Errorf("call: acquire media: %w", err)
	}
	sess.stream = stream

	pc, err := m.factory(m.currentICEServers())
	if err != nil {
		return fmt.Errorf("call: peer connection: %w", err)
	}
	sess.pc = pc

	// The candidate callback fires from the gathering goroutine, possibly
	// after this call has ended. Guard on session identity, not on the peer
	// connection being non-nil.
	gen := sess.gen
	peerID := sess.peerID
	pc.OnCandidate(func(sig Signal) {
		m.emitCandidate(gen, peerID, sig)
	})

	if err := pc.AddStream(stream); err != nil {
		return fmt.Errorf("call: add local tracks: %w", err)
	}
	return nil
}

// emitCandidate relays a locally gathered candidate, dropping it when the
// session it belongs to is no longer active.
func (m *Machine) emitCandidate(gen uint64, peerID string, sig Signal) {
	if m.activeGen.Load() != gen {
		return
	}
	if err := m.bus.Emit(events.EventCallSignal, signalPayload{PeerID: peerID, Signal: sig}); err != nil {
		log.Printf("CALL [%s]: emit candidate: %v", peerID, err)
	}
}

// handleIncoming reacts to incoming_call. While a session is active, a
// competing call is rejected without touching the active session. No media is
// acquired yet — device permission is deferred until the user accepts.
func (m *Machine) handleIncoming(data json.RawMessage) {
	var ev callPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("CALL: bad incoming_call payload: %v", err)
		return
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		log.Printf("CALL [%s]: busy, rejecting incoming call", ev.PeerID)
		if err := m.bus.Emit(events.EventRejectCall, peerPayload{PeerID: ev.PeerID}); err != nil {
			log.Printf("CALL [%s]: reject busy: %v", ev.PeerID, err)
		}
		return
	}

	m.gen++
	offer := ev.Offer
	m.cur = &sessionState{
		gen:         m.gen,
		peerID:      ev.PeerID,
		direction:   DirectionIncoming,
		mode:        ev.Mode,
		state:       StateIncoming,
		remoteOffer: &offer,
	}
	m.activeGen.Store(m.gen)
	log.Printf("CALL [%s]: incoming %s call", ev.PeerID, ev.Mode)
	m.notifyStateLocked()
	m.mu.Unlock()
}

// Accept answers the ringing incoming call: acquire media, apply the stored
// offer, emit the answer, start the duration clock.
func (m *Machine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.cur
	if sess == nil {
		return ErrNoCall
	}
	if sess.state != StateIncoming {
		return ErrBadState
	}
	peerID := sess.peerID

	if err := m.setupPeerLocked(sess); err != nil {
		// Media permission denied or PC construction failed: the call ends,
		// the caller is told, the user sees a notice. Never a crash.
		m.teardownLocked(events.EventRejectCall, peerID)
		if m.notify != nil {
			m.notify.CallEnded(peerID, "media unavailable")
		}
		return err
	}

	if err := sess.pc.SetRemote(*sess.remoteOffer); err != nil {
		m.teardownLocked(events.EventRejectCall, peerID)
		return fmt.Errorf("call: apply offer: %w", err)
	}
	sess.remoteSet = true
	m.flushPendingLocked(sess)

	answer, err := sess.pc.CreateAnswer()
	if err != nil {
		m.teardownLocked(events.EventRejectCall, peerID)
		return fmt.Errorf("call: create answer: %w", err)
	}

	if err := m.bus.Emit(events.EventAcceptCall, acceptPayload{PeerID: peerID, Answer: answer}); err != nil {
		m.teardownLocked("", "")
		return fmt.Errorf("call: accept_call: %w", err)
	}

	sess.state = StateConnected
	sess.startedAt = time.Now()
	log.Printf("CALL [%s]: accepted, connected", peerID)
	m.notifyStateLocked()
	return nil
}

// Reject declines the ringing incoming call. No media was acquired.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.cur
	if sess == nil {
		return ErrNoCall
	}
	if sess.state != StateIncoming {
		return ErrBadState
	}
	log.Printf("CALL [%s]: rejected", sess.peerID)
	m.teardownLocked(events.EventRejectCall, sess.peerID)
	return nil
}

// End hangs up from any non-idle state.
func (m *Machine) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.cur
	if sess == nil {
		return ErrNoCall
	}
	log.Printf("CALL [%s]: hangup", sess.peerID)
	m.teardownLocked(events.EventEndCall, sess.peerID)
	return nil
}

// handleAccepted moves an outgoing call to Connected. The answer and the
// candidate exchange arrive separately via call_signal.
func (m *Machine) handleAccepted(json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.cur
	if sess == nil || sess.state != StateOutgoing {
		return
	}
	sess.state = StateConnected
	sess.startedAt = time.Now()
	log.Printf("CALL [%s]: remote accepted", sess.peerID)
	m.notifyStateLocked()
}

func (m *Machine) handleRejected(json.RawMessage) {
	m.mu.Lock()
	sess := m.cur
	if sess == nil {
		m.mu.Unlock()
		return
	}
	peerID := sess.peerID
	log.Printf("CALL [%s]: remote rejected", peerID)
	m.teardownLocked("", "")
	m.mu.Unlock()

	if m.notify != nil {
		m.notify.CallEnded(peerID, "rejected")
	}
}

func (m *Machine) handleEnded(json.RawMessage) {
	m.mu.Lock()
	sess := m.cur
	if sess == nil {
		m.mu.Unlock()
		return
	}
	peerID := sess.peerID
	log.Printf("CALL [%s]: remote hung up", peerID)
	m.teardownLocked("", "")
	m.mu.Unlock()

	if m.notify != nil {
		m.notify.CallEnded(peerID, "ended")
	}
}

// handleSignal dispatches a relayed signal by payload shape: an offer means
// "set remote, produce an answer", an answer means "set remote", anything
// else is a connectivity candidate. Failures are contained here — a broken
// signal is logged and the call stays in its current state.
func (m *Machine) handleSignal(data json.RawMessage) {
	var ev signalPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("CALL: bad call_signal payload: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.cur
	if sess == nil || sess.peerID != ev.PeerID {
		log.Printf("CALL [%s]: signal for inactive session, dropped", ev.PeerID)
		return
	}

	sig := ev.Signal
	if !sig.IsDescription() {
		// Candidate. It may outrun its description; hold it for the flush.
		if sess.pc == nil || !sess.remoteSet {
			if len(sess.pending) >= maxPendingCandidates {
				sess.pending = sess.pending[1:]
			}
			sess.pending = append(sess.pending, sig)
			return
		}
		if err := sess.pc.AddCandidate(sig); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", ev.PeerID, err)
		}
		return
	}

	switch sig.Type {
	case "offer":
		if sess.pc == nil {
			log.Printf("CALL [%s]: offer before peer connection, dropped", ev.PeerID)
			return
		}
		if err := sess.pc.SetRemote(sig); err != nil {
			log.Printf("CALL [%s]: apply offer: %v", ev.PeerID, err)
			return
		}
		sess.remoteSet = true
		m.flushPendingLocked(sess)
		answer, err := sess.pc.CreateAnswer()
		if err != nil {
			log.Printf("CALL [%s]: create answer: %v", ev.PeerID, err)
			return
		}
		if err := m.bus.Emit(events.EventCallSignal, signalPayload{PeerID: ev.PeerID, Signal: answer}); err != nil {
			log.Printf("CALL [%s]: emit answer: %v", ev.PeerID, err)
		}

	case "answer":
		if sess.pc == nil {
			log.Printf("CALL [%s]: answer before peer connection, dropped", ev.PeerID)
			return
		}
		if err := sess.pc.SetRemote(sig); err != nil {
			log.Printf("CALL [%s]: apply answer: %v", ev.PeerID, err)
			return
		}
		sess.remoteSet = true
		m.flushPendingLocked(sess)
	}
}

// flushPendingLocked applies candidates buffered before the remote
// description was set. Caller holds m.mu.
func (m *Machine) flushPendingLocked(sess *sessionState) {
	for _, sig := range sess.pending {
		if err := sess.pc.AddCandidate(sig); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", sess.peerID, err)
		}
	}
	sess.pending = nil
}

// SwitchMode re-acquires local media for the new mode while Connected and
// swaps the outgoing video track on the live connection. The audio path is
// not disturbed and the connection does not restart. The previous acquisition
// is released — the capture device is a singleton resource.
func (m *Machine) SwitchMode(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.cur
	if sess == nil {
		return ErrNoCall
	}
	if sess.state != StateConnected {
		return ErrBadState
	}
	if sess.mode == mode {
		return nil
	}

	stream, err := m.media.Acquire(mode)
	if err != nil {
		return fmt.Errorf("call: acquire media for %s: %w", mode, err)
	}
	if err := sess.pc.ReplaceVideo(stream); err != nil {
		m.media.Release(stream)
		return fmt.Errorf("call: switch to %s: %w", mode, err)
	}

	old := sess.stream
	sess.stream = stream
	sess.mode = mode
	if old != nil {
		m.media.Release(old)
	}
	log.Printf("CALL [%s]: switched to %s", sess.peerID, mode)
	m.notifyStateLocked()
	return nil
}

// teardownLocked is the single terminal routine, called from every path into
// Ended: emits the farewell event when one is due, releases acquired media,
// closes the peer connection, clears the session. Caller holds m.mu.
func (m *Machine) teardownLocked(emitEvent, peerID string) {
	m.activeGen.Store(0)

	sess := m.cur
	if sess == nil {
		return
	}
	m.cur = nil

	if emitEvent != "" {
		if err := m.bus.Emit(emitEvent, peerPayload{PeerID: peerID}); err != nil {
			log.Printf("CALL [%s]: emit %s: %v", peerID, emitEvent, err)
		}
	}
	if sess.stream != nil {
		m.media.Release(sess.stream)
		sess.stream = nil
	}
	if sess.pc != nil {
		if err := sess.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", sess.peerID, err)
		}
		sess.pc = nil
	}
	m.notifyStateLocked()
}

// Snapshot returns the observable call state.
func (m *Machine) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Info {
	if m.cur == nil {
		return Info{State: StateIdle}
	}
	info := Info{
		State:     m.cur.state,
		PeerID:    m.cur.peerID,
		Direction: m.cur.direction,
		Mode:      m.cur.mode,
	}
	if !m.cur.startedAt.IsZero() {
		info.StartedAt = m.cur.startedAt.UnixMilli()
	}
	return info
}

// Subscribe returns a channel of state snapshots and a cancel function.
func (m *Machine) Subscribe() (<-chan Info, func()) {
	ch := make(chan Info, 8)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// notifyStateLocked fans the current snapshot out to listeners. Caller holds
// m.mu.
func (m *Machine) notifyStateLocked() {
	info := m.snapshotLocked()
	m.listenerMu.Lock()
	for ch := range m.listeners {
		select {
		case ch <- info:
		default:
		}
	}
	m.listenerMu.Unlock()
}

// Close hangs up any active call and unsubscribes from the event channel.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cur != nil {
		m.teardownLocked(events.EventEndCall, m.cur.peerID)
	}
	offs := m.offs
	m.offs = nil
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Info]struct{})
	m.listenerMu.Unlock()
}
