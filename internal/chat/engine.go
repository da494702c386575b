// Package chat maintains the ordered message sequence for the open
// conversation, reconciling optimistic local sends with server-confirmed
// messages delivered over the event channel, and handles typing and read
// signaling.
package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/session"
)

// Bus is the only surface the engine needs from the event channel.
type Bus interface {
	Emit(name string, payload any) error
	On(name string, fn func(data json.RawMessage)) (off func())
}

// Store is the external conversation store (REST backend).
type Store interface {
	FetchHistory(ctx context.Context, conversationID string) ([]*Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	DeleteMessages(ctx context.Context, conversationID string, ids []string) error
}

// Notifier receives side effects for messages outside the open conversation
// (unread counters, notification sounds).
type Notifier interface {
	MessageReceived(conversationID string, msg *Message)
}

// Options tune the engine's timers. Zero values pick the defaults.
type Options struct {
	// SendTimeout bounds how long an optimistic entry may stay pending
	// before it is marked failed.
	SendTimeout time.Duration
	// TypingIdle is the inactivity window after the last Typing call before
	// stop_typing is emitted automatically.
	TypingIdle time.Duration
	// TypingTTL expires a remote typing indicator locally when neither a
	// refresh nor a stop_typing event arrives. Dropped stop events must not
	// leave the indicator stuck.
	TypingTTL time.Duration
	// StoreTimeout bounds history fetches and read/delete notifications.
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = 2 * time.Second
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 2 * o.TypingIdle
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

// Engine synchronizes the message list of the currently open conversation.
type Engine struct {
	bus    Bus
	store  Store
	notify Notifier
	self   *session.Context
	opts   Options

	mu     sync.Mutex
	convID string
	epoch  uint64 // bumped on every OpenConversation; stale fetches check it
	msgs   []*Message

	pendingTimers map[string]*time.Timer // clientID → send-timeout timer

	typingSent  bool
	stopTimer   *time.Timer // debounced stop_typing emission
	peerTyping  bool
	typingTimer *time.Timer // local TTL for the remote typing indicator

	listenerMu sync.Mutex
	listeners  map[chan struct{}]struct{}

	offs   []func()
	closed bool
}

// New creates an engine bound to the event channel and store, and subscribes
// to inbound message and typing events immediately.
func New(bus Bus, store Store, notify Notifier, self *session.Context, opts Options) *Engine {
	e := &Engine{
		bus:           bus,
		store:         store,
		notify:        notify,
		self:          self,
		opts:          opts.withDefaults(),
		pendingTimers: make(map[string]*time.Timer),
		listeners:     make(map[chan struct{}]struct{}),
	}
	e.offs = append(e.offs,
		bus.On(events.EventReceiveMessage, e.handleRemote),
		bus.On(events.EventTyping, e.handleTyping),
		bus.On(events.EventStopTyping, e.handleStopTyping),
	)
	return e
}

// OpenConversation switches the engine to conversationID: the current list is
// cleared, history is fetched in the background, and the conversation is
// marked read. Safe to call repeatedly; a history response for a conversation
// that is no longer open is discarded on arrival.
func (e *Engine) OpenConversation(conversationID string) {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.convID = conversationID
	e.msgs = nil
	for id, t := range e.pendingTimers {
		t.Stop()
		delete(e.pendingTimers, id)
	}
	e.peerTyping = false
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.mu.Unlock()
	e.notifyChange()

	if err := e.bus.Emit(events.EventJoinRoom, roomPayload{ConversationID: conversationID}); err != nil {
		log.Printf("CHAT: join_room %s: %v", conversationID, err)
	}

	// Opening is what marks the conversation read, not the history fetch
	// landing; a failed fetch must not leave the conversation unread.
	e.MarkRead(conversationID, false)

	go e.loadHistory(conversationID, epoch)
}

// loadHistory fetches the conversation history and installs it only if the
// conversation is still the open one when the response arrives.
func (e *Engine) loadHistory(conversationID string, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StoreTimeout)
	defer cancel()

	history, err := e.store.FetchHistory(ctx, conversationID)
	if err != nil {
		log.Printf("CHAT: history fetch %s: %v", conversationID, err)
		return
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		log.Printf("CHAT: discarding stale history for %s", conversationID)
		return
	}
	// Events applied while the fetch was in flight win: a history row whose
	// id (or clientId) is already in the list would otherwise install a
	// duplicate. Sends made during the fetch stay at the tail.
	seen := make(map[string]struct{}, 2*len(e.msgs))
	for _, m := range e.msgs {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
		if m.ClientID != "" {
			seen[m.ClientID] = struct{}{}
		}
	}
	merged := make([]*Message, 0, len(history)+len(e.msgs))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if m.ClientID != "" {
			if _, dup := seen[m.ClientID]; dup {
				continue
			}
		}
		merged = append(merged, m)
	}
	e.msgs = append(merged, e.msgs...)
	e.mu.Unlock()
	e.notifyChange()
}

// Send appends an optimistic entry and emits send_message. It returns the
// entry immediately; confirmation arrives later via receive_message. If no
// confirmation lands within SendTimeout the entry transitions to failed.
func (e *Engine) Send(body string, kind Kind) *Message {
	e.mu.Lock()
	conversationID := e.convID
	msg := newOutgoing(conversationID, e.self.UserID, body, kind)
	e.msgs = append(e.msgs, msg)
	e.armSendTimeout(msg.ClientID)
	e.mu.Unlock()
	e.notifyChange()

	e.emitSend(msg, conversationID)
	return msg
}

// Retry re-emits a failed entry under its original clientId and returns it to
// pending. The entry keeps its position in the sequence.
func (e *Engine) Retry(clientID string) bool {
	e.mu.Lock()
	msg := e.findByClientID(clientID)
	if msg == nil || msg.Delivery != DeliveryFailed {
		e.mu.Unlock()
		return false
	}
	msg.Delivery = DeliveryPending
	conversationID := msg.ConversationID
	e.armSendTimeout(clientID)
	e.mu.Unlock()
	e.notifyChange()

	e.emitSend(msg, conversationID)
	return true
}

// emitSend pushes the send_message event; an immediate transport failure
// marks the entry failed right away instead of waiting for the timeout.
func (e *Engine) emitSend(msg *Message, conversationID string) {
	err := e.bus.Emit(events.EventSendMessage, sendPayload{
		ConversationID: conversationID,
		Body:           msg.Body,
		Kind:           msg.Kind,
		ClientID:       msg.ClientID,
	})
	if err == nil {
		return
	}
	log.Printf("CHAT: send %s: %v", msg.ClientID, err)
	e.mu.Lock()
	e.failPendingLocked(msg.ClientID)
	e.mu.Unlock()
	e.notifyChange()
}

// armSendTimeout (re)starts the pending→failed timer for clientID.
// Caller holds e.mu.
func (e *Engine) armSendTimeout(clientID string) {
	if t, ok := e.pendingTimers[clientID]; ok {
		t.Stop()
	}
	e.pendingTimers[clientID] = time.AfterFunc(e.opts.SendTimeout, func() {
		e.mu.Lock()
		changed := e.failPendingLocked(clientID)
		e.mu.Unlock()
		if changed {
			e.notifyChange()
		}
	})
}

// failPendingLocked marks the entry failed if it is still pending.
// Caller holds e.mu.
func (e *Engine) failPendingLocked(clientID string) bool {
	if t, ok := e.pendingTimers[clientID]; ok {
		t.Stop()
		delete(e.pendingTimers, clientID)
	}
	msg := e.findByClientID(clientID)
	if msg == nil || msg.Delivery != DeliveryPending {
		return false
	}
	msg.Delivery = DeliveryFailed
	log.Printf("CHAT: message %s marked failed (no confirmation)", clientID)
	return true
}

// handleRemote applies one receive_message event. Reconciliation by clientId
// takes priority over append, so the outcome is the same whichever of the
// optimistic entry and the confirmation lands first; re-delivery of an
// already-known id is a no-op.
func (e *Engine) handleRemote(data json.RawMessage) {
	var ev RemoteMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("CHAT: bad receive_message payload: %v", err)
		return
	}

	e.mu.Lock()
	if ev.ConversationID != e.convID {
		e.mu.Unlock()
		if e.notify != nil {
			e.notify.MessageReceived(ev.ConversationID, remoteToMessage(&ev))
		}
		return
	}

	if ev.ClientID != "" {
		if msg := e.findByClientID(ev.ClientID); msg != nil {
			// Confirmation of a local optimistic entry: mutate in place,
			// keep sequence position.
			if t, ok := e.pendingTimers[ev.ClientID]; ok {
				t.Stop()
				delete(e.pendingTimers, ev.ClientID)
			}
			msg.ID = ev.ID
			msg.Delivery = DeliveryConfirmed
			if ev.CreatedAt > 0 {
				msg.CreatedAt = time.UnixMilli(ev.CreatedAt)
			}
			e.mu.Unlock()
			e.notifyChange()
			return
		}
	}

	for _, m := range e.msgs {
		if m.ID == ev.ID {
			// Duplicate delivery of a confirmed id.
			e.mu.Unlock()
			return
		}
	}

	// A confirmation without a matching entry is indistinguishable from a
	// genuinely new remote message; appending risks a rare duplicate render,
	// dropping risks data loss. Append.
	conversationID := e.convID
	e.msgs = append(e.msgs, remoteToMessage(&ev))
	e.mu.Unlock()
	e.notifyChange()

	e.MarkRead(conversationID, false)
}

func remoteToMessage(ev *RemoteMessage) *Message {
	return &Message{
		ID:             ev.ID,
		ClientID:       ev.ClientID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Body:           ev.Body,
		Kind:           ev.Kind,
		CreatedAt:      time.UnixMilli(ev.CreatedAt),
		Delivery:       DeliveryConfirmed,
	}
}

// MarkRead notifies the store that the conversation was read. Suppressed when
// the conversation is not the open one, unless force is set.
func (e *Engine) MarkRead(conversationID string, force bool) {
	if !force {
		e.mu.Lock()
		open := e.convID == conversationID
		e.mu.Unlock()
		if !open {
			return
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.StoreTimeout)
		defer cancel()
		if err := e.store.MarkRead(ctx, conversationID); err != nil {
			log.Printf("CHAT: mark read %s: %v", conversationID, err)
		}
	}()
}

// DeleteMessages removes the given server ids locally and notifies the store.
func (e *Engine) DeleteMessages(ids []string) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	e.mu.Lock()
	conversationID := e.convID
	kept := e.msgs[:0]
	for _, m := range e.msgs {
		if _, gone := drop[m.ID]; !gone {
			kept = append(kept, m)
		}
	}
	e.msgs = kept
	e.mu.Unlock()
	e.notifyChange()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.StoreTimeout)
		defer cancel()
		if err := e.store.DeleteMessages(ctx, conversationID, ids); err != nil {
			log.Printf("CHAT: delete messages %s: %v", conversationID, err)
		}
	}()
}

// Typing signals that the user is composing. The typing event is emitted once
// per keystroke burst; stop_typing fires automatically after TypingIdle of
// inactivity, or earlier via StopTyping.
func (e *Engine) Typing() {
	e.mu.Lock()
	conversationID := e.convID
	emit := !e.typingSent
	e.typingSent = true
	if e.stopTimer != nil {
		e.stopTimer.Stop()
	}
	e.stopTimer = time.AfterFunc(e.opts.TypingIdle, e.StopTyping)
	e.mu.Unlock()

	if emit {
		if err := e.bus.Emit(events.EventTyping, roomPayload{ConversationID: conversationID}); err != nil {
			log.Printf("CHAT: typing: %v", err)
		}
	}
}

// StopTyping emits stop_typing if a burst is active.
func (e *Engine) StopTyping() {
	e.mu.Lock()
	conversationID := e.convID
	emit := e.typingSent
	e.typingSent = false
	if e.stopTimer != nil {
		e.stopTimer.Stop()
	}
	e.mu.Unlock()

	if emit {
		if err := e.bus.Emit(events.EventStopTyping, roomPayload{ConversationID: conversationID}); err != nil {
			log.Printf("CHAT: stop_typing: %v", err)
		}
	}
}

// handleTyping raises the remote typing indicator. The local TTL timer is the
// source of truth for expiry; the peer's stop_typing merely clears it early.
func (e *Engine) handleTyping(data json.RawMessage) {
	var ev roomPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	e.mu.Lock()
	if ev.ConversationID != e.convID {
		e.mu.Unlock()
		return
	}
	changed := !e.peerTyping
	e.peerTyping = true
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.typingTimer = time.AfterFunc(e.opts.TypingTTL, func() {
		e.mu.Lock()
		expired := e.peerTyping
		e.peerTyping = false
		e.mu.Unlock()
		if expired {
			e.notifyChange()
		}
	})
	e.mu.Unlock()

	if changed {
		e.notifyChange()
	}
}

func (e *Engine) handleStopTyping(data json.RawMessage) {
	var ev roomPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	e.mu.Lock()
	if ev.ConversationID != e.convID {
		e.mu.Unlock()
		return
	}
	changed := e.peerTyping
	e.peerTyping = false
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.mu.Unlock()

	if changed {
		e.notifyChange()
	}
}

// Messages returns a snapshot of the open conversation's sequence.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.msgs))
	for i, m := range e.msgs {
		out[i] = *m
	}
	return out
}

// PeerTyping reports whether the remote participant is currently typing.
func (e *Engine) PeerTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerTyping
}

// Conversation returns the currently open conversation id.
func (e *Engine) Conversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convID
}

// Subscribe returns a channel that receives a signal whenever the observable
// state changes, and a cancel function.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.listenerMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenerMu.Unlock()

	cancel := func() {
		e.listenerMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) notifyChange() {
	e.listenerMu.Lock()
	for ch := range e.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	e.listenerMu.Unlock()
}

// findByClientID returns the entry with the given clientId. Caller holds e.mu.
func (e *Engine) findByClientID(clientID string) *Message {
	for _, m := range e.msgs {
		if m.ClientID == clientID {
			return m
		}
	}
	return nil
}

// Close unsubscribes from the event channel and stops all timers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, t := range e.pendingTimers {
		t.Stop()
		delete(e.pendingTimers, id)
	}
	if e.stopTimer != nil {
		e.stopTimer.Stop()
	}
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	offs := e.offs
	e.offs = nil
	e.mu.Unlock()

	for _, off := range offs {
		off()
	}

	e.listenerMu.Lock()
	for ch := range e.listeners {
		close(ch)
	}
	e.listeners = make(map[chan struct{}]struct{})
	e.listenerMu.Unlock()
}
