package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/session"
)

// fakeBus records emissions and lets tests deliver inbound events.
type fakeBus struct {
	mu       sync.Mutex
	emits    []emitted
	handlers map[string][]func(json.RawMessage)
	failName string // Emit for this event name returns an error
}

type emitted struct {
	name    string
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]func(json.RawMessage))}
}

func (b *fakeBus) Emit(name string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == b.failName {
		return errors.New("emit failed")
	}
	b.emits = append(b.emits, emitted{name: name, payload: payload})
	return nil
}

func (b *fakeBus) On(name string, fn func(json.RawMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], fn)
	return func() {}
}

func (b *fakeBus) deliver(t *testing.T, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	fns := append([]func(json.RawMessage){}, b.handlers[name]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (b *fakeBus) sent(name string) []emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []emitted
	for _, e := range b.emits {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// fakeStore serves canned history and can hold a fetch open until released.
type fakeStore struct {
	mu         sync.Mutex
	history    map[string][]*Message
	historyErr error
	gates      map[string]chan struct{}
	fetched    map[string]int
	read       []string
	deleted    [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history: make(map[string][]*Message),
		gates:   make(map[string]chan struct{}),
		fetched: make(map[string]int),
	}
}

func (s *fakeStore) FetchHistory(ctx context.Context, conversationID string) ([]*Message, error) {
	s.mu.Lock()
	gate := s.gates[conversationID]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched[conversationID]++
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return append([]*Message{}, s.history[conversationID]...), nil
}

func (s *fakeStore) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, conversationID)
	return nil
}

func (s *fakeStore) DeleteMessages(ctx context.Context, conversationID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids)
	return nil
}

func (s *fakeStore) fetchCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched[conversationID]
}

func (s *fakeStore) reads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.read...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	convs []string
}

func (n *fakeNotifier) MessageReceived(conversationID string, _ *Message) {
	n.mu.Lock()
	n.convs = append(n.convs, conversationID)
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.convs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeBus, *fakeStore, *fakeNotifier) {
	t.Helper()
	bus := newFakeBus()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	self := &session.Context{UserID: "me"}
	e := New(bus, store, notifier, self, opts)
	t.Cleanup(e.Close)
	return e, bus, store, notifier
}

// open switches the engine to the conversation and waits for the history
// fetch to land so tests start from a settled list.
func open(t *testing.T, e *Engine, store *fakeStore, conversationID string) {
	t.Helper()
	e.OpenConversation(conversationID)
	waitFor(t, "history fetch", func() bool { return store.fetchCount(conversationID) > 0 })
}

func TestSendAppendsOptimisticEntry(t *testing.T) {
	e, bus, store, _ := newTestEngine(t, Options{})
	open(t, e, store, "c1")

	msg := e.Send("hi", KindText)
	if msg.ClientID == "" {
		t.Fatal("expected a clientId")
	}
	if msg.Delivery != DeliveryPending {
		t.Fatalf("delivery = %s, want pending", msg.Delivery)
	}

	got := e.Messages()
	if len(got) != 1 || got[0].Body != "hi" {
		t.Fatalf("messages = %+v, want single entry", got)
	}
	if len(bus.sent(events.EventSendMessage)) != 1 {
		t.Fatal("send_message not emitted")
	}
}

func TestConfirmationMutatesInPlace(t *testing.T) {
	e, bus, store, _ := newTestEngine(t, Options{})
	open(t, e, store, "c1")

	first := e.Send("one", KindText)
	e.Send("two", KindText)

	bus.deliver(t, events.EventReceiveMessage, RemoteMessage{
		ConversationID: "c1", ID: "srv-1", ClientID: first.ClientID,
		SenderID: "me", Body: "one", Kind: KindText, CreatedAt: time.Now().UnixMilli(),
	})

	got := e.Messages()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "srv-1" || got[0].Delivery != DeliveryConfirmed {
		t.Fatalf("entry not confirmed in place: %+v", got[0])
	}
	if got[1].Body != "two" {
		t.Fatal("confirmation reordered the sequence")
	}
}

func TestDuplicateConfirmationIsIdempotent(t *testing.T) {
	e, bus, store, _ := newTestEngine(t, Options{})
	open(t, e, store, "c1")

	msg := e.Send("hi", KindText)
	ev := RemoteMessage{
		ConversationID: "c1", ID: "srv-1", ClientID: msg.ClientID,
		SenderID: "me", Body: "hi", Kind: KindText,
	}
	bus.deliver(t, events.EventReceiveMessage, ev)
	bus.deliver(t, events.EventReceiveMessage, ev)

	got := e.Messages()
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 after duplicate delivery", len(got))
	}
}

func TestConfirmationWithoutPendingAppends(t *testing.T) {
	// A confirmation that matches nothing is treated as a new remote
	// message: appending is safer than dropping.
	e, bus, store, _ := newTestEngine(t, Options{})
	open(t, e, store, "c1")

	bus.deliver(t, events.EventReceiveMessage, RemoteMessage{
		ConversationID: "c1", ID: "srv-9", ClientID: "unknown-client",
		SenderID: "peer", Body: "stray", Kind: KindText,
	})

	got := e.Messages()
	if len(got) != 1 || got[0].ID != "srv-9" {
		t.Fatalf("messages = %+v, want the stray confirmation appended", got)
	}
}

func TestRemoteMessageForOtherConversationNotifies(t *testing.T) {
	e, bus, store, notifier := newTestEngine(t, Options{})
	open(t, e, store, "c1")

	bus.deliver(t, events.EventReceiveMessage, RemoteMessage{
		ConversationID: "c2", ID: "srv-5", SenderID: "peer", Body: "psst", Kind: KindText,
	})

	if len(e.Messages()) != 0 {
		t.Fatal("message for another conversation leaked into the open list")
	}
	if notifier.count() != 1 {
		t.Fatal("notifier not invoked for background message")
	}
}

func TestOpenConversationDiscardsStaleHistory(t *testing.T) {
	e, _, store, _ := newTestEngine(t, Options{})

	gate := make(chan struct{})
	store.mu.Lock()
	store.gates["a"] = gate
	store.history["a"] = []*Message{{ID: "a-1", ConversationID: "a", Delivery: DeliveryConfirmed}}
	store.history["b"] = []*Message{{ID: "b-1", ConversationID: "b", Delivery: DeliveryConfirmed}}
	store.mu.Unlock()

	e.OpenConversation("a")
	open(t, e, store, "b")

	close(gate) // a's fetch now completes, late
	waitFor(t, "stale fetch completion", func() bool { return store.fetchCount("a") > 0 })

	got := e.Messages()
	if len(got) != 1 || got[0].ID != "b-1" {
		t.Fatalf("messages = %+v, stale history for a must not populate b", got)
	}
}

func TestHistoryMergeSkipsAlreadyDeliveredRows(t *testing.T) {
	// A receive_message that lands while the fetch is in flight must not be
	// duplicated when the fetch response installs the same server row.
	e, bus, store, _ := newTestEngine(t, Options{})

	gate := make(chan struct{})
	store.mu.Lock()
	store.gates["c1"] = gate
	store.history["c1"] = []*Message{
		{ID: "m1", ConversationID: "c1", SenderID: "peer", Body: "hi", Delivery: DeliveryConfirmed},
		{ID: "m2", ConversationID: "c1", SenderID: "peer", Body: "yo", Delivery: DeliveryConfirmed},
	}
	store.mu.Unlock()

	e.OpenConversation("c1")
	bus.deliver(t, events.EventReceiveMessage, RemoteMessage{
		ConversationID: "c1", ID: "m1", SenderID: "peer", Body: "hi",
	})

	close(gate)
	waitFor(t, "history fetch", func() bool { return store.fetchCount("c1") > 0 })

	got := e.Messages()
	count := 0
	for _, m := range got {
		if m.ID == "m1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("entries with id m1 = %d, want 1", count)
	}
	if len(got) != 2 {
		t.Fatalf("messages = %+v, want m1 and m2 once each", got)
	}
}

func TestHistoryMergeKeepsConfirmedOptimisticSend(t *testing.T) {
	// The echo of an optimistic send confirmed during the fetch can also show
	// up as a history row; the confirmed entry must stay singular.
	e, bus, store, _ := newTestEngine(t, Options{})

	gate := make(chan struct{})
	store.mu.Lock()
	store.gates["c1"] = gate
	store.mu.Unlock()

	e.OpenConversation("c1")
	msg := e.Send("hi", KindText)
	bus.deliver(t, events.EventReceiveMessage, RemoteMessage{
		ConversationID: "c1", ID: "srv-1", ClientID: msg.ClientID, SenderID: "me", Body: "hi",
	})

	store.mu.Lock()
	store.history["c1"] = []*Message{
		{ID: "srv-1", ConversationID: "c1", SenderID: "me", Body: "hi", Delivery: DeliveryConfirmed},
	}
	store.mu.Unlock()

	close(gate)
	waitFor(t, "history fetch", func() bool { return store.fetchCount("c1") > 0 })

	got := e.Messages()
	if len(got) != 1 || got[0].ID != "srv-1" || got[0].Delivery != DeliveryConfirmed {
		t.Fatalf("messages = %+v, want the single confirmed entry", got)
	}
}

func TestOpenConversationMarksReadDespiteFetchFailure(t *testing.T) {
	e, _, store, _ := newTestEngine(t, Options{})
	store.mu.Lock()
	store.historyErr = errors.New("backend down")
	store.mu.Unlock()

	e.OpenConversation("c1")

	waitFor(t, "mark read", func() bool {
		for _, id := range store.reads() {
			if id == "c1" {
				return true
			}
		}
		return false
	})
}

func TestSendTimeoutMarksFailedAndRetryResends(t *testing.T) {
	e, bus, store, _ := newTestEngine(t, Options{SendTimeout: 30 * time.Millisecond})
	open(t, e, store, "c1")

	msg := e.Send("hi", KindText)
	waitFor(t, "failed transition", func() bool {
		return e.Messages()[0].Delivery == DeliveryFailed
	})

	if !e.Retry(msg.ClientID) {
		t.Fatal("Retry refused a failed entry")
	}
	if got := e.Messages()[0].Delivery; got != DeliveryPending {
		t.Fatalf("delivery after retry = %s, want pending", got)
	}
	if n := len(bus.sent(events.EventSendMessage)); n != 2 {
		t.Fatalf("send_message emitted %d times, want 2", n)
	}

	// Confirmation can still land after a retry.
	bus.deliver(t, events.EventReceiveMessage, RemoteMessage{
		ConversationID: "c1", ID: "srv-1", ClientID: msg.ClientID, SenderID: "me",
	})
	if got := e.Messages()[0].Delivery; got != DeliveryConfirmed {
		t.Fatalf("delivery = %s, want confirmed", got)
	}
}

func TestEmitFailureFailsImmediately(t *testing.T) {
	e, bus, store, _ := newTestEngine(t, Options{})
	bus.failName = events.EventSendMessage
	open(t, e, store, "c1")

	e.Send("hi", KindText)
	waitFor(t, "failed transition", func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].Delivery == DeliveryFailed
	})
}

func TestTypingEmitsOncePerBurst(t *testing.T) {
	e, bus, store, _ := newTestEngine(t, Options{TypingIdle: 40 * time.Millisecond})
	open(t, e, store, "c1")

	e.Typing()
	e.Typing()
	e.Typing()

	if n := len(bus.sent(events.EventTyping)); n != 1 {
		t.Fatalf("typing emitted %d times, want 1", n)
	}
	waitFor(t, "debounced stop_typing", func() bool {
		return len(bus.sent(events.EventStopTyping)) == 1
	})

	// A new burst emits again.
	e.Typing()
	if n := len(bus.sent(events.EventTyping)); n != 2 {
		t.Fatalf("typing emitted %d times after new burst, want 2", n)
	}
}

func TestPeerTypingExpiresLocally(t *testing.T) {
	// The local TTL is the source of truth: a dropped stop_typing must not
	// leave the indicator stuck.
	e, bus, store, _ := newTestEngine(t, Options{TypingTTL: 50 * time.Millisecond})
	open(t, e, store, "c1")

	bus.deliver(t, events.EventTyping, roomPayload{ConversationID: "c1"})
	if !e.PeerTyping() {
		t.Fatal("peer typing not raised")
	}
	waitFor(t, "typing TTL expiry", func() bool { return !e.PeerTyping() })
}

func TestStopTypingClearsEarly(t *testing.T) {
	e, bus, store, _ := newTestEngine(t, Options{TypingTTL: time.Minute})
	open(t, e, store, "c1")

	bus.deliver(t, events.EventTyping, roomPayload{ConversationID: "c1"})
	bus.deliver(t, events.EventStopTyping, roomPayload{ConversationID: "c1"})
	if e.PeerTyping() {
		t.Fatal("stop_typing did not clear the indicator")
	}
}

func TestDeleteMessagesRemovesLocally(t *testing.T) {
	e, bus, store, _ := newTestEngine(t, Options{})
	open(t, e, store, "c1")

	e.Send("one", KindText)
	msg := e.Send("two", KindText)
	bus.deliver(t, events.EventReceiveMessage, RemoteMessage{
		ConversationID: "c1", ID: "srv-2", ClientID: msg.ClientID, SenderID: "me",
	})

	e.DeleteMessages([]string{"srv-2"})
	got := e.Messages()
	if len(got) != 1 || got[0].Body != "one" {
		t.Fatalf("messages = %+v, want only the first entry", got)
	}
	waitFor(t, "store delete", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deleted) == 1
	})
}
