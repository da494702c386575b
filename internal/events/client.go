// Package events wraps a persistent WebSocket connection to the backend as a
// named-event channel: emit an event with a JSON payload, subscribe to events
// by name. Delivery is at-least-once; events of the same name arrive in
// emission order, but there is no ordering guarantee across distinct names.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/util"
)

const (
	// backlogCap bounds the number of events buffered per name while no
	// handler is registered for that name.
	backlogCap = 64

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// Handler receives the raw JSON payload of one event.
type Handler func(data json.RawMessage)

// frame is the wire format: one JSON object per WebSocket text message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type handlerEntry struct {
	fn Handler
}

// Client is an auto-reconnecting event channel client.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	handlerMu sync.RWMutex
	handlers  map[string][]*handlerEntry

	backlogMu sync.Mutex
	backlog   map[string]*util.RingBuffer[json.RawMessage]

	stateMu   sync.RWMutex
	connected bool
	stateSubs []func(bool)

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a client for the given WebSocket URL and starts connecting
// immediately. The bearer token is sent as an Authorization header on dial.
func New(url, token string) *Client {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c := &Client{
		url:      url,
		header:   header,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handlers: make(map[string][]*handlerEntry),
		backlog:  make(map[string]*util.RingBuffer[json.RawMessage]),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Emit sends a named event with the given payload. Returns an error when the
// channel is disconnected or the payload cannot be serialized.
func (c *Client) Emit(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", name, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("events: emit %s: not connected", name)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame{Event: name, Data: data}); err != nil {
		return fmt.Errorf("events: emit %s: %w", name, err)
	}
	return nil
}

// On registers a handler for the named event and returns a function that
// removes it. Events that arrived for this name while no handler was
// registered are replayed to the new handler first, in arrival order.
func (c *Client) On(name string, fn Handler) (off func()) {
	entry := &handlerEntry{fn: fn}

	c.handlerMu.Lock()
	first := len(c.handlers[name]) == 0
	c.handlers[name] = append(c.handlers[name], entry)
	c.handlerMu.Unlock()

	if first {
		c.backlogMu.Lock()
		buf := c.backlog[name]
		delete(c.backlog, name)
		c.backlogMu.Unlock()
		if buf != nil {
			for _, data := range buf.Drain() {
				fn(data)
			}
		}
	}

	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		entries := c.handlers[name]
		for i, e := range entries {
			if e == entry {
				c.handlers[name] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Connected reports whether the channel currently has a live connection.
func (c *Client) Connected() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.connected
}

// OnConnectionChange registers an observer for connect/disconnect transitions.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.stateMu.Lock()
	c.stateSubs = append(c.stateSubs, fn)
	c.stateMu.Unlock()
}

// Close stops the reconnect loop and closes the current connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.writeMu.Unlock()
}

// run dials, reads until the connection drops, and re-dials with exponential
// backoff until Close is called.
func (c *Client) run() {
	backoff := reconnectMin
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := c.dialer.Dial(c.url, c.header)
		if err != nil {
			log.Printf("EVENTS: dial %s failed: %v (retry in %s)", c.url, err, backoff)
			select {
			case <-c.done:
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectMin

		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		c.setConnected(true)
		log.Printf("EVENTS: connected to %s", c.url)

		c.readLoop(conn)

		c.writeMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.writeMu.Unlock()
		c.setConnected(false)
	}
}

// readLoop dispatches inbound frames until the connection errors out.
// Handlers run synchronously on this goroutine so that events of the same
// name are delivered in arrival order.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("EVENTS: read error: %v", err)
			}
			return
		}
		if f.Event == "" {
			continue
		}
		c.dispatch(f.Event, f.Data)
	}
}

func (c *Client) dispatch(name string, data json.RawMessage) {
	c.handlerMu.RLock()
	entries := make([]*handlerEntry, len(c.handlers[name]))
	copy(entries, c.handlers[name])
	c.handlerMu.RUnlock()

	if len(entries) == 0 {
		c.backlogMu.Lock()
		buf := c.backlog[name]
		if buf == nil {
			buf = util.NewRingBuffer[json.RawMessage](backlogCap)
			c.backlog[name] = buf
		}
		buf.Push(data)
		c.backlogMu.Unlock()
		return
	}

	for _, e := range entries {
		e.fn(data)
	}
}

func (c *Client) setConnected(v bool) {
	c.stateMu.Lock()
	changed := c.connected != v
	c.connected = v
	subs := make([]func(bool), len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.stateMu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(v)
	}
}

// jitter spreads reconnect attempts so clients that dropped together do not
// redial in lockstep.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))/2
}
