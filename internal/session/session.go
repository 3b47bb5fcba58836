// Package session owns the single websocket connection to the signaling
// server. One Session per authenticated identity: Connect registers the
// identity, Subscribe fans inbound events out to handlers, Send writes
// outbound frames, Disconnect tears the transport down.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/converse/internal/proto"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistered
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ErrNotConnected is returned by Send when the session is not registered.
// The frame is dropped, never buffered.
var ErrNotConnected = errors.New("session: not connected")

// ConnectionError wraps a failure to establish the transport. Retry policy
// belongs to the caller — the session itself never redials.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type subscription struct {
	id int
	fn func(data json.RawMessage)
}

// Session is safe for concurrent use. Writes are serialized through the
// session mutex (gorilla/websocket permits one concurrent writer).
type Session struct {
	url string

	mu       sync.Mutex
	state    State
	selfID   string
	conn     *websocket.Conn
	readDone chan struct{}

	subMu  sync.RWMutex
	nextID int
	subs   map[string][]subscription
}

// New creates a Session that will dial url (ws:// or wss://).
func New(url string) *Session {
	return &Session{
		url:  url,
		subs: make(map[string][]subscription),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SelfID returns the identity this session registered, if any.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect dials the signaling server and registers selfID so the server can
// route messages and presence to this identity. The session is Registered
// only after the register frame has been written. Exactly one live transport
// at a time: callers must Disconnect before connecting again.
func (s *Session) Connect(ctx context.Context, selfID string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: already connected as %s", s.selfID)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.setState(StateIdle)
		return &ConnectionError{URL: s.url, Err: err}
	}

	// Register before anything else — the server drops frames addressed to
	// unregistered identities, and so do we (see readLoop).
	reg := proto.NewFrame(proto.EventRegister, proto.RegisterPayload{UserID: selfID})
	if err := conn.WriteJSON(reg); err != nil {
		conn.Close()
		s.setState(StateIdle)
		return &ConnectionError{URL: s.url, Err: err}
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.selfID = selfID
	s.state = StateRegistered
	s.readDone = done
	s.mu.Unlock()

	go s.readLoop(conn, done)

	log.Printf("SESSION: registered %s on %s", selfID, s.url)
	return nil
}

// Send writes one outbound frame. Fire-and-forget: no delivery ack is
// modeled. Fails with ErrNotConnected unless the session is Registered.
func (s *Session) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRegistered || s.conn == nil {
		return ErrNotConnected
	}
	if err := s.conn.WriteJSON(proto.NewFrame(event, payload)); err != nil {
		return fmt.Errorf("session: send %s: %w", event, err)
	}
	return nil
}

// Subscribe registers a handler for every inbound frame named event.
// Handlers for the same event run in registration order. The returned
// function removes the subscription.
func (s *Session) Subscribe(event string, fn func(data json.RawMessage)) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[event] = append(s.subs[event], subscription{id: id, fn: fn})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[event]
		for i, sub := range list {
			if sub.id == id {
				s.subs[event] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Disconnect closes the transport and waits for the read loop to exit, so no
// inbound handler fires after it returns. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	done := s.readDone
	s.conn = nil
	s.readDone = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-done
	log.Printf("SESSION: disconnected")
}

// readLoop reads frames until the connection dies and dispatches them to
// subscribers in the order received — no reordering, no batching.
func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var f proto.Frame
		if err := conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			if s.conn == conn { // dropped by the server, not by Disconnect
				s.conn = nil
				s.state = StateDisconnected
				log.Printf("SESSION: read loop ended: %v", err)
			}
			s.mu.Unlock()
			return
		}

		if s.State() != StateRegistered {
			// Tolerate, don't crash: nothing should be addressed to an
			// unregistered identity.
			log.Printf("SESSION: dropping %s frame while %s", f.Event, s.State())
			continue
		}

		s.dispatch(f)
	}
}

func (s *Session) dispatch(f proto.Frame) {
	s.subMu.RLock()
	list := make([]subscription, len(s.subs[f.Event]))
	copy(list, s.subs[f.Event])
	s.subMu.RUnlock()

	for _, sub := range list {
		sub.fn(f.Data)
	}
}
