// Package call is the signaling extension point: it emits call intents over
// the existing session and fans inbound call events out to the external call
// page. Media negotiation never happens here — local state ends at
// "invite sent".
package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/converse/internal/proto"
)

// Sender is the only surface this package needs from the session for
// outbound signaling.
type Sender interface {
	Send(event string, payload any) error
}

// Bus is the inbound subscription surface.
type Bus interface {
	Subscribe(event string, fn func(data json.RawMessage)) func()
}

// Event types forwarded to subscribers.
const (
	TypeInvite = "invite"
	TypeAccept = "accept"
	TypeReject = "reject"
	TypeEnd    = "end"
)

// Event is one call-lifecycle event as seen by the call page.
type Event struct {
	Type string `json:"type"`
	Kind string `json:"kind,omitempty"` // voice|video, invite only
	From string `json:"from"`
	To   string `json:"to"`
}

// Signaler emits and receives call signaling over one session.
type Signaler struct {
	sess   Sender
	selfID string

	mu        sync.Mutex
	listeners map[chan Event]struct{}
	unsubs    []func()
}

// New creates a Signaler for selfID sending through sess.
func New(selfID string, sess Sender) *Signaler {
	return &Signaler{
		sess:      sess,
		selfID:    selfID,
		listeners: make(map[chan Event]struct{}),
	}
}

// Attach subscribes the signaler to the inbound call events on bus.
func (s *Signaler) Attach(bus Bus) {
	forward := func(typ string) func(json.RawMessage) {
		return func(data json.RawMessage) {
			var p proto.CallSignalPayload
			if err := json.Unmarshal(data, &p); err != nil {
				log.Printf("CALL: bad %s payload: %v", typ, err)
				return
			}
			s.publish(Event{Type: typ, From: p.From, To: p.To})
		}
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs,
		bus.Subscribe(proto.EventCallInvite, func(data json.RawMessage) {
			var p proto.CallInvitePayload
			if err := json.Unmarshal(data, &p); err != nil {
				log.Printf("CALL: bad invite payload: %v", err)
				return
			}
			s.publish(Event{Type: TypeInvite, Kind: p.Kind, From: p.From, To: p.To})
		}),
		bus.Subscribe(proto.EventCallAccept, forward(TypeAccept)),
		bus.Subscribe(proto.EventCallReject, forward(TypeReject)),
		bus.Subscribe(proto.EventCallEnd, forward(TypeEnd)),
	)
	s.mu.Unlock()
}

// InviteVoice emits a voice call intent to peerID.
func (s *Signaler) InviteVoice(peerID string) error {
	return s.invite(proto.CallVoice, peerID)
}

// InviteVideo emits a video call intent to peerID.
func (s *Signaler) InviteVideo(peerID string) error {
	return s.invite(proto.CallVideo, peerID)
}

func (s *Signaler) invite(kind, peerID string) error {
	payload := proto.CallInvitePayload{Kind: kind, From: s.selfID, To: peerID}
	if err := s.sess.Send(proto.EventCallInvite, payload); err != nil {
		return fmt.Errorf("call: invite %s (%s): %w", peerID, kind, err)
	}
	log.Printf("CALL: %s invite sent to %s", kind, peerID)
	return nil
}

// Subscribe returns a channel of call events and a cancel function. The
// external call page holds one subscription for its lifetime.
func (s *Signaler) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 16)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()

	cancel = func() {
		s.mu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Close unsubscribes from the bus and closes all listener channels.
func (s *Signaler) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	for ch := range s.listeners {
		close(ch)
	}
	s.listeners = make(map[chan Event]struct{})
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (s *Signaler) publish(evt Event) {
	s.mu.Lock()
	for ch := range s.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	s.mu.Unlock()
}
