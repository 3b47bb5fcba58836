// Package timeline keeps the ordered, deduplicated message log for the one
// conversation currently on screen. Switching conversations is a full reset
// plus history re-fetch; messages for any other peer are dropped, not queued.
package timeline

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/converse/internal/proto"
)

// Origin marks who authored a message relative to this session.
type Origin string

const (
	OriginSelf Origin = "self" // rendered right-aligned
	OriginPeer Origin = "peer" // rendered left-aligned
)

// Message is one timeline entry. ID is a session-scoped display key, not a
// persistent ordering key — ordering is arrival order, nothing else.
type Message struct {
	ID     string     `json:"id"`
	From   string     `json:"from"`
	To     string     `json:"to"`
	Body   proto.Body `json:"body"`
	Origin Origin     `json:"origin"`
	TS     int64      `json:"ts"`
}

// HistoryEntry is one row of fetched conversation history.
type HistoryEntry struct {
	FromSelf bool
	Body     proto.Body
}

// Fetcher loads the stored history for a conversation. The api client
// satisfies this via a small adapter in the app layer — the only place that
// imports both packages.
type Fetcher interface {
	FetchHistory(ctx context.Context, selfID, peerID string) ([]HistoryEntry, error)
}

// HistoryLoadError means the history fetch failed; the timeline stays empty
// and the session carries on.
type HistoryLoadError struct {
	PeerID string
	Err    error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("timeline: load history for %s: %v", e.PeerID, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// Timeline serializes appends through one mutex — Go has no single-threaded
// event loop, so this is the conversation-scoped mutual exclusion the
// ordering contract requires.
type Timeline struct {
	selfID string

	mu         sync.Mutex
	activePeer string
	epoch      uint64
	msgs       []Message

	listeners map[chan Message]struct{}
}

// New creates an empty timeline owned by selfID. No conversation is active
// until SwitchTo.
func New(selfID string) *Timeline {
	return &Timeline{
		selfID:    selfID,
		listeners: make(map[chan Message]struct{}),
	}
}

// ActivePeer returns the peer of the currently displayed conversation.
func (t *Timeline) ActivePeer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activePeer
}

// SwitchTo makes peerID the active conversation and replaces the whole
// timeline with its fetched history. Never a merge. A fetch that resolves
// after another SwitchTo has run is discarded — its result belongs to a
// conversation that is no longer on screen.
func (t *Timeline) SwitchTo(ctx context.Context, f Fetcher, peerID string) error {
	t.mu.Lock()
	t.epoch++
	e := t.epoch
	t.activePeer = peerID
	t.msgs = nil
	t.mu.Unlock()

	entries, err := f.FetchHistory(ctx, t.selfID, peerID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != e {
		// Superseded while fetching. The winning SwitchTo owns the timeline.
		log.Printf("TIMELINE: discarding stale history for %s", peerID)
		return nil
	}
	if err != nil {
		t.msgs = nil
		return &HistoryLoadError{PeerID: peerID, Err: err}
	}

	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		m := Message{
			ID:     uuid.NewString(),
			Body:   entry.Body,
			Origin: OriginPeer,
			From:   peerID,
			To:     t.selfID,
			TS:     proto.NowMillis(),
		}
		if entry.FromSelf {
			m.Origin = OriginSelf
			m.From = t.selfID
			m.To = peerID
		}
		msgs = append(msgs, m)
	}
	t.msgs = msgs
	return nil
}

// AppendLocal optimistically appends a self-origin message before any network
// send happens. The entry is the single timeline record for this message —
// the server never echoes sends back, so no dedup against an echo is needed.
// A failed send afterwards does not roll it back.
func (t *Timeline) AppendLocal(body proto.Body) Message {
	t.mu.Lock()
	m := Message{
		ID:     uuid.NewString(),
		From:   t.selfID,
		To:     t.activePeer,
		Body:   body,
		Origin: OriginSelf,
		TS:     proto.NowMillis(),
	}
	t.msgs = append(t.msgs, m)
	t.notify(m)
	t.mu.Unlock()
	return m
}

// AppendRemote appends a message received from the active peer. Messages
// from anyone else are dropped — switching conversations re-fetches history
// instead of replaying missed events. Reports whether the message landed.
func (t *Timeline) AppendRemote(from string, body proto.Body) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if from != t.activePeer || t.activePeer == "" {
		log.Printf("TIMELINE: dropping message from %s (active: %q)", from, t.activePeer)
		return Message{}, false
	}
	m := Message{
		ID:     uuid.NewString(),
		From:   from,
		To:     t.selfID,
		Body:   body,
		Origin: OriginPeer,
		TS:     proto.NowMillis(),
	}
	t.msgs = append(t.msgs, m)
	t.notify(m)
	return m, true
}

// Messages returns a copy of the timeline in append order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Reset clears the active conversation, e.g. on logout.
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.epoch++
	t.activePeer = ""
	t.msgs = nil
	t.mu.Unlock()
}

// Subscribe returns a channel receiving each appended message, and a cancel
// function. Slow listeners miss messages rather than block appends.
func (t *Timeline) Subscribe() (ch chan Message, cancel func()) {
	ch = make(chan Message, 64)
	t.mu.Lock()
	t.listeners[ch] = struct{}{}
	t.mu.Unlock()

	cancel = func() {
		t.mu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// notify is called with t.mu held.
func (t *Timeline) notify(m Message) {
	for ch := range t.listeners {
		select {
		case ch <- m:
		default:
		}
	}
}
