// Package presence tracks which peers are online, derived purely from the
// server's full presence broadcasts. The latest snapshot is trusted
// unconditionally — staleness is the server's problem, not ours.
package presence

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/converse/internal/proto"
)

// snapshot is immutable once published. Replacing the whole map behind an
// atomic pointer is what makes Apply atomic from the reader's perspective:
// IsOnline either sees the old snapshot or the new one, never a mix.
type snapshot map[string]struct{}

var empty = snapshot{}

// Bus is the subscription surface the registry needs from the session.
type Bus interface {
	Subscribe(event string, fn func(data json.RawMessage)) func()
}

// Registry holds the latest presence snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]

	mu        sync.Mutex
	listeners map[chan struct{}]struct{}
}

// New returns a Registry that reports everyone offline until the first
// snapshot arrives.
func New() *Registry {
	r := &Registry{listeners: make(map[chan struct{}]struct{})}
	r.snap.Store(&empty)
	return r
}

// Bind subscribes the registry to the presence broadcast on bus.
// Returns the unsubscribe function.
func (r *Registry) Bind(bus Bus) func() {
	return bus.Subscribe(proto.EventUsers, func(data json.RawMessage) {
		var users []proto.PresenceUser
		if err := json.Unmarshal(data, &users); err != nil {
			log.Printf("PRESENCE: bad snapshot payload: %v", err)
			return
		}
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.UserID)
		}
		r.Apply(ids)
	})
}

// Apply replaces the snapshot wholesale. Identifiers absent from ids are
// offline from the moment Apply returns.
func (r *Registry) Apply(ids []string) {
	next := make(snapshot, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	r.snap.Store(&next)

	r.mu.Lock()
	for ch := range r.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()
}

// IsOnline reports whether peerID is present in the latest snapshot.
// Unknown identifiers — including any asked about before the first
// snapshot — are offline.
func (r *Registry) IsOnline(peerID string) bool {
	_, ok := (*r.snap.Load())[peerID]
	return ok
}

// Online returns the identifiers in the latest snapshot.
func (r *Registry) Online() []string {
	snap := *r.snap.Load()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a channel that receives a tick after each applied
// snapshot, and a cancel function. Used by the UI to refresh indicators.
func (r *Registry) Subscribe() (ch chan struct{}, cancel func()) {
	ch = make(chan struct{}, 1)
	r.mu.Lock()
	r.listeners[ch] = struct{}{}
	r.mu.Unlock()

	cancel = func() {
		r.mu.Lock()
		if _, ok := r.listeners[ch]; ok {
			delete(r.listeners, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}
