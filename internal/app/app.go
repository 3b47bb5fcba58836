// Package app wires the chat client together: session store → connection
// session → presence, timeline, call signaling, and the audio pipeline. It
// is the explicit session-context object — one App per authenticated
// identity, torn down and rebuilt on login/logout.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/converse/internal/api"
	"github.com/petervdpas/converse/internal/audio"
	"github.com/petervdpas/converse/internal/call"
	"github.com/petervdpas/converse/internal/config"
	"github.com/petervdpas/converse/internal/presence"
	"github.com/petervdpas/converse/internal/proto"
	"github.com/petervdpas/converse/internal/session"
	"github.com/petervdpas/converse/internal/state"
	"github.com/petervdpas/converse/internal/storage"
	"github.com/petervdpas/converse/internal/timeline"
)

// App owns one authenticated chat client session.
type App struct {
	cfg   config.Config
	store *state.Store
	self  api.User

	api     *api.Client
	sess    *session.Session
	pres    *presence.Registry
	tl      *timeline.Timeline
	sig     *call.Signaler
	rec     *audio.Recorder
	pipe    *audio.Pipeline
	avatars *storage.DB

	micOpen audio.Opener

	mu          sync.Mutex
	pendingClip *audio.Clip
	unsubs      []func()
}

// Option tweaks App construction.
type Option func(*App)

// WithMicrophone overrides the capture device opener (tests, exotic setups).
func WithMicrophone(open audio.Opener) Option {
	return func(a *App) { a.micOpen = open }
}

// New builds an App for the identity persisted in the session store.
// Returns state.ErrNotAuthenticated when no identity exists — the caller
// routes to login.
func New(cfg config.Config, opts ...Option) (*App, error) {
	store := state.NewStore(cfg.Session.File)
	self, err := store.Load()
	if err != nil {
		return nil, err
	}

	avatars, err := storage.Open(cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("app: open avatar cache: %w", err)
	}

	a := &App{
		cfg:     cfg,
		store:   store,
		self:    self,
		api:     api.NewClient(cfg.API.BaseURL),
		sess:    session.New(cfg.Server.URL),
		pres:    presence.New(),
		tl:      timeline.New(self.ID),
		avatars: avatars,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.rec = audio.NewRecorder(a.micOpen, time.Duration(cfg.Audio.MaxClipSeconds)*time.Second)
	a.sig = call.New(self.ID, a.sess)
	a.pipe = audio.NewPipeline(a.api, a.injectAudio)
	return a, nil
}

// Self returns the authenticated identity.
func (a *App) Self() api.User { return a.self }

// Session exposes the connection session (state for the UI indicator).
func (a *App) Session() *session.Session { return a.sess }

// Presence exposes the presence registry.
func (a *App) Presence() *presence.Registry { return a.pres }

// Timeline exposes the active conversation log.
func (a *App) Timeline() *timeline.Timeline { return a.tl }

// Calls exposes the call signaler for the external call page.
func (a *App) Calls() *call.Signaler { return a.sig }

// Recorder exposes the voice recorder (elapsed display, state).
func (a *App) Recorder() *audio.Recorder { return a.rec }

// Start connects and registers the session, then binds presence, call
// signaling, the inbound message bridge, and the session-file watcher.
// A *session.ConnectionError is surfaced as-is; retry is the caller's call.
func (a *App) Start(ctx context.Context) error {
	if err := a.sess.Connect(ctx, a.self.ID); err != nil {
		return err
	}

	a.mu.Lock()
	a.unsubs = append(a.unsubs,
		a.pres.Bind(a.sess),
		a.sess.Subscribe(proto.EventRecvMsg, a.onMessage),
	)
	a.mu.Unlock()
	a.sig.Attach(a.sess)

	if err := a.store.Watch(a.onSessionFileChange); err != nil {
		log.Printf("APP: session watch unavailable: %v", err)
	}

	log.Printf("APP: started as %s (%s)", a.self.Username, a.self.ID)
	return nil
}

// onMessage bridges inbound message frames into the active timeline.
func (a *App) onMessage(data json.RawMessage) {
	var p proto.RecvMsgPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("APP: bad message payload: %v", err)
		return
	}
	a.tl.AppendRemote(p.From, p.Msg)
}

// onSessionFileChange reacts to the session file being rewritten or removed
// by another window: the current transport is torn down, and the app stays
// down until whoever owns the UI rebuilds it for the new identity.
func (a *App) onSessionFileChange() {
	self, err := a.store.Load()
	if err == nil && self.ID == a.self.ID {
		return // profile refresh, same identity
	}
	log.Printf("APP: session identity changed, tearing down transport")
	a.sess.Disconnect()
	a.tl.Reset()
}

// historyFetcher adapts the api client to the timeline's Fetcher.
type historyFetcher struct {
	c *api.Client
}

func (f historyFetcher) FetchHistory(ctx context.Context, selfID, peerID string) ([]timeline.HistoryEntry, error) {
	rows, err := f.c.FetchHistory(ctx, selfID, peerID)
	if err != nil {
		return nil, err
	}
	entries := make([]timeline.HistoryEntry, len(rows))
	for i, row := range rows {
		entries[i] = timeline.HistoryEntry{FromSelf: row.FromSelf, Body: row.Message}
	}
	return entries, nil
}

// SwitchConversation makes peerID the active conversation and loads its
// history. A failed load leaves the timeline empty and returns
// *timeline.HistoryLoadError — the session carries on.
func (a *App) SwitchConversation(ctx context.Context, peerID string) error {
	return a.tl.SwitchTo(ctx, historyFetcher{a.api}, peerID)
}

// SendText appends the message locally first — it is visible before the
// network send completes — then emits it. A send failure is reported but the
// local entry stays.
func (a *App) SendText(text string) error {
	m := a.tl.AppendLocal(proto.Text(text))
	return a.emit(m)
}

// injectAudio is the pipeline's delivery step: optimistic local append of
// the uploaded reference, then the network send.
func (a *App) injectAudio(mediaRef string) error {
	m := a.tl.AppendLocal(proto.Audio(mediaRef))
	return a.emit(m)
}

func (a *App) emit(m timeline.Message) error {
	err := a.sess.Send(proto.EventSendMsg, proto.SendMsgPayload{
		To:   m.To,
		From: m.From,
		Msg:  m.Body,
	})
	if err != nil {
		log.Printf("APP: send failed (message stays visible locally): %v", err)
	}
	return err
}

// StartRecording begins a voice recording, discarding any pending clip.
func (a *App) StartRecording() error {
	a.mu.Lock()
	a.pendingClip = nil
	a.mu.Unlock()
	return a.rec.Start()
}

// StopRecording finalizes the recording into a pending clip, to be sent by
// the next SendComposed.
func (a *App) StopRecording() error {
	clip, err := a.rec.Stop()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.pendingClip = clip
	a.mu.Unlock()
	return nil
}

// SendComposed performs one user send action: typed text (if any) goes out
// first, then the pending clip as a second message. The clip is discarded
// whether or not its upload succeeds.
func (a *App) SendComposed(ctx context.Context, text string) error {
	if text != "" {
		if err := a.SendText(text); err != nil {
			return err
		}
	}

	a.mu.Lock()
	clip := a.pendingClip
	a.pendingClip = nil
	a.mu.Unlock()

	if clip == nil {
		return nil
	}
	if _, err := a.pipe.Submit(ctx, clip); err != nil {
		return err
	}
	return nil
}

// Contacts fetches the contact list and refreshes the avatar cache
// wholesale.
func (a *App) Contacts(ctx context.Context) ([]api.User, error) {
	users, err := a.api.FetchContacts(ctx, a.self.ID)
	if err != nil {
		return nil, err
	}

	images := make(map[string]string, len(users))
	for _, u := range users {
		if u.IsAvatarSet {
			images[u.ID] = u.AvatarImage
		}
	}
	if err := a.avatars.ReplaceAll(images); err != nil {
		log.Printf("APP: avatar cache refresh failed: %v", err)
	}
	return users, nil
}

// CachedAvatar returns the locally cached avatar for userID, if any.
func (a *App) CachedAvatar(userID string) (string, bool) {
	image, ok, err := a.avatars.GetAvatar(userID)
	if err != nil {
		log.Printf("APP: avatar cache read failed: %v", err)
		return "", false
	}
	return image, ok
}

// Logout clears the persisted identity and tears the session down.
func (a *App) Logout() error {
	if err := a.store.Clear(); err != nil {
		return err
	}
	a.Close()
	return nil
}

// Close releases everything: subscriptions, call signaler, transport,
// watcher, cache.
func (a *App) Close() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	a.sig.Close()
	a.sess.Disconnect()
	a.store.Close()
	a.avatars.Close()
	a.tl.Reset()
	log.Printf("APP: closed")
}
