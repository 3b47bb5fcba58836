package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/converse/internal/api"
	"github.com/petervdpas/converse/internal/audio"
	"github.com/petervdpas/converse/internal/config"
	"github.com/petervdpas/converse/internal/proto"
	"github.com/petervdpas/converse/internal/session"
	"github.com/petervdpas/converse/internal/state"
	"github.com/petervdpas/converse/internal/timeline"
)

// signalingServer fakes the websocket side: records frames, can push back.
type signalingServer struct {
	t    *testing.T
	srv  *httptest.Server
	recv chan proto.Frame

	mu   sync.Mutex
	conn *websocket.Conn
}

func newSignalingServer(t *testing.T) *signalingServer {
	s := &signalingServer{t: t, recv: make(chan proto.Frame, 32)}
	up := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			var f proto.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.recv <- f
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *signalingServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *signalingServer) push(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(proto.NewFrame(event, payload))
}

func (s *signalingServer) waitFrame() proto.Frame {
	select {
	case f := <-s.recv:
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for frame")
		return proto.Frame{}
	}
}

// apiServer fakes the account/contact service.
func newAPIServer(t *testing.T, history []api.HistoryEntry) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/auth/allusers/"):
			json.NewEncoder(w).Encode([]api.User{
				{ID: "bob", Username: "Bob", AvatarImage: "Ym9i", IsAvatarSet: true},
				{ID: "carol", Username: "Carol"},
			})
		case r.URL.Path == "/api/messages/getmsg":
			json.NewEncoder(w).Encode(history)
		case r.URL.Path == "/send-audio":
			file, header, err := r.FormFile("audio")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			io.Copy(io.Discard, file)
			file.Close()
			json.NewEncoder(w).Encode(map[string]string{"filePath": "uploads/" + header.Filename})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeMic is a channel-fed capture device for the recorder.
type fakeMic struct {
	ch   chan []byte
	once sync.Once
}

func newFakeMic() *fakeMic { return &fakeMic{ch: make(chan []byte, 16)} }

func (f *fakeMic) ReadFrame() ([]byte, uint32, func(), error) {
	data, ok := <-f.ch
	if !ok {
		return nil, 0, nil, io.EOF
	}
	return data, 960, func() {}, nil
}

func (f *fakeMic) Close() error {
	f.once.Do(func() { close(f.ch) })
	return nil
}

func testConfig(t *testing.T, wsURL, apiURL string) config.Config {
	dir := t.TempDir()
	return config.Config{
		Server:  config.Server{URL: wsURL},
		API:     config.API{BaseURL: apiURL},
		Session: config.Session{File: filepath.Join(dir, "session.json")},
		Audio:   config.Audio{MaxClipSeconds: 300},
		Paths:   config.Paths{DataDir: filepath.Join(dir, "data")},
	}
}

func saveIdentity(t *testing.T, cfg config.Config, u api.User) {
	t.Helper()
	require.NoError(t, state.NewStore(cfg.Session.File).Save(u))
}

func TestNewWithoutIdentity(t *testing.T) {
	req := require.New(t)
	cfg := testConfig(t, "ws://localhost:0/ws", "http://localhost:0")

	_, err := New(cfg)

	req.ErrorIs(err, state.ErrNotAuthenticated)
}

func TestSendTextStaysVisibleWhenSendFails(t *testing.T) {
	req := require.New(t)
	apiSrv := newAPIServer(t, nil)
	cfg := testConfig(t, "ws://localhost:0/ws", apiSrv.URL)
	saveIdentity(t, cfg, api.User{ID: "alice", Username: "Alice"})

	a, err := New(cfg)
	req.NoError(err)
	defer a.Close()

	// Conversation active, session never connected.
	req.NoError(a.SwitchConversation(context.Background(), "bob"))

	err = a.SendText("hello bob")
	req.ErrorIs(err, session.ErrNotConnected)

	// The optimistic append stays despite the failed send.
	msgs := a.Timeline().Messages()
	req.Len(msgs, 1)
	req.Equal("hello bob", msgs[0].Body.Content)
	req.Equal(timeline.OriginSelf, msgs[0].Origin)
}

func TestStartRegistersAndBridgesInbound(t *testing.T) {
	req := require.New(t)
	sig := newSignalingServer(t)
	apiSrv := newAPIServer(t, []api.HistoryEntry{
		{FromSelf: true, Message: proto.Text("earlier")},
	})
	cfg := testConfig(t, sig.url(), apiSrv.URL)
	saveIdentity(t, cfg, api.User{ID: "alice", Username: "Alice"})

	a, err := New(cfg)
	req.NoError(err)
	defer a.Close()

	req.NoError(a.Start(context.Background()))
	f := sig.waitFrame()
	req.Equal(proto.EventRegister, f.Event)

	// Presence broadcast lands in the registry.
	req.NoError(sig.push(proto.EventUsers, []proto.PresenceUser{{UserID: "bob"}}))
	req.Eventually(func() bool { return a.Presence().IsOnline("bob") },
		2*time.Second, 10*time.Millisecond)

	// Inbound message from the active peer lands in the timeline.
	req.NoError(a.SwitchConversation(context.Background(), "bob"))
	req.NoError(sig.push(proto.EventRecvMsg, proto.RecvMsgPayload{From: "bob", Msg: proto.Text("hi")}))
	req.Eventually(func() bool { return len(a.Timeline().Messages()) == 2 },
		2*time.Second, 10*time.Millisecond)

	msgs := a.Timeline().Messages()
	req.Equal("earlier", msgs[0].Body.Content)
	req.Equal("hi", msgs[1].Body.Content)
}

func TestComposedSendTextBeforeClip(t *testing.T) {
	req := require.New(t)
	sig := newSignalingServer(t)
	apiSrv := newAPIServer(t, nil)
	cfg := testConfig(t, sig.url(), apiSrv.URL)
	saveIdentity(t, cfg, api.User{ID: "alice", Username: "Alice"})

	mic := newFakeMic()
	a, err := New(cfg, WithMicrophone(func() (audio.Source, error) { return mic, nil }))
	req.NoError(err)
	defer a.Close()

	req.NoError(a.Start(context.Background()))
	sig.waitFrame() // register
	req.NoError(a.SwitchConversation(context.Background(), "bob"))

	// Record one frame, stop, then send text plus clip in one action.
	req.NoError(a.StartRecording())
	mic.ch <- []byte{0x01}
	time.Sleep(100 * time.Millisecond)
	req.NoError(a.StopRecording())

	req.NoError(a.SendComposed(context.Background(), "voice note attached"))

	first := sig.waitFrame()
	req.Equal(proto.EventSendMsg, first.Event)
	var textMsg proto.SendMsgPayload
	req.NoError(json.Unmarshal(first.Data, &textMsg))
	req.Equal(proto.BodyText, textMsg.Msg.Type)
	req.Equal("voice note attached", textMsg.Msg.Content)
	req.Equal("bob", textMsg.To)

	second := sig.waitFrame()
	req.Equal(proto.EventSendMsg, second.Event)
	var audioMsg proto.SendMsgPayload
	req.NoError(json.Unmarshal(second.Data, &audioMsg))
	req.Equal(proto.BodyAudio, audioMsg.Msg.Type)
	req.True(strings.HasPrefix(audioMsg.Msg.Content, "uploads/"))
	req.True(strings.HasSuffix(audioMsg.Msg.Content, ".webm"))

	// Both messages appear locally, text first.
	msgs := a.Timeline().Messages()
	req.Len(msgs, 2)
	req.Equal(proto.BodyText, msgs[0].Body.Type)
	req.Equal(proto.BodyAudio, msgs[1].Body.Type)
}

func TestComposedClipDiscardedAfterSend(t *testing.T) {
	req := require.New(t)
	sig := newSignalingServer(t)
	apiSrv := newAPIServer(t, nil)
	cfg := testConfig(t, sig.url(), apiSrv.URL)
	saveIdentity(t, cfg, api.User{ID: "alice", Username: "Alice"})

	mic := newFakeMic()
	a, err := New(cfg, WithMicrophone(func() (audio.Source, error) { return mic, nil }))
	req.NoError(err)
	defer a.Close()

	req.NoError(a.Start(context.Background()))
	sig.waitFrame()
	req.NoError(a.SwitchConversation(context.Background(), "bob"))

	req.NoError(a.StartRecording())
	mic.ch <- []byte{0x01}
	time.Sleep(100 * time.Millisecond)
	req.NoError(a.StopRecording())
	req.NoError(a.SendComposed(context.Background(), ""))
	sig.waitFrame() // the clip message

	// A second composed send has no clip left to deliver.
	req.NoError(a.SendComposed(context.Background(), "just text"))
	f := sig.waitFrame()
	var msg proto.SendMsgPayload
	req.NoError(json.Unmarshal(f.Data, &msg))
	req.Equal(proto.BodyText, msg.Msg.Type)
	req.Len(a.Timeline().Messages(), 2)
}

func TestContactsRefreshAvatarCache(t *testing.T) {
	req := require.New(t)
	apiSrv := newAPIServer(t, nil)
	cfg := testConfig(t, "ws://localhost:0/ws", apiSrv.URL)
	saveIdentity(t, cfg, api.User{ID: "alice", Username: "Alice"})

	a, err := New(cfg)
	req.NoError(err)
	defer a.Close()

	users, err := a.Contacts(context.Background())
	req.NoError(err)
	req.Len(users, 2)

	image, ok := a.CachedAvatar("bob")
	req.True(ok)
	req.Equal("Ym9i", image)

	// Carol has no avatar set, so nothing is cached for her.
	_, ok = a.CachedAvatar("carol")
	req.False(ok)
}

func TestIdentityChangeTearsDownTransport(t *testing.T) {
	req := require.New(t)
	sig := newSignalingServer(t)
	apiSrv := newAPIServer(t, nil)
	cfg := testConfig(t, sig.url(), apiSrv.URL)
	saveIdentity(t, cfg, api.User{ID: "alice", Username: "Alice"})

	a, err := New(cfg)
	req.NoError(err)
	defer a.Close()

	req.NoError(a.Start(context.Background()))
	sig.waitFrame()
	req.Equal(session.StateRegistered, a.Session().State())

	// Another window logs in as someone else.
	saveIdentity(t, cfg, api.User{ID: "mallory", Username: "Mallory"})

	req.Eventually(func() bool {
		return a.Session().State() == session.StateDisconnected
	}, 3*time.Second, 20*time.Millisecond)
	req.Empty(a.Timeline().Messages())
}
