package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/converse/internal/proto"
)

// fetcherFunc adapts a closure to the Fetcher interface.
type fetcherFunc func(ctx context.Context, selfID, peerID string) ([]HistoryEntry, error)

func (f fetcherFunc) FetchHistory(ctx context.Context, selfID, peerID string) ([]HistoryEntry, error) {
	return f(ctx, selfID, peerID)
}

func staticHistory(entries ...HistoryEntry) Fetcher {
	return fetcherFunc(func(context.Context, string, string) ([]HistoryEntry, error) {
		return entries, nil
	})
}

func TestSwitchToLoadsHistoryInOrder(t *testing.T) {
	req := require.New(t)
	tl := New("alice")

	// Given stored history between alice and bob
	f := staticHistory(
		HistoryEntry{FromSelf: true, Body: proto.Text("hi bob")},
		HistoryEntry{FromSelf: false, Body: proto.Text("hi alice")},
	)

	// When switching to bob
	req.NoError(tl.SwitchTo(context.Background(), f, "bob"))

	// Then the timeline holds the history in send order with origins mapped
	msgs := tl.Messages()
	req.Len(msgs, 2)
	req.Equal(OriginSelf, msgs[0].Origin)
	req.Equal("alice", msgs[0].From)
	req.Equal("bob", msgs[0].To)
	req.Equal(OriginPeer, msgs[1].Origin)
	req.Equal("bob", msgs[1].From)
	req.Equal("alice", msgs[1].To)
	req.Equal("bob", tl.ActivePeer())
}

func TestSwitchToReplacesNeverMerges(t *testing.T) {
	req := require.New(t)
	tl := New("alice")

	req.NoError(tl.SwitchTo(context.Background(), staticHistory(
		HistoryEntry{FromSelf: true, Body: proto.Text("to bob")},
	), "bob"))
	tl.AppendLocal(proto.Text("another to bob"))

	req.NoError(tl.SwitchTo(context.Background(), staticHistory(
		HistoryEntry{FromSelf: false, Body: proto.Text("from carol")},
	), "carol"))

	msgs := tl.Messages()
	req.Len(msgs, 1)
	req.Equal("carol", msgs[0].From)
}

func TestSwitchToFailureLeavesEmptyTimeline(t *testing.T) {
	req := require.New(t)
	tl := New("alice")
	boom := errors.New("service down")

	err := tl.SwitchTo(context.Background(), fetcherFunc(func(context.Context, string, string) ([]HistoryEntry, error) {
		return nil, boom
	}), "bob")

	var hle *HistoryLoadError
	req.ErrorAs(err, &hle)
	req.Equal("bob", hle.PeerID)
	req.ErrorIs(err, boom)

	// Empty but usable: the conversation is still active.
	req.Empty(tl.Messages())
	req.Equal("bob", tl.ActivePeer())
	_, ok := tl.AppendRemote("bob", proto.Text("still works"))
	req.True(ok)
}

func TestStaleHistoryFetchDiscarded(t *testing.T) {
	req := require.New(t)
	tl := New("alice")

	release := make(chan struct{})
	slow := fetcherFunc(func(context.Context, string, string) ([]HistoryEntry, error) {
		<-release
		return []HistoryEntry{{FromSelf: false, Body: proto.Text("old bob history")}}, nil
	})

	// Given a switch to bob whose fetch is still in flight
	done := make(chan error, 1)
	go func() { done <- tl.SwitchTo(context.Background(), slow, "bob") }()

	// let the goroutine take its epoch before superseding it
	time.Sleep(50 * time.Millisecond)

	// When a switch to carol wins the race
	req.NoError(tl.SwitchTo(context.Background(), staticHistory(
		HistoryEntry{FromSelf: false, Body: proto.Text("carol history")},
	), "carol"))

	// Then the resolved bob fetch is discarded, not applied
	close(release)
	req.NoError(<-done)

	msgs := tl.Messages()
	req.Len(msgs, 1)
	req.Equal("carol", msgs[0].From)
	req.Equal("carol", tl.ActivePeer())
}

func TestAppendLocalIsOptimistic(t *testing.T) {
	req := require.New(t)
	tl := New("alice")
	req.NoError(tl.SwitchTo(context.Background(), staticHistory(), "bob"))

	// AppendLocal lands before any send happens, and stays regardless of
	// what the network does afterwards.
	m := tl.AppendLocal(proto.Text("hello"))

	req.Equal(OriginSelf, m.Origin)
	req.Equal("alice", m.From)
	req.Equal("bob", m.To)
	req.NotEmpty(m.ID)

	msgs := tl.Messages()
	req.Len(msgs, 1)
	req.Equal(m.ID, msgs[0].ID)
}

func TestAppendRemoteDropsOtherPeers(t *testing.T) {
	req := require.New(t)
	tl := New("alice")
	req.NoError(tl.SwitchTo(context.Background(), staticHistory(), "bob"))

	_, ok := tl.AppendRemote("carol", proto.Text("wrong conversation"))
	req.False(ok)
	req.Empty(tl.Messages())

	m, ok := tl.AppendRemote("bob", proto.Text("right conversation"))
	req.True(ok)
	req.Equal(OriginPeer, m.Origin)
	req.Len(tl.Messages(), 1)
}

func TestAppendRemoteDropsWhenNoActiveConversation(t *testing.T) {
	req := require.New(t)
	tl := New("alice")

	_, ok := tl.AppendRemote("bob", proto.Text("nobody is looking"))
	req.False(ok)
	req.Empty(tl.Messages())
}

func TestAppendOrderIsArrivalOrder(t *testing.T) {
	req := require.New(t)
	tl := New("alice")
	req.NoError(tl.SwitchTo(context.Background(), staticHistory(), "bob"))

	tl.AppendLocal(proto.Text("one"))
	tl.AppendRemote("bob", proto.Text("two"))
	tl.AppendLocal(proto.Audio("clips/three.webm"))

	msgs := tl.Messages()
	req.Len(msgs, 3)
	req.Equal("one", msgs[0].Body.Content)
	req.Equal("two", msgs[1].Body.Content)
	req.Equal(proto.BodyAudio, msgs[2].Body.Type)
}

func TestResetClearsEverything(t *testing.T) {
	req := require.New(t)
	tl := New("alice")
	req.NoError(tl.SwitchTo(context.Background(), staticHistory(
		HistoryEntry{FromSelf: true, Body: proto.Text("hi")},
	), "bob"))

	tl.Reset()

	req.Empty(tl.Messages())
	req.Empty(tl.ActivePeer())
}

func TestSubscribeSeesAppends(t *testing.T) {
	req := require.New(t)
	tl := New("alice")
	req.NoError(tl.SwitchTo(context.Background(), staticHistory(), "bob"))

	ch, cancel := tl.Subscribe()
	defer cancel()

	sent := tl.AppendLocal(proto.Text("hello"))

	select {
	case got := <-ch:
		req.Equal(sent.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification for append")
	}
}
