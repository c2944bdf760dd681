package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

func TestBroadcastReachesOtherSubscribersOnly(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	alice := hub.Client("alice")
	bob := hub.Client("bob")

	var aliceGot, bobGot []transport.Message
	a := alice.Channel("room")
	a.On("ping", func(m transport.Message) { aliceGot = append(aliceGot, m) })
	b := bob.Channel("room")
	b.On("ping", func(m transport.Message) { bobGot = append(bobGot, m) })

	states := b.Subscribe(ctx)
	require.Equal(t, transport.StateJoining, <-states)
	require.Equal(t, transport.StateJoined, <-states)
	a.Subscribe(ctx)
	require.Equal(t, 2, hub.Subscribers("room"))

	require.NoError(t, a.Broadcast(ctx, "ping", map[string]string{"n": "1"}))

	require.Empty(t, aliceGot)
	require.Len(t, bobGot, 1)
	require.Equal(t, "alice", bobGot[0].From)
	require.Equal(t, "room", bobGot[0].Channel)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(bobGot[0].Payload, &payload))
	require.Equal(t, "1", payload["n"])
}

func TestFailBroadcastsAndSent(t *testing.T) {
	ctx := context.Background()
	c := NewHub().Client("alice")
	ch := c.Channel("x")

	c.FailBroadcasts(2)
	require.ErrorIs(t, ch.Broadcast(ctx, "e", nil), ErrInjected)
	require.ErrorIs(t, ch.Broadcast(ctx, "e", nil), ErrInjected)
	require.NoError(t, ch.Broadcast(ctx, "e", nil))
	require.Len(t, c.Sent(), 3)
}

func TestUnsubscribeClosesStateStream(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	c := hub.Client("alice")
	ch := c.Channel("x")
	states := ch.Subscribe(ctx)
	require.Equal(t, 1, c.OpenChannels())

	require.NoError(t, ch.Unsubscribe())
	require.NoError(t, ch.Unsubscribe())
	require.Equal(t, transport.StateClosed, ch.State())
	require.Zero(t, hub.Subscribers("x"))
	require.Zero(t, c.OpenChannels())

	var seen []transport.State
	for s := range states {
		seen = append(seen, s)
	}
	require.Equal(t, []transport.State{transport.StateJoining, transport.StateJoined, transport.StateClosed}, seen)
}

func TestUnsubscribedChannelsAreForgotten(t *testing.T) {
	c := NewHub().Client("alice")
	for i := 0; i < 10; i++ {
		ch := c.Channel("calls:bob")
		ch.Subscribe(context.Background())
		require.NoError(t, ch.Unsubscribe())
	}
	kept := c.Channel("calls:carol")

	c.mu.Lock()
	n := len(c.channels)
	_, ok := c.channels[kept.(*channel)]
	c.mu.Unlock()
	require.Equal(t, 1, n)
	require.True(t, ok)
}

func TestStallJoins(t *testing.T) {
	c := NewHub().Client("alice")
	c.StallJoins(true)
	ch := c.Channel("x")
	ch.Subscribe(context.Background())
	require.Equal(t, transport.StateJoining, ch.State())
}

func TestClosedClientRejectsBroadcast(t *testing.T) {
	c := NewHub().Client("alice")
	ch := c.Channel("x")
	require.NoError(t, c.Close())
	require.ErrorIs(t, ch.Broadcast(context.Background(), "e", nil), transport.ErrClosed)
}
