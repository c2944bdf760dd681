package gossip

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

func TestLoadOrCreateKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "data", "identity.key")

	k1, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	require.True(t, isNew)

	k2, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	require.False(t, isNew)
	require.True(t, k1.Equals(k2))
}

func TestParseBootstrap(t *testing.T) {
	infos, err := ParseBootstrap([]string{
		"/ip4/127.0.0.1/tcp/4001/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Len(t, infos[0].Addrs, 1)

	_, err = ParseBootstrap([]string{"not-a-multiaddr"})
	require.Error(t, err)
	_, err = ParseBootstrap([]string{"/ip4/127.0.0.1/tcp/4001"})
	require.Error(t, err)
}

func TestTwoNodesExchangeBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	a, err := New(ctx, Options{KeyFile: filepath.Join(dir, "a.key")})
	require.NoError(t, err)
	defer a.Close()
	b, err := New(ctx, Options{KeyFile: filepath.Join(dir, "b.key")})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Host.Connect(ctx, peer.AddrInfo{ID: b.Host.ID(), Addrs: b.Host.Addrs()}))

	var got atomic.Int32
	var echoed atomic.Int32
	bch := b.Channel("calls:bob")
	bch.On("call-invite", func(m transport.Message) {
		if m.From == a.ID() {
			got.Add(1)
		}
	})
	ach := a.Channel("calls:bob")
	ach.On("call-invite", func(transport.Message) { echoed.Add(1) })

	waitJoined(t, bch.Subscribe(ctx))
	waitJoined(t, ach.Subscribe(ctx))

	require.Eventually(t, func() bool {
		_ = ach.Broadcast(ctx, "call-invite", map[string]string{"callerId": "alice"})
		return got.Load() > 0
	}, 15*time.Second, 250*time.Millisecond)
	require.Zero(t, echoed.Load())

	require.NoError(t, ach.Unsubscribe())
	require.NoError(t, bch.Unsubscribe())
	require.Equal(t, transport.StateClosed, ach.State())
}

func waitJoined(t *testing.T, states <-chan transport.State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == transport.StateJoined {
				return
			}
		case <-timeout:
			t.Fatal("channel never joined")
		}
	}
}
