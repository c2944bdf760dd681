package valkey

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

func testClient(t *testing.T, id string) *Client {
	t.Helper()
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	c, err := NewClient(Config{
		Address:        addr,
		KeyPrefix:      "goop2-rtc-test",
		ClientID:       id,
		ConnectTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Skip("No valkey")
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyPrefix(t *testing.T) {
	c := &Client{keyPrefix: "goop2:"}
	require.Equal(t, "goop2:rt:calls:bob", c.Key("rt", "calls:bob"))
}

func TestPubSubRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := testClient(t, "alice")
	bob := testClient(t, "bob")

	var got, echoed atomic.Int32
	bch := bob.Channel("calls:bob")
	bch.On("call-invite", func(m transport.Message) {
		if m.From == "alice" {
			got.Add(1)
		}
	})
	ach := alice.Channel("calls:bob")
	ach.On("call-invite", func(transport.Message) { echoed.Add(1) })

	bch.Subscribe(ctx)
	ach.Subscribe(ctx)
	require.Eventually(t, func() bool {
		return bch.State() == transport.StateJoined && ach.State() == transport.StateJoined
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ach.Broadcast(ctx, "call-invite", map[string]string{"callerId": "alice"}))
	require.Eventually(t, func() bool { return got.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, echoed.Load())

	require.NoError(t, bch.Unsubscribe())
	require.Equal(t, transport.StateClosed, bch.State())
}
