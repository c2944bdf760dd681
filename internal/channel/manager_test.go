package channel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goop2-rtc/internal/transport"
	"github.com/petervdpas/goop2-rtc/internal/transport/memory"
)

func newTestManager(t *testing.T) (*Manager, *clock.Mock, *memory.Client) {
	t.Helper()
	clk := clock.NewMock()
	client := memory.NewHub().Client("alice")
	return New(client, Config{Clock: clk, CleanupDelay: 10 * time.Second}), clk, client
}

func TestAcquireTwiceKeepsOneLiveHandle(t *testing.T) {
	m, _, client := newTestManager(t)

	first := m.Acquire("calls:bob")
	first.Subscribe(context.Background())
	second := m.Acquire("calls:bob")

	require.Equal(t, transport.StateClosed, first.State())
	got, ok := m.Get("calls:bob")
	require.True(t, ok)
	require.Same(t, second, got)

	st := m.Stats()
	require.Equal(t, 1, st.LiveCount)
	require.Equal(t, 1, st.PendingTimerCount)
	require.Equal(t, []string{"calls:bob"}, st.Names)
	require.Equal(t, 1, client.OpenChannels())
}

func TestAutoCleanupFiresAfterDelay(t *testing.T) {
	m, clk, _ := newTestManager(t)
	h := m.Acquire("calls:bob")

	clk.Add(9 * time.Second)
	_, ok := m.Get("calls:bob")
	require.True(t, ok)

	clk.Add(time.Second)
	require.Eventually(t, func() bool {
		_, ok := m.Get("calls:bob")
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, transport.StateClosed, h.State())
	require.Zero(t, m.Stats().PendingTimerCount)
}

func TestExtendLifetimeResetsCountdown(t *testing.T) {
	m, clk, _ := newTestManager(t)
	m.Acquire("calls:bob")

	clk.Add(8 * time.Second)
	require.True(t, m.ExtendLifetime("calls:bob", 5*time.Second))

	// Original deadline passes; channel must survive.
	clk.Add(2 * time.Second)
	require.Never(t, func() bool {
		_, ok := m.Get("calls:bob")
		return !ok
	}, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 1, m.Stats().PendingTimerCount)

	clk.Add(3 * time.Second)
	require.Eventually(t, func() bool {
		_, ok := m.Get("calls:bob")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestExtendLifetimeWithoutTimerIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Acquire("calls:self", WithAutoCleanup(false))

	require.False(t, m.ExtendLifetime("calls:self", time.Minute))
	require.False(t, m.ExtendLifetime("missing", time.Minute))
	require.Zero(t, m.Stats().PendingTimerCount)
}

func TestStaleTimerDoesNotDisposeReplacement(t *testing.T) {
	m, clk, _ := newTestManager(t)
	m.Acquire("calls:bob", WithCleanupDelay(time.Second))
	fresh := m.Acquire("calls:bob", WithAutoCleanup(false))

	clk.Add(5 * time.Second)
	require.Never(t, func() bool { return fresh.State() == transport.StateClosed }, 50*time.Millisecond, 5*time.Millisecond)
	got, ok := m.Get("calls:bob")
	require.True(t, ok)
	require.Same(t, fresh, got)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	h := m.Acquire("calls:bob")

	m.Release("calls:bob")
	m.Release("calls:bob")
	m.Release("never-acquired")

	require.Equal(t, transport.StateClosed, h.State())
	st := m.Stats()
	require.Zero(t, st.LiveCount)
	require.Zero(t, st.PendingTimerCount)
	require.Empty(t, st.Names)
}

func TestReleaseAllMatching(t *testing.T) {
	m, _, client := newTestManager(t)
	m.Acquire("calls:bob")
	m.Acquire("calls:carol")
	m.Acquire("db-changes:typing_indicators", WithAutoCleanup(false))

	n := m.ReleaseAllMatching(func(name string) bool { return strings.HasPrefix(name, "calls:") })
	require.Equal(t, 2, n)
	require.Equal(t, []string{"db-changes:typing_indicators"}, m.Stats().Names)

	require.Equal(t, 1, m.ReleaseAll())
	require.Zero(t, m.ReleaseAll())
	require.Zero(t, client.OpenChannels())
}

type failingChannel struct {
	transport.Channel
}

func (failingChannel) Unsubscribe() error { return errors.New("boom") }

type failingClient struct {
	*memory.Client
}

func (c failingClient) Channel(name string) transport.Channel {
	return failingChannel{Channel: c.Client.Channel(name)}
}

func TestDisposeErrorsAreSwallowed(t *testing.T) {
	m := New(failingClient{memory.NewHub().Client("alice")}, Config{Clock: clock.NewMock()})
	m.Acquire("calls:bob")
	m.Acquire("calls:bob")
	m.Release("calls:bob")
	require.Zero(t, m.Stats().LiveCount)
}
