package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goop2-rtc/internal/call"
	"github.com/petervdpas/goop2-rtc/internal/config"
	"github.com/petervdpas/goop2-rtc/internal/transport/memory"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testPeer struct {
	rt      *Runtime
	console *Console
	out     *syncBuffer
}

func startPeer(t *testing.T, hub *memory.Hub, user string) *testPeer {
	t.Helper()
	return startPeerWith(t, hub, user, nil)
}

func startPeerWith(t *testing.T, hub *memory.Hub, user string, tweak func(*config.Config)) *testPeer {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.UserID = user
	cfg.Identity.DisplayName = strings.ToUpper(user)
	if tweak != nil {
		tweak(&cfg)
	}
	require.NoError(t, cfg.Validate())

	rt := New(Options{PeerDir: t.TempDir(), Cfg: cfg, Hub: hub})
	require.NoError(t, rt.Init(context.Background()))
	t.Cleanup(func() { require.NoError(t, rt.Shutdown()) })

	out := &syncBuffer{}
	return &testPeer{rt: rt, console: NewConsole(rt, out), out: out}
}

func (p *testPeer) exec(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, p.console.Exec(context.Background(), line))
}

func TestCallBetweenPeers(t *testing.T) {
	hub := memory.NewHub()
	alice := startPeer(t, hub, "alice")
	bob := startPeer(t, hub, "bob")

	alice.exec(t, "call bob")
	require.Contains(t, bob.out.String(), "incoming call from alice (ALICE)")

	bob.exec(t, "accept")
	s, ok := alice.rt.Calls.Session("bob")
	require.True(t, ok)
	require.Equal(t, call.StateActive, s.State())

	alice.exec(t, "hangup")
	require.Contains(t, bob.out.String(), "call with alice ended: remote-hangup")
	require.Contains(t, alice.out.String(), "call with bob ended: hangup")

	alice.exec(t, "stats")
	require.Contains(t, alice.out.String(), "history bob: hangup")
}

func TestRejectFromConsole(t *testing.T) {
	hub := memory.NewHub()
	alice := startPeer(t, hub, "alice")
	bob := startPeer(t, hub, "bob")

	alice.exec(t, "call bob")
	bob.exec(t, "reject alice")
	require.Contains(t, alice.out.String(), "call with bob ended: rejected")
	require.Empty(t, alice.rt.Calls.Sessions())
}

func TestTypingBetweenPeers(t *testing.T) {
	hub := memory.NewHub()
	alice := startPeer(t, hub, "alice")
	bob := startPeer(t, hub, "bob")

	bob.exec(t, "type c1 hello there")
	require.Equal(t, []string{"bob"}, alice.rt.Typing.GetTypingUsers("c1"))
	require.Empty(t, bob.rt.Typing.GetTypingUsers("c1"))
	require.True(t, bob.rt.Typing.IsLocallyTyping("c1"))
	require.Contains(t, alice.out.String(), "[c1] typing: bob")

	alice.exec(t, "who c1")
	require.Contains(t, alice.out.String(), "[c1] typing: bob")

	bob.exec(t, "send c1")
	require.False(t, alice.rt.Typing.IsAnyoneTyping("c1"))
	require.Contains(t, alice.out.String(), "[c1] nobody is typing")
}

func TestTypingOnCustomTable(t *testing.T) {
	hub := memory.NewHub()
	table := func(c *config.Config) { c.Typing.Table = "presence_rows" }
	alice := startPeerWith(t, hub, "alice", table)
	bob := startPeerWith(t, hub, "bob", table)
	require.Equal(t, "presence_rows", alice.rt.DB.Table())

	alice.rt.Typing.StartTyping(context.Background(), "c1", "alice")
	require.Equal(t, []string{"alice"}, bob.rt.Typing.GetTypingUsers("c1"))

	alice.rt.Typing.StopTyping(context.Background(), "c1", "alice")
	require.False(t, bob.rt.Typing.IsAnyoneTyping("c1"))
}

func TestLogoutReleasesEverything(t *testing.T) {
	hub := memory.NewHub()
	alice := startPeer(t, hub, "alice")
	startPeer(t, hub, "bob")

	alice.exec(t, "call bob")
	require.ErrorIs(t, alice.console.Exec(context.Background(), "logout"), errQuit)

	require.Zero(t, alice.rt.Channels.Stats().LiveCount)
	require.Zero(t, alice.rt.Typing.Stats().PendingTimers())
	require.Empty(t, alice.rt.Calls.Sessions())
}

func TestConsoleErrors(t *testing.T) {
	p := startPeer(t, memory.NewHub(), "alice")
	ctx := context.Background()

	require.Error(t, p.console.Exec(ctx, "dance"))
	require.Error(t, p.console.Exec(ctx, "call"))
	require.ErrorIs(t, p.console.Exec(ctx, "call alice"), call.ErrSelfCall)
	require.ErrorIs(t, p.console.Exec(ctx, "accept"), call.ErrNoSession)
	require.ErrorIs(t, p.console.Exec(ctx, "quit"), errQuit)
	require.NoError(t, p.console.Exec(ctx, "   "))
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	p := startPeer(t, memory.NewHub(), "alice")
	err := p.console.Run(context.Background(), strings.NewReader("help\nbogus\nquit\nstats\n"))
	require.NoError(t, err)
	out := p.out.String()
	require.Contains(t, out, "ready as alice")
	require.Contains(t, out, `error: unknown command "bogus"`)
	require.NotContains(t, out, "channels:")
}

func TestInitRejectsMissingUser(t *testing.T) {
	rt := New(Options{PeerDir: t.TempDir(), Cfg: config.Default()})
	require.Error(t, rt.Init(context.Background()))
	require.NoError(t, rt.Shutdown())
	require.NoError(t, rt.Shutdown())
}

func TestPromptInteractive(t *testing.T) {
	in := strings.NewReader("carol\nCarol\nvalkey\nlocalhost:6380\nn\n4\n")
	var out bytes.Buffer
	cfg := PromptInteractive(in, &out, "/peers/carol", "/peers/carol/goop2-rtc.json", config.Default())

	require.Equal(t, "carol", cfg.Identity.UserID)
	require.Equal(t, "Carol", cfg.Identity.DisplayName)
	require.Equal(t, config.TransportValkey, cfg.Transport.Kind)
	require.Equal(t, "localhost:6380", cfg.Transport.Valkey.Address)
	require.Equal(t, 4, cfg.Signal.Attempts)
}

func TestPromptInvalidFallsBack(t *testing.T) {
	in := strings.NewReader("bad id\n\n\n\n")
	var out bytes.Buffer
	cfg := PromptInteractive(in, &out, "/p", "/p/c.json", config.Default())
	require.Equal(t, config.Default(), cfg)
	require.Contains(t, out.String(), "Invalid config")
}
