package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/petervdpas/goop2-rtc/internal/call"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

// Console is the operator prompt of one runtime. It prints call and
// presence events as they happen and runs one command per input line.
type Console struct {
	rt *Runtime

	mu  sync.Mutex
	out io.Writer
}

// NewConsole attaches a console to an initialized runtime.
func NewConsole(rt *Runtime, out io.Writer) *Console {
	c := &Console{rt: rt, out: out}
	rt.Calls.OnIncoming(func(ic *call.IncomingCall) {
		c.printf("incoming call from %s (%s): accept %s | reject %s", ic.Peer, ic.PeerName, ic.Peer, ic.Peer)
	})
	rt.Calls.OnState(func(i call.Info) {
		if i.State == call.StateEnded {
			c.printf("call with %s ended: %s", i.Peer, i.Reason)
			return
		}
		c.printf("call with %s: %s", i.Peer, i.State)
	})
	rt.Typing.OnChange(func(conv string, users []string) {
		if len(users) == 0 {
			c.printf("[%s] nobody is typing", conv)
			return
		}
		c.printf("[%s] typing: %s", conv, strings.Join(users, ", "))
	})
	return c
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	fmt.Fprintf(c.out, format+"\n", args...)
	c.mu.Unlock()
}

// Run reads commands from r until quit, logout, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("ready as %s; type help", c.rt.Self())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.printf("error: %v", err)
			}
		}
	}
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		c.printf("call <peer> | accept [peer] | reject [peer] | hangup [peer]")
		c.printf("type <conversation> <text...> | send <conversation> | who <conversation>")
		c.printf("stats | logout | quit")
		return nil

	case "call":
		if len(args) != 1 {
			return errors.New("usage: call <peer>")
		}
		_, err := c.rt.Calls.Invite(ctx, args[0], args[0], nil)
		return err

	case "accept":
		peer, err := c.pick(args, call.StateRinging)
		if err != nil {
			return err
		}
		_, err = c.rt.Calls.Accept(ctx, peer)
		return err

	case "reject":
		peer, err := c.pick(args, call.StateRinging)
		if err != nil {
			return err
		}
		return c.rt.Calls.Reject(ctx, peer)

	case "hangup":
		peer, err := c.pick(args)
		if err != nil {
			return err
		}
		return c.rt.Calls.Hangup(ctx, peer)

	case "type":
		if len(args) < 1 {
			return errors.New("usage: type <conversation> <text...>")
		}
		c.rt.Typing.HandleInputChange(ctx, args[0], c.rt.Self(), strings.Join(args[1:], " "))
		return nil

	case "send":
		if len(args) != 1 {
			return errors.New("usage: send <conversation>")
		}
		c.rt.Typing.HandleSubmit(ctx, args[0], c.rt.Self())
		return nil

	case "who":
		if len(args) != 1 {
			return errors.New("usage: who <conversation>")
		}
		users := c.rt.Typing.GetTypingUsers(args[0])
		if len(users) == 0 {
			c.printf("[%s] nobody is typing", args[0])
			return nil
		}
		c.printf("[%s] typing: %s", args[0], strings.Join(users, ", "))
		return nil

	case "stats":
		c.printStats()
		return nil

	case "logout":
		if err := c.rt.Logout(ctx); err != nil {
			return err
		}
		return errQuit

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// pick returns the peer named in args, or the only live session in one of
// states when args is empty.
func (c *Console) pick(args []string, states ...call.State) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	live := lo.Filter(c.rt.Calls.Sessions(), func(i call.Info, _ int) bool {
		return len(states) == 0 || lo.Contains(states, i.State)
	})
	switch len(live) {
	case 0:
		return "", call.ErrNoSession
	case 1:
		return live[0].Peer, nil
	default:
		return "", fmt.Errorf("%d calls in progress, name the peer", len(live))
	}
}

func (c *Console) printStats() {
	ch := c.rt.Channels.Stats()
	ty := c.rt.Typing.Stats()
	c.printf("channels: live=%d timers=%d %v", ch.LiveCount, ch.PendingTimerCount, ch.Names)
	c.printf("typing: entries=%d conversations=%d local=%d timers=%d", ty.Entries, ty.Conversations, ty.LocallyTyping, ty.PendingTimers())
	for _, s := range c.rt.Calls.Sessions() {
		c.printf("call %s: %s since %s", s.Peer, s.State, s.StartedAt.Format("15:04:05"))
	}
	for _, h := range c.rt.Calls.History() {
		c.printf("history %s: %s after %s", h.Peer, h.Reason, h.Duration())
	}
}
