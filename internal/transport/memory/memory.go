// Package memory is an in-process transport backend. Every Client created
// from the same Hub shares its channels, which makes it the loopback backend
// for single-process runs and the fake for tests.
//
// Broadcasts are delivered synchronously on the sender's goroutine.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

// ErrInjected is returned by broadcasts failed through FailBroadcasts.
var ErrInjected = errors.New("memory: injected broadcast failure")

// Hub routes broadcasts between clients.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*channel]struct{} // channel name -> subscribed channels
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*channel]struct{})}
}

// Subscribers returns the number of subscribed channels named name.
func (h *Hub) Subscribers(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[name])
}

func (h *Hub) add(ch *channel) {
	h.mu.Lock()
	set, ok := h.subs[ch.Name()]
	if !ok {
		set = make(map[*channel]struct{})
		h.subs[ch.Name()] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(ch *channel) {
	h.mu.Lock()
	if set, ok := h.subs[ch.Name()]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, ch.Name())
		}
	}
	h.mu.Unlock()
}

func (h *Hub) deliver(from *channel, env transport.Envelope) {
	h.mu.RLock()
	targets := make([]*channel, 0, len(h.subs[from.Name()]))
	for ch := range h.subs[from.Name()] {
		if ch.client == from.client {
			continue
		}
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		ch.Dispatch(env.Message(ch.Name()))
	}
}

// Client is one participant on a Hub.
type Client struct {
	hub *Hub
	id  string

	mu         sync.Mutex
	closed     bool
	failNext   int
	stallJoins bool
	channels   map[*channel]struct{}
	sent       []transport.Envelope
}

// Client creates a participant identified by id.
func (h *Hub) Client(id string) *Client {
	return &Client{hub: h, id: id, channels: make(map[*channel]struct{})}
}

func (c *Client) ID() string { return c.id }

// Channel returns a new idle channel named name.
func (c *Client) Channel(name string) transport.Channel {
	ch := &channel{Base: transport.NewBase(name), client: c}
	c.mu.Lock()
	c.channels[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// FailBroadcasts makes the next n broadcasts from this client fail.
func (c *Client) FailBroadcasts(n int) {
	c.mu.Lock()
	c.failNext = n
	c.mu.Unlock()
}

// StallJoins keeps channels subscribed from now on in StateJoining, as if
// the join handshake never completed. Broadcasts still go through.
func (c *Client) StallJoins(stall bool) {
	c.mu.Lock()
	c.stallJoins = stall
	c.mu.Unlock()
}

// Sent returns every envelope this client attempted to broadcast, failed or
// not, in order.
func (c *Client) Sent() []transport.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// OpenChannels returns how many channels from this client are not closed.
func (c *Client) OpenChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for ch := range c.channels {
		if ch.State() != transport.StateClosed {
			n++
		}
	}
	return n
}

// Close unsubscribes every channel of this client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	chans := make([]*channel, 0, len(c.channels))
	for ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Unsubscribe()
	}
	return nil
}

type channel struct {
	*transport.Base
	client *Client
}

func (ch *channel) Subscribe(ctx context.Context) <-chan transport.State {
	states := ch.Watch()

	ch.client.mu.Lock()
	closed := ch.client.closed
	stall := ch.client.stallJoins
	ch.client.mu.Unlock()

	if closed {
		ch.SetState(transport.StateClosed)
		return states
	}

	ch.SetState(transport.StateJoining)
	ch.client.hub.add(ch)
	if !stall {
		ch.SetState(transport.StateJoined)
	}
	return states
}

func (ch *channel) Broadcast(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := transport.NewEnvelope(ch.client.id, event, payload)
	if err != nil {
		return err
	}

	c := ch.client
	c.mu.Lock()
	c.sent = append(c.sent, env)
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.failNext > 0 {
		c.failNext--
		c.mu.Unlock()
		return ErrInjected
	}
	c.mu.Unlock()

	c.hub.deliver(ch, env)
	return nil
}

func (ch *channel) Unsubscribe() error {
	ch.client.hub.remove(ch)
	ch.client.mu.Lock()
	delete(ch.client.channels, ch)
	ch.client.mu.Unlock()
	ch.SetState(transport.StateClosed)
	return nil
}
