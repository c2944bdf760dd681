package signal

import (
	"context"
	"sync"

	"github.com/petervdpas/goop2-rtc/internal/channel"
	"github.com/petervdpas/goop2-rtc/internal/transport"
)

// Handler receives decoded incoming signals.
type Handler func(Signal)

// Listener holds the local user's call channel open and decodes what
// arrives on it.
type Listener struct {
	channels *channel.Manager
	name     string

	mu     sync.Mutex
	closed bool
}

// Listen subscribes to the call channel of selfID. The channel is exempt
// from auto-cleanup and lives until Close.
func Listen(ctx context.Context, channels *channel.Manager, prefix, selfID string, fn Handler) *Listener {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	l := &Listener{channels: channels, name: ChannelName(prefix, selfID)}

	h := channels.Acquire(l.name, channel.WithAutoCleanup(false), channel.WithOwner("signal-listener"))
	h.On("*", func(msg transport.Message) {
		sig, err := Decode(msg, selfID)
		if err != nil {
			log.Debugf("%s: drop %q from %s: %v", l.name, msg.Event, msg.From, err)
			return
		}
		log.Debugf("%s: %s from %s", l.name, sig.Event, sig.CallerID)
		fn(sig)
	})
	h.Subscribe(ctx)
	log.Infof("listening on %s", l.name)
	return l
}

// Channel is the name of the listened channel.
func (l *Listener) Channel() string { return l.name }

// Close releases the call channel. Safe to call more than once.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.channels.Release(l.name)
}
