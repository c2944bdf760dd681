package transport

import (
	"sync"
)

// Base carries the bookkeeping every backend channel needs: state, event
// handlers and state watchers. Backends embed it and drive SetState and
// Dispatch from their network loops.
type Base struct {
	name string

	mu       sync.Mutex
	state    State
	handlers map[string][]Handler
	watchers []chan State
}

// NewBase returns an idle Base for name.
func NewBase(name string) *Base {
	return &Base{
		name:     name,
		handlers: make(map[string][]Handler),
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) On(event string, fn Handler) {
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], fn)
	b.mu.Unlock()
}

// Watch returns a buffered stream of subsequent state changes. A channel
// that is already closed yields a closed stream.
func (b *Base) Watch() <-chan State {
	ch := make(chan State, 8)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		ch <- StateClosed
		close(ch)
		return ch
	}
	b.watchers = append(b.watchers, ch)
	return ch
}

// SetState records s and notifies watchers. Reaching StateClosed closes
// every watcher stream. Transitions out of StateClosed are ignored.
func (b *Base) SetState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed || b.state == s {
		return
	}
	b.state = s
	for _, w := range b.watchers {
		select {
		case w <- s:
		default:
		}
	}
	if s == StateClosed {
		for _, w := range b.watchers {
			close(w)
		}
		b.watchers = nil
	}
}

// Dispatch runs the handlers for msg.Event and the wildcard handlers,
// outside the lock.
func (b *Base) Dispatch(msg Message) {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	hs := make([]Handler, 0, len(b.handlers[msg.Event])+len(b.handlers["*"]))
	hs = append(hs, b.handlers[msg.Event]...)
	hs = append(hs, b.handlers["*"]...)
	b.mu.Unlock()

	if len(hs) == 0 {
		log.Debugf("%s: no handler for event %q", b.name, msg.Event)
		return
	}
	for _, fn := range hs {
		fn(msg)
	}
}
