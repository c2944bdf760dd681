// Package channel owns the lifecycle of named transport channels: creation,
// reuse, timed disposal and bulk teardown. There is at most one live handle
// per name; acquiring a name that is already live disposes the old handle
// first, so the newest call site wins over possibly stale subscribers.
package channel

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/goop2-rtc/internal/transport"
	"github.com/petervdpas/goop2-rtc/internal/util"
)

var log = logging.Logger("channel")

// DefaultCleanupDelay is how long an auto-cleanup channel lives after Acquire.
const DefaultCleanupDelay = 300 * time.Second

// Handle is a borrowed channel. Do not keep it beyond one operation: the
// manager may dispose it at any time.
type Handle struct {
	transport.Channel
	Owner    string
	Acquired time.Time
}

// Stats is a snapshot of the manager's bookkeeping.
type Stats struct {
	LiveCount         int      `json:"live_count"`
	PendingTimerCount int      `json:"pending_timer_count"`
	Names             []string `json:"names"`
}

// Config tunes a Manager. Zero values use the defaults.
type Config struct {
	Clock        clock.Clock
	CleanupDelay time.Duration
}

// Manager hands out channels from one transport client.
type Manager struct {
	client transport.Client
	clk    clock.Clock
	delay  time.Duration

	mu     sync.Mutex
	live   map[string]*Handle
	timers *util.Slots[string]
}

// New creates a Manager over client.
func New(client transport.Client, cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	delay := cfg.CleanupDelay
	if delay <= 0 {
		delay = DefaultCleanupDelay
	}
	return &Manager{
		client: client,
		clk:    clk,
		delay:  delay,
		live:   make(map[string]*Handle),
		timers: util.NewSlots[string](clk),
	}
}

type acquireOptions struct {
	autoCleanup  bool
	cleanupDelay time.Duration
	owner        string
}

// Option adjusts one Acquire call.
type Option func(*acquireOptions)

// WithAutoCleanup toggles timed disposal. Enabled by default.
func WithAutoCleanup(on bool) Option {
	return func(o *acquireOptions) { o.autoCleanup = on }
}

// WithCleanupDelay overrides the manager's default cleanup delay.
func WithCleanupDelay(d time.Duration) Option {
	return func(o *acquireOptions) {
		if d > 0 {
			o.cleanupDelay = d
		}
	}
}

// WithOwner tags the handle for diagnostics.
func WithOwner(owner string) Option {
	return func(o *acquireOptions) { o.owner = owner }
}

// Acquire returns a fresh, unsubscribed handle for name. A live handle under
// the same name is released first.
func (m *Manager) Acquire(name string, opts ...Option) *Handle {
	o := acquireOptions{autoCleanup: true, cleanupDelay: m.delay}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Handle{
		Channel:  m.client.Channel(name),
		Owner:    o.owner,
		Acquired: m.clk.Now(),
	}

	m.mu.Lock()
	old := m.live[name]
	m.timers.Cancel(name)
	m.live[name] = h
	if o.autoCleanup {
		m.schedule(h, o.cleanupDelay)
	}
	live, pending := len(m.live), m.timers.Len()
	m.mu.Unlock()

	if old != nil {
		log.Infof("replace %s (owner %q)", name, old.Owner)
		m.dispose(old)
	}
	log.Infof("acquire %s owner=%q auto_cleanup=%v live=%d timers=%d", name, o.owner, o.autoCleanup, live, pending)
	return h
}

// schedule arms the cleanup timer for h. Caller holds m.mu.
func (m *Manager) schedule(h *Handle, d time.Duration) {
	m.timers.Set(h.Name(), d, func() {
		m.mu.Lock()
		if m.live[h.Name()] != h {
			m.mu.Unlock()
			return
		}
		delete(m.live, h.Name())
		live := len(m.live)
		m.mu.Unlock()

		m.dispose(h)
		log.Infof("auto-cleanup %s live=%d", h.Name(), live)
	})
}

// Release disposes the handle for name and cancels its cleanup timer.
// Releasing an unknown name is a no-op.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	h, ok := m.live[name]
	delete(m.live, name)
	m.timers.Cancel(name)
	live, pending := len(m.live), m.timers.Len()
	m.mu.Unlock()

	if !ok {
		return
	}
	m.dispose(h)
	log.Infof("release %s live=%d timers=%d", name, live, pending)
}

// Get returns the live handle for name. It never creates one.
func (m *Manager) Get(name string) (*Handle, bool) {
	m.mu.Lock()
	h, ok := m.live[name]
	m.mu.Unlock()
	if !ok || h.State() == transport.StateClosed {
		return nil, false
	}
	return h, true
}

// ExtendLifetime reschedules the pending cleanup of name to extra from now.
// Reports false, doing nothing, when no cleanup is pending.
func (m *Manager) ExtendLifetime(name string, extra time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.live[name]
	if !ok || !m.timers.Pending(name) {
		return false
	}
	m.schedule(h, extra)
	log.Debugf("extend %s by %s", name, extra)
	return true
}

// ReleaseAllMatching disposes every handle whose name satisfies match and
// returns how many were released.
func (m *Manager) ReleaseAllMatching(match func(name string) bool) int {
	m.mu.Lock()
	var victims []*Handle
	for name, h := range m.live {
		if !match(name) {
			continue
		}
		victims = append(victims, h)
		delete(m.live, name)
		m.timers.Cancel(name)
	}
	live := len(m.live)
	m.mu.Unlock()

	for _, h := range victims {
		m.dispose(h)
	}
	if len(victims) > 0 {
		log.Infof("bulk release %d channels live=%d", len(victims), live)
	}
	return len(victims)
}

// ReleaseAll disposes every handle.
func (m *Manager) ReleaseAll() int {
	return m.ReleaseAllMatching(func(string) bool { return true })
}

// Stats reports live handles and pending timers.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	names := lo.Keys(m.live)
	pending := m.timers.Len()
	m.mu.Unlock()

	slices.Sort(names)
	return Stats{
		LiveCount:         len(names),
		PendingTimerCount: pending,
		Names:             names,
	}
}

// dispose unsubscribes h. Transport errors are logged, never returned.
func (m *Manager) dispose(h *Handle) {
	if err := h.Unsubscribe(); err != nil {
		log.Warnf("dispose %s: %v", h.Name(), err)
	}
}
