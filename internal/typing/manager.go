// Package typing mirrors remote "is typing" presence into local ephemeral
// state and publishes the local user's own typing starts and stops.
//
// Remote presence arrives over one change-feed subscription per local user,
// unfiltered by conversation; entries follow a "last heartbeat wins, silence
// implies stop" model and expire on their own. The local user never appears
// in the remote presence map.
package typing

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/goop2-rtc/internal/changefeed"
	"github.com/petervdpas/goop2-rtc/internal/channel"
	"github.com/petervdpas/goop2-rtc/internal/util"
)

var log = logging.Logger("typing")

const (
	// DefaultTable is the presence table the feed is subscribed to.
	DefaultTable = "typing_indicators"

	DefaultExpiry   = 5 * time.Second
	DefaultAutoStop = 3 * time.Second
	DefaultIdle     = 1500 * time.Millisecond
)

// Store persists local typing rows upstream.
type Store interface {
	SetTyping(ctx context.Context, conversationID, userID string) error
	ClearTyping(ctx context.Context, conversationID, userID string) error
}

// Config tunes a Manager. Zero values use the defaults.
type Config struct {
	Clock clock.Clock
	Table string
	// Expiry drops a remote entry that was not refreshed.
	Expiry time.Duration
	// AutoStop stops local typing that was not refreshed.
	AutoStop time.Duration
	// Idle stops local typing when input goes quiet.
	Idle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.AutoStop <= 0 {
		c.AutoStop = DefaultAutoStop
	}
	if c.Idle <= 0 {
		c.Idle = DefaultIdle
	}
	return c
}

// Observer is told the new remote typing set of a conversation after every
// change to it.
type Observer func(conversationID string, users []string)

// Stats is a snapshot of the manager's bookkeeping.
type Stats struct {
	Initialized    bool   `json:"initialized"`
	LocalUserID    string `json:"local_user_id,omitempty"`
	Conversations  int    `json:"conversations"`
	Entries        int    `json:"entries"`
	LocallyTyping  int    `json:"locally_typing"`
	ExpiryTimers   int    `json:"expiry_timers"`
	AutoStopTimers int    `json:"auto_stop_timers"`
	IdleTimers     int    `json:"idle_timers"`
}

// PendingTimers is the total of every timer kind.
func (s Stats) PendingTimers() int {
	return s.ExpiryTimers + s.AutoStopTimers + s.IdleTimers
}

type key struct {
	conversation string
	user         string
}

// Manager owns the presence map of one local user.
type Manager struct {
	channels *channel.Manager
	store    Store
	cfg      Config

	mu          sync.Mutex
	initialized bool
	self        string
	feed        string
	presence    map[string]map[string]struct{}
	local       map[string]string // conversation -> user typing locally
	observers   []Observer

	expiry   *util.Slots[key]
	autoStop *util.Slots[string]
	idle     *util.Slots[string]
}

// New creates an uninitialized Manager.
func New(channels *channel.Manager, store Store, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		channels: channels,
		store:    store,
		cfg:      cfg,
		feed:     changefeed.ChannelName(cfg.Table),
		presence: make(map[string]map[string]struct{}),
		local:    make(map[string]string),
		expiry:   util.NewSlots[key](cfg.Clock),
		autoStop: util.NewSlots[string](cfg.Clock),
		idle:     util.NewSlots[string](cfg.Clock),
	}
}

// OnChange registers an observer. Observers run outside the manager's lock,
// on whichever goroutine caused the change.
func (m *Manager) OnChange(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Initialize opens the global presence subscription for localUserID. A
// second call while initialized is a logged no-op.
func (m *Manager) Initialize(ctx context.Context, localUserID string) error {
	id, err := util.ValidateUserID(localUserID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.initialized {
		self := m.self
		m.mu.Unlock()
		log.Infof("already initialized for %s, ignoring %s", self, id)
		return nil
	}
	m.initialized = true
	m.self = id
	m.mu.Unlock()

	h := m.channels.Acquire(m.feed, channel.WithAutoCleanup(false), channel.WithOwner("typing"))
	changefeed.Subscribe(h, m.cfg.Table, m.handleChange)
	h.Subscribe(ctx)
	log.Infof("presence feed %s open for %s", m.feed, id)
	return nil
}

type row struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (m *Manager) handleChange(from string, c changefeed.Change) {
	var r row
	if err := json.Unmarshal(c.Row(), &r); err != nil || r.ConversationID == "" || r.UserID == "" {
		log.Debugf("drop %s from %s: no usable row", c.Kind, from)
		return
	}
	k := key{conversation: r.ConversationID, user: r.UserID}

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	if r.UserID == m.self {
		m.mu.Unlock()
		log.Debugf("ignore own %s in %s", c.Kind, r.ConversationID)
		return
	}

	changed := false
	switch c.Kind {
	case changefeed.Insert, changefeed.Update:
		changed = m.markPresent(k)
		m.expiry.Set(k, m.cfg.Expiry, func() { m.expire(k) })
	case changefeed.Delete:
		changed = m.markAbsent(k)
		m.expiry.Cancel(k)
	}
	m.notifyLocked(changed, k.conversation)
}

// expire runs after the expiry slot for k fired. A refresh that landed
// between the slot firing and this call re-armed it, and wins.
func (m *Manager) expire(k key) {
	m.mu.Lock()
	if m.expiry.Pending(k) {
		m.mu.Unlock()
		return
	}
	changed := m.markAbsent(k)
	if changed {
		log.Debugf("%s stopped typing in %s (expired)", k.user, k.conversation)
	}
	m.notifyLocked(changed, k.conversation)
}

// notifyLocked releases m.mu and, if changed, tells observers the new set
// for conversation.
func (m *Manager) notifyLocked(changed bool, conversation string) {
	if !changed {
		m.mu.Unlock()
		return
	}
	users := m.usersLocked(conversation)
	obs := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, fn := range obs {
		fn(conversation, users)
	}
}

func (m *Manager) markPresent(k key) bool {
	set, ok := m.presence[k.conversation]
	if !ok {
		set = make(map[string]struct{})
		m.presence[k.conversation] = set
	}
	if _, ok := set[k.user]; ok {
		return false
	}
	set[k.user] = struct{}{}
	return true
}

func (m *Manager) markAbsent(k key) bool {
	set, ok := m.presence[k.conversation]
	if !ok {
		return false
	}
	if _, ok := set[k.user]; !ok {
		return false
	}
	delete(set, k.user)
	if len(set) == 0 {
		delete(m.presence, k.conversation)
	}
	return true
}

func (m *Manager) usersLocked(conversation string) []string {
	users := lo.Keys(m.presence[conversation])
	slices.Sort(users)
	return users
}

// StartTyping marks userID as typing in conversationID locally, then writes
// upstream. A failed write restores the previous local state. Local typing
// stops on its own unless refreshed within the auto-stop delay.
func (m *Manager) StartTyping(ctx context.Context, conversationID, userID string) {
	m.mu.Lock()
	prev, was := m.local[conversationID]
	m.local[conversationID] = userID
	m.autoStop.Set(conversationID, m.cfg.AutoStop, func() {
		log.Debugf("auto-stop typing in %s", conversationID)
		m.stopDetached(conversationID, userID)
	})
	m.mu.Unlock()

	if err := m.store.SetTyping(ctx, conversationID, userID); err != nil {
		log.Warnf("start typing in %s: %v", conversationID, err)
		m.mu.Lock()
		if m.local[conversationID] == userID {
			if was {
				m.local[conversationID] = prev
			} else {
				delete(m.local, conversationID)
				m.autoStop.Cancel(conversationID)
			}
		}
		m.mu.Unlock()
	}
}

// StopTyping clears local typing in conversationID and its pending stops,
// then clears the upstream row. Upstream errors are logged only.
func (m *Manager) StopTyping(ctx context.Context, conversationID, userID string) {
	m.mu.Lock()
	delete(m.local, conversationID)
	m.autoStop.Cancel(conversationID)
	m.idle.Cancel(conversationID)
	m.mu.Unlock()

	if err := m.store.ClearTyping(ctx, conversationID, userID); err != nil {
		log.Warnf("stop typing in %s: %v", conversationID, err)
	}
}

func (m *Manager) stopDetached(conversationID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	m.StopTyping(ctx, conversationID, userID)
}

// HandleInputChange follows the composer: non-empty text starts (or
// refreshes) typing and re-arms the idle stop; empty text stops at once.
func (m *Manager) HandleInputChange(ctx context.Context, conversationID, userID, text string) {
	if text == "" {
		m.StopTyping(ctx, conversationID, userID)
		return
	}
	m.StartTyping(ctx, conversationID, userID)
	m.idle.Set(conversationID, m.cfg.Idle, func() {
		log.Debugf("input idle in %s", conversationID)
		m.stopDetached(conversationID, userID)
	})
}

// HandleSubmit stops typing once a message is sent.
func (m *Manager) HandleSubmit(ctx context.Context, conversationID, userID string) {
	m.StopTyping(ctx, conversationID, userID)
}

// GetTypingUsers returns the remote users typing in conversationID, sorted,
// minus exclude.
func (m *Manager) GetTypingUsers(conversationID string, exclude ...string) []string {
	m.mu.Lock()
	users := m.usersLocked(conversationID)
	m.mu.Unlock()
	if len(exclude) == 0 {
		return users
	}
	return lo.Without(users, exclude...)
}

// IsAnyoneTyping reports whether any remote user is typing in conversationID.
func (m *Manager) IsAnyoneTyping(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.presence[conversationID]) > 0
}

// IsLocallyTyping reports whether the local user is typing in conversationID.
func (m *Manager) IsLocallyTyping(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.local[conversationID]
	return ok
}

// Stats reports entry and timer counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := 0
	for _, set := range m.presence {
		entries += len(set)
	}
	return Stats{
		Initialized:    m.initialized,
		LocalUserID:    m.self,
		Conversations:  len(m.presence),
		Entries:        entries,
		LocallyTyping:  len(m.local),
		ExpiryTimers:   m.expiry.Len(),
		AutoStopTimers: m.autoStop.Len(),
		IdleTimers:     m.idle.Len(),
	}
}

// Cleanup cancels every timer, clears local typing upstream on a best-effort
// basis, releases the presence feed and returns to uninitialized. Safe to
// call before Initialize and more than once.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	was := m.initialized
	local := m.local
	conversations := lo.Keys(m.presence)
	m.initialized = false
	m.self = ""
	m.presence = make(map[string]map[string]struct{})
	m.local = make(map[string]string)
	timers := m.expiry.CancelAll() + m.autoStop.CancelAll() + m.idle.CancelAll()
	obs := slices.Clone(m.observers)
	m.mu.Unlock()

	if len(local) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		for conv, user := range local {
			if err := m.store.ClearTyping(ctx, conv, user); err != nil {
				log.Warnf("cleanup typing in %s: %v", conv, err)
			}
		}
		cancel()
	}
	if was {
		m.channels.Release(m.feed)
	}
	for _, conv := range conversations {
		for _, fn := range obs {
			fn(conv, nil)
		}
	}
	if was || timers > 0 {
		log.Infof("cleanup: %d timers cancelled, feed released=%v", timers, was)
	}
}
