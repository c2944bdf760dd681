// Package call is the session state machine on top of call signaling. It
// turns outgoing actions into signals, incoming signals into session
// transitions, and keeps the signaling channel to the peer alive while a
// call is up. Coupling to the rest of goop2-rtc is via the Signaler and
// Channels interfaces only.
package call

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	sig "github.com/petervdpas/goop2-rtc/internal/signal"
	"github.com/petervdpas/goop2-rtc/internal/util"
)

var log = logging.Logger("call")

const (
	DefaultRingTimeout = 30 * time.Second
	DefaultKeepAlive   = 300 * time.Second
	DefaultHistorySize = 50
)

// Config tunes a Manager. Zero values use the defaults.
type Config struct {
	SelfID   string
	SelfName string
	Clock    clock.Clock
	// ChannelPrefix must match the signaling channel prefix.
	ChannelPrefix string
	// RingTimeout cancels an unanswered outgoing call and drops an
	// unanswered incoming one.
	RingTimeout time.Duration
	// KeepAlive is how far the peer's call channel is extended while a call
	// is active. It is re-extended every half period.
	KeepAlive   time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = sig.DefaultChannelPrefix
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.SelfName == "" {
		c.SelfName = c.SelfID
	}
	return c
}

// Manager owns the call sessions of the local user, one per peer.
type Manager struct {
	sig      Signaler
	channels Channels
	cfg      Config

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	history  []Info
	incoming []func(*IncomingCall)
	states   []func(Info)

	ring      *util.Slots[string]
	keepalive *util.Slots[string]
}

// New creates a call Manager. Feed incoming signals to HandleSignal.
func New(s Signaler, channels Channels, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		sig:       s,
		channels:  channels,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		ring:      util.NewSlots[string](cfg.Clock),
		keepalive: util.NewSlots[string](cfg.Clock),
	}
}

// OnIncoming registers a callback that is fired for each new incoming invite.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.mu.Lock()
	m.incoming = append(m.incoming, fn)
	m.mu.Unlock()
}

// OnState registers a callback fired after every session transition.
func (m *Manager) OnState(fn func(Info)) {
	m.mu.Lock()
	m.states = append(m.states, fn)
	m.mu.Unlock()
}

// Invite rings peer. The session is tracked as dialing before the invite
// goes out so a fast answer is never lost. A failed invite ends the session
// and returns an error wrapping ErrNotConnected.
func (m *Manager) Invite(ctx context.Context, peer, peerName string, extra map[string]any) (*Session, error) {
	if peer == m.cfg.SelfID {
		return nil, ErrSelfCall
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := m.sessions[peer]; busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := m.newSessionLocked(peer, peerName, true, StateDialing)
	m.mu.Unlock()
	m.emit(s)

	log.Infof("invite %s", peer)
	m.ring.Set(peer, m.cfg.RingTimeout, func() { m.ringExpired(s) })
	if err := m.sig.SendInvite(ctx, peer, m.cfg.SelfID, m.cfg.SelfName, extra); err != nil {
		m.finish(s, EndFailed)
		return nil, m.notConnected(err)
	}
	return s, nil
}

// Session returns the live session with peer.
func (m *Manager) Session(peer string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// Sessions returns snapshots of every live session, ordered by peer.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	out := lo.MapToSlice(m.sessions, func(_ string, s *Session) Info { return s.info })
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Peer, b.Peer) })
	return out
}

// History returns ended sessions, most recent last.
func (m *Manager) History() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// Hangup ends the session with peer.
func (m *Manager) Hangup(ctx context.Context, peer string) error {
	s, ok := m.Session(peer)
	if !ok {
		return ErrNoSession
	}
	return s.Hangup(ctx)
}

// Accept answers the ringing session with peer.
func (m *Manager) Accept(ctx context.Context, peer string) (*Session, error) {
	s, ok := m.Session(peer)
	if !ok {
		return nil, ErrNoSession
	}
	return m.accept(ctx, s)
}

// Reject declines the ringing session with peer.
func (m *Manager) Reject(ctx context.Context, peer string) error {
	s, ok := m.Session(peer)
	if !ok {
		return ErrNoSession
	}
	return m.reject(ctx, s)
}

func (m *Manager) accept(ctx context.Context, s *Session) (*Session, error) {
	m.mu.Lock()
	if !s.transition(StateActive, m.cfg.Clock.Now(), StateRinging) {
		m.mu.Unlock()
		return nil, ErrNotRinging
	}
	m.mu.Unlock()
	m.ring.Cancel(s.info.Peer)
	m.emit(s)

	if err := m.sig.SendAccepted(ctx, s.info.Peer, m.cfg.SelfID, m.cfg.SelfName); err != nil {
		m.finish(s, EndFailed)
		return nil, m.notConnected(err)
	}
	m.keepAlive(s)
	log.Infof("accepted call from %s", s.info.Peer)
	return s, nil
}

func (m *Manager) reject(ctx context.Context, s *Session) error {
	if !m.finish(s, EndRejected, StateRinging) {
		return ErrNotRinging
	}
	return m.notConnected(m.sig.SendRejected(ctx, s.info.Peer, m.cfg.SelfID, m.cfg.SelfName))
}

// HandleSignal applies one decoded incoming signal. It is the signal
// listener's handler.
func (m *Manager) HandleSignal(in sig.Signal) {
	peer := in.CallerID
	if peer == m.cfg.SelfID {
		log.Debugf("ignore own %s", in.Event)
		return
	}

	switch in.Event {
	case sig.EventInvite:
		m.handleInvite(in)
	case sig.EventAccepted:
		m.onPeer(peer, in.Event, func(s *Session) {
			m.mu.Lock()
			ok := s.transition(StateActive, m.cfg.Clock.Now(), StateDialing)
			m.mu.Unlock()
			if !ok {
				return
			}
			m.ring.Cancel(peer)
			m.emit(s)
			m.keepAlive(s)
			log.Infof("%s answered", peer)
		})
	case sig.EventRejected:
		m.onPeer(peer, in.Event, func(s *Session) { m.finish(s, EndRejected, StateDialing) })
	case sig.EventCancelled:
		m.onPeer(peer, in.Event, func(s *Session) { m.finish(s, EndCancelled, StateRinging) })
	case sig.EventEnded:
		m.onPeer(peer, in.Event, func(s *Session) { m.finish(s, EndRemote) })
	}
}

func (m *Manager) handleInvite(in sig.Signal) {
	peer := in.CallerID

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if existing, ok := m.sessions[peer]; ok {
		m.mu.Unlock()
		// A retried invite can arrive twice.
		log.Debugf("invite from %s while %s, ignoring", peer, existing.State())
		return
	}
	s := m.newSessionLocked(peer, in.CallerName, false, StateRinging)
	handlers := slices.Clone(m.incoming)
	m.mu.Unlock()

	m.ring.Set(peer, m.cfg.RingTimeout, func() { m.ringExpired(s) })
	m.emit(s)
	log.Infof("incoming call from %s", peer)

	ic := &IncomingCall{
		Peer:     peer,
		PeerName: in.CallerName,
		Extra:    in.Extra(),
		Accept:   func(ctx context.Context) (*Session, error) { return m.accept(ctx, s) },
		Reject:   func(ctx context.Context) error { return m.reject(ctx, s) },
	}
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) onPeer(peer string, ev sig.Event, fn func(*Session)) {
	s, ok := m.Session(peer)
	if !ok {
		log.Debugf("%s from %s without a session", ev, peer)
		return
	}
	fn(s)
}

func (m *Manager) ringExpired(s *Session) {
	switch {
	case m.finish(s, EndNoAnswer, StateDialing):
		log.Infof("%s did not answer", s.info.Peer)
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		defer cancel()
		if err := m.sig.SendCancelled(ctx, s.info.Peer, m.cfg.SelfID, m.cfg.SelfName); err != nil {
			log.Warnf("cancel unanswered call to %s: %v", s.info.Peer, err)
		}
	case m.finish(s, EndNoAnswer, StateRinging):
		log.Infof("missed call from %s", s.info.Peer)
	}
}

// keepAlive extends the peer's call channel now and every half period for
// as long as s stays active.
func (m *Manager) keepAlive(s *Session) {
	if s.State() != StateActive {
		return
	}
	name := sig.ChannelName(m.cfg.ChannelPrefix, s.info.Peer)
	if !m.channels.ExtendLifetime(name, m.cfg.KeepAlive) {
		log.Debugf("%s has no pending cleanup to extend", name)
	}
	m.keepalive.Set(s.info.Peer, m.cfg.KeepAlive/2, func() { m.keepAlive(s) })
}

// finish ends s with reason and moves it to history. With from, s must be
// in one of those states. Reports false if s was not ended by this call.
func (m *Manager) finish(s *Session, reason EndReason, from ...State) bool {
	m.mu.Lock()
	if !s.transition(StateEnded, m.cfg.Clock.Now(), from...) {
		m.mu.Unlock()
		return false
	}
	s.info.Reason = reason
	if m.sessions[s.info.Peer] == s {
		delete(m.sessions, s.info.Peer)
	}
	m.history = append(m.history, s.info)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	m.mu.Unlock()

	m.ring.Cancel(s.info.Peer)
	m.keepalive.Cancel(s.info.Peer)
	m.emit(s)
	log.Infof("call with %s ended: %s", s.info.Peer, reason)
	return true
}

func (m *Manager) newSessionLocked(peer, peerName string, outgoing bool, st State) *Session {
	s := &Session{m: m, info: Info{
		Peer:      peer,
		PeerName:  peerName,
		Outgoing:  outgoing,
		State:     st,
		StartedAt: m.cfg.Clock.Now(),
	}}
	m.sessions[peer] = s
	return s
}

func (m *Manager) emit(s *Session) {
	m.mu.Lock()
	info := s.info
	fns := slices.Clone(m.states)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
}

func (m *Manager) notConnected(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNotConnected, err)
}

// Logout hangs up every session and releases every call channel.
func (m *Manager) Logout(ctx context.Context) {
	m.hangupAll(ctx)
	n := m.channels.ReleaseAllMatching(func(name string) bool {
		return strings.HasPrefix(name, m.cfg.ChannelPrefix)
	})
	log.Infof("logout: released %d call channels", n)
}

// Close hangs up all sessions and refuses new ones. Idempotent.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.hangupAll(ctx)
}

func (m *Manager) hangupAll(ctx context.Context) {
	m.mu.Lock()
	sessions := lo.Values(m.sessions)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Hangup(ctx); err != nil {
			log.Warnf("hangup %s: %v", s.info.Peer, err)
		}
	}
}
