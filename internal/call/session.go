package call

import (
	"context"
	"slices"
	"time"
)

// Session represents one call between the local user and a peer. All
// fields are guarded by the owning manager's lock.
type Session struct {
	m    *Manager
	info Info
}

// Peer is the remote user id.
func (s *Session) Peer() string { return s.info.Peer }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.info
}

// State returns the current state.
func (s *Session) State() State {
	return s.Info().State
}

// Hangup ends the session the way its state calls for: cancel an
// unanswered outgoing call, reject an incoming one, or end an active one.
// Idempotent; hanging up an ended session does nothing.
func (s *Session) Hangup(ctx context.Context) error {
	switch s.State() {
	case StateDialing:
		if !s.m.finish(s, EndCancelled, StateDialing) {
			return nil
		}
		return s.m.notConnected(s.m.sig.SendCancelled(ctx, s.info.Peer, s.m.cfg.SelfID, s.m.cfg.SelfName))
	case StateRinging:
		return s.m.reject(ctx, s)
	case StateActive:
		if !s.m.finish(s, EndHangup, StateActive) {
			return nil
		}
		return s.m.notConnected(s.m.sig.SendEnded(ctx, s.info.Peer, s.m.cfg.SelfID, s.m.cfg.SelfName, nil))
	default:
		return nil
	}
}

// transition moves s to st. Caller holds m.mu. Reports false if s already
// ended or is not in one of from.
func (s *Session) transition(st State, now time.Time, from ...State) bool {
	if s.info.State == StateEnded {
		return false
	}
	if len(from) > 0 && !slices.Contains(from, s.info.State) {
		return false
	}
	s.info.State = st
	switch st {
	case StateActive:
		s.info.AnsweredAt = now
	case StateEnded:
		s.info.EndedAt = now
	}
	return true
}
