package call

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected means the signal could not be delivered; the UI reports
	// "call could not be connected".
	ErrNotConnected = errors.New("call could not be connected")
	ErrSelfCall     = errors.New("cannot call yourself")
	ErrBusy         = errors.New("a call with this peer is already in progress")
	ErrNoSession    = errors.New("no call with this peer")
	ErrNotRinging   = errors.New("call is not ringing")
	ErrClosed       = errors.New("call manager closed")
)

// Signaler is the only surface the call package needs from the signaling
// layer. *signal.Sender satisfies it.
type Signaler interface {
	SendInvite(ctx context.Context, target, callerID, callerName string, extra map[string]any) error
	SendAccepted(ctx context.Context, target, accepterID, accepterName string) error
	SendRejected(ctx context.Context, target, rejecterID, rejecterName string) error
	SendEnded(ctx context.Context, target, callerID, callerName string, extra map[string]any) error
	SendCancelled(ctx context.Context, target, callerID, callerName string) error
}

// Channels is the part of the channel manager a call needs: keeping the
// signaling channel to the peer alive and dropping them all on logout.
type Channels interface {
	ExtendLifetime(name string, extra time.Duration) bool
	ReleaseAllMatching(match func(name string) bool) int
}

// State is where a session is in its lifecycle.
type State int

const (
	StateDialing State = iota + 1 // outgoing, waiting for an answer
	StateRinging                  // incoming, waiting for the local user
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EndReason records why a session ended.
type EndReason int

const (
	EndNone      EndReason = iota
	EndHangup              // local hangup of an active call
	EndRemote              // remote hangup of an active call
	EndRejected            // callee declined
	EndCancelled           // caller gave up before an answer
	EndNoAnswer            // ring timeout
	EndFailed              // a signal could not be delivered
)

func (r EndReason) String() string {
	switch r {
	case EndNone:
		return ""
	case EndHangup:
		return "hangup"
	case EndRemote:
		return "remote-hangup"
	case EndRejected:
		return "rejected"
	case EndCancelled:
		return "cancelled"
	case EndNoAnswer:
		return "no-answer"
	case EndFailed:
		return "failed"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Info is an immutable snapshot of a session.
type Info struct {
	Peer       string    `json:"peer"`
	PeerName   string    `json:"peer_name,omitempty"`
	Outgoing   bool      `json:"outgoing"`
	State      State     `json:"-"`
	Reason     EndReason `json:"-"`
	StartedAt  time.Time `json:"started_at"`
	AnsweredAt time.Time `json:"answered_at,omitzero"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
}

// Duration is how long the call was active, or zero if never answered.
func (i Info) Duration() time.Duration {
	if i.AnsweredAt.IsZero() {
		return 0
	}
	end := i.EndedAt
	if end.IsZero() {
		return 0
	}
	return end.Sub(i.AnsweredAt)
}

// IncomingCall is handed to OnIncoming handlers for each new invite.
type IncomingCall struct {
	Peer     string
	PeerName string
	Extra    map[string]any

	Accept func(ctx context.Context) (*Session, error)
	Reject func(ctx context.Context) error
}
