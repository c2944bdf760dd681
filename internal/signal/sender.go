package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goop2-rtc/internal/channel"
	"github.com/petervdpas/goop2-rtc/internal/transport"
)

var log = logging.Logger("signal")

// ErrRetriesExhausted is wrapped by SendSignal when no attempt succeeded.
var ErrRetriesExhausted = errors.New("signal: retries exhausted")

// DefaultChannelPrefix prefixes the per-user call channel.
const DefaultChannelPrefix = "calls:"

// Options tunes the retry machinery. Zero values use the defaults; a
// negative Backoff disables the pause between attempts.
type Options struct {
	Attempts         int
	SubscribeTimeout time.Duration
	Backoff          time.Duration
	ChannelPrefix    string
	// CleanupDelay is the auto-cleanup delay for channels opened to send.
	CleanupDelay time.Duration
}

// DefaultOptions returns the signaling defaults: 3 attempts, 500ms join
// wait and 200ms between attempts. The backoff is deliberately short; the
// transport handles connection-level backoff on its own.
func DefaultOptions() Options {
	return Options{
		Attempts:         3,
		SubscribeTimeout: 500 * time.Millisecond,
		Backoff:          200 * time.Millisecond,
		ChannelPrefix:    DefaultChannelPrefix,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = d.SubscribeTimeout
	}
	switch {
	case o.Backoff == 0:
		o.Backoff = d.Backoff
	case o.Backoff < 0:
		o.Backoff = 0
	}
	if o.ChannelPrefix == "" {
		o.ChannelPrefix = d.ChannelPrefix
	}
	return o
}

// ChannelName is the call channel of userID.
func ChannelName(prefix, userID string) string {
	return prefix + userID
}

type sendState int

const (
	statePending sendState = iota
	stateSending
	stateSent
	stateExhausted
)

func (s sendState) String() string {
	return [...]string{"pending", "sending", "sent", "exhausted"}[s]
}

// Sender delivers signals through a channel manager.
type Sender struct {
	channels *channel.Manager
	clk      clock.Clock
	opts     Options
}

// NewSender creates a Sender. A nil clk uses the wall clock.
func NewSender(channels *channel.Manager, clk clock.Clock, opts Options) *Sender {
	if clk == nil {
		clk = clock.New()
	}
	return &Sender{channels: channels, clk: clk, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (s *Sender) Options() Options { return s.opts }

// SendSignal delivers sig to its target, retrying up to the attempt budget.
// Attempts are strictly sequential. ctx only aborts on teardown; there is
// no per-send cancel.
func (s *Sender) SendSignal(ctx context.Context, sig Signal) error {
	name := ChannelName(s.opts.ChannelPrefix, sig.TargetUserID)
	state := statePending
	log.Debugf("%s → %s: %s", sig.Event, sig.TargetUserID, state)

	var lastErr error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if attempt > 1 && s.opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clk.After(s.opts.Backoff):
			}
		}

		state = stateSending
		log.Debugf("%s → %s: %s attempt %d", sig.Event, sig.TargetUserID, state, attempt)
		err := s.attempt(ctx, name, sig)
		if err == nil {
			state = stateSent
			log.Infof("%s → %s: %s on attempt %d", sig.Event, sig.TargetUserID, state, attempt)
			return nil
		}
		lastErr = err
		log.Warnf("%s → %s: attempt %d/%d failed: %v", sig.Event, sig.TargetUserID, attempt, s.opts.Attempts, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	state = stateExhausted
	log.Errorf("%s → %s: %s after %d attempts", sig.Event, sig.TargetUserID, state, s.opts.Attempts)
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.opts.Attempts, lastErr)
}

func (s *Sender) attempt(ctx context.Context, name string, sig Signal) error {
	h := s.resolve(ctx, name)
	if err := h.Broadcast(ctx, sig.Event.String(), sig.Payload()); err != nil {
		return err
	}
	return nil
}

// resolve reuses a joined channel or opens a fresh one and waits, bounded,
// for its subscription to confirm.
func (s *Sender) resolve(ctx context.Context, name string) *channel.Handle {
	if h, ok := s.channels.Get(name); ok && h.State() == transport.StateJoined {
		return h
	}

	h := s.channels.Acquire(name, channel.WithOwner("signal"), channel.WithCleanupDelay(s.opts.CleanupDelay))
	states := h.Subscribe(ctx)
	timeout := s.clk.After(s.opts.SubscribeTimeout)
	for {
		select {
		case st, ok := <-states:
			if !ok || st == transport.StateJoined || st == transport.StateErrored || st == transport.StateClosed {
				return h
			}
		case <-timeout:
			log.Debugf("%s: join not confirmed after %s, sending anyway", name, s.opts.SubscribeTimeout)
			return h
		case <-ctx.Done():
			return h
		}
	}
}

// SendInvite rings target.
func (s *Sender) SendInvite(ctx context.Context, target, callerID, callerName string, extra map[string]any) error {
	return s.SendSignal(ctx, New(EventInvite, target, callerID, callerName, extra, s.clk.Now()))
}

// SendAccepted tells the original caller target that accepterID picked up.
func (s *Sender) SendAccepted(ctx context.Context, target, accepterID, accepterName string) error {
	extra := map[string]any{KeyAccepterID: accepterID}
	return s.SendSignal(ctx, New(EventAccepted, target, accepterID, accepterName, extra, s.clk.Now()))
}

// SendRejected tells the original caller target that rejecterID declined.
func (s *Sender) SendRejected(ctx context.Context, target, rejecterID, rejecterName string) error {
	extra := map[string]any{KeyRejecterID: rejecterID}
	return s.SendSignal(ctx, New(EventRejected, target, rejecterID, rejecterName, extra, s.clk.Now()))
}

// SendEnded hangs up an active call with target.
func (s *Sender) SendEnded(ctx context.Context, target, callerID, callerName string, extra map[string]any) error {
	return s.SendSignal(ctx, New(EventEnded, target, callerID, callerName, extra, s.clk.Now()))
}

// SendCancelled withdraws an unanswered invite to target.
func (s *Sender) SendCancelled(ctx context.Context, target, callerID, callerName string) error {
	return s.SendSignal(ctx, New(EventCancelled, target, callerID, callerName, nil, s.clk.Now()))
}
