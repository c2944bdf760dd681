// Package transport is the pub/sub primitive the signaling and presence
// layers run on: named channels that carry broadcast events. Backends live in
// the memory, gossip (libp2p GossipSub) and valkey subpackages; each one
// reconnects on its own, so callers never implement connection backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("transport")

var (
	// ErrClosed is returned when the client or channel was shut down.
	ErrClosed = errors.New("transport: closed")
	// ErrNotJoined is returned by backends that cannot broadcast before the
	// subscription handshake completes.
	ErrNotJoined = errors.New("transport: channel not joined")
)

// State is the subscription state of one channel.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is one broadcast delivered to a subscribed channel.
type Message struct {
	Channel string
	Event   string
	From    string
	ID      string
	Payload json.RawMessage
}

// Handler receives messages for one event name. The wildcard event "*"
// receives every message on the channel.
type Handler func(Message)

// Channel is a named multiplexed subscription.
type Channel interface {
	Name() string
	State() State
	// On registers fn for event. Handlers registered after Subscribe still
	// receive later messages.
	On(event string, fn Handler)
	// Subscribe starts the join handshake and returns a stream of state
	// changes. The stream is closed once the channel reaches StateClosed.
	Subscribe(ctx context.Context) <-chan State
	// Broadcast publishes payload under event to every other subscriber.
	Broadcast(ctx context.Context, event string, payload any) error
	// Unsubscribe leaves the channel. Safe to call more than once.
	Unsubscribe() error
}

// Client hands out channels on one connection.
type Client interface {
	// ID is this client's identity on the wire; used for self-suppression.
	ID() string
	Channel(name string) Channel
	Close() error
}

// Envelope is the wire format shared by every backend.
type Envelope struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	From    string          `json:"from"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id for payload.
func NewEnvelope(from, event string, payload any) (Envelope, error) {
	if event == "" {
		return Envelope{}, errors.New("transport: empty event name")
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("transport: marshal payload: %w", err)
		}
		raw = b
	}
	return Envelope{
		ID:      uuid.NewString(),
		Event:   event,
		From:    from,
		TS:      time.Now().UnixMilli(),
		Payload: raw,
	}, nil
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if e.Event == "" {
		return Envelope{}, errors.New("transport: envelope without event")
	}
	return e, nil
}

// Message converts a received envelope into a Message on channel.
func (e Envelope) Message(channel string) Message {
	return Message{
		Channel: channel,
		Event:   e.Event,
		From:    e.From,
		ID:      e.ID,
		Payload: e.Payload,
	}
}
