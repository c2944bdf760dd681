package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

// ErrUnknownEvent is returned by ParseEvent and Decode for event names that
// are not call signals.
var ErrUnknownEvent = errors.New("signal: unknown event")

// Event is the closed set of call-lifecycle events.
type Event int

const (
	EventInvite    Event = iota + 1 // caller → callee: ring
	EventAccepted                   // callee → caller: picked up
	EventRejected                   // callee → caller: declined
	EventEnded                      // either side: hang up an active call
	EventCancelled                  // caller → callee: gave up before answer
)

// Wire names, the transport event tag for each Event.
const (
	wireInvite    = "call-invite"
	wireAccepted  = "call-accepted"
	wireRejected  = "call-rejected"
	wireEnded     = "call-ended"
	wireCancelled = "call-cancelled"
)

func (e Event) String() string {
	switch e {
	case EventInvite:
		return wireInvite
	case EventAccepted:
		return wireAccepted
	case EventRejected:
		return wireRejected
	case EventEnded:
		return wireEnded
	case EventCancelled:
		return wireCancelled
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ParseEvent maps a wire name back to an Event.
func ParseEvent(s string) (Event, error) {
	switch s {
	case wireInvite:
		return EventInvite, nil
	case wireAccepted:
		return EventAccepted, nil
	case wireRejected:
		return EventRejected, nil
	case wireEnded:
		return EventEnded, nil
	case wireCancelled:
		return EventCancelled, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
}

// Payload keys. Extra keys never override these.
const (
	KeyCallerID   = "callerId"
	KeyCallerName = "callerName"
	KeyTimestamp  = "timestamp"
	KeyAccepterID = "accepterId"
	KeyRejecterID = "rejecterId"
)

// Signal is one call-lifecycle event addressed to TargetUserID. It is a
// value type; extra data is copied in and out.
type Signal struct {
	Event        Event
	CallerID     string
	CallerName   string
	TargetUserID string
	Timestamp    time.Time

	extra map[string]any
}

// New builds a signal stamped with now.
func New(event Event, target, callerID, callerName string, extra map[string]any, now time.Time) Signal {
	return Signal{
		Event:        event,
		CallerID:     callerID,
		CallerName:   callerName,
		TargetUserID: target,
		Timestamp:    now,
		extra:        maps.Clone(extra),
	}
}

// Extra returns a copy of the additional payload fields.
func (s Signal) Extra() map[string]any {
	return maps.Clone(s.extra)
}

// ExtraString returns the string stored under key, or "".
func (s Signal) ExtraString(key string) string {
	v, _ := s.extra[key].(string)
	return v
}

// Payload is the broadcast body: {callerId, callerName, timestamp, ...extra}.
func (s Signal) Payload() map[string]any {
	out := make(map[string]any, len(s.extra)+3)
	maps.Copy(out, s.extra)
	out[KeyCallerID] = s.CallerID
	out[KeyCallerName] = s.CallerName
	out[KeyTimestamp] = s.Timestamp.UnixMilli()
	return out
}

// Decode turns a message received on the channel of target into a Signal.
// It is the only place wire payloads are interpreted.
func Decode(msg transport.Message, target string) (Signal, error) {
	ev, err := ParseEvent(msg.Event)
	if err != nil {
		return Signal{}, err
	}

	var fields map[string]json.RawMessage
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &fields); err != nil {
			return Signal{}, fmt.Errorf("signal: decode %s payload: %w", ev, err)
		}
	}

	var callerID, callerName string
	var ts int64
	if err := decodeField(fields, KeyCallerID, &callerID); err != nil {
		return Signal{}, err
	}
	if callerID == "" {
		return Signal{}, fmt.Errorf("signal: %s without %s", ev, KeyCallerID)
	}
	if err := decodeField(fields, KeyCallerName, &callerName); err != nil {
		return Signal{}, err
	}
	if err := decodeField(fields, KeyTimestamp, &ts); err != nil {
		return Signal{}, err
	}

	extra := make(map[string]any, len(fields))
	for k, raw := range fields {
		switch k {
		case KeyCallerID, KeyCallerName, KeyTimestamp:
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return Signal{}, fmt.Errorf("signal: decode %s.%s: %w", ev, k, err)
		}
		extra[k] = v
	}

	return Signal{
		Event:        ev,
		CallerID:     callerID,
		CallerName:   callerName,
		TargetUserID: target,
		Timestamp:    time.UnixMilli(ts),
		extra:        extra,
	}, nil
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("signal: field %s: %w", key, err)
	}
	return nil
}
