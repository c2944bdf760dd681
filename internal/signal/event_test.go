package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

func TestEventWireNames(t *testing.T) {
	for _, ev := range []Event{EventInvite, EventAccepted, EventRejected, EventEnded, EventCancelled} {
		got, err := ParseEvent(ev.String())
		require.NoError(t, err)
		require.Equal(t, ev, got)
	}
	_, err := ParseEvent("call-offer")
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestPayloadBaseKeysWin(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	extra := map[string]any{KeyCallerID: "mallory", "room": "r1"}
	sig := New(EventInvite, "bob", "alice", "Alice", extra, now)

	extra["room"] = "changed"
	p := sig.Payload()
	require.Equal(t, "alice", p[KeyCallerID])
	require.Equal(t, "r1", p["room"])
	require.Equal(t, now.UnixMilli(), p[KeyTimestamp])

	got := sig.Extra()
	got["room"] = "mutated"
	require.Equal(t, "r1", sig.ExtraString("room"))
}

func TestDecode(t *testing.T) {
	msg := transport.Message{
		Event:   "call-accepted",
		Payload: []byte(`{"callerId":"bob","callerName":"Bob","timestamp":1700000000000,"accepterId":"bob"}`),
	}
	sig, err := Decode(msg, "alice")
	require.NoError(t, err)
	require.Equal(t, EventAccepted, sig.Event)
	require.Equal(t, "bob", sig.CallerID)
	require.Equal(t, "alice", sig.TargetUserID)
	require.Equal(t, int64(1700000000000), sig.Timestamp.UnixMilli())
	require.Equal(t, "bob", sig.ExtraString(KeyAccepterID))
	require.NotContains(t, sig.Extra(), KeyCallerID)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := []transport.Message{
		{Event: "typing", Payload: []byte(`{"callerId":"a"}`)},
		{Event: "call-invite", Payload: []byte(`not json`)},
		{Event: "call-invite", Payload: []byte(`{"callerName":"A"}`)},
		{Event: "call-invite", Payload: []byte(`{"callerId":42}`)},
	}
	for _, msg := range cases {
		_, err := Decode(msg, "bob")
		require.Error(t, err, string(msg.Payload))
	}
}
