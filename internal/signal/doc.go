// Package signal implements call signaling between two users over the
// transport: invite, accepted, rejected, ended and cancelled events, each
// sent to the target's "calls:{userID}" channel with a bounded retry budget.
//
// Every send runs the same algorithm, whatever the event:
//
//	Pending → Sending (attempt 1..N) → Sent | Exhausted
//
// An attempt reuses a joined channel for the target when the channel manager
// holds one, otherwise it acquires a fresh channel and waits for the join
// handshake for at most SubscribeTimeout. When that wait times out the
// broadcast is attempted anyway: the transport may still deliver while the
// subscription catches up, and an invite must not block. This means a signal
// can be sent on a channel whose subscription never confirmed; the result of
// the broadcast alone decides the attempt. Duplicate delivery is possible
// when an acknowledgement races the caller, and is not corrected here.
//
// Attempt failures are logged; callers only see the final error, which wraps
// ErrRetriesExhausted once the budget is spent.
package signal
