package valkey

import (
	"context"
	"errors"
	"sync"

	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

type channel struct {
	*transport.Base
	client *Client
	key    string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   bool
}

func (ch *channel) Subscribe(ctx context.Context) <-chan transport.State {
	states := ch.Watch()
	if ch.client.isClosed() {
		ch.SetState(transport.StateClosed)
		return states
	}

	ch.mu.Lock()
	if ch.done || ch.cancel != nil {
		ch.mu.Unlock()
		return states
	}
	recvCtx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	ch.mu.Unlock()

	ch.SetState(transport.StateJoining)
	recvCtx = valkeylib.WithOnSubscriptionHook(recvCtx, func(s valkeylib.PubSubSubscription) {
		switch s.Kind {
		case "subscribe":
			ch.SetState(transport.StateJoined)
		case "unsubscribe":
			ch.SetState(transport.StateJoining)
		}
	})

	inner := ch.client.inner
	go func() {
		err := inner.Receive(recvCtx, inner.B().Subscribe().Channel(ch.key).Build(), func(msg valkeylib.PubSubMessage) {
			env, err := transport.DecodeEnvelope([]byte(msg.Message))
			if err != nil {
				log.Debugf("%s: drop frame: %v", ch.Name(), err)
				return
			}
			// Avoid loops: ignore messages sent by this same client
			if env.From == ch.client.id {
				return
			}
			ch.Dispatch(env.Message(ch.Name()))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("%s: subscriber failed: %v", ch.Name(), err)
			ch.SetState(transport.StateErrored)
		}
	}()
	return states
}

func (ch *channel) Broadcast(ctx context.Context, event string, payload any) error {
	if ch.client.isClosed() {
		return transport.ErrClosed
	}
	env, err := transport.NewEnvelope(ch.client.id, event, payload)
	if err != nil {
		return err
	}
	b, err := env.Encode()
	if err != nil {
		return err
	}
	inner := ch.client.inner
	cmd := inner.B().Publish().Channel(ch.key).Message(string(b)).Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil {
		return err
	}
	return nil
}

func (ch *channel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.done {
		ch.mu.Unlock()
		return nil
	}
	ch.done = true
	cancel := ch.cancel
	ch.cancel = nil
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ch.client.forget(ch)
	ch.SetState(transport.StateClosed)
	return nil
}
