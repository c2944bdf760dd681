package gossip

import (
	"context"
	"errors"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

type channel struct {
	*transport.Base
	node *Node

	mu     sync.Mutex
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	done   bool
}

func newChannel(n *Node, name string) *channel {
	return &channel{Base: transport.NewBase(name), node: n}
}

// ensureTopic joins the topic once per channel.
func (c *channel) ensureTopic() (*pubsub.Topic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil, transport.ErrClosed
	}
	if c.topic != nil {
		return c.topic, nil
	}
	t, err := c.node.join(c.Name())
	if err != nil {
		return nil, err
	}
	c.topic = t
	return t, nil
}

func (c *channel) Subscribe(ctx context.Context) <-chan transport.State {
	states := c.Watch()
	c.SetState(transport.StateJoining)

	go func() {
		t, err := c.ensureTopic()
		if err != nil {
			log.Warnf("%s: %v", c.Name(), err)
			c.SetState(transport.StateErrored)
			return
		}
		sub, err := t.Subscribe()
		if err != nil {
			log.Warnf("%s: subscribe: %v", c.Name(), err)
			c.SetState(transport.StateErrored)
			return
		}

		readCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		if c.done {
			c.mu.Unlock()
			cancel()
			sub.Cancel()
			return
		}
		c.sub = sub
		c.cancel = cancel
		c.mu.Unlock()

		c.SetState(transport.StateJoined)
		c.readLoop(readCtx, sub)
	}()
	return states
}

func (c *channel) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	self := c.node.Host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				log.Warnf("%s: read: %v", c.Name(), err)
				c.SetState(transport.StateErrored)
			}
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		env, err := transport.DecodeEnvelope(msg.Data)
		if err != nil {
			log.Debugf("%s: drop frame from %s: %v", c.Name(), msg.ReceivedFrom, err)
			continue
		}
		if env.From == c.node.ID() {
			continue
		}
		c.Dispatch(env.Message(c.Name()))
	}
}

func (c *channel) Broadcast(ctx context.Context, event string, payload any) error {
	t, err := c.ensureTopic()
	if err != nil {
		return err
	}
	env, err := transport.NewEnvelope(c.node.ID(), event, payload)
	if err != nil {
		return err
	}
	b, err := env.Encode()
	if err != nil {
		return err
	}
	return t.Publish(ctx, b)
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	sub, cancel, topic := c.sub, c.cancel, c.topic
	c.sub, c.cancel, c.topic = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Cancel()
	}
	if topic != nil {
		c.node.leave(c.Name())
	}
	c.SetState(transport.StateClosed)
	return nil
}
