// Package changefeed carries row-level change notifications over a
// transport channel. Writers publish a Change after committing; readers
// subscribe per table and get each change decoded once into a closed Kind.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

var log = logging.Logger("changefeed")

// ErrUnknownKind is returned for change kinds outside INSERT/UPDATE/DELETE.
var ErrUnknownKind = errors.New("changefeed: unknown kind")

// ChannelPrefix prefixes the per-table feed channel.
const ChannelPrefix = "db-changes:"

// Event is the transport event name every change is broadcast under.
const Event = "change"

// Kind is what happened to a row.
type Kind int

const (
	Insert Kind = iota + 1
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a wire name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "INSERT":
		return Insert, nil
	case "UPDATE":
		return Update, nil
	case "DELETE":
		return Delete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < Insert || k > Delete {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Change describes one committed row mutation. Old is set for UPDATE and
// DELETE, New for INSERT and UPDATE.
type Change struct {
	Table string          `json:"table"`
	Kind  Kind            `json:"type"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// Row returns the row the change is about: New if present, else Old.
func (c Change) Row() json.RawMessage {
	if len(c.New) > 0 {
		return c.New
	}
	return c.Old
}

// DecodeRow unmarshals Row into dst.
func (c Change) DecodeRow(dst any) error {
	row := c.Row()
	if len(row) == 0 {
		return fmt.Errorf("changefeed: %s on %s carries no row", c.Kind, c.Table)
	}
	return json.Unmarshal(row, dst)
}

// ChannelName is the feed channel of table.
func ChannelName(table string) string {
	return ChannelPrefix + table
}

// Handler receives decoded changes together with the sender's identity.
type Handler func(from string, c Change)

// Subscribe registers fn for changes to table arriving on ch. Changes for
// other tables and undecodable frames are dropped. The caller owns the
// channel's subscription.
func Subscribe(ch transport.Channel, table string, fn Handler) {
	ch.On(Event, func(msg transport.Message) {
		var c Change
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			log.Debugf("%s: drop change from %s: %v", ch.Name(), msg.From, err)
			return
		}
		if c.Table != table {
			return
		}
		fn(msg.From, c)
	})
}

// Publisher broadcasts changes on per-table feed channels of one client.
// Channels are opened lazily and kept until Close.
type Publisher struct {
	client transport.Client

	mu   sync.Mutex
	open map[string]transport.Channel
}

// NewPublisher creates a Publisher over client.
func NewPublisher(client transport.Client) *Publisher {
	return &Publisher{client: client, open: make(map[string]transport.Channel)}
}

// Publish broadcasts c on the feed channel of c.Table.
func (p *Publisher) Publish(ctx context.Context, c Change) error {
	if c.Table == "" {
		return errors.New("changefeed: change without table")
	}
	if _, err := c.Kind.MarshalText(); err != nil {
		return err
	}
	ch := p.channel(ctx, c.Table)
	if err := ch.Broadcast(ctx, Event, c); err != nil {
		return fmt.Errorf("changefeed: publish %s %s: %w", c.Table, c.Kind, err)
	}
	log.Debugf("published %s on %s", c.Kind, c.Table)
	return nil
}

func (p *Publisher) channel(ctx context.Context, table string) transport.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.open[table]; ok && ch.State() != transport.StateClosed {
		return ch
	}
	ch := p.client.Channel(ChannelName(table))
	ch.Subscribe(ctx)
	p.open[table] = ch
	return ch
}

// Close leaves every feed channel opened by Publish.
func (p *Publisher) Close() error {
	p.mu.Lock()
	open := p.open
	p.open = make(map[string]transport.Channel)
	p.mu.Unlock()

	var err error
	for _, ch := range open {
		err = multierr.Append(err, ch.Unsubscribe())
	}
	return err
}
