// Package valkey runs the transport over Valkey (or Redis) PUBLISH/SUBSCRIBE.
// Channel names are key-prefixed so several deployments can share a server;
// valkey-go reconnects and resubscribes on its own.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/petervdpas/goop2-rtc/internal/transport"
)

var log = logging.Logger("valkey")

const (
	// DefaultConnectTimeout is the maximum time to wait for initial connection
	DefaultConnectTimeout = 5 * time.Second
)

// Config holds the configuration for creating a Valkey client
type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ClientID       string        // identity on the wire; random when empty
	ConnectTimeout time.Duration // Optional, defaults to DefaultConnectTimeout
}

// Client wraps the valkey-go client and implements transport.Client.
// The caller is responsible for calling Close() when done.
type Client struct {
	inner     valkeylib.Client
	keyPrefix string
	id        string

	mu       sync.Mutex
	closed   bool
	channels map[*channel]struct{}
}

// NewClient creates a new Valkey client instance.
// Returns an error if the connection cannot be established within the timeout.
func NewClient(cfg Config) (*Client, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	// Test connection with ping (with timeout to avoid hanging)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey (timeout: %v): %w", timeout, err)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	id := cfg.ClientID
	if id == "" {
		id = uuid.NewString()
	}

	log.Infof("connected to %s (prefix %q)", cfg.Address, prefix)
	return &Client{
		inner:     inner,
		keyPrefix: prefix,
		id:        id,
		channels:  make(map[*channel]struct{}),
	}, nil
}

func (c *Client) ID() string { return c.id }

// Key constructs a prefixed key from the given parts.
// Example: Key("rt", "calls:bob") -> "goop2:rt:calls:bob"
func (c *Client) Key(parts ...string) string {
	return c.keyPrefix + strings.Join(parts, ":")
}

// Channel returns an idle channel mapped to the prefixed pub/sub channel.
func (c *Client) Channel(name string) transport.Channel {
	ch := &channel{Base: transport.NewBase(name), client: c, key: c.Key("rt", name)}
	c.mu.Lock()
	c.channels[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

func (c *Client) forget(ch *channel) {
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
}

// Ping tests the connection to Valkey with a context for timeout control.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Do(ctx, c.inner.B().Ping().Build()).Error()
}

// Close unsubscribes every channel and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	chans := make([]*channel, 0, len(c.channels))
	for ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Unsubscribe()
	}
	c.inner.Close()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
