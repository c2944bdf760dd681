package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/petervdpas/goop2-rtc/internal/call"
	"github.com/petervdpas/goop2-rtc/internal/changefeed"
	"github.com/petervdpas/goop2-rtc/internal/channel"
	"github.com/petervdpas/goop2-rtc/internal/config"
	rtsignal "github.com/petervdpas/goop2-rtc/internal/signal"
	"github.com/petervdpas/goop2-rtc/internal/storage"
	"github.com/petervdpas/goop2-rtc/internal/transport"
	"github.com/petervdpas/goop2-rtc/internal/transport/gossip"
	"github.com/petervdpas/goop2-rtc/internal/transport/memory"
	"github.com/petervdpas/goop2-rtc/internal/transport/valkey"
	"github.com/petervdpas/goop2-rtc/internal/typing"
	"github.com/petervdpas/goop2-rtc/internal/util"
)

// ErrNotInitialized is returned by operations that need Init first.
var ErrNotInitialized = errors.New("runtime not initialized")

// Options describes one peer.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	// Hub backs the memory transport. Peers sharing a hub see each other;
	// nil gives the peer a private hub.
	Hub   *memory.Hub
	Clock clock.Clock
}

// Runtime owns every component of one signed-in peer. New builds nothing;
// Init wires the stack; Shutdown tears it down in reverse order.
type Runtime struct {
	opt  Options
	self string

	Client   transport.Client
	Channels *channel.Manager
	Sender   *rtsignal.Sender
	Listener *rtsignal.Listener
	Calls    *call.Manager
	Feed     *changefeed.Publisher
	DB       *storage.DB
	Typing   *typing.Manager

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New creates an unstarted runtime.
func New(opt Options) *Runtime {
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	return &Runtime{opt: opt}
}

// Self is the local user id.
func (r *Runtime) Self() string { return r.self }

// Init connects the transport and starts signaling and presence for the
// configured user. It is not safe to call twice.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already initialized")
	}
	r.started = true
	r.mu.Unlock()

	cfg := r.opt.Cfg
	self, err := util.ValidateUserID(cfg.Identity.UserID)
	if err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	r.self = self

	client, err := r.newClient(ctx)
	if err != nil {
		return err
	}
	r.Client = client
	log.Infof("transport %s up as %s", cfg.Transport.Kind, client.ID())

	r.Channels = channel.New(client, channel.Config{
		Clock:        r.opt.Clock,
		CleanupDelay: cfg.Channels.CleanupDelay(),
	})

	backoff := cfg.Signal.Backoff()
	if backoff == 0 {
		backoff = -1
	}
	r.Sender = rtsignal.NewSender(r.Channels, r.opt.Clock, rtsignal.Options{
		Attempts:         cfg.Signal.Attempts,
		SubscribeTimeout: cfg.Signal.SubscribeTimeout(),
		Backoff:          backoff,
		ChannelPrefix:    cfg.Signal.ChannelPrefix,
		CleanupDelay:     cfg.Channels.CleanupDelay(),
	})

	r.Calls = call.New(r.Sender, r.Channels, call.Config{
		SelfID:        self,
		SelfName:      cfg.Identity.DisplayName,
		Clock:         r.opt.Clock,
		ChannelPrefix: cfg.Signal.ChannelPrefix,
		RingTimeout:   cfg.Signal.RingTimeout(),
		KeepAlive:     cfg.Channels.CleanupDelay(),
		HistorySize:   cfg.Signal.HistorySize,
	})
	r.Listener = rtsignal.Listen(ctx, r.Channels, cfg.Signal.ChannelPrefix, self, r.Calls.HandleSignal)

	r.Feed = changefeed.NewPublisher(client)
	db, err := storage.Open(ctx, util.ResolvePath(r.opt.PeerDir, cfg.Storage.Dir), storage.Options{
		Notifier:   r.Feed,
		Clock:      r.opt.Clock,
		StaleAfter: cfg.Storage.StaleAfter(),
		Table:      cfg.Typing.Table,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	r.DB = db

	r.Typing = typing.New(r.Channels, db, typing.Config{
		Clock:    r.opt.Clock,
		Table:    cfg.Typing.Table,
		Expiry:   cfg.Typing.Expiry(),
		AutoStop: cfg.Typing.AutoStop(),
		Idle:     cfg.Typing.Idle(),
	})
	if err := r.Typing.Initialize(ctx, self); err != nil {
		return fmt.Errorf("typing: %w", err)
	}
	return nil
}

func (r *Runtime) newClient(ctx context.Context) (transport.Client, error) {
	cfg := r.opt.Cfg
	switch cfg.Transport.Kind {
	case config.TransportMemory:
		hub := r.opt.Hub
		if hub == nil {
			hub = memory.NewHub()
		}
		return hub.Client(r.self), nil
	case config.TransportGossip:
		node, err := gossip.New(ctx, gossip.Options{
			ListenPort: cfg.Transport.ListenPort,
			KeyFile:    util.ResolvePath(r.opt.PeerDir, cfg.Identity.KeyFile),
			MdnsTag:    cfg.Transport.MdnsTag,
			Bootstrap:  cfg.Transport.Bootstrap,
		})
		if err != nil {
			return nil, fmt.Errorf("start gossip node: %w", err)
		}
		return node, nil
	case config.TransportValkey:
		vk, err := valkey.NewClient(valkey.Config{
			Address:   cfg.Transport.Valkey.Address,
			Password:  cfg.Transport.Valkey.Password,
			DB:        cfg.Transport.Valkey.DB,
			KeyPrefix: cfg.Transport.Valkey.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect valkey: %w", err)
		}
		return vk, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// Logout ends every call, stops presence and releases every call channel.
// The transport stays connected until Shutdown.
func (r *Runtime) Logout(ctx context.Context) error {
	if r.Calls == nil {
		return ErrNotInitialized
	}
	r.Calls.Logout(ctx)
	r.Typing.Cleanup()
	log.Infof("%s logged out", r.self)
	return nil
}

// Shutdown releases everything Init acquired. Safe on a partially
// initialized runtime and idempotent.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()

	if r.Typing != nil {
		r.Typing.Cleanup()
	}
	if r.Calls != nil {
		r.Calls.Close(ctx)
	}
	if r.Listener != nil {
		r.Listener.Close()
	}
	if r.Channels != nil {
		if n := r.Channels.ReleaseAll(); n > 0 {
			log.Infof("released %d channels", n)
		}
	}

	var err error
	if r.Feed != nil {
		err = multierr.Append(err, r.Feed.Close())
	}
	if r.DB != nil {
		err = multierr.Append(err, r.DB.Close())
	}
	if r.Client != nil {
		err = multierr.Append(err, r.Client.Close())
	}
	if err != nil {
		log.Warnf("shutdown: %v", err)
	}
	return err
}
