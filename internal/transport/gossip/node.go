// Package gossip runs the transport over libp2p GossipSub. Every channel name
// maps to one pubsub topic; peers find each other on the LAN via mDNS and
// over the WAN through configured bootstrap multiaddrs. libp2p redials and
// re-grafts the mesh on its own.
package gossip

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goop2-rtc/internal/transport"
	"github.com/petervdpas/goop2-rtc/internal/util"
)

var log = logging.Logger("gossip")

func init() {
	// Silence noisy libp2p subsystems. Dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// TopicPrefix namespaces channel names on the shared pubsub router.
const TopicPrefix = "goop2-rtc/"

// Options configures a Node.
type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	Bootstrap  []string // full multiaddrs including /p2p/<id>
}

// Node is a libp2p host joined to a GossipSub router. It implements
// transport.Client.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	mu     sync.Mutex
	topics map[string]*topicRef
	closed bool
}

type topicRef struct {
	topic *pubsub.Topic
	refs  int
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// ParseBootstrap turns multiaddr strings into dialable peer infos.
func ParseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", s, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", s, err)
		}
		out = append(out, *pi)
	}
	return out, nil
}

// New starts the libp2p host, mDNS discovery and the GossipSub router.
func New(ctx context.Context, opts Options) (*Node, error) {
	bootstrap, err := ParseBootstrap(opts.Bootstrap)
	if err != nil {
		return nil, err
	}

	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	var md mdns.Service
	if opts.MdnsTag != "" {
		md = mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		if md != nil {
			_ = md.Close()
		}
		_ = h.Close()
		return nil, err
	}

	for _, pi := range bootstrap {
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		if err := h.Connect(dialCtx, pi); err != nil {
			log.Warnf("bootstrap %s unreachable: %v", pi.ID, err)
		} else {
			log.Infof("bootstrap %s connected", pi.ID)
		}
		cancel()
	}

	log.Infof("node %s listening on %v", h.ID(), h.Addrs())
	return &Node{
		Host:   h,
		ps:     ps,
		mdns:   md,
		topics: make(map[string]*topicRef),
	}, nil
}

// ID returns the libp2p peer id of this node.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Channel returns an idle channel bound to the topic for name.
func (n *Node) Channel(name string) transport.Channel {
	return newChannel(n, name)
}

// join returns the shared topic handle for name, joining it on first use.
// pubsub refuses to join the same topic twice, so handles are refcounted.
func (n *Node) join(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, transport.ErrClosed
	}
	if ref, ok := n.topics[name]; ok {
		ref.refs++
		return ref.topic, nil
	}
	t, err := n.ps.Join(TopicPrefix + name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	n.topics[name] = &topicRef{topic: t, refs: 1}
	return t, nil
}

func (n *Node) leave(name string) {
	n.mu.Lock()
	ref, ok := n.topics[name]
	if !ok {
		n.mu.Unlock()
		return
	}
	ref.refs--
	if ref.refs > 0 {
		n.mu.Unlock()
		return
	}
	delete(n.topics, name)
	n.mu.Unlock()

	if err := ref.topic.Close(); err != nil {
		log.Debugf("close topic %s: %v", name, err)
	}
}

// Close shuts down discovery and the host.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
