// Package signal owns the libp2p host and the GossipSub topics that carry
// call signaling and presence. Each call or room channel maps to two topics:
// a broadcast signal topic (SDP offers/answers, ICE candidates, call control)
// and a presence topic (membership attribute heartbeats). Delivery is
// at-most-once — anything needing reliability layers its own retry on top.
package signal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/jmulder/palaver/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "error")
}

// Options configures the libp2p node.
type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string

	// TTL for peer addresses learned from presence messages.
	PresenceTTL time.Duration
}

// Node is the libp2p host plus the GossipSub router all topics share.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	presenceTTL time.Duration

	mu     sync.Mutex
	topics map[string]*Topic
	closed bool
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
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
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
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

// New builds the host, starts mDNS discovery, and attaches a GossipSub router.
func New(ctx context.Context, opt Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opt.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("SIGNAL: generated new identity key: %s", opt.KeyFile)
	} else {
		log.Printf("SIGNAL: loaded identity key: %s", opt.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opt.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, opt.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	ttl := opt.PresenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}

	return &Node{
		Host:        h,
		ps:          ps,
		presenceTTL: ttl,
		topics:      make(map[string]*Topic),
	}, nil
}

// ID returns the local peer ID string. This is the identity every other
// component keys participants and tie-breaks on.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Close shuts down every open topic and the host.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	topics := make([]*Topic, 0, len(n.topics))
	for _, t := range n.topics {
		topics = append(topics, t)
	}
	n.topics = make(map[string]*Topic)
	n.mu.Unlock()

	for _, t := range topics {
		t.close(false)
	}
	return n.Host.Close()
}

// WANAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses, suitable for sharing with remote peers.
func (n *Node) WANAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// AddPeerAddrs parses multiaddr strings from a presence message and adds them
// to the peerstore so direct dials work across subnets.
func (n *Node) AddPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var maddrs []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		maddrs = append(maddrs, a)
	}
	if len(maddrs) > 0 {
		n.Host.Peerstore().AddAddrs(pid, maddrs, n.presenceTTL)
	}
}

// joinTopic joins the raw GossipSub topic once; repeated joins of the same
// name share the handle (libp2p rejects double joins).
func (n *Node) join(name string) (*pubsub.Topic, *pubsub.Subscription, error) {
	topic, err := n.ps.Join(name)
	if err != nil {
		return nil, nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, nil, fmt.Errorf("subscribe topic %s: %w", name, err)
	}
	return topic, sub, nil
}

func (n *Node) forget(name string) {
	n.mu.Lock()
	delete(n.topics, name)
	n.mu.Unlock()
}
