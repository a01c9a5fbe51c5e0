package signal

import (
	"context"
	"encoding/json"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/jmulder/palaver/internal/proto"
)

// PresenceTopic carries membership heartbeats for one channel. It is the raw
// transport only: publishing our own state and handing inbound messages to
// whoever subscribed. Membership synthesis (who is here, who went stale)
// lives in the presence package.
type PresenceTopic struct {
	channel string
	selfID  string
	node    *Node

	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[chan proto.PresenceMsg]struct{}
	closed    bool
}

// JoinPresence joins the presence topic for a channel and starts delivering
// inbound messages. Peer addresses carried by online/update messages are fed
// to the peerstore as a side effect so later dials succeed.
func (n *Node) JoinPresence(channel string) (*PresenceTopic, error) {
	topic, sub, err := n.join(proto.PresenceTopic(channel))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PresenceTopic{
		channel:   channel,
		selfID:    n.ID(),
		node:      n,
		topic:     topic,
		sub:       sub,
		cancel:    cancel,
		listeners: make(map[chan proto.PresenceMsg]struct{}),
	}
	go p.readLoop(ctx)
	return p, nil
}

// Publish sends a presence message of the given type. For online/update the
// caller's state and our WAN addresses ride along; offline goes out bare.
func (p *PresenceTopic) Publish(typ string, state proto.PresenceState) error {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: p.selfID,
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.State = state
		msg.Addrs = p.node.WANAddrs()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancelPub := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancelPub()
	return p.topic.Publish(ctx, data)
}

// Subscribe registers a listener for inbound presence messages.
func (p *PresenceTopic) Subscribe() (chan proto.PresenceMsg, func()) {
	ch := make(chan proto.PresenceMsg, 64)
	p.mu.Lock()
	p.listeners[ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.listeners[ch]; ok {
			delete(p.listeners, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Close publishes a best-effort offline message, then leaves the topic.
func (p *PresenceTopic) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for ch := range p.listeners {
		delete(p.listeners, ch)
		close(ch)
	}
	p.mu.Unlock()

	msg := proto.PresenceMsg{Type: proto.TypeOffline, PeerID: p.selfID, TS: proto.NowMillis()}
	if data, err := json.Marshal(msg); err == nil {
		ctx, cancelPub := context.WithTimeout(context.Background(), defaultPublishTimeout)
		_ = p.topic.Publish(ctx, data)
		cancelPub()
	}

	p.cancel()
	p.sub.Cancel()
	_ = p.topic.Close()
}

func (p *PresenceTopic) readLoop(ctx context.Context) {
	for {
		m, err := p.sub.Next(ctx)
		if err != nil {
			return
		}

		var msg proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			continue
		}
		if msg.PeerID == "" || msg.Type == "" {
			continue
		}
		if msg.PeerID == p.selfID {
			continue
		}

		if msg.Type == proto.TypeOnline || msg.Type == proto.TypeUpdate {
			p.node.AddPeerAddrs(msg.PeerID, msg.Addrs)
		}

		p.mu.Lock()
		for ch := range p.listeners {
			select {
			case ch <- msg:
			default:
			}
		}
		p.mu.Unlock()
	}
}
