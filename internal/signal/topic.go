package signal

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/jmulder/palaver/internal/proto"
)

const defaultPublishTimeout = 5 * time.Second

// Topic is a signaling channel: envelopes published by any member are
// delivered to every other member. Directed envelopes (To set) are dropped
// by everyone but the addressee, so a busy room does not wake every peer
// for each ICE candidate.
type Topic struct {
	name   string
	selfID string
	node   *Node

	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[chan *proto.SignalEnvelope]struct{}
	closed    bool
}

// OpenTopic joins the signal topic for a channel. The returned Topic is
// shared: opening the same channel twice hands back the existing handle.
func (n *Node) OpenTopic(channel string) (*Topic, error) {
	name := proto.SignalTopic(channel)

	n.mu.Lock()
	if t, ok := n.topics[name]; ok {
		n.mu.Unlock()
		return t, nil
	}
	n.mu.Unlock()

	topic, sub, err := n.join(name)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Topic{
		name:      name,
		selfID:    n.ID(),
		node:      n,
		topic:     topic,
		sub:       sub,
		cancel:    cancel,
		listeners: make(map[chan *proto.SignalEnvelope]struct{}),
	}

	n.mu.Lock()
	if existing, ok := n.topics[name]; ok {
		// Lost the race to another opener; keep theirs.
		n.mu.Unlock()
		cancel()
		sub.Cancel()
		_ = topic.Close()
		return existing, nil
	}
	n.topics[name] = t
	n.mu.Unlock()

	go t.readLoop(ctx)
	return t, nil
}

// Name returns the full topic name on the wire.
func (t *Topic) Name() string { return t.name }

// Send publishes an envelope to the topic. From, MsgID, and TS are filled
// in; the caller only sets Type, To, Purpose, and Payload.
func (t *Topic) Send(env *proto.SignalEnvelope) error {
	env.From = t.selfID
	if env.MsgID == "" {
		env.MsgID = uuid.NewString()
	}
	if env.TS == 0 {
		env.TS = proto.NowMillis()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancelPub := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancelPub()
	return t.topic.Publish(ctx, data)
}

// Subscribe registers a listener for envelopes on this topic.
// The returned cancel func must be called to release the channel.
func (t *Topic) Subscribe() (chan *proto.SignalEnvelope, func()) {
	ch := make(chan *proto.SignalEnvelope, 64)
	t.mu.Lock()
	t.listeners[ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// Close leaves the topic and drops all listeners.
func (t *Topic) Close() {
	t.close(true)
}

func (t *Topic) close(forget bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for ch := range t.listeners {
		delete(t.listeners, ch)
		close(ch)
	}
	t.mu.Unlock()

	t.cancel()
	t.sub.Cancel()
	_ = t.topic.Close()
	if forget {
		t.node.forget(t.name)
	}
}

func (t *Topic) readLoop(ctx context.Context) {
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			return // subscription cancelled
		}
		if msg.ReceivedFrom == t.node.Host.ID() {
			continue
		}

		var env proto.SignalEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("SIGNAL [%s]: dropping malformed envelope: %v", t.name, err)
			continue
		}
		if env.From == t.selfID {
			continue // our own message relayed back through the mesh
		}
		if env.To != "" && env.To != t.selfID {
			continue
		}
		t.dispatch(&env)
	}
}

func (t *Topic) dispatch(env *proto.SignalEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.listeners {
		select {
		case ch <- env:
		default:
			// Listener is not keeping up; drop rather than stall the mesh.
		}
	}
}
