package app

import (
	"github.com/jmulder/palaver/internal/call"
	"github.com/jmulder/palaver/internal/signal"
)

// nodeSignaler adapts *signal.Node to the call manager's Signaler seam.
// This is the only place that imports both packages.
type nodeSignaler struct {
	node *signal.Node
}

func (s nodeSignaler) Self() string { return s.node.ID() }

func (s nodeSignaler) OpenTopic(channel string) (call.Topic, error) {
	t, err := s.node.OpenTopic(channel)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s nodeSignaler) JoinPresence(channel string) (call.PresenceTopic, error) {
	p, err := s.node.JoinPresence(channel)
	if err != nil {
		return nil, err
	}
	return p, nil
}
