package call

import (
	"errors"

	"github.com/jmulder/palaver/internal/proto"
	"github.com/jmulder/palaver/internal/store"
)

// Signaler is the slice of the signaling layer the call manager needs. The
// concrete *signal.Node satisfies it through a thin adapter in app wiring,
// the only place that imports both packages; tests use an in-memory fabric.
type Signaler interface {
	Self() string
	OpenTopic(channel string) (Topic, error)
	JoinPresence(channel string) (PresenceTopic, error)
}

// Topic mirrors signal.Topic: one broadcast signaling channel.
type Topic interface {
	Send(env *proto.SignalEnvelope) error
	Subscribe() (ch chan *proto.SignalEnvelope, cancel func())
	Close()
}

// PresenceTopic mirrors signal.PresenceTopic.
type PresenceTopic interface {
	Publish(typ string, state proto.PresenceState) error
	Subscribe() (ch chan proto.PresenceMsg, cancel func())
	Close()
}

var (
	ErrUnknownCall = errors.New("unknown call")
	ErrNoSession   = errors.New("no live session")
	ErrSelfDial    = errors.New("cannot call yourself")
)

// Event kinds surfaced to the bridge.
const (
	EventIncoming  = "incoming"   // a remote peer is ringing us
	EventCall      = "call"       // a call record changed
	EventSpeaking  = "speaking"   // voice activity flipped or refreshed
	EventPresence  = "presence"   // a participant joined, changed or left
	EventLinkError = "link-error" // a link died for good
	EventError     = "error"      // user-facing failure (mic, capture, dial)
)

// Event is one item on the manager's upward feed.
type Event struct {
	Kind     string       `json:"kind"`
	CallID   string       `json:"call_id,omitempty"`
	Channel  string       `json:"channel,omitempty"`
	Peer     string       `json:"peer,omitempty"`
	Display  string       `json:"display,omitempty"`
	Avatar   string       `json:"avatar,omitempty"`
	Status   store.Status `json:"status,omitempty"`
	Speaking bool         `json:"speaking,omitempty"`
	Level    float64      `json:"level,omitempty"`
	Message  string       `json:"message,omitempty"`
}
