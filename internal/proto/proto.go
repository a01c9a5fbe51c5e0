// Package proto defines the wire messages exchanged over the pub/sub
// signaling and presence topics, plus the topic naming scheme. Everything
// here is plain JSON — both ends of a topic are palaver peers.
package proto

import (
	"encoding/json"
	"time"
)

const (
	// MdnsTag is the LAN discovery service tag.
	MdnsTag = "palaver-mdns"

	// TopicPrefix namespaces all pub/sub topics for this protocol version.
	TopicPrefix = "palaver.v1."
)

// SignalTopic returns the broadcast topic carrying SDP and ICE traffic for a
// call or room channel.
func SignalTopic(channel string) string { return TopicPrefix + "signal." + channel }

// PresenceTopic returns the presence topic for a call or room channel.
func PresenceTopic(channel string) string { return TopicPrefix + "presence." + channel }

// Signal envelope types.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeCandidate    = "ice-candidate"
	TypeCallRequest  = "call-request"
	TypeCallStatus   = "call-status"
	TypeShareRequest = "share-request"
	TypeHangup       = "hangup"
)

// SignalEnvelope is one transient signaling message on a broadcast topic.
// Delivery is at-most-once with no ordering guarantee across topics; a peer
// that subscribes after publication never sees the message. To == "" means
// the envelope addresses every subscriber.
type SignalEnvelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Purpose string          `json:"purpose,omitempty"` // voice|screen, set on offer/answer/ice
	MsgID   string          `json:"msg_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

// SDPPayload carries a session description inside an offer/answer envelope.
type SDPPayload struct {
	SDP     string `json:"sdp"`
	Restart bool   `json:"restart,omitempty"`
}

// CandidatePayload carries one ICE candidate.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallRequestPayload rings a remote peer.
type CallRequestPayload struct {
	CallID  string `json:"call_id"`
	Channel string `json:"channel"`
	Display string `json:"display,omitempty"`
}

// CallStatusPayload propagates a call record status change between the two
// sides of a 1:1 call so both local stores converge.
type CallStatusPayload struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// Presence message types.
const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// User availability values carried in PresenceMsg.Status.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// PresenceState is the attribute set a participant publishes about itself.
type PresenceState struct {
	Display    string  `json:"display,omitempty"`
	AvatarHash string  `json:"avatar_hash,omitempty"`
	Status     string  `json:"status,omitempty"` // online|away|offline
	Speaking   bool    `json:"speaking,omitempty"`
	Level      float64 `json:"level,omitempty"` // normalized 0..1
	Muted      bool    `json:"muted,omitempty"`
	Sharing    bool    `json:"sharing,omitempty"`
}

// PresenceMsg is one heartbeat/update on a presence topic.
type PresenceMsg struct {
	Type   string        `json:"type"` // online|update|offline
	PeerID string        `json:"peer_id"`
	State  PresenceState `json:"state"`
	Addrs  []string      `json:"addrs,omitempty"` // multiaddresses for WAN connectivity
	TS     int64         `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// MarshalPayload is a convenience for building envelope payloads.
func MarshalPayload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
