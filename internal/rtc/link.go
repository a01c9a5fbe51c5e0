package rtc

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/jmulder/palaver/internal/proto"
)

// Purpose distinguishes the media a link carries. Voice and screen use
// separate PeerConnections so a share can start and stop without
// renegotiating the call audio.
type Purpose string

const (
	PurposeVoice  Purpose = "voice"
	PurposeScreen Purpose = "screen"
)

// Role records which side of the link created the offer.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Key identifies a link: at most one per (remote, purpose).
type Key struct {
	Remote  string
	Purpose Purpose
}

func (k Key) String() string { return string(k.Purpose) + "/" + shortID(k.Remote) }

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// Sender publishes signaling envelopes; the signal.Topic satisfies it.
type Sender interface {
	Send(env *proto.SignalEnvelope) error
}

// Info is the snapshot shape served upward.
type Info struct {
	Remote  string  `json:"remote"`
	Purpose Purpose `json:"purpose"`
	Role    Role    `json:"role"`
	State   string  `json:"state"`
}

// Link is one negotiated PeerConnection to a remote peer.
type Link struct {
	key    Key
	role   Role
	pc     *webrtc.PeerConnection
	sender Sender
	policy *restartPolicy
	buf    candidateBuffer

	// onGone is called exactly once when the link dies. err is nil for
	// deliberate closes and non-nil when the restart policy gave up.
	onGone func(l *Link, err error)

	mu      sync.Mutex
	closed  bool
	recheck *time.Timer
}

func newLink(key Key, role Role, pc *webrtc.PeerConnection, sender Sender, policy *restartPolicy, onGone func(*Link, error)) *Link {
	l := &Link{
		key:    key,
		role:   role,
		pc:     pc,
		sender: sender,
		policy: policy,
		onGone: onGone,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		payload := proto.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}
		env := &proto.SignalEnvelope{
			Type:    proto.TypeCandidate,
			To:      key.Remote,
			Purpose: string(key.Purpose),
			Payload: proto.MarshalPayload(payload),
		}
		if err := sender.Send(env); err != nil {
			log.Printf("RTC [%s]: candidate send failed: %v", l.key, err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("RTC [%s]: connection state %s", l.key, state)
		l.act(l.policy.Observe(state))
	})

	return l
}

// Remote returns the far peer's ID.
func (l *Link) Remote() string { return l.key.Remote }

// Purpose returns what media this link carries.
func (l *Link) Purpose() Purpose { return l.key.Purpose }

// Role returns which side offered.
func (l *Link) Role() Role { return l.role }

// Info snapshots the link for the status surface.
func (l *Link) Info() Info {
	return Info{
		Remote:  l.key.Remote,
		Purpose: l.key.Purpose,
		Role:    l.role,
		State:   l.pc.ConnectionState().String(),
	}
}

// AddTrack attaches a local track and drains its RTCP stream so the
// interceptors (NACK, reports) keep running.
func (l *Link) AddTrack(track webrtc.TrackLocal) error {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// ReplaceTrack swaps the outbound track of the same kind without
// renegotiating, for microphone or pipeline rebuilds mid-call. Returns
// false when no sender of that kind exists yet.
func (l *Link) ReplaceTrack(track webrtc.TrackLocal) (bool, error) {
	for _, sender := range l.pc.GetSenders() {
		cur := sender.Track()
		if cur == nil || cur.Kind() != track.Kind() {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// WriteRTCP sends RTCP packets upstream (PLI, receiver reports).
func (l *Link) WriteRTCP(pkts []rtcp.Packet) error {
	return l.pc.WriteRTCP(pkts)
}

// RequestKeyframe asks the remote encoder for a refresh of the given SSRC.
func (l *Link) RequestKeyframe(ssrc uint32) error {
	return l.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

// addRecvOnly adds a recvonly transceiver for the purpose's media kind so
// the offer always produces a valid m-line even with no local track.
func (l *Link) addRecvOnly() {
	kind := webrtc.RTPCodecTypeAudio
	if l.key.Purpose == PurposeScreen {
		kind = webrtc.RTPCodecTypeVideo
	}
	if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("RTC [%s]: AddTransceiver(%s) error: %v", l.key, kind, err)
	}
}

// offer creates and sends the local offer. restart re-gathers ICE after a
// transport failure; the stale candidate buffer is reset first since the
// old remote description no longer applies.
func (l *Link) offer(restart bool) error {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
		l.buf.Reset()
	}

	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	env := &proto.SignalEnvelope{
		Type:    proto.TypeOffer,
		To:      l.key.Remote,
		Purpose: string(l.key.Purpose),
		Payload: proto.MarshalPayload(proto.SDPPayload{SDP: offer.SDP, Restart: restart}),
	}
	if err := l.sender.Send(env); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	log.Printf("RTC [%s]: offer sent (restart=%v)", l.key, restart)
	return nil
}

// handleOffer applies a remote offer and replies with an answer. The
// signaling state is re-checked on arrival: with our own offer outstanding
// the tie-break elected us, so the colliding offer is dropped.
func (l *Link) handleOffer(p proto.SDPPayload) error {
	if l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		log.Printf("RTC [%s]: dropping colliding offer (own offer outstanding)", l.key)
		return nil
	}
	if p.Restart {
		l.buf.Reset()
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.drainCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	env := &proto.SignalEnvelope{
		Type:    proto.TypeAnswer,
		To:      l.key.Remote,
		Purpose: string(l.key.Purpose),
		Payload: proto.MarshalPayload(proto.SDPPayload{SDP: answer.SDP}),
	}
	if err := l.sender.Send(env); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	log.Printf("RTC [%s]: answered offer", l.key)
	return nil
}

// handleAnswer applies a remote answer. Anything arriving outside
// have-local-offer is stale or duplicated and is dropped.
func (l *Link) handleAnswer(p proto.SDPPayload) error {
	if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("RTC [%s]: dropping answer in state %s", l.key, l.pc.SignalingState())
		return nil
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.drainCandidates()
	return nil
}

// handleCandidate buffers or applies a trickled ICE candidate.
func (l *Link) handleCandidate(p proto.CandidatePayload) error {
	init := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
	return l.buf.Add(init, l.pc.AddICECandidate)
}

func (l *Link) drainCandidates() {
	for _, err := range l.buf.Ready(l.pc.AddICECandidate) {
		log.Printf("RTC [%s]: buffered candidate rejected: %v", l.key, err)
	}
}

// act executes a restart-policy decision and schedules its recheck.
func (l *Link) act(action Action, recheckIn time.Duration) {
	switch action {
	case ActionRestart:
		if l.role == RoleOfferer {
			log.Printf("RTC [%s]: attempting ICE restart", l.key)
			if err := l.offer(true); err != nil {
				log.Printf("RTC [%s]: ICE restart offer failed: %v", l.key, err)
			}
		} else {
			// The offerer owns the restart; we only arm the give-up window.
			log.Printf("RTC [%s]: waiting for remote ICE restart", l.key)
		}
	case ActionClose:
		log.Printf("RTC [%s]: giving up after failed restart", l.key)
		l.close(ErrLinkFailed)
		return
	}

	if recheckIn > 0 {
		l.scheduleRecheck(recheckIn)
	}
}

func (l *Link) scheduleRecheck(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.recheck != nil {
		l.recheck.Stop()
	}
	l.recheck = time.AfterFunc(d, func() {
		l.act(l.policy.Recheck(l.pc.ConnectionState()))
	})
}

// close tears the link down. Idempotent; err non-nil marks a failure close.
func (l *Link) close(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.recheck != nil {
		l.recheck.Stop()
		l.recheck = nil
	}
	l.mu.Unlock()

	_ = l.pc.Close()
	if l.onGone != nil {
		l.onGone(l, err)
	}
}
