package screenshare

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/jmulder/palaver/internal/proto"
)

// StreamInfo summarizes one incoming share.
type StreamInfo struct {
	PeerID     string `json:"peer_id"`
	SSRC       uint32 `json:"ssrc"`
	Since      int64  `json:"since"`
	Packets    uint64 `json:"packets"`
	Bytes      uint64 `json:"bytes"`
	Frames     uint64 `json:"frames"`
	LastPacket int64  `json:"last_packet,omitempty"`
}

// remoteStream drains one remote screen track. The packets only need
// counting here; consumers pull the actual frames over the bridge from
// their own renderer. Draining keeps the receiver's jitter buffer and NACK
// machinery fed.
type remoteStream struct {
	peerID string
	track  *webrtc.TrackRemote
	pli    func(ssrc uint32)

	mu         sync.Mutex
	since      int64
	packets    uint64
	bytes      uint64
	frames     uint64
	lastPacket int64
	stopped    bool
}

// How long without a packet before another keyframe is requested.
const stallAfter = 3 * time.Second

func newRemoteStream(peerID string, track *webrtc.TrackRemote, pli func(uint32)) *remoteStream {
	return &remoteStream{
		peerID: peerID,
		track:  track,
		pli:    pli,
		since:  proto.NowMillis(),
	}
}

func (s *remoteStream) run() {
	ssrc := uint32(s.track.SSRC())
	s.pli(ssrc)

	lastPLI := time.Now()
	for {
		if s.isStopped() {
			return
		}
		_ = s.track.SetReadDeadline(time.Now().Add(time.Second))
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Stalled broadcast, nudge the encoder again.
				if time.Since(lastPLI) >= stallAfter {
					s.pli(ssrc)
					lastPLI = time.Now()
				}
				continue
			}
			log.Printf("SHARE: stream from %s ended: %v", s.peerID, err)
			return
		}
		s.observe(pkt)
	}
}

// observe folds one packet into the counters. The marker bit closes a video
// frame, so frames counts completed frames and a UI can derive the rate.
func (s *remoteStream) observe(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	s.bytes += uint64(pkt.MarshalSize())
	if pkt.Marker {
		s.frames++
	}
	s.lastPacket = proto.NowMillis()
}

func (s *remoteStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *remoteStream) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *remoteStream) info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamInfo{
		PeerID:     s.peerID,
		SSRC:       uint32(s.track.SSRC()),
		Since:      s.since,
		Packets:    s.packets,
		Bytes:      s.bytes,
		Frames:     s.frames,
		LastPacket: s.lastPacket,
	}
}
