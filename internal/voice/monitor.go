package voice

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	opus "gopkg.in/hraban/opus.v2"
)

// Large enough for a 120ms mono packet, the longest Opus allows.
const maxOpusSamples = 5760

// Monitor decodes a remote Opus track and drives a Detector with the
// resulting PCM, scaled by the listener's volume for that participant.
// When no packet arrives for the hold duration the speaking flag is
// force-cleared, covering DTX senders and tail packets lost on the way.
type Monitor struct {
	peerID string
	det    *Detector
	volume func() float64
	hold   time.Duration
	dec    *opus.Decoder

	pending []float32
	frame   []float32

	mu      sync.Mutex
	stopped bool
}

// NewMonitor wraps det with an Opus decode loop. volume is read per packet
// and may be nil for unity.
func NewMonitor(peerID string, det *Detector, volume func() float64, hold time.Duration) (*Monitor, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, err
	}
	if volume == nil {
		volume = func() float64 { return 1 }
	}
	if hold <= 0 {
		hold = 2 * time.Second
	}
	return &Monitor{
		peerID: peerID,
		det:    det,
		volume: volume,
		hold:   hold,
		dec:    dec,
		frame:  make([]float32, FrameSize),
	}, nil
}

// Run consumes the track until it ends or Stop is called. Blocking; run it
// on its own goroutine.
func (m *Monitor) Run(track *webrtc.TrackRemote) {
	defer m.det.Stop()
	log.Printf("VOICE [%s]: monitoring remote audio (%s)", m.peerID, track.Codec().MimeType)

	pcm := make([]int16, maxOpusSamples)
	for {
		if m.isStopped() {
			return
		}
		_ = track.SetReadDeadline(time.Now().Add(m.hold))
		pkt, _, err := track.ReadRTP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				m.det.Silent()
				continue
			}
			log.Printf("VOICE [%s]: remote audio ended: %v", m.peerID, err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := m.dec.Decode(pkt.Payload, pcm)
		if err != nil {
			continue
		}
		m.feedPCM(pcm[:n])
	}
}

// feedPCM scales decoded samples and re-frames them for the detector.
// Only ever called from the Run goroutine.
func (m *Monitor) feedPCM(pcm []int16) {
	vol := m.volume()
	if vol < 0 {
		vol = 0
	}
	for _, s := range pcm {
		m.pending = append(m.pending, float32(float64(s)/32768*vol))
	}
	for len(m.pending) >= FrameSize {
		copy(m.frame, m.pending[:FrameSize])
		n := copy(m.pending, m.pending[FrameSize:])
		m.pending = m.pending[:n]
		m.det.Feed(m.frame)
	}
}

func (m *Monitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Stop halts the loop at the next deadline pulse and clears the speaking
// state. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.det.Stop()
}
