// Package screenshare fans a captured display out to every participant in
// the channel and tracks the shares coming back the other way. One
// broadcaster link per viewer, one viewer stream per remote sharer, all on
// screen-purpose peer connections so voice never renegotiates.
package screenshare

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/jmulder/palaver/internal/media"
	"github.com/jmulder/palaver/internal/proto"
	"github.com/jmulder/palaver/internal/rtc"
)

var (
	ErrAlreadySharing = errors.New("screenshare: already broadcasting")
	ErrNoVideoTrack   = errors.New("screenshare: capture produced no video track")
)

// captureDisplay is a seam over media.CaptureDisplay so tests can feed a
// synthetic track.
var captureDisplay = func(p media.Preset) (webrtc.TrackLocal, func(), error) {
	stream, err := media.CaptureDisplay(p)
	if err != nil {
		return nil, nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, nil, ErrNoVideoTrack
	}
	closeAll := func() {
		for _, t := range stream.GetTracks() {
			if err := t.Close(); err != nil {
				log.Printf("SHARE: closing capture track: %v", err)
			}
		}
	}
	return tracks[0], closeAll, nil
}

// Manager drives both share roles for one channel. The session forwards
// presence changes, share requests and remote screen tracks into it; it
// talks back through the link registry, the signal sender and the presence
// sharing attribute.
type Manager struct {
	selfID    string
	reg       *rtc.Registry
	sender    rtc.Sender
	peers     func() []string // current channel participants
	onSharing func(bool)      // flips the published presence attribute

	mu        sync.Mutex
	sharing   bool
	preset    media.Preset
	track     webrtc.TrackLocal
	closeCap  func()
	viewers   map[string]struct{}
	watching  map[string]*remoteStream
	requested map[string]struct{}
}

func NewManager(selfID string, reg *rtc.Registry, sender rtc.Sender, peers func() []string, onSharing func(bool)) *Manager {
	if peers == nil {
		peers = func() []string { return nil }
	}
	if onSharing == nil {
		onSharing = func(bool) {}
	}
	return &Manager{
		selfID:    selfID,
		reg:       reg,
		sender:    sender,
		peers:     peers,
		onSharing: onSharing,
		viewers:   make(map[string]struct{}),
		watching:  make(map[string]*remoteStream),
		requested: make(map[string]struct{}),
	}
}

// Start captures the display at the given quality and offers the track to
// everyone currently in the channel. Later joiners get their link when
// their share-request arrives.
func (m *Manager) Start(quality string) error {
	preset, err := media.ParsePreset(quality)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.sharing {
		m.mu.Unlock()
		return ErrAlreadySharing
	}
	m.mu.Unlock()

	track, closeCap, err := captureDisplay(preset)
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	m.mu.Lock()
	if m.sharing {
		// Raced with another Start; the first one won.
		m.mu.Unlock()
		closeCap()
		return ErrAlreadySharing
	}
	m.sharing = true
	m.preset = preset
	m.track = track
	m.closeCap = closeCap
	m.mu.Unlock()

	log.Printf("SHARE: broadcasting at %s (%dx%d @ %.0ffps)", preset.Name, preset.Width, preset.Height, preset.FPS)
	m.onSharing(true)

	for _, peer := range m.peers() {
		if peer == m.selfID {
			continue
		}
		m.offerView(peer)
	}
	return nil
}

// Stop ends the broadcast: every viewer link goes down, the capture closes,
// the presence attribute flips back. A link still carrying a stream we
// watch (mutual share) survives; only our outbound track dries up.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.sharing {
		m.mu.Unlock()
		return
	}
	m.sharing = false
	closeCap := m.closeCap
	m.track = nil
	m.closeCap = nil
	var viewers, closable []string
	for v := range m.viewers {
		viewers = append(viewers, v)
		if _, ok := m.watching[v]; !ok {
			closable = append(closable, v)
		}
	}
	m.viewers = make(map[string]struct{})
	m.mu.Unlock()

	for _, v := range closable {
		m.reg.Close(v, rtc.PurposeScreen)
	}
	if closeCap != nil {
		closeCap()
	}
	m.onSharing(false)
	log.Printf("SHARE: broadcast stopped (%d viewers dropped)", len(viewers))
}

// Sharing reports whether the local display is being broadcast.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharing
}

// Preset returns the active quality preset name, empty when not sharing.
func (m *Manager) Preset() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sharing {
		return ""
	}
	return m.preset.Name
}

// HandleShareRequest answers a viewer's request by offering it the capture
// track. Requests while not sharing are stale and dropped.
func (m *Manager) HandleShareRequest(from string) {
	m.mu.Lock()
	if !m.sharing || from == m.selfID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.offerView(from)
}

// offerView opens (or reuses) the broadcaster link toward one viewer. The
// broadcaster always offers; the viewer's request already elected us. On a
// link that already carries the peer's share to us this renegotiates
// instead of opening a second connection.
func (m *Manager) offerView(peer string) {
	m.mu.Lock()
	track := m.track
	if track == nil {
		m.mu.Unlock()
		return
	}
	alreadyViewer := false
	if _, ok := m.viewers[peer]; ok {
		alreadyViewer = true
	}
	m.viewers[peer] = struct{}{}
	m.mu.Unlock()
	if alreadyViewer {
		return
	}

	if err := m.reg.Renegotiate(peer, rtc.PurposeScreen, []webrtc.TrackLocal{track}); err != nil {
		log.Printf("SHARE: offer to %s failed: %v", peer, err)
		m.mu.Lock()
		delete(m.viewers, peer)
		m.mu.Unlock()
	}
}

// OnPresence reacts to a participant's sharing attribute: a new sharer
// gets one share-request from us, a stopped sharer loses its stream. The
// link is kept alive when we still broadcast to that peer over it.
func (m *Manager) OnPresence(peer string, sharing bool) {
	if peer == m.selfID {
		return
	}
	if !sharing {
		m.mu.Lock()
		_, wasRequested := m.requested[peer]
		stream := m.watching[peer]
		delete(m.requested, peer)
		delete(m.watching, peer)
		_, isViewer := m.viewers[peer]
		m.mu.Unlock()

		if stream == nil && !wasRequested {
			return
		}
		if stream != nil {
			stream.stop()
			log.Printf("SHARE: dropped stream from %s", peer)
		}
		if !isViewer {
			m.reg.Close(peer, rtc.PurposeScreen)
		}
		return
	}

	m.mu.Lock()
	if _, ok := m.watching[peer]; ok {
		m.mu.Unlock()
		return
	}
	if _, ok := m.requested[peer]; ok {
		m.mu.Unlock()
		return
	}
	m.requested[peer] = struct{}{}
	m.mu.Unlock()

	log.Printf("SHARE: requesting stream from sharer %s", peer)
	if err := m.sender.Send(&proto.SignalEnvelope{Type: proto.TypeShareRequest, To: peer}); err != nil {
		log.Printf("SHARE: share-request to %s failed: %v", peer, err)
		m.mu.Lock()
		delete(m.requested, peer)
		m.mu.Unlock()
	}
}

// HandleRemoteTrack adopts an incoming screen track: start the drain loop
// and ask for a keyframe so the picture starts clean.
func (m *Manager) HandleRemoteTrack(peer string, track *webrtc.TrackRemote) {
	stream := newRemoteStream(peer, track, func(ssrc uint32) {
		m.requestKeyframe(peer, ssrc)
	})

	m.mu.Lock()
	old := m.watching[peer]
	m.watching[peer] = stream
	delete(m.requested, peer)
	m.mu.Unlock()

	if old != nil {
		old.stop()
	}
	go stream.run()
}

func (m *Manager) requestKeyframe(peer string, ssrc uint32) {
	link, ok := m.reg.Get(peer, rtc.PurposeScreen)
	if !ok {
		return
	}
	if err := link.RequestKeyframe(ssrc); err != nil {
		log.Printf("SHARE: keyframe request to %s failed: %v", peer, err)
	}
}

// DropPeer discards all share state for a participant that left: their
// viewer link if we broadcast to them, their stream if they broadcast to
// us.
func (m *Manager) DropPeer(peer string) {
	m.mu.Lock()
	_, wasViewer := m.viewers[peer]
	delete(m.viewers, peer)
	delete(m.requested, peer)
	m.mu.Unlock()

	m.dropStream(peer)
	if wasViewer {
		m.reg.Close(peer, rtc.PurposeScreen)
	}
}

func (m *Manager) dropStream(peer string) {
	m.mu.Lock()
	stream := m.watching[peer]
	delete(m.watching, peer)
	m.mu.Unlock()
	if stream != nil {
		stream.stop()
		log.Printf("SHARE: dropped stream from %s", peer)
	}
}

// Shutdown ends the broadcast and every watched stream. Session teardown.
func (m *Manager) Shutdown() {
	m.Stop()
	m.mu.Lock()
	streams := make([]*remoteStream, 0, len(m.watching))
	for _, s := range m.watching {
		streams = append(streams, s)
	}
	m.watching = make(map[string]*remoteStream)
	m.requested = make(map[string]struct{})
	m.mu.Unlock()
	for _, s := range streams {
		s.stop()
	}
}

// Viewers lists the peers currently receiving the local broadcast.
func (m *Manager) Viewers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.viewers))
	for v := range m.viewers {
		out = append(out, v)
	}
	return out
}

// Watching summarizes the incoming shares for the status surface.
func (m *Manager) Watching() []StreamInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamInfo, 0, len(m.watching))
	for _, s := range m.watching {
		out = append(out, s.info())
	}
	return out
}
