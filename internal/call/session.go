package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jmulder/palaver/internal/config"
	"github.com/jmulder/palaver/internal/denoise"
	"github.com/jmulder/palaver/internal/presence"
	"github.com/jmulder/palaver/internal/proto"
	"github.com/jmulder/palaver/internal/rtc"
	"github.com/jmulder/palaver/internal/screenshare"
	"github.com/jmulder/palaver/internal/store"
	"github.com/jmulder/palaver/internal/voice"
)

const (
	kindDirect = "direct"
	kindRoom   = "room"
)

// housekeepTick paces the re-send layer. The signaling transport is
// at-most-once, so ring requests and status notices repeat until the call
// record shows they landed.
const housekeepTick = 2 * time.Second

// touchEvery counts housekeeping ticks between keep-alive touches on an
// active record, spacing them well inside the watchdog's stale cutoff.
const touchEvery = 5

// session is one joined channel: a 1:1 call or a group room. It owns the
// channel's topics, presence, link registry and share manager for its whole
// life, and the microphone pipeline while it is the live session.
type session struct {
	kind      string
	channel   string
	callID    string // direct only
	remote    string // direct only
	initiator string // direct only
	m         *Manager

	topic Topic
	dial  Topic // the remote's inbox, held by the initiating side
	pres  PresenceTopic
	table *presence.Table
	sup   *presence.Supervisor
	reg   *rtc.Registry
	share *screenshare.Manager

	ctx        context.Context
	cancel     context.CancelFunc
	cancelEnv  func()
	cancelPres func()

	mu         sync.Mutex
	pipe       *denoise.Pipeline
	track      localTrack
	det        *voice.Detector
	monitors   map[string]*voice.Monitor
	live       bool
	ended      bool
	muted      bool
	status     store.Status
	sentStatus store.Status
}

// openSession joins the channel and starts the session loops. Direct
// sessions pass the call identity; rooms leave those empty.
func (m *Manager) openSession(kind, channel, callID, remote, initiator string) (*session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("call manager is closed")
	}
	if _, taken := m.sessions[channel]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("channel %q already joined", channel)
	}
	display := m.display
	avatar := m.avatar
	status := m.status
	muted := m.muted
	m.mu.Unlock()

	topic, err := m.sig.OpenTopic(channel)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	pres, err := m.sig.JoinPresence(channel)
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("join presence: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		kind:      kind,
		channel:   channel,
		callID:    callID,
		remote:    remote,
		initiator: initiator,
		m:         m,
		topic:     topic,
		pres:      pres,
		table:     presence.NewTable(),
		ctx:       ctx,
		cancel:    cancel,
		monitors:  map[string]*voice.Monitor{},
		muted:     muted,
	}
	if kind == kindDirect {
		s.status = store.StatusRinging
	}

	pcfg := m.cfg.Presence
	s.sup = presence.NewSupervisor(pres, s.table, presence.Options{
		TTL:       time.Duration(pcfg.TTLSec) * time.Second,
		Heartbeat: time.Duration(pcfg.HeartbeatSec) * time.Second,
		AwayAfter: time.Duration(pcfg.AwaySec) * time.Second,
		Initial: proto.PresenceState{
			Display:    display,
			AvatarHash: avatar,
			Status:     status,
			Muted:      muted,
		},
	})

	// The call initiator always offers on a direct call; rooms elect the
	// lexicographically smaller peer of each pair.
	cmp := rtc.Comparator(rtc.LexicographicTieBreak)
	if kind == kindDirect {
		cmp = func(local, _ string) bool { return local == initiator }
	}
	s.reg = rtc.NewRegistry(m.engine, m.selfID, topic, cmp, rtc.Hooks{
		LocalTracks:   s.localTracks,
		OnRemoteTrack: s.onRemoteTrack,
		OnLinkError:   s.onLinkError,
		OnLinkGone:    s.onLinkGone,
	})
	s.share = screenshare.NewManager(m.selfID, s.reg, topic, s.table.IDs, s.sup.SetSharing)

	// The initiating side keeps a handle on the remote's inbox for the
	// repeated ring.
	if kind == kindDirect && initiator == m.selfID {
		dial, err := m.sig.OpenTopic(remote)
		if err != nil {
			cancel()
			pres.Close()
			topic.Close()
			return nil, fmt.Errorf("open remote inbox: %w", err)
		}
		s.dial = dial
	}

	envCh, cancelEnv := topic.Subscribe()
	s.cancelEnv = cancelEnv
	presCh, cancelPres := s.sup.Events()
	s.cancelPres = cancelPres

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		cancelPres()
		cancelEnv()
		if s.dial != nil {
			s.dial.Close()
		}
		pres.Close()
		topic.Close()
		return nil, fmt.Errorf("call manager is closed")
	}
	m.sessions[channel] = s
	if callID != "" {
		m.byCall[callID] = s
	}
	m.mu.Unlock()

	go s.envLoop(envCh)
	go s.presLoop(presCh)
	go s.sup.Run(ctx)
	go s.housekeeping()

	return s, nil
}

func (s *session) label() string {
	if s.callID != "" {
		return s.callID
	}
	return s.channel
}

// onRecord applies a call record change, whatever wrote it: a local
// transition, a remote status notice, or the watchdog. Entering connecting
// brings the media up on both sides; any terminal status tears the session
// down.
func (s *session) onRecord(rec store.CallRecord) {
	s.mu.Lock()
	prev := s.status
	s.status = rec.Status
	if rec.Status != store.StatusConnecting {
		s.sentStatus = ""
	}
	s.mu.Unlock()

	switch {
	case rec.Status.Terminal():
		s.terminate()
	case rec.Status == store.StatusConnecting && prev != store.StatusConnecting:
		if err := s.goLive(); err != nil {
			log.Printf("CALL [%s]: media start failed: %v", s.label(), err)
			s.m.emit(Event{Kind: EventError, CallID: s.callID, Channel: s.channel, Message: err.Error()})
			s.endCall()
		}
	}
}

// goLive acquires the microphone, builds the processing pipeline and the
// outbound track, and dials everyone already on the channel. Idempotent;
// any other session holding the microphone is hung up first.
func (s *session) goLive() error {
	s.mu.Lock()
	if s.live || s.ended {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.m.hangupLiveExcept(s)

	audio := s.m.audioConfig()
	src, label, err := acquireSource(audio)
	if err != nil {
		return fmt.Errorf("microphone: %w", err)
	}
	pipe := denoise.New(src, denoise.Config{
		Mode:        audio.Mode,
		Suppression: audio.Suppression,
		AutoGain:    audio.AutoGain,
	})
	det := voice.NewDetector(s.detectorConfig(), s.onLocalVoice)
	pipe.SetTap(det.Feed)
	track := buildVoiceTrack(pipe, s.m.selector)

	s.mu.Lock()
	if s.ended {
		// Terminated while the device was opening.
		s.mu.Unlock()
		det.Stop()
		closeTrack(track)
		closePipe(pipe)
		return nil
	}
	s.live = true
	s.pipe = pipe
	s.track = track
	s.det = det
	muted := s.muted
	s.mu.Unlock()

	pipe.SetMuted(muted)
	s.m.setLive(s)
	log.Printf("CALL [%s]: microphone %q live", s.label(), label)

	// Dial whoever is here already; later arrivals are dialed from their
	// presence join.
	for _, peer := range s.table.IDs() {
		s.maybeDial(peer)
	}
	return nil
}

// maybeDial opens the voice link toward a peer once media is up. The
// registry's comparator decides which side offers, and an existing link
// makes this a no-op, so it is safe to call on every presence pulse. That
// repetition doubles as the retry layer for lost offers.
func (s *session) maybeDial(peer string) {
	if peer == s.m.selfID {
		return
	}
	if s.kind == kindDirect && peer != s.remote {
		return
	}
	s.mu.Lock()
	live := s.live
	track := s.track
	s.mu.Unlock()
	if !live {
		return
	}
	var tracks []webrtc.TrackLocal
	if track != nil {
		tracks = []webrtc.TrackLocal{track}
	}
	if err := s.reg.Initiate(peer, rtc.PurposeVoice, tracks); err != nil {
		log.Printf("CALL [%s]: dial %s: %v", s.label(), peer, err)
	}
}

func (s *session) detectorConfig() voice.Config {
	v := s.m.cfg.Voice
	if s.kind == kindDirect {
		return voice.Config{
			Threshold: v.ThresholdDirect,
			Interval:  time.Duration(v.BroadcastDirectMs) * time.Millisecond,
		}
	}
	return voice.Config{
		Threshold: v.Threshold,
		Interval:  time.Duration(v.BroadcastMs) * time.Millisecond,
	}
}

// onLocalVoice runs on the capture goroutine at the detector's broadcast
// cadence.
func (s *session) onLocalVoice(speaking bool, level float64) {
	s.sup.SetSpeaking(speaking, level)
	s.m.emit(Event{
		Kind:     EventSpeaking,
		Channel:  s.channel,
		Peer:     s.m.selfID,
		Speaking: speaking,
		Level:    level,
	})
}

func (s *session) setMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	pipe := s.pipe
	s.mu.Unlock()
	if pipe != nil {
		pipe.SetMuted(muted)
	}
	s.sup.SetMuted(muted)
}

func (s *session) setMode(mode string) {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return
	}
	if err := pipe.SetMode(mode); err != nil {
		log.Printf("CALL [%s]: %v", s.label(), err)
	}
}

// rebuildMedia tears the pipeline down to the device and builds it again
// against the new audio settings, swapping the outbound track into every
// voice link without renegotiating. The old capture must release first;
// reacquiring a held device fails.
func (s *session) rebuildMedia(audio config.Audio) error {
	s.mu.Lock()
	if !s.live || s.ended {
		s.mu.Unlock()
		return nil
	}
	oldTrack := s.track
	oldPipe := s.pipe
	det := s.det
	muted := s.muted
	s.track = nil
	s.pipe = nil
	s.mu.Unlock()

	closeTrack(oldTrack)
	closePipe(oldPipe)

	src, label, err := acquireSource(audio)
	if err != nil {
		return fmt.Errorf("microphone: %w", err)
	}
	pipe := denoise.New(src, denoise.Config{
		Mode:        audio.Mode,
		Suppression: audio.Suppression,
		AutoGain:    audio.AutoGain,
	})
	pipe.SetTap(det.Feed)
	pipe.SetMuted(muted)
	track := buildVoiceTrack(pipe, s.m.selector)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		closeTrack(track)
		closePipe(pipe)
		return nil
	}
	s.pipe = pipe
	s.track = track
	s.mu.Unlock()

	log.Printf("CALL [%s]: pipeline rebuilt on %q", s.label(), label)
	for _, info := range s.reg.Snapshot() {
		if info.Purpose != rtc.PurposeVoice {
			continue
		}
		link, ok := s.reg.Get(info.Remote, rtc.PurposeVoice)
		if !ok {
			continue
		}
		swapped, err := link.ReplaceTrack(track)
		if err == nil && swapped {
			continue
		}
		if err != nil {
			log.Printf("CALL [%s]: track swap for %s: %v", s.label(), info.Remote, err)
		}
		if err := s.reg.Renegotiate(info.Remote, rtc.PurposeVoice, []webrtc.TrackLocal{track}); err != nil {
			log.Printf("CALL [%s]: renegotiate %s: %v", s.label(), info.Remote, err)
		}
	}
	return nil
}

// envLoop routes channel envelopes. Negotiation goes to the registry,
// everything else is call control.
func (s *session) envLoop(ch chan *proto.SignalEnvelope) {
	for env := range ch {
		switch env.Type {
		case proto.TypeOffer, proto.TypeAnswer, proto.TypeCandidate:
			s.reg.HandleEnvelope(env)
		case proto.TypeShareRequest:
			s.share.HandleShareRequest(env.From)
		case proto.TypeCallStatus, proto.TypeHangup:
			s.applyRemoteStatus(env)
		}
	}
}

// applyRemoteStatus folds the other side's status notice into the local
// record. Only transitions a remote may legitimately drive are applied; a
// transition conflict means the record already moved on and stays quiet.
func (s *session) applyRemoteStatus(env *proto.SignalEnvelope) {
	if s.kind != kindDirect || env.From != s.remote {
		return
	}
	var p proto.CallStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("CALL [%s]: malformed status from %s: %v", s.label(), env.From, err)
		return
	}
	if p.CallID != s.callID {
		return
	}

	status := store.Status(p.Status)
	if env.Type == proto.TypeHangup {
		status = store.StatusEnded
	}
	switch status {
	case store.StatusConnecting, store.StatusDeclined, store.StatusEnded:
	default:
		return
	}
	if _, err := s.m.store.UpdateStatus(s.callID, status); err != nil && !errors.Is(err, store.ErrBadTransition) {
		log.Printf("CALL [%s]: apply remote %s: %v", s.label(), status, err)
	}
}

// markActive stamps the record on the first remote voice frame. Each side
// does this locally; losing the race to a terminal transition is fine.
func (s *session) markActive() {
	if s.kind != kindDirect {
		return
	}
	if _, err := s.m.store.UpdateStatus(s.callID, store.StatusActive); err != nil && !errors.Is(err, store.ErrBadTransition) {
		log.Printf("CALL [%s]: mark active: %v", s.label(), err)
	}
}

// endCall ends a direct call from the local side and tells the remote. The
// teardown itself runs when the status change comes back on the feed.
func (s *session) endCall() {
	if s.kind != kindDirect {
		s.terminate()
		return
	}
	if _, err := s.m.store.UpdateStatus(s.callID, store.StatusEnded); err == nil {
		s.sendHangup()
	}
}

// presLoop reacts to participant changes: dial new arrivals, drop the
// departed, keep the share manager current.
func (s *session) presLoop(ch chan presence.Event) {
	for ev := range ch {
		switch ev.Type {
		case "join", "update":
			s.maybeDial(ev.PeerID)
			if ev.Participant != nil {
				s.share.OnPresence(ev.PeerID, ev.Participant.Sharing)
			}
		case "leave":
			s.peerGone(ev.PeerID)
		}

		out := Event{Kind: EventPresence, Channel: s.channel, Peer: ev.PeerID, Message: ev.Type}
		if ev.Participant != nil {
			out.Display = ev.Participant.Display
			out.Avatar = ev.Participant.AvatarHash
			out.Speaking = ev.Participant.Speaking
			out.Level = ev.Participant.Level
		}
		s.m.emit(out)
	}
}

// peerGone handles a participant leaving or timing out: links, monitors and
// share state go; a live 1:1 call ends with it.
func (s *session) peerGone(peer string) {
	s.reg.ClosePeer(peer)
	s.share.DropPeer(peer)
	s.stopMonitor(peer)

	if s.kind != kindDirect || peer != s.remote {
		return
	}
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if live {
		log.Printf("CALL [%s]: %s disappeared, ending", s.label(), peer)
		s.endCall()
	}
}

func (s *session) localTracks(purpose rtc.Purpose) []webrtc.TrackLocal {
	if purpose != rtc.PurposeVoice {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil
	}
	return []webrtc.TrackLocal{s.track}
}

func (s *session) onRemoteTrack(remote string, purpose rtc.Purpose, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	switch purpose {
	case rtc.PurposeVoice:
		s.adoptVoiceTrack(remote, track)
	case rtc.PurposeScreen:
		s.share.HandleRemoteTrack(remote, track)
	}
}

// adoptVoiceTrack starts the receive-side voice monitor for one remote
// track. The first remote frame is also what moves a direct call to active.
func (s *session) adoptVoiceTrack(remote string, track *webrtc.TrackRemote) {
	s.markActive()

	det := voice.NewDetector(s.detectorConfig(), func(speaking bool, level float64) {
		s.table.SetSpeaking(remote, speaking, level)
		s.m.emit(Event{
			Kind:     EventSpeaking,
			Channel:  s.channel,
			Peer:     remote,
			Speaking: speaking,
			Level:    level,
		})
	})
	hold := time.Duration(s.m.cfg.Voice.SilenceHoldMs) * time.Millisecond
	mon, err := voice.NewMonitor(remote, det, func() float64 { return s.table.Volume(remote) }, hold)
	if err != nil {
		log.Printf("CALL [%s]: voice monitor for %s: %v", s.label(), remote, err)
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		mon.Stop()
		return
	}
	old := s.monitors[remote]
	s.monitors[remote] = mon
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	go mon.Run(track)
}

func (s *session) stopMonitor(peer string) {
	s.mu.Lock()
	mon := s.monitors[peer]
	delete(s.monitors, peer)
	s.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
	s.table.SetSpeaking(peer, false, 0)
}

func (s *session) onLinkError(remote string, purpose rtc.Purpose, err error) {
	s.m.emit(Event{
		Kind:    EventLinkError,
		CallID:  s.callID,
		Channel: s.channel,
		Peer:    remote,
		Message: err.Error(),
	})
	// Losing the voice link on a 1:1 call is losing the call. Rooms keep
	// going; the next presence pulse redials.
	if s.kind == kindDirect && purpose == rtc.PurposeVoice {
		s.mu.Lock()
		live := s.live
		s.mu.Unlock()
		if live {
			s.endCall()
		}
	}
}

func (s *session) onLinkGone(remote string, purpose rtc.Purpose) {
	switch purpose {
	case rtc.PurposeVoice:
		s.stopMonitor(remote)
	case rtc.PurposeScreen:
		s.share.DropPeer(remote)
	}
}

// housekeeping is the periodic re-send and keep-alive layer for direct
// calls. Every notice repeats until the record moves past the state that
// needed it, which is what makes the lossy transport workable.
func (s *session) housekeeping() {
	ticker := time.NewTicker(housekeepTick)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		tick++
		if s.kind != kindDirect {
			continue
		}

		s.mu.Lock()
		status := s.status
		sent := s.sentStatus
		s.mu.Unlock()

		switch {
		case status == store.StatusRinging && s.initiator == s.m.selfID:
			if err := s.ring(); err != nil {
				log.Printf("CALL [%s]: re-ring: %v", s.label(), err)
			}
		case status == store.StatusConnecting && sent == store.StatusConnecting:
			s.sendStatus(store.StatusConnecting)
		case status == store.StatusActive && tick%touchEvery == 0:
			if err := s.m.store.Touch(s.callID); err != nil {
				log.Printf("CALL [%s]: touch: %v", s.label(), err)
			}
		}
	}
}

// ring sends the call request to the remote's inbox.
func (s *session) ring() error {
	if s.dial == nil {
		return fmt.Errorf("not the initiating side")
	}
	return s.dial.Send(&proto.SignalEnvelope{
		Type: proto.TypeCallRequest,
		To:   s.remote,
		Payload: proto.MarshalPayload(proto.CallRequestPayload{
			CallID:  s.callID,
			Channel: s.channel,
			Display: s.m.displayName(),
		}),
	})
}

func (s *session) setSentStatus(status store.Status) {
	s.mu.Lock()
	s.sentStatus = status
	s.mu.Unlock()
}

// sendStatus tells the remote about a local record transition over the call
// channel.
func (s *session) sendStatus(status store.Status) {
	err := s.topic.Send(&proto.SignalEnvelope{
		Type:    proto.TypeCallStatus,
		To:      s.remote,
		Payload: proto.MarshalPayload(proto.CallStatusPayload{CallID: s.callID, Status: string(status)}),
	})
	if err != nil {
		log.Printf("CALL [%s]: send status %s: %v", s.label(), status, err)
	}
}

func (s *session) sendHangup() {
	if s.kind != kindDirect {
		return
	}
	err := s.topic.Send(&proto.SignalEnvelope{
		Type:    proto.TypeHangup,
		To:      s.remote,
		Payload: proto.MarshalPayload(proto.CallStatusPayload{CallID: s.callID, Status: string(store.StatusEnded)}),
	})
	if err != nil {
		log.Printf("CALL [%s]: send hangup: %v", s.label(), err)
	}
}

// terminate releases everything the session holds, in dependency order:
// detector and monitors first, then links, then the capture chain, then
// presence and the topics. Idempotent; every exit path funnels here.
func (s *session) terminate() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.live = false
	det := s.det
	track := s.track
	pipe := s.pipe
	monitors := s.monitors
	s.det = nil
	s.track = nil
	s.pipe = nil
	s.monitors = map[string]*voice.Monitor{}
	s.mu.Unlock()

	s.cancel()
	if det != nil {
		det.Stop()
	}
	for _, mon := range monitors {
		mon.Stop()
	}
	s.share.Shutdown()
	s.reg.CloseAll()
	closeTrack(track)
	closePipe(pipe)

	s.sup.Stop()
	err := s.pres.Publish(proto.TypeOffline, proto.PresenceState{
		Display: s.m.displayName(),
		Status:  proto.StatusOffline,
	})
	if err != nil {
		log.Printf("CALL [%s]: offline notice: %v", s.label(), err)
	}

	s.cancelPres()
	s.cancelEnv()
	s.pres.Close()
	s.topic.Close()
	if s.dial != nil {
		s.dial.Close()
	}

	s.m.dropSession(s)
	log.Printf("CALL [%s]: session closed", s.label())
}

// info snapshots the session for the control surface.
func (s *session) info(live bool) SessionInfo {
	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()
	return SessionInfo{
		Kind:         s.kind,
		Channel:      s.channel,
		CallID:       s.callID,
		Remote:       s.remote,
		Live:         live,
		Muted:        muted,
		Sharing:      s.share.Sharing(),
		Preset:       s.share.Preset(),
		Participants: s.table.Snapshot(),
		Links:        s.reg.Snapshot(),
		Viewers:      s.share.Viewers(),
		Watching:     s.share.Watching(),
	}
}
