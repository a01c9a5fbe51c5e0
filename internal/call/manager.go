// Package call drives voice sessions end to end: 1:1 call lifecycle
// against the persistent call record, group voice rooms, microphone and
// pipeline ownership, link setup, and screen-share forwarding. It couples
// to the signaling layer through the Signaler interface only.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/pion/mediadevices"

	"github.com/jmulder/palaver/internal/config"
	"github.com/jmulder/palaver/internal/presence"
	"github.com/jmulder/palaver/internal/proto"
	"github.com/jmulder/palaver/internal/rtc"
	"github.com/jmulder/palaver/internal/screenshare"
	"github.com/jmulder/palaver/internal/store"
)

// Options wires the manager's collaborators.
type Options struct {
	Display  string
	Avatar   string
	Config   config.Config
	Signaler Signaler
	Store    *store.Store
	Engine   *rtc.Engine
	Selector *mediadevices.CodecSelector
}

// Manager owns every session and the inbox topic remote peers ring on. At
// most one session holds the microphone; ringing inbound calls may pile up
// beside it until one is accepted.
type Manager struct {
	selfID   string
	cfg      config.Config
	sig      Signaler
	store    *store.Store
	engine   *rtc.Engine
	selector *mediadevices.CodecSelector

	inbox       Topic
	inboxCancel func()
	feedCancel  func()

	mu       sync.Mutex
	display  string
	avatar   string
	status   string
	muted    bool
	sessions map[string]*session // by channel
	byCall   map[string]*session // direct sessions by call ID
	live     *session            // the one holding the microphone
	closed   bool

	emu       sync.Mutex
	listeners map[chan Event]struct{}
}

// New opens the inbox topic and starts the routing loops.
func New(opt Options) (*Manager, error) {
	m := &Manager{
		selfID:    opt.Signaler.Self(),
		cfg:       opt.Config,
		sig:       opt.Signaler,
		store:     opt.Store,
		engine:    opt.Engine,
		selector:  opt.Selector,
		display:   opt.Display,
		avatar:    opt.Avatar,
		sessions:  make(map[string]*session),
		byCall:    make(map[string]*session),
		listeners: make(map[chan Event]struct{}),
	}

	// The inbox is the peer's own channel: ring requests land here before
	// any shared call channel exists.
	inbox, err := m.sig.OpenTopic(m.selfID)
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	m.inbox = inbox

	inboxCh, cancelInbox := inbox.Subscribe()
	m.inboxCancel = cancelInbox
	go m.inboxLoop(inboxCh)

	feed, cancelFeed := m.store.Subscribe()
	m.feedCancel = cancelFeed
	go m.feedLoop(feed)

	return m, nil
}

// SelfID returns the local peer ID.
func (m *Manager) SelfID() string { return m.selfID }

// Start dials a 1:1 call: insert the ringing record, open the call channel
// and ring the remote's inbox. The ring is re-sent until answered because
// the transport is at-most-once.
func (m *Manager) Start(ctx context.Context, remote string) (store.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return store.CallRecord{}, err
	}
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return store.CallRecord{}, fmt.Errorf("empty remote peer ID")
	}
	if remote == m.selfID {
		return store.CallRecord{}, ErrSelfDial
	}

	rec, err := m.store.Create(m.selfID, []string{remote})
	if err != nil {
		return store.CallRecord{}, err
	}

	sess, err := m.openSession(kindDirect, rec.ID, rec.ID, remote, m.selfID)
	if err != nil {
		// The record exists but the channel does not; end it right away.
		if _, uerr := m.store.UpdateStatus(rec.ID, store.StatusEnded); uerr != nil {
			log.Printf("CALL [%s]: cleanup after failed open: %v", rec.ID, uerr)
		}
		m.emit(Event{Kind: EventError, CallID: rec.ID, Message: "call setup failed: " + err.Error()})
		return store.CallRecord{}, err
	}

	if err := sess.ring(); err != nil {
		log.Printf("CALL [%s]: initial ring failed, ticker will retry: %v", rec.ID, err)
	}
	log.Printf("CALL [%s]: ringing %s", rec.ID, remote)
	return rec, nil
}

// Accept answers a ringing inbound call. Going live hangs up whichever
// session held the microphone; the mic has exactly one owner. Media comes
// up before the remote learns we are connecting, so its offer always finds
// the local track ready. A dead microphone leaves the call ringing.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	sess, ok := m.byCall[callID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownCall
	}

	if err := sess.goLive(); err != nil {
		m.emit(Event{Kind: EventError, CallID: callID, Message: err.Error()})
		return err
	}
	if _, err := m.store.UpdateStatus(callID, store.StatusConnecting); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	sess.setSentStatus(store.StatusConnecting)
	sess.sendStatus(store.StatusConnecting)
	return nil
}

// Decline refuses a ringing inbound call.
func (m *Manager) Decline(callID string) error {
	m.mu.Lock()
	sess, ok := m.byCall[callID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownCall
	}
	if _, err := m.store.UpdateStatus(callID, store.StatusDeclined); err != nil {
		return fmt.Errorf("decline: %w", err)
	}
	sess.sendStatus(store.StatusDeclined)
	return nil
}

// Hangup ends a call from any live status: cancels an outbound ring,
// dismisses an inbound one, or ends an active call. Teardown follows the
// status change through the store feed.
func (m *Manager) Hangup(callID string) error {
	m.mu.Lock()
	sess, ok := m.byCall[callID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownCall
	}
	if _, err := m.store.UpdateStatus(callID, store.StatusEnded); err != nil {
		return fmt.Errorf("hangup: %w", err)
	}
	sess.sendHangup()
	return nil
}

// Join enters a group voice room. Media comes up immediately; links form
// pairwise as presence reveals the other members, with the smaller peer ID
// offering.
func (m *Manager) Join(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("empty room name")
	}

	m.mu.Lock()
	if _, ok := m.sessions[room]; ok {
		m.mu.Unlock()
		return fmt.Errorf("already in room %q", room)
	}
	m.mu.Unlock()

	sess, err := m.openSession(kindRoom, room, "", "", "")
	if err != nil {
		m.emit(Event{Kind: EventError, Channel: room, Message: "join failed: " + err.Error()})
		return err
	}
	if err := sess.goLive(); err != nil {
		sess.terminate()
		m.emit(Event{Kind: EventError, Channel: room, Message: err.Error()})
		return err
	}
	log.Printf("CALL: joined room %q", room)
	return nil
}

// Leave exits a group voice room.
func (m *Manager) Leave(room string) error {
	m.mu.Lock()
	sess, ok := m.sessions[room]
	m.mu.Unlock()
	if !ok || sess.kind != kindRoom {
		return fmt.Errorf("not in room %q", room)
	}
	sess.terminate()
	log.Printf("CALL: left room %q", room)
	return nil
}

// ToggleMute flips the local mute state and publishes it immediately.
// Returns the new state (true = muted). Without a live session there is
// nothing to mute and the state stays put.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	sess := m.live
	if sess == nil {
		muted := m.muted
		m.mu.Unlock()
		return muted, ErrNoSession
	}
	m.muted = !m.muted
	muted := m.muted
	m.mu.Unlock()
	sess.setMuted(muted)
	return muted, nil
}

// Muted reports the local mute state.
func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// SetUserVolume stores the playback volume for one participant of the live
// session. The remote VAD sees the scaled signal, so a muted-down peer also
// stops lighting up.
func (m *Manager) SetUserVolume(peerID string, volume float64) error {
	if volume < 0 || volume > 2 {
		return fmt.Errorf("volume %v out of range [0, 2]", volume)
	}
	sess := m.liveSession()
	if sess == nil {
		return ErrNoSession
	}
	sess.table.SetVolume(peerID, volume)
	return nil
}

// StartShare begins broadcasting the display on the live session. An empty
// quality selects the configured preset.
func (m *Manager) StartShare(quality string) error {
	sess := m.liveSession()
	if sess == nil {
		return ErrNoSession
	}
	if quality == "" {
		quality = m.cfg.Screen.Preset
	}
	if err := sess.share.Start(quality); err != nil {
		m.emit(Event{Kind: EventError, Channel: sess.channel, Message: "screen share: " + err.Error()})
		return err
	}
	return nil
}

// StopShare stops the local display broadcast on the live session.
func (m *Manager) StopShare() error {
	sess := m.liveSession()
	if sess == nil {
		return ErrNoSession
	}
	sess.share.Stop()
	return nil
}

// SetStatus forwards a manual availability status to every session's
// presence supervisor. Empty returns to automatic online/away.
func (m *Manager) SetStatus(status string) {
	m.mu.Lock()
	m.status = status
	sessions := m.snapshotSessions()
	m.mu.Unlock()
	for _, s := range sessions {
		s.sup.SetStatus(status)
	}
}

// SetProfile updates the published display name and avatar hash.
func (m *Manager) SetProfile(display, avatarHash string) {
	m.mu.Lock()
	m.display = display
	m.avatar = avatarHash
	sessions := m.snapshotSessions()
	m.mu.Unlock()
	for _, s := range sessions {
		s.sup.SetProfile(display, avatarHash)
	}
}

// ApplyAudio applies a changed audio config section. A pure mode change is
// applied live; anything else rebuilds the pipeline against a freshly
// acquired microphone.
func (m *Manager) ApplyAudio(audio config.Audio) {
	m.mu.Lock()
	prev := m.cfg.Audio
	m.cfg.Audio = audio
	sess := m.live
	m.mu.Unlock()
	if sess == nil {
		return
	}

	if prev.Suppression == audio.Suppression && prev.InputDevice == audio.InputDevice &&
		prev.AutoGain == audio.AutoGain {
		if prev.Mode != audio.Mode {
			sess.setMode(audio.Mode)
		}
		return
	}
	if err := sess.rebuildMedia(audio); err != nil {
		log.Printf("CALL: pipeline rebuild failed: %v", err)
		m.emit(Event{Kind: EventError, Channel: sess.channel, Message: "audio reconfigure failed: " + err.Error()})
	}
}

// Subscribe registers a listener for manager events.
func (m *Manager) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 64)
	m.emu.Lock()
	m.listeners[ch] = struct{}{}
	m.emu.Unlock()
	cancel := func() {
		m.emu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.emu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) emit(ev Event) {
	m.emu.Lock()
	defer m.emu.Unlock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SessionInfo is the bridge-facing snapshot of one session.
type SessionInfo struct {
	Kind         string                          `json:"kind"`
	Channel      string                          `json:"channel"`
	CallID       string                          `json:"call_id,omitempty"`
	Remote       string                          `json:"remote,omitempty"`
	Live         bool                            `json:"live"`
	Muted        bool                            `json:"muted"`
	Sharing      bool                            `json:"sharing"`
	Preset       string                          `json:"preset,omitempty"`
	Participants map[string]presence.Participant `json:"participants"`
	Links        []rtc.Info                      `json:"links"`
	Viewers      []string                        `json:"viewers,omitempty"`
	Watching     []screenshare.StreamInfo        `json:"watching,omitempty"`
}

// Sessions snapshots every open session.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	sessions := m.snapshotSessions()
	live := m.live
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info(s == live))
	}
	return out
}

// Participants returns the live session's participant table, empty when
// idle.
func (m *Manager) Participants() map[string]presence.Participant {
	sess := m.liveSession()
	if sess == nil {
		return map[string]presence.Participant{}
	}
	return sess.table.Snapshot()
}

// Links lists every link across all sessions.
func (m *Manager) Links() []rtc.Info {
	m.mu.Lock()
	sessions := m.snapshotSessions()
	m.mu.Unlock()
	var out []rtc.Info
	for _, s := range sessions {
		out = append(out, s.reg.Snapshot()...)
	}
	if out == nil {
		out = []rtc.Info{}
	}
	return out
}

// Close hangs up everything and stops the routing loops. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.snapshotSessions()
	m.mu.Unlock()

	for _, s := range sessions {
		if s.kind == kindDirect {
			if _, err := m.store.UpdateStatus(s.callID, store.StatusEnded); err == nil {
				s.sendHangup()
			}
		}
		s.terminate()
	}

	m.feedCancel()
	m.inboxCancel()
	m.inbox.Close()

	m.emu.Lock()
	for ch := range m.listeners {
		close(ch)
		delete(m.listeners, ch)
	}
	m.emu.Unlock()
}

// inboxLoop handles ring requests landing on the peer's own channel.
func (m *Manager) inboxLoop(ch chan *proto.SignalEnvelope) {
	for env := range ch {
		if env.Type != proto.TypeCallRequest {
			continue
		}
		m.handleRing(env)
	}
}

func (m *Manager) handleRing(env *proto.SignalEnvelope) {
	var p proto.CallRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("CALL: malformed ring from %s: %v", env.From, err)
		return
	}
	if p.CallID == "" {
		return
	}
	channel := p.Channel
	if channel == "" {
		channel = p.CallID
	}

	rec, _, err := m.store.Adopt(p.CallID, env.From, []string{m.selfID})
	if err != nil {
		log.Printf("CALL [%s]: adopt failed: %v", p.CallID, err)
		return
	}
	if rec.Status.Terminal() {
		// Re-sent ring for a call already resolved.
		return
	}
	m.mu.Lock()
	_, tracked := m.byCall[p.CallID]
	m.mu.Unlock()
	if tracked {
		return
	}

	if _, err := m.openSession(kindDirect, channel, p.CallID, env.From, env.From); err != nil {
		log.Printf("CALL [%s]: cannot open channel for inbound ring: %v", p.CallID, err)
		if _, uerr := m.store.UpdateStatus(p.CallID, store.StatusEnded); uerr != nil {
			log.Printf("CALL [%s]: cleanup failed: %v", p.CallID, uerr)
		}
		return
	}

	log.Printf("CALL [%s]: incoming from %s (%s)", p.CallID, env.From, p.Display)
	m.emit(Event{Kind: EventIncoming, CallID: p.CallID, Channel: channel, Peer: env.From, Display: p.Display})
}

// feedLoop reacts to call record changes, wherever they originate: local
// transitions, remote status envelopes applied to the store, and watchdog
// reconciliations all flow through here identically.
func (m *Manager) feedLoop(ch <-chan store.Event) {
	for ev := range ch {
		if ev.Type == store.EventStatus {
			m.emit(Event{
				Kind:    EventCall,
				CallID:  ev.Record.ID,
				Status:  ev.Record.Status,
				Peer:    counterpart(ev.Record, m.selfID),
				Channel: ev.Record.ID,
			})
		}

		m.mu.Lock()
		sess := m.byCall[ev.Record.ID]
		m.mu.Unlock()
		if sess != nil {
			sess.onRecord(ev.Record)
		}
	}
}

func (m *Manager) liveSession() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// setLive records s as the microphone holder.
func (m *Manager) setLive(s *session) {
	m.mu.Lock()
	m.live = s
	m.mu.Unlock()
}

func (m *Manager) audioConfig() config.Audio {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Audio
}

func (m *Manager) displayName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display
}

// hangupLiveExcept ends whichever session holds the microphone, unless it
// is the one about to take it.
func (m *Manager) hangupLiveExcept(keep *session) {
	m.mu.Lock()
	sess := m.live
	m.mu.Unlock()
	if sess == nil || sess == keep {
		return
	}
	if sess.kind == kindDirect {
		if _, err := m.store.UpdateStatus(sess.callID, store.StatusEnded); err == nil {
			sess.sendHangup()
		}
	}
	sess.terminate()
}

// snapshotSessions must be called with m.mu held or on a quiesced manager.
func (m *Manager) snapshotSessions() []*session {
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) dropSession(s *session) {
	m.mu.Lock()
	if m.sessions[s.channel] == s {
		delete(m.sessions, s.channel)
	}
	if s.callID != "" && m.byCall[s.callID] == s {
		delete(m.byCall, s.callID)
	}
	if m.live == s {
		m.live = nil
	}
	m.mu.Unlock()
}

func counterpart(rec store.CallRecord, self string) string {
	if rec.Initiator != self {
		return rec.Initiator
	}
	if len(rec.Recipients) > 0 {
		return rec.Recipients[0]
	}
	return ""
}
