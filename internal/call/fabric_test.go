package call

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"

	"github.com/jmulder/palaver/internal/config"
	"github.com/jmulder/palaver/internal/denoise"
	"github.com/jmulder/palaver/internal/media"
	"github.com/jmulder/palaver/internal/proto"
	"github.com/jmulder/palaver/internal/rtc"
	"github.com/jmulder/palaver/internal/store"
)

// fabric is an in-memory signaling fabric. Every handle opened on a channel
// name sees what the other handles send, with the same self-echo and
// addressing filters as the real topics, and everything sent is recorded
// for assertions.
type fabric struct {
	mu     sync.Mutex
	topics map[string][]*fabricTopic
	pres   map[string][]*fabricPresence
	sent   map[string][]*proto.SignalEnvelope
}

func newFabric() *fabric {
	return &fabric{
		topics: map[string][]*fabricTopic{},
		pres:   map[string][]*fabricPresence{},
		sent:   map[string][]*proto.SignalEnvelope{},
	}
}

func (f *fabric) peer(self string) Signaler { return &fabricPeer{f: f, self: self} }

// envelopes returns the recorded traffic of one type on a channel.
func (f *fabric) envelopes(channel, typ string) []*proto.SignalEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*proto.SignalEnvelope
	for _, env := range f.sent[channel] {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type fabricPeer struct {
	f    *fabric
	self string
}

func (p *fabricPeer) Self() string { return p.self }

func (p *fabricPeer) OpenTopic(channel string) (Topic, error) {
	t := &fabricTopic{f: p.f, self: p.self, channel: channel}
	p.f.mu.Lock()
	p.f.topics[channel] = append(p.f.topics[channel], t)
	p.f.mu.Unlock()
	return t, nil
}

func (p *fabricPeer) JoinPresence(channel string) (PresenceTopic, error) {
	t := &fabricPresence{f: p.f, self: p.self, channel: channel}
	p.f.mu.Lock()
	p.f.pres[channel] = append(p.f.pres[channel], t)
	p.f.mu.Unlock()
	return t, nil
}

type fabricTopic struct {
	f       *fabric
	self    string
	channel string

	mu     sync.Mutex
	subs   []chan *proto.SignalEnvelope
	closed bool
}

func (t *fabricTopic) Send(env *proto.SignalEnvelope) error {
	cp := *env
	cp.From = t.self
	if cp.TS == 0 {
		cp.TS = proto.NowMillis()
	}

	t.f.mu.Lock()
	t.f.sent[t.channel] = append(t.f.sent[t.channel], &cp)
	handles := append([]*fabricTopic(nil), t.f.topics[t.channel]...)
	t.f.mu.Unlock()

	for _, h := range handles {
		if h.self == t.self {
			continue
		}
		if cp.To != "" && cp.To != h.self {
			continue
		}
		h.deliver(&cp)
	}
	return nil
}

func (t *fabricTopic) deliver(env *proto.SignalEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

func (t *fabricTopic) Subscribe() (chan *proto.SignalEnvelope, func()) {
	ch := make(chan *proto.SignalEnvelope, 64)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			for i, c := range t.subs {
				if c == ch {
					t.subs = append(t.subs[:i], t.subs[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (t *fabricTopic) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.f.mu.Lock()
	hs := t.f.topics[t.channel]
	for i, h := range hs {
		if h == t {
			t.f.topics[t.channel] = append(hs[:i], hs[i+1:]...)
			break
		}
	}
	t.f.mu.Unlock()
}

type fabricPresence struct {
	f       *fabric
	self    string
	channel string

	mu     sync.Mutex
	subs   []chan proto.PresenceMsg
	closed bool
}

func (t *fabricPresence) Publish(typ string, state proto.PresenceState) error {
	msg := proto.PresenceMsg{Type: typ, PeerID: t.self, State: state, TS: proto.NowMillis()}
	t.f.mu.Lock()
	handles := append([]*fabricPresence(nil), t.f.pres[t.channel]...)
	t.f.mu.Unlock()
	for _, h := range handles {
		if h.self == t.self {
			continue
		}
		h.deliver(msg)
	}
	return nil
}

func (t *fabricPresence) deliver(msg proto.PresenceMsg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (t *fabricPresence) Subscribe() (chan proto.PresenceMsg, func()) {
	ch := make(chan proto.PresenceMsg, 64)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			for i, c := range t.subs {
				if c == ch {
					t.subs = append(t.subs[:i], t.subs[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (t *fabricPresence) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.f.mu.Lock()
	hs := t.f.pres[t.channel]
	for i, h := range hs {
		if h == t {
			t.f.pres[t.channel] = append(hs[:i], hs[i+1:]...)
			break
		}
	}
	t.f.mu.Unlock()
}

// mediaStub swaps the capture seams for hardware-free fakes and counts what
// the sessions acquire and release.
type mediaStub struct {
	mu       sync.Mutex
	acquired int
	open     int
	fail     bool
}

func (st *mediaStub) setFail(fail bool) {
	st.mu.Lock()
	st.fail = fail
	st.mu.Unlock()
}

func (st *mediaStub) openCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.open
}

func (st *mediaStub) acquireCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.acquired
}

func stubMedia(t *testing.T) *mediaStub {
	t.Helper()
	st := &mediaStub{}
	prevAcquire := acquireSource
	prevBuild := buildVoiceTrack
	acquireSource = func(config.Audio) (denoise.Source, string, error) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.fail {
			return nil, "", media.ErrMicUnavailable
		}
		st.acquired++
		st.open++
		src := &stubSource{id: fmt.Sprintf("stub-%d", st.acquired)}
		src.onClose = func() {
			st.mu.Lock()
			st.open--
			st.mu.Unlock()
		}
		return src, "stub mic", nil
	}
	buildVoiceTrack = func(src mediadevices.AudioSource, _ *mediadevices.CodecSelector) localTrack {
		return newStubTrack(t, src)
	}
	t.Cleanup(func() {
		acquireSource = prevAcquire
		buildVoiceTrack = prevBuild
	})
	return st
}

type stubSource struct {
	id      string
	onClose func()

	mu     sync.Mutex
	closed bool
}

func (s *stubSource) Read() (wave.Audio, func(), error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, func() {}, io.EOF
	}
	time.Sleep(5 * time.Millisecond)
	return &wave.Int16Interleaved{
		Size: wave.ChunkInfo{Len: 480, Channels: 1, SamplingRate: 48000},
		Data: make([]int16, 480),
	}, func() {}, nil
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// stubTrack stands in for the encoder-backed track. Closing it closes the
// source underneath, matching the real track's behavior.
type stubTrack struct {
	*webrtc.TrackLocalStaticRTP
	src mediadevices.AudioSource

	mu     sync.Mutex
	closed bool
}

func newStubTrack(t *testing.T, src mediadevices.AudioSource) *stubTrack {
	t.Helper()
	base, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, "audio", "voice")
	if err != nil {
		t.Fatalf("stub track: %v", err)
	}
	return &stubTrack{TrackLocalStaticRTP: base, src: src}
}

func (t *stubTrack) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.src.Close()
}

type testPeer struct {
	id string
	m  *Manager
	st *store.Store
}

func newTestPeer(t *testing.T, f *fabric, id string) *testPeer {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine, err := rtc.NewEngine(rtc.EngineConfig{}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	cfg := config.Default()
	cfg.Presence.HeartbeatSec = 1

	m, err := New(Options{
		Display:  "peer " + id,
		Config:   cfg,
		Signaler: f.peer(id),
		Store:    st,
		Engine:   engine,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)
	return &testPeer{id: id, m: m, st: st}
}

// session looks up the peer's session on a channel.
func (p *testPeer) session(channel string) *session {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.m.sessions[channel]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, st *store.Store, id string, want store.Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("call %s to reach %q", id, want), func() bool {
		rec, err := st.Get(id)
		return err == nil && rec.Status == want
	})
}
