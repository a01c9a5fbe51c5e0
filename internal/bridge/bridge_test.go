package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmulder/palaver/internal/avatar"
	"github.com/jmulder/palaver/internal/call"
	"github.com/jmulder/palaver/internal/presence"
	"github.com/jmulder/palaver/internal/profile"
	"github.com/jmulder/palaver/internal/rtc"
	"github.com/jmulder/palaver/internal/store"
)

// fakeCalls records operations and fans out injected events, standing in
// for the call manager behind the routes.
type fakeCalls struct {
	mu        sync.Mutex
	muted     bool
	ops       []string
	err       error
	listeners map[chan call.Event]struct{}

	// Pulsed on Subscribe so streaming tests know the handler is wired.
	subscribed chan struct{}
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		listeners:  map[chan call.Event]struct{}{},
		subscribed: make(chan struct{}, 4),
	}
}

func (f *fakeCalls) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeCalls) takeErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCalls) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeCalls) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeCalls) emit(ev call.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.listeners {
		ch <- ev
	}
}

func (f *fakeCalls) SelfID() string { return "self-peer" }

func (f *fakeCalls) Start(ctx context.Context, remote string) (store.CallRecord, error) {
	if err := f.takeErr(); err != nil {
		return store.CallRecord{}, err
	}
	f.record("start:" + remote)
	return store.CallRecord{
		ID:         "call-1",
		Initiator:  "self-peer",
		Recipients: []string{remote},
		Status:     store.StatusRinging,
	}, nil
}

func (f *fakeCalls) Accept(ctx context.Context, callID string) error {
	if err := f.takeErr(); err != nil {
		return err
	}
	f.record("accept:" + callID)
	return nil
}

func (f *fakeCalls) Decline(callID string) error {
	if err := f.takeErr(); err != nil {
		return err
	}
	f.record("decline:" + callID)
	return nil
}

func (f *fakeCalls) Hangup(callID string) error {
	if err := f.takeErr(); err != nil {
		return err
	}
	f.record("hangup:" + callID)
	return nil
}

func (f *fakeCalls) Join(ctx context.Context, room string) error {
	if err := f.takeErr(); err != nil {
		return err
	}
	f.record("join:" + room)
	return nil
}

func (f *fakeCalls) Leave(room string) error {
	if err := f.takeErr(); err != nil {
		return err
	}
	f.record("leave:" + room)
	return nil
}

func (f *fakeCalls) ToggleMute() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.muted, f.err
	}
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeCalls) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeCalls) SetUserVolume(peerID string, volume float64) error {
	if err := f.takeErr(); err != nil {
		return err
	}
	f.record(fmt.Sprintf("volume:%s:%g", peerID, volume))
	return nil
}

func (f *fakeCalls) StartShare(quality string) error {
	if err := f.takeErr(); err != nil {
		return err
	}
	f.record("share:" + quality)
	return nil
}

func (f *fakeCalls) StopShare() error {
	if err := f.takeErr(); err != nil {
		return err
	}
	f.record("share-stop")
	return nil
}

func (f *fakeCalls) Subscribe() (chan call.Event, func()) {
	ch := make(chan call.Event, 64)
	f.mu.Lock()
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()
	select {
	case f.subscribed <- struct{}{}:
	default:
	}
	cancel := func() {
		f.mu.Lock()
		if _, ok := f.listeners[ch]; ok {
			delete(f.listeners, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *fakeCalls) Sessions() []call.SessionInfo { return nil }

func (f *fakeCalls) Participants() map[string]presence.Participant {
	return map[string]presence.Participant{"peer-b": {Display: "Bob"}}
}

func (f *fakeCalls) Links() []rtc.Info { return []rtc.Info{} }

func newTestBridge(t *testing.T) (*http.ServeMux, *fakeCalls) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fc := newFakeCalls()
	mux := http.NewServeMux()
	Register(mux, Deps{
		Calls:   fc,
		Store:   st,
		Profile: profile.NewService(profile.Options{SelfID: "self-peer", Display: "Alice"}),
		Avatars: avatar.NewStore(t.TempDir()),
		Logs:    NewLogBuffer(100),
		Devices: func() []string { return []string{"Mic A"} },
	})
	return mux, fc
}

func doPost(mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func doGet(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestCallControlRoutes(t *testing.T) {
	mux, fc := newTestBridge(t)

	w := doPost(mux, "/api/call/start", `{"remote_peer":"peer-b"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var rec store.CallRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if rec.ID != "call-1" || rec.Status != store.StatusRinging {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if w := doPost(mux, "/api/call/start", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("start without remote_peer: %d", w.Code)
	}

	for _, step := range []struct{ path, body, want string }{
		{"/api/call/accept", `{"call_id":"call-1"}`, "accept:call-1"},
		{"/api/call/decline", `{"call_id":"call-1"}`, "decline:call-1"},
		{"/api/call/hangup", `{"call_id":"call-1"}`, "hangup:call-1"},
		{"/api/call/join", `{"room":"den"}`, "join:den"},
		{"/api/call/leave", `{"room":"den"}`, "leave:den"},
	} {
		if w := doPost(mux, step.path, step.body); w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step.path, w.Code, w.Body.String())
		}
		ops := fc.recorded()
		if ops[len(ops)-1] != step.want {
			t.Fatalf("%s recorded %q, want %q", step.path, ops[len(ops)-1], step.want)
		}
	}

	if w := doPost(mux, "/api/call/accept", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("accept without call_id: %d", w.Code)
	}
	if w := doPost(mux, "/api/call/join", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("join without room: %d", w.Code)
	}
}

func TestToggleMuteWithoutBody(t *testing.T) {
	mux, _ := newTestBridge(t)

	w := doPost(mux, "/api/call/toggle-mute", "")
	if w.Code != http.StatusOK {
		t.Fatalf("toggle-mute: %d %s", w.Code, w.Body.String())
	}
	var out map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out["muted"] {
		t.Fatal("expected muted true after first toggle")
	}

	w = doPost(mux, "/api/call/toggle-mute", "")
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out["muted"] {
		t.Fatal("expected muted false after second toggle")
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	mux, fc := newTestBridge(t)

	fc.setErr(call.ErrUnknownCall)
	if w := doPost(mux, "/api/call/accept", `{"call_id":"nope"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown call: %d", w.Code)
	}

	fc.setErr(call.ErrSelfDial)
	if w := doPost(mux, "/api/call/start", `{"remote_peer":"self-peer"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("self dial: %d", w.Code)
	}

	fc.setErr(fmt.Errorf("update: %w", store.ErrBadTransition))
	if w := doPost(mux, "/api/call/accept", `{"call_id":"call-1"}`); w.Code != http.StatusConflict {
		t.Fatalf("bad transition: %d", w.Code)
	}

	fc.setErr(call.ErrNoSession)
	if w := doPost(mux, "/api/share/start", `{}`); w.Code != http.StatusNotFound {
		t.Fatalf("share without session: %d", w.Code)
	}
}

func TestVolumeRoute(t *testing.T) {
	mux, fc := newTestBridge(t)

	if w := doPost(mux, "/api/call/volume", `{"volume":0.5}`); w.Code != http.StatusBadRequest {
		t.Fatalf("volume without peer_id: %d", w.Code)
	}
	if w := doPost(mux, "/api/call/volume", `{"peer_id":"peer-b","volume":0.5}`); w.Code != http.StatusOK {
		t.Fatalf("volume: %d %s", w.Code, w.Body.String())
	}
	ops := fc.recorded()
	if ops[len(ops)-1] != "volume:peer-b:0.5" {
		t.Fatalf("recorded %q", ops[len(ops)-1])
	}
}

func TestSnapshotRoutes(t *testing.T) {
	mux, _ := newTestBridge(t)

	w := doGet(mux, "/api/self")
	if w.Code != http.StatusOK {
		t.Fatalf("self: %d", w.Code)
	}
	var self struct {
		ID      string          `json:"id"`
		Profile profile.Profile `json:"profile"`
		Muted   bool            `json:"muted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &self); err != nil {
		t.Fatalf("decode self: %v", err)
	}
	if self.ID != "self-peer" || self.Profile.Display != "Alice" {
		t.Fatalf("unexpected self: %+v", self)
	}

	w = doGet(mux, "/api/participants")
	var parts map[string]presence.Participant
	if err := json.Unmarshal(w.Body.Bytes(), &parts); err != nil {
		t.Fatalf("decode participants: %v", err)
	}
	if parts["peer-b"].Display != "Bob" {
		t.Fatalf("unexpected participants: %v", parts)
	}

	// Nil snapshots must serialize as [] rather than null.
	for _, path := range []string{"/api/links", "/api/sessions"} {
		w = doGet(mux, path)
		if body := strings.TrimSpace(w.Body.String()); body != "[]" {
			t.Fatalf("%s: expected [], got %q", path, body)
		}
	}

	w = doGet(mux, "/api/devices")
	var devices map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices["inputs"]) != 1 || devices["inputs"][0] != "Mic A" {
		t.Fatalf("unexpected devices: %v", devices)
	}
}

func TestCallHistoryRoute(t *testing.T) {
	mux, _ := newTestBridge(t)

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	// Rebuild the mux against a store with seeded history.
	fc := newFakeCalls()
	mux = http.NewServeMux()
	Register(mux, Deps{
		Calls:   fc,
		Store:   st,
		Profile: profile.NewService(profile.Options{SelfID: "self-peer", Display: "Alice"}),
	})

	for _, id := range []string{"c1", "c2", "c3"} {
		if _, _, err := st.Adopt(id, "self-peer", []string{"peer-b"}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	w := doGet(mux, "/api/calls")
	if w.Code != http.StatusOK {
		t.Fatalf("calls: %d", w.Code)
	}
	var recs []store.CallRecord
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	w = doGet(mux, "/api/calls?limit=1")
	recs = nil
	_ = json.Unmarshal(w.Body.Bytes(), &recs)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record with limit, got %d", len(recs))
	}

	if w := doGet(mux, "/api/calls?limit=x"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", w.Code)
	}
}

func TestProfileRoutes(t *testing.T) {
	mux, _ := newTestBridge(t)

	w := doPost(mux, "/api/profile", `{"display":"Alicia","avatar_hash":"h1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("profile: %d %s", w.Code, w.Body.String())
	}
	var p profile.Profile
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if p.Display != "Alicia" || p.AvatarHash != "h1" {
		t.Fatalf("unexpected profile: %+v", p)
	}

	if w := doPost(mux, "/api/profile", `{"display":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("blank display: %d", w.Code)
	}

	if w := doPost(mux, "/api/status", `{"status":"away"}`); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if w := doPost(mux, "/api/status", `{"status":"busy"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus status: %d", w.Code)
	}
}

func TestAvatarRoutes(t *testing.T) {
	mux, _ := newTestBridge(t)

	// No avatar stored: the placeholder renders from the display name.
	w := doGet(mux, "/api/avatar")
	if w.Code != http.StatusOK {
		t.Fatalf("placeholder: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Fatalf("placeholder content type %q", ct)
	}
	if !strings.Contains(w.Body.String(), ">AL<") {
		t.Fatalf("placeholder missing initials: %s", w.Body.String())
	}

	w = doPost(mux, "/api/avatar", "fake-png-bytes")
	if w.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	var up struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if len(up.Hash) != 16 {
		t.Fatalf("hash %q, want 16 hex chars", up.Hash)
	}

	w = doGet(mux, "/api/avatar")
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("stored content type %q", ct)
	}
	if w.Body.String() != "fake-png-bytes" {
		t.Fatalf("stored bytes %q", w.Body.String())
	}

	// The published profile carries the new hash.
	w = doGet(mux, "/api/self")
	var self struct {
		Profile profile.Profile `json:"profile"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &self); err != nil {
		t.Fatalf("decode self: %v", err)
	}
	if self.Profile.AvatarHash != up.Hash {
		t.Fatalf("profile hash %q, want %q", self.Profile.AvatarHash, up.Hash)
	}

	if w := doPost(mux, "/api/avatar", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("empty upload: %d", w.Code)
	}

	if w := doPost(mux, "/api/avatar/delete", ""); w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if w := doGet(mux, "/api/avatar"); w.Header().Get("Content-Type") != "image/svg+xml" {
		t.Fatalf("expected placeholder after delete, got %q", w.Header().Get("Content-Type"))
	}
}

func TestLogsRoute(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	logs := NewLogBuffer(10)
	mux := http.NewServeMux()
	Register(mux, Deps{
		Calls:   newFakeCalls(),
		Store:   st,
		Profile: profile.NewService(profile.Options{SelfID: "self-peer", Display: "Alice"}),
		Logs:    logs,
	})

	_, _ = logs.Write([]byte("BRIDGE: hello\npartial"))

	w := doGet(mux, "/api/logs")
	if w.Code != http.StatusOK {
		t.Fatalf("logs: %d", w.Code)
	}
	var entries []LogEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Msg != "BRIDGE: hello" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestMethodAndBodyValidation(t *testing.T) {
	mux, _ := newTestBridge(t)

	if w := doGet(mux, "/api/call/start"); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on POST route: %d", w.Code)
	}
	if w := doPost(mux, "/api/participants", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST on GET route: %d", w.Code)
	}
	if w := doPost(mux, "/api/call/start", `{"remote`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON: %d", w.Code)
	}
}

func TestEventsSSE(t *testing.T) {
	mux, fc := newTestBridge(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	rd := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		return strings.TrimRight(line, "\n")
	}

	if got := readLine(); got != "event: connected" {
		t.Fatalf("expected connected event, got %q", got)
	}

	fc.emit(call.Event{Kind: call.EventCall, CallID: "call-1", Status: store.StatusActive})

	var data string
	for {
		line := readLine()
		if line == "event: call" {
			data = strings.TrimPrefix(readLine(), "data: ")
			break
		}
	}

	var ev call.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.CallID != "call-1" || ev.Status != store.StatusActive {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestEventsWebSocket(t *testing.T) {
	mux, fc := newTestBridge(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The handler subscribes after the handshake; wait for it before
	// emitting or the event lands on no listener.
	select {
	case <-fc.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never subscribed")
	}

	fc.emit(call.Event{Kind: call.EventSpeaking, Channel: "den", Peer: "peer-b", Speaking: true})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev call.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != call.EventSpeaking || ev.Peer != "peer-b" || !ev.Speaking {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
