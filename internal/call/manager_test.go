package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmulder/palaver/internal/denoise"
	"github.com/jmulder/palaver/internal/proto"
	"github.com/jmulder/palaver/internal/rtc"
	"github.com/jmulder/palaver/internal/store"
)

func waitEvent(t *testing.T, ch chan Event, kind string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed waiting for %q", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func assertNoEvent(t *testing.T, ch chan Event, kind string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				t.Fatalf("unexpected %q event: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestStartRingsRemote(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	alice := newTestPeer(t, f, "alice")
	bob := newTestPeer(t, f, "bob")

	events, cancel := bob.m.Subscribe()
	defer cancel()

	if _, err := alice.m.Start(context.Background(), alice.id); !errors.Is(err, ErrSelfDial) {
		t.Fatalf("self dial error = %v, want ErrSelfDial", err)
	}

	rec, err := alice.m.Start(context.Background(), bob.id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Status != store.StatusRinging || rec.Initiator != alice.id {
		t.Fatalf("fresh record = %+v, want ringing from %s", rec, alice.id)
	}

	ev := waitEvent(t, events, EventIncoming)
	if ev.CallID != rec.ID || ev.Peer != alice.id {
		t.Fatalf("incoming = %+v, want call %s from %s", ev, rec.ID, alice.id)
	}
	waitStatus(t, bob.st, rec.ID, store.StatusRinging)

	if n := stub.acquireCount(); n != 0 {
		t.Fatalf("ringing acquired %d microphones, want 0", n)
	}

	// A re-delivered ring must not raise a second notification.
	rings := f.envelopes(bob.id, proto.TypeCallRequest)
	if len(rings) == 0 {
		t.Fatalf("no call request reached %s's inbox", bob.id)
	}
	bob.m.handleRing(rings[0])
	assertNoEvent(t, events, EventIncoming, 200*time.Millisecond)
}

func TestDirectCallLifecycle(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	alice := newTestPeer(t, f, "alice")
	bob := newTestPeer(t, f, "bob")

	events, cancel := bob.m.Subscribe()
	defer cancel()

	rec, err := alice.m.Start(context.Background(), bob.id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, events, EventIncoming)

	if err := bob.m.Accept(context.Background(), rec.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitStatus(t, bob.st, rec.ID, store.StatusConnecting)
	waitStatus(t, alice.st, rec.ID, store.StatusConnecting)
	waitFor(t, "both microphones live", func() bool { return stub.openCount() == 2 })

	aliceSess := alice.session(rec.ID)
	bobSess := bob.session(rec.ID)
	if aliceSess == nil || bobSess == nil {
		t.Fatalf("sessions missing: alice=%v bob=%v", aliceSess, bobSess)
	}

	waitFor(t, "voice links on both sides", func() bool {
		return len(aliceSess.reg.Snapshot()) == 1 && len(bobSess.reg.Snapshot()) == 1
	})
	if role := aliceSess.reg.Snapshot()[0].Role; role != rtc.RoleOfferer {
		t.Fatalf("initiator role = %s, want offerer", role)
	}
	if role := bobSess.reg.Snapshot()[0].Role; role != rtc.RoleAnswerer {
		t.Fatalf("callee role = %s, want answerer", role)
	}

	// Each side stamps active on its first remote voice frame.
	aliceSess.markActive()
	bobSess.markActive()
	waitStatus(t, alice.st, rec.ID, store.StatusActive)
	waitStatus(t, bob.st, rec.ID, store.StatusActive)

	if err := alice.m.Hangup(rec.ID); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitStatus(t, alice.st, rec.ID, store.StatusEnded)
	waitStatus(t, bob.st, rec.ID, store.StatusEnded)
	waitFor(t, "sessions torn down", func() bool {
		return alice.session(rec.ID) == nil && bob.session(rec.ID) == nil
	})
	waitFor(t, "microphones released", func() bool { return stub.openCount() == 0 })

	got, err := alice.st.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActiveAt == 0 || got.EndedAt == 0 {
		t.Fatalf("timeline not stamped: %+v", got)
	}
}

func TestDeclineReachesCaller(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	alice := newTestPeer(t, f, "alice")
	bob := newTestPeer(t, f, "bob")

	events, cancel := bob.m.Subscribe()
	defer cancel()

	rec, err := alice.m.Start(context.Background(), bob.id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, events, EventIncoming)

	if err := bob.m.Decline(rec.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	waitStatus(t, bob.st, rec.ID, store.StatusDeclined)
	waitStatus(t, alice.st, rec.ID, store.StatusDeclined)
	waitFor(t, "sessions torn down", func() bool {
		return alice.session(rec.ID) == nil && bob.session(rec.ID) == nil
	})
	if n := stub.acquireCount(); n != 0 {
		t.Fatalf("declined call acquired %d microphones, want 0", n)
	}
}

func TestHangupCancelsRinging(t *testing.T) {
	f := newFabric()
	stubMedia(t)
	alice := newTestPeer(t, f, "alice")
	bob := newTestPeer(t, f, "bob")

	rec, err := alice.m.Start(context.Background(), bob.id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "callee session", func() bool { return bob.session(rec.ID) != nil })

	if err := alice.m.Hangup(rec.ID); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitStatus(t, alice.st, rec.ID, store.StatusEnded)
	waitStatus(t, bob.st, rec.ID, store.StatusEnded)
	waitFor(t, "sessions torn down", func() bool {
		return alice.session(rec.ID) == nil && bob.session(rec.ID) == nil
	})
}

func TestAcceptWithoutMicrophoneKeepsRinging(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	stub.setFail(true)
	alice := newTestPeer(t, f, "alice")
	bob := newTestPeer(t, f, "bob")

	events, cancel := bob.m.Subscribe()
	defer cancel()

	rec, err := alice.m.Start(context.Background(), bob.id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, events, EventIncoming)

	if err := bob.m.Accept(context.Background(), rec.ID); err == nil {
		t.Fatalf("accept succeeded without a microphone")
	}
	got, err := bob.st.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusRinging {
		t.Fatalf("status after failed accept = %q, want ringing", got.Status)
	}

	// The call is still answerable, or in this case, declinable.
	if err := bob.m.Decline(rec.ID); err != nil {
		t.Fatalf("decline after failed accept: %v", err)
	}
	waitStatus(t, alice.st, rec.ID, store.StatusDeclined)
	if n := stub.openCount(); n != 0 {
		t.Fatalf("open captures = %d, want 0", n)
	}
}

func TestRoomJoinFormsMesh(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	a := newTestPeer(t, f, "a")
	b := newTestPeer(t, f, "b")
	c := newTestPeer(t, f, "c")

	for _, p := range []*testPeer{a, b, c} {
		if err := p.m.Join(context.Background(), "room-x"); err != nil {
			t.Fatalf("join %s: %v", p.id, err)
		}
	}
	waitFor(t, "full mesh", func() bool {
		for _, p := range []*testPeer{a, b, c} {
			sess := p.session("room-x")
			if sess == nil || len(sess.reg.Snapshot()) != 2 {
				return false
			}
		}
		return true
	})

	// The smaller peer ID offers on each pair, so no pair negotiated twice.
	if offers := f.envelopes("room-x", proto.TypeOffer); len(offers) != 3 {
		t.Fatalf("mesh of 3 produced %d offers, want 3", len(offers))
	}
	for _, info := range a.session("room-x").reg.Snapshot() {
		if info.Role != rtc.RoleOfferer {
			t.Fatalf("peer a link to %s role = %s, want offerer", info.Remote, info.Role)
		}
	}
	for _, info := range c.session("room-x").reg.Snapshot() {
		if info.Role != rtc.RoleAnswerer {
			t.Fatalf("peer c link to %s role = %s, want answerer", info.Remote, info.Role)
		}
	}
	if n := stub.openCount(); n != 3 {
		t.Fatalf("open captures = %d, want 3", n)
	}
}

func TestLeaveRoomTearsDown(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	a := newTestPeer(t, f, "a")
	b := newTestPeer(t, f, "b")

	if err := a.m.Join(context.Background(), "den"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := b.m.Join(context.Background(), "den"); err != nil {
		t.Fatalf("join b: %v", err)
	}
	waitFor(t, "link between a and b", func() bool {
		sa, sb := a.session("den"), b.session("den")
		return sa != nil && sb != nil &&
			len(sa.reg.Snapshot()) == 1 && len(sb.reg.Snapshot()) == 1
	})

	if err := a.m.Leave("den"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if a.session("den") != nil {
		t.Fatalf("session survived leave")
	}
	waitFor(t, "b drops the link", func() bool {
		return len(b.session("den").reg.Snapshot()) == 0
	})
	waitFor(t, "b forgets a", func() bool {
		_, ok := b.session("den").table.Get(a.id)
		return !ok
	})
	if n := stub.openCount(); n != 1 {
		t.Fatalf("open captures after leave = %d, want 1", n)
	}

	if err := b.m.Leave("nowhere"); err == nil {
		t.Fatalf("leaving an unjoined room succeeded")
	}
}

func TestMuteAndVolumeControls(t *testing.T) {
	f := newFabric()
	stubMedia(t)
	a := newTestPeer(t, f, "a")
	b := newTestPeer(t, f, "b")

	if _, err := a.m.ToggleMute(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("mute without session error = %v, want ErrNoSession", err)
	}

	if err := a.m.Join(context.Background(), "den"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := b.m.Join(context.Background(), "den"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	muted, err := a.m.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("toggle = (%v, %v), want (true, nil)", muted, err)
	}
	waitFor(t, "mute visible to b", func() bool {
		p, ok := b.session("den").table.Get(a.id)
		return ok && p.Muted
	})
	muted, err = a.m.ToggleMute()
	if err != nil || muted {
		t.Fatalf("second toggle = (%v, %v), want (false, nil)", muted, err)
	}
	waitFor(t, "unmute visible to b", func() bool {
		p, ok := b.session("den").table.Get(a.id)
		return ok && !p.Muted
	})

	waitFor(t, "b visible to a", func() bool {
		_, ok := a.session("den").table.Get(b.id)
		return ok
	})
	if err := a.m.SetUserVolume(b.id, 0.25); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if v := a.session("den").table.Volume(b.id); v != 0.25 {
		t.Fatalf("stored volume = %v, want 0.25", v)
	}
	if err := a.m.SetUserVolume(b.id, 3.5); err == nil {
		t.Fatalf("out-of-range volume accepted")
	}
}

func TestSecondJoinStealsMicrophone(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	a := newTestPeer(t, f, "a")

	if err := a.m.Join(context.Background(), "room-1"); err != nil {
		t.Fatalf("join room-1: %v", err)
	}
	if n := stub.openCount(); n != 1 {
		t.Fatalf("open captures = %d, want 1", n)
	}

	if err := a.m.Join(context.Background(), "room-2"); err != nil {
		t.Fatalf("join room-2: %v", err)
	}
	if a.session("room-1") != nil {
		t.Fatalf("room-1 session survived the second join")
	}
	if a.session("room-2") == nil {
		t.Fatalf("room-2 session missing")
	}
	if n := stub.openCount(); n != 1 {
		t.Fatalf("open captures after steal = %d, want 1", n)
	}
	if n := stub.acquireCount(); n != 2 {
		t.Fatalf("total acquisitions = %d, want 2", n)
	}
}

func TestRemotePresenceLossEndsCall(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	alice := newTestPeer(t, f, "alice")
	bob := newTestPeer(t, f, "bob")

	events, cancel := bob.m.Subscribe()
	defer cancel()

	rec, err := alice.m.Start(context.Background(), bob.id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, events, EventIncoming)
	if err := bob.m.Accept(context.Background(), rec.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitStatus(t, alice.st, rec.ID, store.StatusConnecting)
	waitFor(t, "both microphones live", func() bool { return stub.openCount() == 2 })

	sess := alice.session(rec.ID)
	waitFor(t, "bob visible in presence", func() bool {
		_, ok := sess.table.Get(bob.id)
		return ok
	})
	// Heartbeat expiry and explicit offline both surface as a table leave.
	sess.table.Remove(bob.id)

	waitStatus(t, alice.st, rec.ID, store.StatusEnded)
	waitStatus(t, bob.st, rec.ID, store.StatusEnded)
	waitFor(t, "microphones released", func() bool { return stub.openCount() == 0 })
}

func TestApplyAudioModeAndRebuild(t *testing.T) {
	f := newFabric()
	stub := stubMedia(t)
	a := newTestPeer(t, f, "a")

	if err := a.m.Join(context.Background(), "solo"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if n := stub.acquireCount(); n != 1 {
		t.Fatalf("acquisitions = %d, want 1", n)
	}

	audio := a.m.audioConfig()
	audio.Mode = denoise.ModeAggressive
	a.m.ApplyAudio(audio)
	if n := stub.acquireCount(); n != 1 {
		t.Fatalf("mode change reacquired the microphone (%d acquisitions)", n)
	}
	sess := a.session("solo")
	sess.mu.Lock()
	pipe := sess.pipe
	sess.mu.Unlock()
	if mode := pipe.Mode(); mode != denoise.ModeAggressive {
		t.Fatalf("pipeline mode = %q, want aggressive", mode)
	}

	audio.Suppression = !audio.Suppression
	a.m.ApplyAudio(audio)
	waitFor(t, "pipeline rebuild", func() bool { return stub.acquireCount() == 2 })
	if n := stub.openCount(); n != 1 {
		t.Fatalf("open captures after rebuild = %d, want 1", n)
	}
}

func TestCloseEndsOutstandingCalls(t *testing.T) {
	f := newFabric()
	stubMedia(t)
	alice := newTestPeer(t, f, "alice")
	bob := newTestPeer(t, f, "bob")

	rec, err := alice.m.Start(context.Background(), bob.id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "callee session", func() bool { return bob.session(rec.ID) != nil })

	alice.m.Close()
	alice.m.Close() // idempotent

	waitStatus(t, alice.st, rec.ID, store.StatusEnded)
	waitStatus(t, bob.st, rec.ID, store.StatusEnded)
	if got := alice.m.Sessions(); len(got) != 0 {
		t.Fatalf("sessions after close: %+v", got)
	}
}

func TestOperationErrors(t *testing.T) {
	f := newFabric()
	stubMedia(t)
	a := newTestPeer(t, f, "a")

	if err := a.m.Accept(context.Background(), "missing"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("accept unknown = %v, want ErrUnknownCall", err)
	}
	if err := a.m.Decline("missing"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("decline unknown = %v, want ErrUnknownCall", err)
	}
	if err := a.m.Hangup("missing"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("hangup unknown = %v, want ErrUnknownCall", err)
	}
	if err := a.m.StartShare(""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("share without session = %v, want ErrNoSession", err)
	}
	if err := a.m.SetUserVolume("b", 1); !errors.Is(err, ErrNoSession) {
		t.Fatalf("volume without session = %v, want ErrNoSession", err)
	}

	if err := a.m.Join(context.Background(), "den"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := a.m.Join(context.Background(), "den"); err == nil {
		t.Fatalf("double join succeeded")
	}
}
