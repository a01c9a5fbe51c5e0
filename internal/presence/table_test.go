package presence

import (
	"testing"
	"time"

	"github.com/jmulder/palaver/internal/proto"
)

func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestUpsertJoinThenUpdate(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.Upsert("peer-a", proto.PresenceState{Display: "Alice"})
	tbl.Upsert("peer-a", proto.PresenceState{Display: "Alice", Muted: true})

	events := drain(ch)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "join" {
		t.Fatalf("expected first event join, got %q", events[0].Type)
	}
	if events[1].Type != "update" {
		t.Fatalf("expected second event update, got %q", events[1].Type)
	}
	if !events[1].Participant.Muted {
		t.Fatalf("expected muted participant in update event")
	}
}

func TestVolumeSurvivesUpsert(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("peer-a", proto.PresenceState{Display: "Alice"})
	tbl.SetVolume("peer-a", 0.4)
	tbl.Upsert("peer-a", proto.PresenceState{Display: "Alice", Speaking: true})

	if got := tbl.Volume("peer-a"); got != 0.4 {
		t.Fatalf("expected volume 0.4 after upsert, got %v", got)
	}
	if got := tbl.Volume("peer-unknown"); got != 1.0 {
		t.Fatalf("expected default volume 1.0, got %v", got)
	}
}

func TestSetSpeakingFiresOnlyOnFlip(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("peer-a", proto.PresenceState{Display: "Alice"})
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.SetSpeaking("peer-a", true, 0.5)
	tbl.SetSpeaking("peer-a", true, 0.6) // level only, no event
	tbl.SetSpeaking("peer-a", false, 0.0)

	events := drain(ch)
	if len(events) != 2 {
		t.Fatalf("expected 2 events (two flips), got %d", len(events))
	}
	if !events[0].Participant.Speaking || events[1].Participant.Speaking {
		t.Fatalf("expected speaking true then false, got %v then %v",
			events[0].Participant.Speaking, events[1].Participant.Speaking)
	}

	p, ok := tbl.Get("peer-a")
	if !ok {
		t.Fatalf("participant missing")
	}
	if p.Level != 0.0 {
		t.Fatalf("expected final level 0.0, got %v", p.Level)
	}
}

func TestPruneStaleFiresLeave(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("peer-a", proto.PresenceState{Display: "Alice"})
	tbl.Upsert("peer-b", proto.PresenceState{Display: "Bob"})
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	// peer-a heartbeats just now, peer-b is in the past.
	tbl.mu.Lock()
	p := tbl.members["peer-b"]
	p.LastSeen = time.Now().Add(-time.Minute)
	tbl.members["peer-b"] = p
	tbl.mu.Unlock()

	tbl.PruneStale(time.Now().Add(-30 * time.Second))

	events := drain(ch)
	if len(events) != 1 {
		t.Fatalf("expected 1 leave event, got %d", len(events))
	}
	if events[0].Type != "leave" || events[0].PeerID != "peer-b" {
		t.Fatalf("expected leave for peer-b, got %s for %s", events[0].Type, events[0].PeerID)
	}
	if _, ok := tbl.Get("peer-b"); ok {
		t.Fatalf("expected peer-b removed")
	}
	if _, ok := tbl.Get("peer-a"); !ok {
		t.Fatalf("expected peer-a kept")
	}
}

func TestRemoveUnknownIsQuiet(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.Remove("peer-x")
	if events := drain(ch); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
