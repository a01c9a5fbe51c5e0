// Package presence tracks who is on a channel right now. Membership is
// synthesized from heartbeat messages: a participant exists from their first
// attribute message until an explicit offline or a TTL expiry.
package presence

import (
	"sync"
	"time"

	"github.com/jmulder/palaver/internal/proto"
)

// Participant is one remote peer's live state on a channel.
type Participant struct {
	Display    string    `json:"display"`
	AvatarHash string    `json:"avatar_hash,omitempty"`
	Status     string    `json:"status"`
	Speaking   bool      `json:"speaking"`
	Level      float64   `json:"level"`
	Muted      bool      `json:"muted"`
	Sharing    bool      `json:"sharing"`
	Volume     float64   `json:"volume"`
	LastSeen   time.Time `json:"last_seen"`
}

// Event is fired to table listeners on membership or attribute changes.
type Event struct {
	Type        string                 `json:"type"` // join, update, leave
	PeerID      string                 `json:"peer_id,omitempty"`
	Participant *Participant           `json:"participant,omitempty"`
	All         map[string]Participant `json:"all,omitempty"`
}

// Table is the participant registry for one channel.
type Table struct {
	mu        sync.Mutex
	members   map[string]Participant
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{
		members:   map[string]Participant{},
		listeners: make([]chan Event, 0),
	}
}

// Upsert applies a presence attribute set. The first message from a peer is
// a join; later ones are updates. Per-listener volume survives updates since
// it is a local preference, not something the remote reports.
func (t *Table) Upsert(id string, st proto.PresenceState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	evType := "update"
	volume := 1.0
	level := st.Level
	if existing, ok := t.members[id]; ok {
		volume = existing.Volume
	} else {
		evType = "join"
	}

	status := st.Status
	if status == "" {
		status = proto.StatusOnline
	}

	p := Participant{
		Display:    st.Display,
		AvatarHash: st.AvatarHash,
		Status:     status,
		Speaking:   st.Speaking,
		Level:      level,
		Muted:      st.Muted,
		Sharing:    st.Sharing,
		Volume:     volume,
		LastSeen:   time.Now(),
	}
	t.members[id] = p
	t.notify(Event{Type: evType, PeerID: id, Participant: &p})
}

// Touch refreshes a participant's liveness without changing attributes.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.members[id]
	if !ok {
		return
	}
	p.LastSeen = time.Now()
	t.members[id] = p
}

// Remove drops a participant and fires a leave event.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[id]; !ok {
		return
	}
	delete(t.members, id)
	t.notify(Event{Type: "leave", PeerID: id})
}

// SetSpeaking updates the speaking flag and level for a participant. Events
// fire only on a state flip; bare level movement updates the row silently so
// listeners are not flooded at frame rate.
func (t *Table) SetSpeaking(id string, speaking bool, level float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.members[id]
	if !ok {
		return
	}
	changed := p.Speaking != speaking
	p.Speaking = speaking
	p.Level = level
	t.members[id] = p
	if changed {
		t.notify(Event{Type: "update", PeerID: id, Participant: &p})
	}
}

// SetVolume stores the local playback volume preference for a participant.
func (t *Table) SetVolume(id string, volume float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.members[id]
	if !ok {
		return
	}
	p.Volume = volume
	t.members[id] = p
	t.notify(Event{Type: "update", PeerID: id, Participant: &p})
}

// Volume returns the stored playback volume for a participant (1.0 when
// unknown).
func (t *Table) Volume(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.members[id]; ok {
		return p.Volume
	}
	return 1.0
}

func (t *Table) Get(id string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.members[id]
	return p, ok
}

func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	return ids
}

func (t *Table) Snapshot() map[string]Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Participant, len(t.members))
	for k, v := range t.members {
		cp[k] = v
	}
	return cp
}

// PruneStale removes participants whose last heartbeat predates the cutoff,
// firing leave events for each. Leave events are what drive connection
// teardown upstream, so expiry and explicit offline look identical there.
func (t *Table) PruneStale(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.members {
		if p.LastSeen.Before(cutoff) {
			delete(t.members, id)
			t.notify(Event{Type: "leave", PeerID: id})
		}
	}
}

// Subscribe registers a listener channel for table events.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
