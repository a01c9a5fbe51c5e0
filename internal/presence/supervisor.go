package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jmulder/palaver/internal/proto"
)

// Options tunes the supervisor's timing and seeds the published state.
type Options struct {
	TTL       time.Duration // heartbeat silence after which a peer is gone
	Heartbeat time.Duration // our own publish interval
	AwayAfter time.Duration // idle time before the local status flips to away

	// Initial is the attribute set announced on join, before any Track call.
	Initial proto.PresenceState
}

// Broadcaster is the topic surface the supervisor drives. A
// *signal.PresenceTopic satisfies it; tests substitute an in-memory fabric.
type Broadcaster interface {
	Publish(typ string, state proto.PresenceState) error
	Subscribe() (chan proto.PresenceMsg, func())
}

// Supervisor owns one channel's presence: it publishes the local attribute
// set on join, on every heartbeat, and immediately on attribute change, and
// it feeds inbound messages into the Table, pruning peers whose heartbeats
// stop. It does not close the underlying topic; the caller owns that.
type Supervisor struct {
	topic Broadcaster
	table *Table
	opt   Options

	mu           sync.Mutex
	self         proto.PresenceState
	manualStatus string
	lastActivity time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSupervisor(topic Broadcaster, table *Table, opt Options) *Supervisor {
	if opt.TTL <= 0 {
		opt.TTL = 20 * time.Second
	}
	if opt.Heartbeat <= 0 {
		opt.Heartbeat = opt.TTL / 3
	}
	return &Supervisor{
		topic:        topic,
		table:        table,
		opt:          opt,
		self:         opt.Initial,
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run announces the local peer and supervises the channel until ctx ends or
// Stop is called. Blocking; callers run it in a goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)

	if err := s.topic.Publish(proto.TypeOnline, s.currentState()); err != nil {
		log.Printf("PRESENCE: initial announce failed: %v", err)
	}

	msgs, cancelMsgs := s.topic.Subscribe()
	defer cancelMsgs()

	heartbeat := time.NewTicker(s.opt.Heartbeat)
	defer heartbeat.Stop()
	prune := time.NewTicker(s.opt.TTL / 2)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handle(msg)
		case <-heartbeat.C:
			if err := s.topic.Publish(proto.TypeUpdate, s.currentState()); err != nil {
				log.Printf("PRESENCE: heartbeat failed: %v", err)
			}
		case <-prune.C:
			s.table.PruneStale(time.Now().Add(-s.opt.TTL))
		}
	}
}

// Stop halts the supervisor loop. Idempotent; returns once the loop exited.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Supervisor) handle(msg proto.PresenceMsg) {
	switch msg.Type {
	case proto.TypeOnline, proto.TypeUpdate:
		s.table.Upsert(msg.PeerID, msg.State)
	case proto.TypeOffline:
		s.table.Remove(msg.PeerID)
	}
}

// currentState assembles the attribute set to publish, folding in the
// away-detection clock unless a manual status override is active.
func (s *Supervisor) currentState() proto.PresenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.self
	switch {
	case s.manualStatus != "":
		st.Status = s.manualStatus
	case time.Since(s.lastActivity) > s.opt.AwayAfter && s.opt.AwayAfter > 0:
		st.Status = proto.StatusAway
	default:
		st.Status = proto.StatusOnline
	}
	return st
}

// Track replaces the published attribute set and pushes an update out
// immediately rather than waiting for the next heartbeat.
func (s *Supervisor) Track(mutate func(*proto.PresenceState)) {
	s.mu.Lock()
	mutate(&s.self)
	s.mu.Unlock()
	if err := s.topic.Publish(proto.TypeUpdate, s.currentState()); err != nil {
		log.Printf("PRESENCE: update publish failed: %v", err)
	}
}

// SetProfile sets the display name and avatar hash carried by heartbeats.
func (s *Supervisor) SetProfile(display, avatarHash string) {
	s.Track(func(st *proto.PresenceState) {
		st.Display = display
		st.AvatarHash = avatarHash
	})
}

// SetSpeaking publishes the local voice-activity state. Called by the
// detector at its own broadcast cadence, so no extra gating here.
func (s *Supervisor) SetSpeaking(speaking bool, level float64) {
	s.Track(func(st *proto.PresenceState) {
		st.Speaking = speaking
		st.Level = level
	})
}

// SetMuted publishes the mute flag.
func (s *Supervisor) SetMuted(muted bool) {
	s.Track(func(st *proto.PresenceState) { st.Muted = muted })
}

// SetSharing publishes the screen-share flag.
func (s *Supervisor) SetSharing(sharing bool) {
	s.Track(func(st *proto.PresenceState) { st.Sharing = sharing })
}

// SetStatus forces a manual status (empty string returns to automatic
// online/away detection).
func (s *Supervisor) SetStatus(status string) {
	s.mu.Lock()
	s.manualStatus = status
	s.mu.Unlock()
	if err := s.topic.Publish(proto.TypeUpdate, s.currentState()); err != nil {
		log.Printf("PRESENCE: status publish failed: %v", err)
	}
}

// MarkActivity resets the away-detection clock.
func (s *Supervisor) MarkActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Events exposes the table's event stream.
func (s *Supervisor) Events() (chan Event, func()) {
	ch := s.table.Subscribe()
	return ch, func() { s.table.Unsubscribe(ch) }
}
