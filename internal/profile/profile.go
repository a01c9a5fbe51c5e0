// Package profile keeps the local user identity and a directory of peers
// seen on presence topics. The directory outlives calls so ring
// notifications and call history can put a name to a bare peer ID.
package profile

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jmulder/palaver/internal/proto"
)

// Profile is the identity tuple for one user, local or remote.
type Profile struct {
	ID         string    `json:"id"`
	Display    string    `json:"display"`
	AvatarHash string    `json:"avatar_hash,omitempty"`
	Status     string    `json:"status"` // online|away|offline
	LastSeen   time.Time `json:"last_seen,omitzero"`
}

// Options configures a Service. The three hooks decouple the service from
// config persistence and live presence; any of them may be nil.
type Options struct {
	SelfID     string
	Display    string
	AvatarHash string

	// Persist writes a profile change back to the config file.
	Persist func(display, avatarHash string) error

	// Announce pushes a profile change into every joined presence topic.
	Announce func(display, avatarHash string)

	// Publish pushes an availability change into every joined presence topic.
	Publish func(status string)
}

// Service answers profile lookups for the local user and for every peer
// observed on presence traffic since startup.
type Service struct {
	mu    sync.Mutex
	self  Profile
	peers map[string]Profile

	persist  func(display, avatarHash string) error
	announce func(display, avatarHash string)
	publish  func(status string)
}

func NewService(o Options) *Service {
	display := strings.TrimSpace(o.Display)
	if display == "" {
		display = "anonymous"
	}
	return &Service{
		self: Profile{
			ID:         o.SelfID,
			Display:    display,
			AvatarHash: o.AvatarHash,
			Status:     proto.StatusOnline,
		},
		peers:    map[string]Profile{},
		persist:  o.Persist,
		announce: o.Announce,
		publish:  o.Publish,
	}
}

// Self returns the local profile.
func (s *Service) Self() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// SetProfile updates the local display name and avatar. The change is
// persisted before it takes effect in memory, so a failed save leaves the
// published profile matching the file on disk.
func (s *Service) SetProfile(display, avatarHash string) error {
	display = strings.TrimSpace(display)
	if display == "" {
		return errors.New("display name must not be empty")
	}

	s.mu.Lock()
	unchanged := display == s.self.Display && avatarHash == s.self.AvatarHash
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	if s.persist != nil {
		if err := s.persist(display, avatarHash); err != nil {
			return fmt.Errorf("persist profile: %w", err)
		}
	}

	s.mu.Lock()
	s.self.Display = display
	s.self.AvatarHash = avatarHash
	s.mu.Unlock()

	if s.announce != nil {
		s.announce(display, avatarHash)
	}
	log.Printf("PROFILE: display %q avatar %q", display, avatarHash)
	return nil
}

// SetStatus updates the local availability (online|away|offline).
func (s *Service) SetStatus(status string) error {
	switch status {
	case proto.StatusOnline, proto.StatusAway, proto.StatusOffline:
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	s.mu.Lock()
	changed := s.self.Status != status
	s.self.Status = status
	s.mu.Unlock()

	if changed && s.publish != nil {
		s.publish(status)
	}
	return nil
}

// Observe records a peer seen on a presence topic. Empty fields leave the
// cached values untouched so partial updates never erase a known name.
func (s *Service) Observe(id, display, avatarHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || id == s.self.ID {
		return
	}
	p := s.peers[id]
	p.ID = id
	if display != "" {
		p.Display = display
	}
	if avatarHash != "" {
		p.AvatarHash = avatarHash
	}
	p.Status = proto.StatusOnline
	p.LastSeen = time.Now()
	s.peers[id] = p
}

// MarkOffline flips a cached peer to offline. Name and avatar stay cached
// for later display.
func (s *Service) MarkOffline(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return
	}
	p.Status = proto.StatusOffline
	s.peers[id] = p
}

// Lookup resolves an ID to its last known profile. The local user resolves
// too, so callers need no special case.
func (s *Service) Lookup(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.self.ID {
		return s.self, true
	}
	p, ok := s.peers[id]
	return p, ok
}

// DisplayName returns the best available name for an ID, falling back to
// the raw ID for peers never seen.
func (s *Service) DisplayName(id string) string {
	if p, ok := s.Lookup(id); ok && p.Display != "" {
		return p.Display
	}
	return id
}

// Peers returns a copy of the remote directory.
func (s *Service) Peers() map[string]Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]Profile, len(s.peers))
	for k, v := range s.peers {
		cp[k] = v
	}
	return cp
}
