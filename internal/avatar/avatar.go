// internal/avatar/avatar.go
package avatar

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store owns the peer's own avatar image on disk. Only the short content
// hash travels over presence; remotes compare it against what they hold and
// fetch the bytes out of band. An empty hash means no avatar is set.
type Store struct {
	mu   sync.RWMutex
	dir  string
	hash string
}

// NewStore roots the store at the peer directory and hashes any existing
// avatar file so the published hash is correct from the first presence beat.
func NewStore(peerDir string) *Store {
	s := &Store{dir: peerDir}
	if data, err := os.ReadFile(s.path()); err == nil {
		s.hash = digest(data)
	}
	return s
}

func (s *Store) path() string {
	return filepath.Join(s.dir, "avatar.png")
}

// Hash returns the 16-hex-char content hash, or "" when no avatar is set.
func (s *Store) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// Read returns the avatar bytes. A missing file is not an error; it returns
// nil bytes so callers can fall back to a generated placeholder.
func (s *Store) Read() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Write replaces the avatar and recomputes the hash under the same lock so
// Hash never reports a stale value for bytes already on disk.
func (s *Store) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(), data, 0o644); err != nil {
		return err
	}
	s.hash = digest(data)
	return nil
}

// Delete removes the avatar file and clears the hash. Deleting an absent
// file succeeds.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path())
	if os.IsNotExist(err) {
		err = nil
	}
	s.hash = ""
	return err
}

func digest(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// InitialsSVG renders a deterministic placeholder for peers without an
// avatar: initials on a colored disc. The seed keeps two peers with the
// same display name from sharing a color.
func InitialsSVG(label, seed string) []byte {
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="256" height="256" viewBox="0 0 256 256">
  <rect width="256" height="256" rx="128" fill="%s"/>
  <text x="128" y="128" dy=".35em" text-anchor="middle"
        font-family="sans-serif" font-size="100" font-weight="600" fill="#fff">%s</text>
</svg>`, colorFor(label+seed), initialsOf(label))
	return []byte(svg)
}

func initialsOf(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "?"
	}
	parts := strings.Fields(label)
	if len(parts) >= 2 {
		return strings.ToUpper(string([]rune(parts[0])[:1]) + string([]rune(parts[1])[:1]))
	}
	r := []rune(parts[0])
	if len(r) >= 2 {
		return strings.ToUpper(string(r[:2]))
	}
	return strings.ToUpper(string(r[:1]))
}

var palette = []string{
	"#e74c3c", "#e67e22", "#f1c40f", "#2ecc71", "#1abc9c",
	"#3498db", "#9b59b6", "#e91e63", "#00bcd4", "#ff5722",
	"#607d8b", "#795548", "#8bc34a", "#673ab7",
}

func colorFor(s string) string {
	h := sha256.Sum256([]byte(s))
	return palette[int(h[0])%len(palette)]
}
