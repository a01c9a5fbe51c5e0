package rtc

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/jmulder/palaver/internal/proto"
)

// ErrLinkFailed marks a link whose transport died and whose single automatic
// ICE restart did not bring it back.
var ErrLinkFailed = errors.New("link failed after ICE restart")

// Comparator elects the offering side for a pair: true means the local peer
// offers. Both peers evaluate the same pure function with swapped arguments,
// so exactly one side ever creates the offer.
type Comparator func(local, remote string) bool

// LexicographicTieBreak offers from the lexicographically smaller peer ID.
func LexicographicTieBreak(local, remote string) bool { return local < remote }

// Hooks are the registry's upward callbacks. All optional.
type Hooks struct {
	// LocalTracks supplies the tracks to attach when a link is created on
	// the answering side (the offering side passes tracks explicitly).
	LocalTracks func(purpose Purpose) []webrtc.TrackLocal

	// OnRemoteTrack fires when a remote track starts on any link.
	OnRemoteTrack func(remote string, purpose Purpose, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)

	// OnLinkError fires exactly once per link that dies on its own.
	OnLinkError func(remote string, purpose Purpose, err error)

	// OnLinkGone fires for every link removal, deliberate or not.
	OnLinkGone func(remote string, purpose Purpose)
}

// Registry owns every live link, keyed by (remote, purpose).
type Registry struct {
	engine *Engine
	selfID string
	sender Sender
	cmp    Comparator
	hooks  Hooks

	mu      sync.Mutex
	links   map[Key]*Link
	orphans map[Key][]proto.CandidatePayload
}

// Candidates that arrive before their offer are stashed per key; the stash
// is bounded so a misbehaving peer cannot grow it without limit.
const maxOrphanCandidates = 32

func NewRegistry(engine *Engine, selfID string, sender Sender, cmp Comparator, hooks Hooks) *Registry {
	if cmp == nil {
		cmp = LexicographicTieBreak
	}
	return &Registry{
		engine:  engine,
		selfID:  selfID,
		sender:  sender,
		cmp:     cmp,
		hooks:   hooks,
		links:   make(map[Key]*Link),
		orphans: make(map[Key][]proto.CandidatePayload),
	}
}

// SelfID returns the local peer ID the registry tie-breaks with.
func (r *Registry) SelfID() string { return r.selfID }

// LocalOffers reports whether the tie-break elects the local side for a
// remote peer.
func (r *Registry) LocalOffers(remote string) bool { return r.cmp(r.selfID, remote) }

// Initiate opens a link to the remote if the comparator elects the local
// side; otherwise it is a no-op and the remote's offer is awaited. Both
// sides of a pair call Initiate; only one sends an offer.
func (r *Registry) Initiate(remote string, purpose Purpose, tracks []webrtc.TrackLocal) error {
	if !r.LocalOffers(remote) {
		log.Printf("RTC [%s/%s]: awaiting offer from remote", purpose, shortID(remote))
		return nil
	}
	return r.OfferTo(remote, purpose, tracks)
}

// OfferTo opens a link and sends an offer regardless of the comparator.
// Used where the protocol itself names the offerer: the call initiator and
// the screen-share broadcaster. Opening an existing key is a no-op.
func (r *Registry) OfferTo(remote string, purpose Purpose, tracks []webrtc.TrackLocal) error {
	key := Key{Remote: remote, Purpose: purpose}

	r.mu.Lock()
	if _, ok := r.links[key]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	link, err := r.create(key, RoleOfferer)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		link.addRecvOnly()
	}
	for _, t := range tracks {
		if err := link.AddTrack(t); err != nil {
			log.Printf("RTC [%s]: add track failed: %v", key, err)
		}
	}
	if err := link.offer(false); err != nil {
		r.drop(key)
		link.close(nil)
		return err
	}
	return nil
}

// Renegotiate attaches tracks to an existing link and re-offers, for the
// mutual screen-share case where the link already runs the other way.
// Without a link it degrades to a plain OfferTo.
func (r *Registry) Renegotiate(remote string, purpose Purpose, tracks []webrtc.TrackLocal) error {
	link, ok := r.Get(remote, purpose)
	if !ok {
		return r.OfferTo(remote, purpose, tracks)
	}
	for _, t := range tracks {
		if err := link.AddTrack(t); err != nil {
			log.Printf("RTC [%s]: add track failed: %v", link.key, err)
		}
	}
	return link.offer(false)
}

// HandleEnvelope routes an inbound negotiation envelope to its link. Offers
// create the answering link on demand; answers and candidates for unknown
// links are stashed or dropped.
func (r *Registry) HandleEnvelope(env *proto.SignalEnvelope) {
	purpose := Purpose(env.Purpose)
	if purpose == "" {
		purpose = PurposeVoice
	}
	key := Key{Remote: env.From, Purpose: purpose}

	switch env.Type {
	case proto.TypeOffer:
		var p proto.SDPPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("RTC [%s]: malformed offer payload: %v", key, err)
			return
		}
		link, err := r.answerer(key)
		if err != nil {
			log.Printf("RTC [%s]: cannot create link for offer: %v", key, err)
			return
		}
		if err := link.handleOffer(p); err != nil {
			log.Printf("RTC [%s]: offer handling failed: %v", key, err)
		}

	case proto.TypeAnswer:
		var p proto.SDPPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("RTC [%s]: malformed answer payload: %v", key, err)
			return
		}
		link, ok := r.Get(key.Remote, key.Purpose)
		if !ok {
			log.Printf("RTC [%s]: dropping answer for unknown link", key)
			return
		}
		if err := link.handleAnswer(p); err != nil {
			log.Printf("RTC [%s]: answer handling failed: %v", key, err)
		}

	case proto.TypeCandidate:
		var p proto.CandidatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("RTC [%s]: malformed candidate payload: %v", key, err)
			return
		}
		link, ok := r.Get(key.Remote, key.Purpose)
		if !ok {
			r.stashOrphan(key, p)
			return
		}
		if err := link.handleCandidate(p); err != nil {
			log.Printf("RTC [%s]: candidate rejected: %v", key, err)
		}
	}
}

// answerer returns the link for an inbound offer, creating it with the
// answering role (and the hook-supplied local tracks) when absent.
func (r *Registry) answerer(key Key) (*Link, error) {
	r.mu.Lock()
	if link, ok := r.links[key]; ok {
		r.mu.Unlock()
		return link, nil
	}
	r.mu.Unlock()

	link, err := r.create(key, RoleAnswerer)
	if err != nil {
		return nil, err
	}
	if r.hooks.LocalTracks != nil {
		for _, t := range r.hooks.LocalTracks(key.Purpose) {
			if err := link.AddTrack(t); err != nil {
				log.Printf("RTC [%s]: add track failed: %v", key, err)
			}
		}
	}
	return link, nil
}

// create builds the PeerConnection and registers the link under its key,
// feeding it any stashed orphan candidates.
func (r *Registry) create(key Key, role Role) (*Link, error) {
	pc, err := r.engine.newPeerConnection()
	if err != nil {
		return nil, err
	}

	policy := newRestartPolicy(r.engine.cfg.DisconnectedGrace, r.engine.cfg.RestartWindow, nil)
	link := newLink(key, role, pc, r.sender, policy, r.linkGone)

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		log.Printf("RTC [%s]: remote track %s (%s)", key, track.ID(), track.Kind())
		if r.hooks.OnRemoteTrack != nil {
			r.hooks.OnRemoteTrack(key.Remote, key.Purpose, track, recv)
		}
	})

	r.mu.Lock()
	if existing, ok := r.links[key]; ok {
		// Lost a creation race; keep the first.
		r.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	r.links[key] = link
	stashed := r.orphans[key]
	delete(r.orphans, key)
	r.mu.Unlock()

	for _, p := range stashed {
		if err := link.handleCandidate(p); err != nil {
			log.Printf("RTC [%s]: stashed candidate rejected: %v", key, err)
		}
	}

	log.Printf("RTC [%s]: link created (%s)", key, role)
	return link, nil
}

func (r *Registry) stashOrphan(key Key, p proto.CandidatePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.orphans[key]) >= maxOrphanCandidates {
		return
	}
	r.orphans[key] = append(r.orphans[key], p)
}

// linkGone is each link's onGone callback: deregister, then surface.
func (r *Registry) linkGone(l *Link, err error) {
	r.drop(l.key)
	if err != nil && r.hooks.OnLinkError != nil {
		r.hooks.OnLinkError(l.key.Remote, l.key.Purpose, err)
	}
	if r.hooks.OnLinkGone != nil {
		r.hooks.OnLinkGone(l.key.Remote, l.key.Purpose)
	}
}

func (r *Registry) drop(key Key) {
	r.mu.Lock()
	delete(r.links, key)
	delete(r.orphans, key)
	r.mu.Unlock()
}

// Get returns the live link for a key.
func (r *Registry) Get(remote string, purpose Purpose) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[Key{Remote: remote, Purpose: purpose}]
	return link, ok
}

// Close tears down one link. No-op for unknown keys.
func (r *Registry) Close(remote string, purpose Purpose) {
	if link, ok := r.Get(remote, purpose); ok {
		link.close(nil)
	}
}

// ClosePeer tears down every link to one remote, any purpose.
func (r *Registry) ClosePeer(remote string) {
	r.mu.Lock()
	var targets []*Link
	for key, link := range r.links {
		if key.Remote == remote {
			targets = append(targets, link)
		}
	}
	r.mu.Unlock()
	for _, link := range targets {
		link.close(nil)
	}
}

// CloseAll tears down every link. Used on hangup/leave and shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	targets := make([]*Link, 0, len(r.links))
	for _, link := range r.links {
		targets = append(targets, link)
	}
	r.mu.Unlock()
	for _, link := range targets {
		link.close(nil)
	}
}

// Snapshot lists every live link for the status surface.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.links))
	for _, link := range r.links {
		out = append(out, link.Info())
	}
	return out
}
