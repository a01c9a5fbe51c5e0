package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Action is what the restart policy wants done with a link.
type Action int

const (
	ActionNone Action = iota
	// ActionRestart asks the offerer to re-offer with ICERestart.
	ActionRestart
	// ActionClose declares the link dead: close it and surface one error.
	ActionClose
)

// restartPolicy decides when a link gets its single automatic ICE restart
// and when it is given up on. Pure state machine over observed connection
// states; the clock is injected so the windows are testable.
//
// Rules: failed triggers one restart. Disconnected sustained past the grace
// period triggers the same restart. A link still not connected when the
// post-restart window expires is closed, and never restarted again.
type restartPolicy struct {
	now   func() time.Time
	grace time.Duration
	win   time.Duration

	mu             sync.Mutex
	restarted      bool
	restartedAt    time.Time
	disconnectedAt time.Time
}

func newRestartPolicy(grace, window time.Duration, now func() time.Time) *restartPolicy {
	if now == nil {
		now = time.Now
	}
	return &restartPolicy{now: now, grace: grace, win: window}
}

// Observe reports a connection state change. It returns the action to take
// plus a recheck delay: when > 0 the caller schedules Recheck after that
// delay (with whatever state the link is in then).
func (p *restartPolicy) Observe(state webrtc.PeerConnectionState) (Action, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.disconnectedAt = time.Time{}
		return ActionNone, 0

	case webrtc.PeerConnectionStateDisconnected:
		if p.disconnectedAt.IsZero() {
			p.disconnectedAt = p.now()
		}
		if p.restarted {
			// The post-restart window check decides; nothing extra here.
			return ActionNone, 0
		}
		return ActionNone, p.grace

	case webrtc.PeerConnectionStateFailed:
		if !p.restarted {
			p.restarted = true
			p.restartedAt = p.now()
			return ActionRestart, p.win
		}
		if p.now().Sub(p.restartedAt) >= p.win {
			return ActionClose, 0
		}
		return ActionNone, 0

	default:
		return ActionNone, 0
	}
}

// Recheck is the deferred evaluation scheduled by Observe. current is the
// link's connection state at fire time.
func (p *restartPolicy) Recheck(current webrtc.PeerConnectionState) (Action, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.restarted {
		if current == webrtc.PeerConnectionStateConnected {
			return ActionNone, 0
		}
		if p.now().Sub(p.restartedAt) >= p.win {
			return ActionClose, 0
		}
		// Window still open; check again when it lapses.
		return ActionNone, p.win - p.now().Sub(p.restartedAt)
	}

	if current == webrtc.PeerConnectionStateDisconnected &&
		!p.disconnectedAt.IsZero() &&
		p.now().Sub(p.disconnectedAt) >= p.grace {
		p.restarted = true
		p.restartedAt = p.now()
		return ActionRestart, p.win
	}
	return ActionNone, 0
}
