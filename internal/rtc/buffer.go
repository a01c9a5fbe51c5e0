package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds ICE candidates that arrive before the remote
// description is set. Candidates routinely beat the SDP through topic
// fan-out, so dropping them would stall or fail connectivity.
//
// Before Ready: Add queues. After Ready: Add applies immediately. Ready
// applies the queued candidates in arrival order, each exactly once.
type candidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	ready   bool
}

// Add queues or applies a candidate depending on readiness.
func (b *candidateBuffer) Add(c webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	if !b.ready {
		b.pending = append(b.pending, c)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return apply(c)
}

// Ready marks the remote description as set and drains the queue in order.
// The queue is taken under the lock so a concurrent Add cannot duplicate or
// reorder; errors are reported per candidate but do not stop the drain.
func (b *candidateBuffer) Ready(apply func(webrtc.ICECandidateInit) error) []error {
	b.mu.Lock()
	b.ready = true
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range queued {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Reset returns the buffer to queueing mode, used when an ICE restart makes
// the previous remote description obsolete.
func (b *candidateBuffer) Reset() {
	b.mu.Lock()
	b.ready = false
	b.pending = nil
	b.mu.Unlock()
}

func (b *candidateBuffer) queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
