package store

import (
	"context"
	"errors"
	"log"
	"time"
)

// WatchdogConfig bounds how long a record may sit in a live status without
// anyone touching it.
type WatchdogConfig struct {
	Interval     time.Duration
	RingingAfter time.Duration
	ActiveAfter  time.Duration
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.RingingAfter <= 0 {
		c.RingingAfter = 45 * time.Second
	}
	if c.ActiveAfter <= 0 {
		c.ActiveAfter = 30 * time.Second
	}
	return c
}

// RunWatchdog reconciles records abandoned by a crashed or partitioned
// peer: ringing past the ring window becomes missed, active calls nobody
// touches become ended. Transitions go through UpdateStatus, so the change
// feed carries them like any other and a racing legitimate transition wins
// quietly. Blocks until ctx is done.
func (s *Store) RunWatchdog(ctx context.Context, cfg WatchdogConfig) {
	cfg = cfg.withDefaults()
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(cfg)
		}
	}
}

func (s *Store) sweep(cfg WatchdogConfig) {
	now := time.Now().UnixMilli()
	s.sweepStatus(StatusRinging, StatusMissed, now-cfg.RingingAfter.Milliseconds())
	// A call stuck negotiating is as dead as one stuck ringing.
	s.sweepStatus(StatusConnecting, StatusEnded, now-cfg.RingingAfter.Milliseconds())
	s.sweepStatus(StatusActive, StatusEnded, now-cfg.ActiveAfter.Milliseconds())
}

func (s *Store) sweepStatus(from, to Status, cutoff int64) {
	stale, err := s.staleBefore(from, cutoff)
	if err != nil {
		log.Printf("STORE: watchdog sweep failed: %v", err)
		return
	}
	for _, rec := range stale {
		_, err := s.UpdateStatus(rec.ID, to)
		switch {
		case err == nil:
			log.Printf("STORE: watchdog reconciled stale %s call %s → %s", from, rec.ID, to)
		case errors.Is(err, ErrBadTransition), errors.Is(err, ErrNotFound):
			// lost the race against a real transition
		default:
			log.Printf("STORE: watchdog update failed for %s: %v", rec.ID, err)
		}
	}
}
