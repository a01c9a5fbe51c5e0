// Package app wires a palaver peer together: identity and signaling node,
// call store and watchdog, media engine, call manager, profile service,
// and the local bridge.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jmulder/palaver/internal/avatar"
	"github.com/jmulder/palaver/internal/bridge"
	"github.com/jmulder/palaver/internal/call"
	"github.com/jmulder/palaver/internal/config"
	"github.com/jmulder/palaver/internal/media"
	"github.com/jmulder/palaver/internal/profile"
	"github.com/jmulder/palaver/internal/rtc"
	"github.com/jmulder/palaver/internal/signal"
	"github.com/jmulder/palaver/internal/store"
	"github.com/jmulder/palaver/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Progress reports staged startup for a wrapping UI. Nil is fine.
	Progress func(step, total int, label string)
}

// Run starts a full peer and blocks until ctx is cancelled. Shutdown is
// graceful: open calls hang up, presence goes offline, the node closes.
func Run(ctx context.Context, o Options) error {
	logBuf := bridge.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	emit := o.Progress
	if emit == nil {
		emit = func(int, int, string) {}
	}
	const total = 6
	step := 0
	progress := func(label string) {
		step++
		emit(step, total, label)
		log.Printf("APP: [%d/%d] %s", step, total, label)
	}

	// The config is rewritten by profile updates and replaced by the
	// watcher; every access past startup goes through the mutex.
	var cfgMu sync.Mutex
	cfg := o.Cfg

	progress("Starting signaling node")
	node, err := signal.New(ctx, signal.Options{
		ListenPort:  cfg.P2P.ListenPort,
		KeyFile:     util.ResolvePath(o.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:     cfg.P2P.MdnsTag,
		PresenceTTL: time.Duration(cfg.Presence.TTLSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("signaling node: %w", err)
	}
	defer node.Close()
	log.Printf("APP: peer id %s", node.ID())

	progress("Opening call store")
	st, err := store.Open(util.ResolvePath(o.PeerDir, "data"))
	if err != nil {
		return fmt.Errorf("call store: %w", err)
	}
	defer st.Close()

	go st.RunWatchdog(ctx, store.WatchdogConfig{
		Interval:     time.Duration(cfg.Calls.WatchdogSec) * time.Second,
		RingingAfter: time.Duration(cfg.Calls.RingTimeoutSec) * time.Second,
		ActiveAfter:  time.Duration(cfg.Calls.StaleActiveSec) * time.Second,
	})

	progress("Building media engine")
	preset, err := media.ParsePreset(cfg.Screen.Preset)
	if err != nil {
		return err
	}
	selector, err := media.NewSelector(cfg.RTC.AudioBitrate, preset.BitRate)
	if err != nil {
		return fmt.Errorf("codec selector: %w", err)
	}
	engine, err := rtc.NewEngine(rtc.EngineConfig{
		StunServers:       cfg.RTC.StunServers,
		DisconnectedGrace: time.Duration(cfg.RTC.DisconnectedGraceSec) * time.Second,
		RestartWindow:     time.Duration(cfg.RTC.RestartWindowSec) * time.Second,
	}, selector)
	if err != nil {
		return fmt.Errorf("rtc engine: %w", err)
	}

	progress("Starting call manager")
	// The avatar file is the source of truth for the published hash; the
	// copy in the config is only a persisted record of it.
	avatars := avatar.NewStore(o.PeerDir)

	mgr, err := call.New(call.Options{
		Display:  cfg.Profile.Display,
		Avatar:   avatars.Hash(),
		Config:   cfg,
		Signaler: nodeSignaler{node: node},
		Store:    st,
		Engine:   engine,
		Selector: selector,
	})
	if err != nil {
		return fmt.Errorf("call manager: %w", err)
	}
	defer mgr.Close()

	prof := profile.NewService(profile.Options{
		SelfID:     node.ID(),
		Display:    cfg.Profile.Display,
		AvatarHash: avatars.Hash(),
		Persist: func(display, avatarHash string) error {
			cfgMu.Lock()
			cfg.Profile.Display = display
			cfg.Profile.Avatar = avatarHash
			snapshot := cfg
			cfgMu.Unlock()
			return config.Save(o.CfgPath, snapshot)
		},
		Announce: mgr.SetProfile,
		Publish:  mgr.SetStatus,
	})

	// The peer directory learns names from the manager's own event feed.
	events, cancelEvents := mgr.Subscribe()
	defer cancelEvents()
	go func() {
		for ev := range events {
			switch ev.Kind {
			case call.EventIncoming:
				prof.Observe(ev.Peer, ev.Display, "")
			case call.EventPresence:
				if ev.Message == "leave" {
					prof.MarkOffline(ev.Peer)
				} else {
					prof.Observe(ev.Peer, ev.Display, ev.Avatar)
				}
			}
		}
	}()

	progress("Starting bridge")
	bridgeAddr := cfg.Bridge.HTTPAddr
	if bridgeAddr != "" {
		deps := bridge.Deps{
			Calls:   mgr,
			Store:   st,
			Profile: prof,
			Avatars: avatars,
			Logs:    logBuf,
			Devices: media.InputLabels,
		}
		go func() {
			if err := bridge.Serve(ctx, bridgeAddr, deps); err != nil {
				log.Printf("BRIDGE: server failed: %v", err)
			}
		}()
	} else {
		log.Printf("APP: bridge disabled (no http_addr)")
	}

	progress("Watching config")
	stopWatch, err := config.Watch(o.CfgPath, func(next config.Config) {
		cfgMu.Lock()
		cfg = next
		cfgMu.Unlock()

		mgr.ApplyAudio(next.Audio)
		if err := prof.SetProfile(next.Profile.Display, avatars.Hash()); err != nil {
			log.Printf("APP: profile from reloaded config rejected: %v", err)
		}
		log.Printf("APP: config reloaded from %s", o.CfgPath)
	})
	if err != nil {
		log.Printf("APP: config watcher unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	log.Printf("APP: peer up; call history at %s", st.Path())
	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}
