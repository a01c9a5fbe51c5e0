// Package rtc manages WebRTC peer links: one PeerConnection per remote peer
// per media purpose, negotiated over the signaling topic, with glare
// prevention, ICE candidate buffering, and a bounded restart policy.
package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// EngineConfig carries the transport tunables every link shares.
type EngineConfig struct {
	StunServers []string

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate a call. The pion default disconnectedTimeout of 5s is far
	// too short for relay paths with short outages.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Grace before a sustained disconnect triggers an ICE restart, and the
	// window after a restart before the link is declared dead.
	DisconnectedGrace time.Duration
	RestartWindow     time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if len(c.StunServers) == 0 {
		c.StunServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.DisconnectedTimeout <= 0 {
		c.DisconnectedTimeout = 30 * time.Second
	}
	if c.FailedTimeout <= 0 {
		c.FailedTimeout = 120 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 2 * time.Second
	}
	if c.DisconnectedGrace <= 0 {
		c.DisconnectedGrace = 5 * time.Second
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 10 * time.Second
	}
	return c
}

// Engine builds PeerConnections through one shared webrtc.API whose
// MediaEngine is populated by the codec selector, so every link negotiates
// the same codec set the capture side encodes with.
type Engine struct {
	api *webrtc.API
	cfg EngineConfig
}

// NewEngine builds the shared API. A nil selector registers pion's default
// codecs instead; capture-backed tracks require the selector that encoded
// them, so production wiring always passes one.
func NewEngine(cfg EngineConfig, selector *mediadevices.CodecSelector) (*Engine, error) {
	cfg = cfg.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if selector != nil {
		selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &Engine{api: api, cfg: cfg}, nil
}

func (e *Engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: e.cfg.StunServers},
		},
	})
}
