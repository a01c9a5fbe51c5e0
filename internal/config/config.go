package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmulder/palaver/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Audio    Audio    `json:"audio"`
	Voice    Voice    `json:"voice"`
	Screen   Screen   `json:"screen"`
	Calls    Calls    `json:"calls"`
	RTC      RTC      `json:"rtc"`
	Bridge   Bridge   `json:"bridge"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Profile struct {
	Display string `json:"display"`
	Avatar  string `json:"avatar"` // content hash or file reference shown to peers
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	TTLSec       int `json:"ttl_seconds"`
	HeartbeatSec int `json:"heartbeat_seconds"`

	// Seconds without local activity before the published status flips to away.
	AwaySec int `json:"away_seconds"`
}

// Audio is the noise pipeline configuration. Mode changes apply live; any
// other field change requires a pipeline rebuild against a fresh microphone.
type Audio struct {
	Mode        string `json:"mode"` // standard|aggressive
	Suppression bool   `json:"suppression"`
	AutoGain    bool   `json:"auto_gain"`
	InputDevice string `json:"input_device"` // device label substring, empty = default
}

type Voice struct {
	// Speaking threshold on the normalized 0..1 level, per call type.
	Threshold       float64 `json:"threshold"`        // group rooms
	ThresholdDirect float64 `json:"threshold_direct"` // 1:1 calls

	// Minimum interval between presence broadcasts while the speaking state
	// is unchanged, per call type.
	BroadcastMs       int `json:"broadcast_ms"`
	BroadcastDirectMs int `json:"broadcast_direct_ms"`

	// Remote speaking flag is cleared after this long without voiced frames.
	SilenceHoldMs int `json:"silence_hold_ms"`
}

type Screen struct {
	Preset string `json:"preset"` // 480p30|720p15|1080p5
}

type Calls struct {
	// Watchdog reconciliation: ringing calls older than RingTimeoutSec become
	// missed, active calls idle longer than StaleActiveSec become ended.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
	StaleActiveSec int `json:"stale_active_seconds"`
	WatchdogSec    int `json:"watchdog_seconds"`
}

type RTC struct {
	StunServers []string `json:"stun_servers"`

	// Outbound voice bitrate in bits/s. Bounded for latency under contention.
	AudioBitrate int `json:"audio_bitrate"`

	// Seconds a link may sit in disconnected before an ICE restart is tried.
	DisconnectedGraceSec int `json:"disconnected_grace_seconds"`

	// Seconds after a restart before a still-failed link is closed for good.
	RestartWindowSec int `json:"restart_window_seconds"`
}

type Bridge struct {
	HTTPAddr string `json:"http_addr"` // empty disables the bridge
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Profile: Profile{
			Display: "anonymous",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "palaver-mdns",
		},
		Presence: Presence{
			TTLSec:       20,
			HeartbeatSec: 5,
			AwaySec:      300,
		},
		Audio: Audio{
			Mode:        "standard",
			Suppression: true,
			AutoGain:    true,
		},
		Voice: Voice{
			Threshold:         0.02,
			ThresholdDirect:   0.015,
			BroadcastMs:       150,
			BroadcastDirectMs: 100,
			SilenceHoldMs:     600,
		},
		Screen: Screen{
			Preset: "720p15",
		},
		Calls: Calls{
			RingTimeoutSec: 45,
			StaleActiveSec: 120,
			WatchdogSec:    10,
		},
		RTC: RTC{
			StunServers:          []string{"stun:stun.l.google.com:19302"},
			AudioBitrate:         128_000,
			DisconnectedGraceSec: 5,
			RestartWindowSec:     10,
		},
		Bridge: Bridge{
			HTTPAddr: "127.0.0.1:7340",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}
	if c.Presence.AwaySec < 0 {
		return errors.New("presence.away_seconds must be >= 0")
	}

	switch c.Audio.Mode {
	case "standard", "aggressive":
	default:
		return fmt.Errorf("audio.mode must be standard or aggressive, got %q", c.Audio.Mode)
	}

	if c.Voice.Threshold <= 0 || c.Voice.Threshold >= 1 {
		return errors.New("voice.threshold must be in (0, 1)")
	}
	if c.Voice.ThresholdDirect <= 0 || c.Voice.ThresholdDirect >= 1 {
		return errors.New("voice.threshold_direct must be in (0, 1)")
	}
	if c.Voice.BroadcastMs <= 0 || c.Voice.BroadcastDirectMs <= 0 {
		return errors.New("voice broadcast intervals must be > 0")
	}
	if c.Voice.SilenceHoldMs <= 0 {
		return errors.New("voice.silence_hold_ms must be > 0")
	}

	switch c.Screen.Preset {
	case "480p30", "720p15", "1080p5":
	default:
		return fmt.Errorf("screen.preset must be one of 480p30, 720p15, 1080p5, got %q", c.Screen.Preset)
	}

	if c.Calls.RingTimeoutSec <= 0 {
		return errors.New("calls.ring_timeout_seconds must be > 0")
	}
	if c.Calls.StaleActiveSec <= 0 {
		return errors.New("calls.stale_active_seconds must be > 0")
	}
	if c.Calls.WatchdogSec <= 0 {
		return errors.New("calls.watchdog_seconds must be > 0")
	}

	if len(c.RTC.StunServers) == 0 {
		return errors.New("rtc.stun_servers must not be empty")
	}
	if c.RTC.AudioBitrate <= 0 {
		return errors.New("rtc.audio_bitrate must be > 0")
	}
	if c.RTC.DisconnectedGraceSec <= 0 {
		return errors.New("rtc.disconnected_grace_seconds must be > 0")
	}
	if c.RTC.RestartWindowSec <= 0 {
		return errors.New("rtc.restart_window_seconds must be > 0")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
