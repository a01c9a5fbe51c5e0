package media

import (
	"errors"
	"fmt"
)

// ErrScreenUnavailable means display capture could not start, either because
// the platform has no capture driver or the capture itself failed.
var ErrScreenUnavailable = errors.New("screen capture unavailable")

// Preset is a screen-share quality tier: resolution, frame rate, and the
// VP8 bitrate tuned for it. Low frame rates favor legible static content
// (documents, code); 480p30 favors motion.
type Preset struct {
	Name    string
	Width   int
	Height  int
	FPS     float32
	BitRate int
}

var presets = []Preset{
	{Name: "480p30", Width: 854, Height: 480, FPS: 30, BitRate: 1_000_000},
	{Name: "720p15", Width: 1280, Height: 720, FPS: 15, BitRate: 1_500_000},
	{Name: "1080p5", Width: 1920, Height: 1080, FPS: 5, BitRate: 2_000_000},
}

// DefaultPreset balances legibility and bandwidth.
const DefaultPreset = "720p15"

// ParsePreset resolves a preset by name.
func ParsePreset(name string) (Preset, error) {
	if name == "" {
		name = DefaultPreset
	}
	for _, p := range presets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("unknown quality preset %q", name)
}

// PresetNames lists the valid preset names in quality order.
func PresetNames() []string {
	out := make([]string, len(presets))
	for i, p := range presets {
		out[i] = p.Name
	}
	return out
}
