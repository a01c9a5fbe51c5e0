//go:build linux

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/screen" // registers X11 screen capture
	"github.com/pion/mediadevices/pkg/prop"
)

// CaptureDisplay grabs the screen at the preset's resolution and frame rate.
// The preset picks the encoder bitrate too, so a fresh VP8 selector is built
// per capture; the codec itself matches what the engine negotiates.
func CaptureDisplay(p Preset) (mediadevices.MediaStream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = p.BitRate
	vpxParams.KeyFrameInterval = int(p.FPS) * 2

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
	)

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntRanged{Ideal: p.Width, Max: p.Width}
			c.Height = prop.IntRanged{Ideal: p.Height, Max: p.Height}
			c.FrameRate = prop.FloatRanged{Ideal: p.FPS, Max: p.FPS}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("display capture: %w", err)
	}
	log.Printf("MEDIA: display captured at %s (%dx%d @%0.f)", p.Name, p.Width, p.Height, p.FPS)
	return stream, nil
}
