package call

import (
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/jmulder/palaver/internal/config"
	"github.com/jmulder/palaver/internal/denoise"
	"github.com/jmulder/palaver/internal/media"
)

// localTrack is the outbound track surface a session holds: attachable to
// peer connections, closable when the pipeline rebuilds or the call ends.
type localTrack interface {
	webrtc.TrackLocal
	Close() error
}

// acquireSource opens the capture device selected by the audio config. A
// seam so tests run without audio hardware.
var acquireSource = func(audio config.Audio) (denoise.Source, string, error) {
	mic, err := media.AcquireMic(audio.InputDevice)
	if err != nil {
		return nil, "", err
	}
	return mic, mic.Label(), nil
}

// buildVoiceTrack encodes a processed source as the outbound voice track.
// The pipeline is the source, so suppression and the mute gate sit ahead of
// the encoder.
var buildVoiceTrack = func(src mediadevices.AudioSource, selector *mediadevices.CodecSelector) localTrack {
	return mediadevices.NewAudioTrack(src, selector)
}

func closeTrack(t localTrack) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		log.Printf("CALL: closing track: %v", err)
	}
}

func closePipe(p *denoise.Pipeline) {
	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		log.Printf("CALL: closing pipeline: %v", err)
	}
}
