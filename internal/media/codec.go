// Package media acquires devices: the raw microphone source the processing
// pipeline wraps, and display capture for screen sharing. Encoding is done
// by pion/mediadevices against a shared codec selector.
package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
)

// NewSelector builds the VP8+Opus codec selector every track encodes with.
// The audio bitrate is kept bounded so voice stays responsive under
// contention; video bitrate covers the camera/share default.
func NewSelector(audioBitrate, videoBitrate int) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = videoBitrate
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.BitRate = audioBitrate
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}
