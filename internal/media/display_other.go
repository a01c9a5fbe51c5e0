//go:build !linux

package media

import (
	"github.com/pion/mediadevices"
)

func CaptureDisplay(Preset) (mediadevices.MediaStream, error) {
	return nil, ErrScreenUnavailable
}
