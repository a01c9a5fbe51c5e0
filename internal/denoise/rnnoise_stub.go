//go:build !linux && !darwin

package denoise

import "errors"

// ErrDenoiserUnavailable is returned when librnnoise cannot be loaded on
// this machine. The pipeline treats it as a soft failure and arms the
// noise gate instead.
var ErrDenoiserUnavailable = errors.New("denoise: librnnoise not available")

type denoiser struct{}

func loadDenoiser() (*denoiser, error) { return nil, ErrDenoiserUnavailable }

func (d *denoiser) process(frame []float32) float32 { return 0 }

func (d *denoiser) close() {}
