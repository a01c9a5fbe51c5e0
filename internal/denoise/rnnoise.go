//go:build linux || darwin

package denoise

import (
	"errors"
	"fmt"

	"github.com/ebitengine/purego"
)

// ErrDenoiserUnavailable is returned when librnnoise cannot be loaded on
// this machine. The pipeline treats it as a soft failure and arms the
// noise gate instead.
var ErrDenoiserUnavailable = errors.New("denoise: librnnoise not available")

// candidate shared-object names, most specific first. The soname is what
// distro packages install; the bare .so usually only exists with -dev
// packages.
var rnnoiseLibNames = []string{
	"librnnoise.so.0",
	"librnnoise.so",
	"librnnoise.dylib",
}

// denoiser wraps an rnnoise state loaded at runtime via dlopen. rnnoise
// consumes 480-sample frames scaled to 16-bit range and returns a voice
// activity probability per frame.
type denoiser struct {
	lib     uintptr
	state   uintptr
	create  func(model uintptr) uintptr
	destroy func(state uintptr)
	frame   func(state uintptr, out, in *float32) float32

	in  [FrameSize]float32
	out [FrameSize]float32
}

func loadDenoiser() (*denoiser, error) {
	var lib uintptr
	var err error
	for _, name := range rnnoiseLibNames {
		lib, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil && lib != 0 {
			break
		}
	}
	if lib == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDenoiserUnavailable, err)
	}
	for _, sym := range []string{"rnnoise_create", "rnnoise_process_frame", "rnnoise_destroy"} {
		if _, serr := purego.Dlsym(lib, sym); serr != nil {
			purego.Dlclose(lib)
			return nil, fmt.Errorf("%w: missing symbol %s", ErrDenoiserUnavailable, sym)
		}
	}
	d := &denoiser{lib: lib}
	purego.RegisterLibFunc(&d.create, lib, "rnnoise_create")
	purego.RegisterLibFunc(&d.destroy, lib, "rnnoise_destroy")
	purego.RegisterLibFunc(&d.frame, lib, "rnnoise_process_frame")
	d.state = d.create(0)
	if d.state == 0 {
		purego.Dlclose(lib)
		return nil, fmt.Errorf("%w: rnnoise_create failed", ErrDenoiserUnavailable)
	}
	return d, nil
}

// process denoises one frame in place and returns rnnoise's voice
// probability for it. rnnoise works on float samples in int16 range, the
// pipeline on [-1,1], so scale on the way in and out.
func (d *denoiser) process(frame []float32) float32 {
	for i, s := range frame {
		d.in[i] = s * 32768
	}
	prob := d.frame(d.state, &d.out[0], &d.in[0])
	for i := range frame {
		frame[i] = d.out[i] / 32768
	}
	return prob
}

func (d *denoiser) close() {
	if d.state != 0 {
		d.destroy(d.state)
		d.state = 0
	}
	if d.lib != 0 {
		purego.Dlclose(d.lib)
		d.lib = 0
	}
}
