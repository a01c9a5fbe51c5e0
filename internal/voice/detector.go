// Package voice turns PCM frames into speaking state. The local pipeline
// tap and remote track monitors both feed detectors here; transitions end
// up in the presence table and from there on the wire.
package voice

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FrameSize is 10ms of mono 48kHz PCM, the only frame length Feed accepts.
const FrameSize = 480

const sampleRate = 48000

// Voice band in FFT bins. Resolution is sampleRate/FrameSize = 100Hz per
// bin, so this spans 100Hz..8kHz. Bin 0 is DC and stays out, which kills
// mains hum and electret offset for free.
const (
	voiceLoBin = 1
	voiceHiBin = 80
)

// Config tunes one detector. Zero values fall back to the group-call
// defaults.
type Config struct {
	// Threshold on the normalized level above which the frame counts as
	// speech.
	Threshold float64
	// Interval is the minimum spacing between emissions while the speaking
	// state is unchanged. State flips always emit immediately.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.02
	}
	if c.Interval <= 0 {
		c.Interval = 150 * time.Millisecond
	}
	return c
}

// Detector computes a spectral level per frame and reports speaking
// transitions. Level is the voice-band RMS taken from the spectrum, so a
// DC-offset mic or high-frequency hiss does not register as speech.
//
// Feed is synchronous on the caller's goroutine; the detector owns no
// goroutines or timers, emission pacing rides on the 10ms frame cadence.
type Detector struct {
	cfg  Config
	emit func(speaking bool, level float64)
	now  func() time.Time

	mu       sync.Mutex
	fft      *fourier.FFT
	buf      []float64
	coeffs   []complex128
	speaking bool
	lastEmit time.Time
	stopped  bool
}

// NewDetector builds a detector that calls emit on state flips and on the
// paced refresh while the state holds.
func NewDetector(cfg Config, emit func(speaking bool, level float64)) *Detector {
	return &Detector{
		cfg:    cfg.withDefaults(),
		emit:   emit,
		now:    time.Now,
		fft:    fourier.NewFFT(FrameSize),
		buf:    make([]float64, FrameSize),
		coeffs: make([]complex128, FrameSize/2+1),
	}
}

// Feed analyzes one frame. Frames of the wrong length are ignored.
func (d *Detector) Feed(frame []float32) {
	if len(frame) != FrameSize {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	for i, s := range frame {
		d.buf[i] = float64(s)
	}
	d.fft.Coefficients(d.coeffs, d.buf)

	var sum float64
	for k := voiceLoBin; k <= voiceHiBin; k++ {
		re := real(d.coeffs[k])
		im := imag(d.coeffs[k])
		sum += re*re + im*im
	}
	level := math.Sqrt(2*sum) / FrameSize
	if level > 1 {
		level = 1
	}

	speaking := level > d.cfg.Threshold
	now := d.now()
	switch {
	case speaking != d.speaking:
		d.speaking = speaking
		d.lastEmit = now
		d.emit(speaking, level)
	case now.Sub(d.lastEmit) >= d.cfg.Interval:
		d.lastEmit = now
		d.emit(speaking, level)
	}
}

// Silent force-clears the speaking state, used when the frame stream dries
// up and no frame will arrive to flip it naturally.
func (d *Detector) Silent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || !d.speaking {
		return
	}
	d.speaking = false
	d.lastEmit = d.now()
	d.emit(false, 0)
}

// Speaking reports the current state.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Stop ends detection, clearing the speaking flag with a final emission if
// it was set. Safe to call more than once; Feed after Stop is a no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.speaking {
		d.speaking = false
		d.emit(false, 0)
	}
}
