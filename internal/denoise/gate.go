package denoise

import "math"

// noiseGate is the fallback suppressor used when librnnoise is not
// available. It tracks an adaptive noise floor and ducks frames whose
// energy stays near it, with attack/release smoothing and a short hold so
// word endings are not clipped.
type noiseGate struct {
	floor float64 // adaptive noise-floor estimate (RMS)
	env   float64 // current gain envelope
	hold  int     // frames left before release may start

	floorRise  float64 // floor follows rising energy slowly
	floorFall  float64 // and falling energy quickly
	openRatio  float64 // open when rms exceeds floor by this factor
	minOpen    float64 // absolute rms below which the gate never opens
	attack     float64 // envelope step toward open
	release    float64 // envelope step toward closed
	holdFrames int
	floorGain  float64 // residual gain when closed, full mute sounds broken
}

func newNoiseGate() *noiseGate {
	return &noiseGate{
		floor:      0.002,
		env:        1,
		floorRise:  0.004,
		floorFall:  0.12,
		openRatio:  2.5,
		minOpen:    0.006,
		attack:     0.5,
		release:    0.05,
		holdFrames: 25, // 250ms
		floorGain:  0.08,
	}
}

func (g *noiseGate) process(frame []float32) {
	rms := rmsOf(frame)

	// The floor chases quiet passages fast and loud ones slowly, so
	// sustained speech does not drag it up to speech level.
	if rms > g.floor {
		g.floor += g.floorRise * (rms - g.floor)
	} else {
		g.floor += g.floorFall * (rms - g.floor)
	}

	open := rms > g.minOpen && rms > g.floor*g.openRatio
	target := g.floorGain
	if open {
		target = 1
		g.hold = g.holdFrames
	} else if g.hold > 0 {
		g.hold--
		target = 1
	}

	if target > g.env {
		g.env += g.attack * (target - g.env)
	} else {
		g.env += g.release * (target - g.env)
	}

	gain := float32(g.env)
	for i := range frame {
		frame[i] *= gain
	}
}

func rmsOf(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
