package denoise

import "math"

// biquad is a single second-order IIR section, direct form I, with
// coefficients from the RBJ audio EQ cookbook.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func (f *biquad) process(frame []float32) {
	for i, s := range frame {
		x := float64(s)
		y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
		f.x2, f.x1 = f.x1, x
		f.y2, f.y1 = f.y1, y
		frame[i] = float32(y)
	}
}

func newBiquad(b0, b1, b2, a0, a1, a2 float64) *biquad {
	return &biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

func highpass(fs, f0, q float64) *biquad {
	w := 2 * math.Pi * f0 / fs
	sn, cs := math.Sin(w), math.Cos(w)
	alpha := sn / (2 * q)
	return newBiquad((1+cs)/2, -(1 + cs), (1+cs)/2, 1+alpha, -2*cs, 1-alpha)
}

func lowpass(fs, f0, q float64) *biquad {
	w := 2 * math.Pi * f0 / fs
	sn, cs := math.Sin(w), math.Cos(w)
	alpha := sn / (2 * q)
	return newBiquad((1-cs)/2, 1-cs, (1-cs)/2, 1+alpha, -2*cs, 1-alpha)
}

func peaking(fs, f0, q, gainDB float64) *biquad {
	a := math.Pow(10, gainDB/40)
	w := 2 * math.Pi * f0 / fs
	sn, cs := math.Sin(w), math.Cos(w)
	alpha := sn / (2 * q)
	return newBiquad(1+alpha*a, -2*cs, 1-alpha*a, 1+alpha/a, -2*cs, 1-alpha/a)
}

func highShelf(fs, f0, q, gainDB float64) *biquad {
	a := math.Pow(10, gainDB/40)
	w := 2 * math.Pi * f0 / fs
	sn, cs := math.Sin(w), math.Cos(w)
	alpha := sn / (2 * q)
	beta := 2 * math.Sqrt(a) * alpha
	return newBiquad(
		a*((a+1)+(a-1)*cs+beta),
		-2*a*((a-1)+(a+1)*cs),
		a*((a+1)+(a-1)*cs-beta),
		(a+1)-(a-1)*cs+beta,
		2*((a-1)-(a+1)*cs),
		(a+1)-(a-1)*cs-beta,
	)
}

// filterBank is the voice EQ chain: rumble highpass, a cut where room
// boom sits, a presence shelf, and a hiss lowpass. Aggressive mode cuts
// harder and narrows the band.
type filterBank struct {
	sections []*biquad
}

func newFilterBank(mode string) *filterBank {
	fb := &filterBank{}
	fb.configure(mode)
	return fb
}

// configure swaps the coefficient set. Filter state restarts from zero,
// which is inaudible at frame boundaries.
func (fb *filterBank) configure(mode string) {
	fs := float64(SampleRate)
	if mode == ModeAggressive {
		fb.sections = []*biquad{
			highpass(fs, 100, 0.707),
			peaking(fs, 200, 1.0, -4),
			highShelf(fs, 3000, 0.707, 3),
			lowpass(fs, 12000, 0.707),
		}
		return
	}
	fb.sections = []*biquad{
		highpass(fs, 85, 0.707),
		peaking(fs, 200, 1.0, -2.5),
		highShelf(fs, 3000, 0.707, 2),
		lowpass(fs, 14000, 0.707),
	}
}

func (fb *filterBank) process(frame []float32) {
	for _, s := range fb.sections {
		s.process(frame)
	}
}
