package denoise

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/pion/mediadevices/pkg/wave"
)

// Processing modes. Standard is tuned for normal rooms, aggressive for
// keyboards, fans and bad headsets.
const (
	ModeStandard   = "standard"
	ModeAggressive = "aggressive"
)

// Source is the raw capture side of the pipeline. media.Mic satisfies it,
// and so does the pipeline itself, which is what lets the processed
// stream stand in anywhere a plain source is expected.
type Source interface {
	Read() (wave.Audio, func(), error)
	ID() string
	Close() error
}

// Config selects the stages. Mode can change live via SetMode; changing
// Suppression or the capture device requires a rebuild against a fresh
// source.
type Config struct {
	Mode        string
	Suppression bool
	AutoGain    bool
	Gain        float64 // output gain, <=0 means unity
}

// Tap receives every processed frame before the mute gate, so voice
// detection keeps working while muted. Called on the capture goroutine
// with a buffer that is reused; copy out, return fast.
type Tap func(frame []float32)

// Pipeline reads raw chunks from a capture source and yields fixed mono
// 48kHz frames with suppression, EQ, compression and the mute gate
// applied. Muted frames are emitted as silence rather than dropped so the
// RTP clock keeps running.
type Pipeline struct {
	src Source

	mu    sync.Mutex
	reb   rebuffer
	den   *denoiser
	gate  *noiseGate
	bank  *filterBank
	comp  *compressor
	mode  string
	gain  float64
	agc   bool
	muted bool
	tap   Tap

	frame  []float32
	closed bool
}

// seam for tests, which must not depend on what the host has installed
var loadDenoiserFn = loadDenoiser

// New builds the pipeline around src. It never fails: when librnnoise is
// missing the adaptive gate takes its place, and with suppression off
// frames only pass EQ, compression and gain.
func New(src Source, cfg Config) *Pipeline {
	mode := cfg.Mode
	if mode != ModeAggressive {
		mode = ModeStandard
	}
	gain := cfg.Gain
	if gain <= 0 {
		gain = 1
	}
	p := &Pipeline{
		src:   src,
		mode:  mode,
		gain:  gain,
		agc:   cfg.AutoGain,
		bank:  newFilterBank(mode),
		comp:  newCompressor(mode),
		frame: make([]float32, FrameSize),
	}
	if cfg.Suppression {
		den, err := loadDenoiserFn()
		if err != nil {
			log.Printf("DENOISE: librnnoise unavailable, noise gate armed (%v)", err)
			p.gate = newNoiseGate()
		} else {
			log.Printf("DENOISE: librnnoise active")
			p.den = den
		}
	}
	return p
}

// Read yields the next processed frame. Blocks on the underlying source
// until enough samples arrived for a full frame.
func (p *Pipeline) Read() (wave.Audio, func(), error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, func() {}, io.EOF
		}
		if p.reb.next(p.frame) {
			out := p.processLocked()
			p.mu.Unlock()
			return out, func() {}, nil
		}
		p.mu.Unlock()

		chunk, release, err := p.src.Read()
		if err != nil {
			return nil, func() {}, err
		}
		p.mu.Lock()
		p.reb.push(chunk)
		p.mu.Unlock()
		if release != nil {
			release()
		}
	}
}

// processLocked runs the stage chain over p.frame and converts it to the
// wire chunk. Caller holds p.mu.
func (p *Pipeline) processLocked() wave.Audio {
	if p.den != nil {
		p.den.process(p.frame)
	} else if p.gate != nil {
		p.gate.process(p.frame)
	}
	p.bank.process(p.frame)
	if p.agc {
		p.comp.process(p.frame)
	}
	if p.gain != 1 {
		for i, s := range p.frame {
			p.frame[i] = clamp1(s * float32(p.gain))
		}
	}
	if p.tap != nil {
		p.tap(p.frame)
	}

	out := &wave.Int16Interleaved{
		Size: wave.ChunkInfo{Len: FrameSize, Channels: 1, SamplingRate: SampleRate},
		Data: make([]int16, FrameSize),
	}
	if !p.muted {
		for i, s := range p.frame {
			out.Data[i] = int16(clamp1(s) * 32767)
		}
	}
	return out
}

func clamp1(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// SetMode swaps EQ and compressor tuning live.
func (p *Pipeline) SetMode(mode string) error {
	if mode != ModeStandard && mode != ModeAggressive {
		return fmt.Errorf("denoise: unknown mode %q", mode)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if mode == p.mode {
		return nil
	}
	p.mode = mode
	p.bank.configure(mode)
	p.comp.configure(mode)
	return nil
}

func (p *Pipeline) Mode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// SetTap installs the detector callback. Pass nil to detach.
func (p *Pipeline) SetTap(tap Tap) {
	p.mu.Lock()
	p.tap = tap
	p.mu.Unlock()
}

// ID reports the underlying capture device id.
func (p *Pipeline) ID() string { return p.src.ID() }

// Close releases the denoiser state and the capture source. Safe to call
// twice.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	den := p.den
	p.den = nil
	p.mu.Unlock()
	if den != nil {
		den.close()
	}
	return p.src.Close()
}
