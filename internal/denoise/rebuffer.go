// Package denoise is the local-microphone processing pipeline: neural
// denoiser (librnnoise when present) or adaptive noise gate, a voice EQ
// filter bank, a compressor, and the output gain/mute stage. The pipeline
// wraps the raw capture source and is itself the only audio source peer
// connections ever see.
package denoise

import (
	"github.com/pion/mediadevices/pkg/wave"
)

const (
	// SampleRate is the pipeline's fixed internal rate.
	SampleRate = 48000
	// FrameSize is 10ms at 48kHz, the unit every stage operates on and the
	// frame length librnnoise requires.
	FrameSize = 480
)

// rebuffer reshapes arbitrary capture chunks (any length, any channel
// count) into fixed mono float frames. Capture drivers deliver whatever
// block size the backend prefers; the stages need exactly FrameSize.
type rebuffer struct {
	pending []float32
}

// push downmixes a chunk to mono float samples and appends them.
// Unknown sample formats are dropped; the driver negotiated int16 or
// float32 so in practice one of these always matches.
func (r *rebuffer) push(chunk wave.Audio) {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		r.pushInt16(c.Data, c.Size.Channels)
	case *wave.Float32Interleaved:
		r.pushFloat32(c.Data, c.Size.Channels)
	case *wave.Int16NonInterleaved:
		r.pushInt16Planar(c.Data, c.Size.Len)
	case *wave.Float32NonInterleaved:
		r.pushFloat32Planar(c.Data, c.Size.Len)
	}
}

func (r *rebuffer) pushInt16(data []int16, channels int) {
	if channels < 1 {
		channels = 1
	}
	n := len(data) / channels
	for i := 0; i < n; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(data[i*channels+ch])
		}
		r.pending = append(r.pending, float32(sum/int32(channels))/32768)
	}
}

func (r *rebuffer) pushFloat32(data []float32, channels int) {
	if channels < 1 {
		channels = 1
	}
	n := len(data) / channels
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += data[i*channels+ch]
		}
		r.pending = append(r.pending, sum/float32(channels))
	}
}

func (r *rebuffer) pushInt16Planar(data [][]int16, n int) {
	channels := len(data)
	if channels == 0 {
		return
	}
	for i := 0; i < n; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			if i < len(data[ch]) {
				sum += int32(data[ch][i])
			}
		}
		r.pending = append(r.pending, float32(sum/int32(channels))/32768)
	}
}

func (r *rebuffer) pushFloat32Planar(data [][]float32, n int) {
	channels := len(data)
	if channels == 0 {
		return
	}
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			if i < len(data[ch]) {
				sum += data[ch][i]
			}
		}
		r.pending = append(r.pending, sum/float32(channels))
	}
}

// next fills out with the oldest FrameSize samples, reporting false when
// not enough are buffered yet.
func (r *rebuffer) next(out []float32) bool {
	if len(r.pending) < len(out) {
		return false
	}
	copy(out, r.pending[:len(out)])
	n := copy(r.pending, r.pending[len(out):])
	r.pending = r.pending[:n]
	return true
}

func (r *rebuffer) buffered() int { return len(r.pending) }
