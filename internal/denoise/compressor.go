package denoise

// compressor evens out level differences between quiet and loud talkers.
// Simple feed-forward design: envelope follower on the absolute sample,
// gain reduction above threshold at the configured ratio, makeup applied
// after.
type compressor struct {
	threshold float64
	ratio     float64
	attack    float64
	release   float64
	makeup    float64
	env       float64
}

func newCompressor(mode string) *compressor {
	c := &compressor{}
	c.configure(mode)
	return c
}

func (c *compressor) configure(mode string) {
	if mode == ModeAggressive {
		c.threshold = 0.35
		c.ratio = 4
		c.attack = 0.015
		c.release = 0.0008
		c.makeup = 1.25
		return
	}
	c.threshold = 0.5
	c.ratio = 3
	c.attack = 0.01
	c.release = 0.0005
	c.makeup = 1.1
}

func (c *compressor) process(frame []float32) {
	for i, s := range frame {
		level := float64(s)
		if level < 0 {
			level = -level
		}
		if level > c.env {
			c.env += c.attack * (level - c.env)
		} else {
			c.env += c.release * (level - c.env)
		}
		gain := 1.0
		if c.env > c.threshold {
			gain = (c.threshold + (c.env-c.threshold)/c.ratio) / c.env
		}
		out := float64(s) * gain * c.makeup
		if out > 1 {
			out = 1
		} else if out < -1 {
			out = -1
		}
		frame[i] = float32(out)
	}
}
