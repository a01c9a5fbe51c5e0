package media

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the mic adapter
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
)

// ErrMicUnavailable means no microphone could be opened at all. Surfaced to
// the user as-is; joining a call without a working mic is aborted.
var ErrMicUnavailable = errors.New("no usable microphone")

// Mic is an exclusively held microphone producing raw PCM chunks. It
// satisfies the mediadevices audio source contract, but in practice the
// processing pipeline wraps it and is what peer connections consume.
type Mic struct {
	drv    driver.Driver
	reader audio.Reader
	label  string
	rate   int
	chans  int

	mu     sync.Mutex
	closed bool
}

// Read hands out the next raw chunk from the driver.
func (m *Mic) Read() (wave.Audio, func(), error) {
	return m.reader.Read()
}

// ID returns the driver's device ID.
func (m *Mic) ID() string { return m.drv.ID() }

// Label returns the human-readable device name.
func (m *Mic) Label() string { return m.label }

// SampleRate returns the negotiated capture rate.
func (m *Mic) SampleRate() int { return m.rate }

// Channels returns the negotiated channel count.
func (m *Mic) Channels() int { return m.chans }

// Close releases the device. Idempotent; the device must be released before
// another acquisition can succeed.
func (m *Mic) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	log.Printf("MEDIA: released microphone %q", m.label)
	return m.drv.Close()
}

// AcquireMic opens a microphone at the driver level so raw PCM is available
// for processing before encoding. deviceHint selects by label substring;
// empty means any. Constraint attempts relax from the ideal 48kHz mono down
// to whatever the driver offers, mirroring browser getUserMedia fallback.
func AcquireMic(deviceHint string) (*Mic, error) {
	drivers := driver.GetManager().Query(driver.FilterAudioRecorder())
	if len(drivers) == 0 {
		log.Printf("MEDIA: no audio recorder drivers found")
		return nil, ErrMicUnavailable
	}

	attempts := []struct {
		label string
		media prop.Media
	}{
		{"48k mono", prop.Media{Audio: prop.Audio{
			SampleRate: 48000, ChannelCount: 1, SampleSize: 16,
			IsInterleaved: true, Latency: 20 * time.Millisecond,
		}}},
		{"48k stereo", prop.Media{Audio: prop.Audio{
			SampleRate: 48000, ChannelCount: 2, SampleSize: 16,
			IsInterleaved: true, Latency: 20 * time.Millisecond,
		}}},
		{"driver default", prop.Media{Audio: prop.Audio{
			SampleRate: 48000, IsInterleaved: true, Latency: 20 * time.Millisecond,
		}}},
	}

	for _, d := range ordered(drivers, deviceHint) {
		label := d.Info().Label
		if d.Status() != driver.StateClosed {
			log.Printf("MEDIA: microphone %q busy, skipping", label)
			continue
		}
		if err := d.Open(); err != nil {
			log.Printf("MEDIA: open %q failed: %v", label, err)
			continue
		}
		rec, ok := d.(driver.AudioRecorder)
		if !ok {
			_ = d.Close()
			continue
		}

		for _, a := range attempts {
			reader, err := rec.AudioRecord(a.media)
			if err != nil {
				log.Printf("MEDIA: %q record (%s) failed: %v", label, a.label, err)
				continue
			}
			rate := a.media.Audio.SampleRate
			chans := a.media.Audio.ChannelCount
			if chans == 0 {
				chans = 1
			}
			log.Printf("MEDIA: acquired microphone %q (%s)", label, a.label)
			return &Mic{drv: d, reader: reader, label: label, rate: rate, chans: chans}, nil
		}
		_ = d.Close()
	}

	return nil, fmt.Errorf("%w: all capture attempts failed", ErrMicUnavailable)
}

// ordered puts hint-matching devices first, preserving driver order inside
// each group.
func ordered(drivers []driver.Driver, hint string) []driver.Driver {
	if hint == "" {
		return drivers
	}
	hint = strings.ToLower(hint)
	out := make([]driver.Driver, 0, len(drivers))
	var rest []driver.Driver
	for _, d := range drivers {
		if strings.Contains(strings.ToLower(d.Info().Label), hint) {
			out = append(out, d)
		} else {
			rest = append(rest, d)
		}
	}
	return append(out, rest...)
}

// InputLabels lists microphone device names for the control surface.
func InputLabels() []string {
	drivers := driver.GetManager().Query(driver.FilterAudioRecorder())
	out := make([]string, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d.Info().Label)
	}
	return out
}
