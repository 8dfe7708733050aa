// Package synth generates the waveform served to subscribers.
package synth

import (
	"math"
	"math/rand"
	"sync"

	"github.com/faiface/beep"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

// Generator is an endless beep.Streamer producing
//
//	base  = sin(arg/period - phase) * amplitude
//	noise = U(-factor/2, factor/2) when arg mod rate < 1, else 0
//	v     = base + noise*base/height
//
// on both channels. Settings may be replaced while streaming.
type Generator struct {
	height float64
	rng    *rand.Rand

	mu       sync.RWMutex
	settings wave.Settings
	arg      int64
}

// NewGenerator returns a generator starting at arg 0.
func NewGenerator(s wave.Settings, height int, seed int64) *Generator {
	if height <= 0 {
		height = 1
	}
	return &Generator{
		height:   float64(height),
		rng:      rand.New(rand.NewSource(seed)),
		settings: s,
	}
}

var _ beep.Streamer = (*Generator)(nil)

// SetSettings replaces the generation parameters.
func (g *Generator) SetSettings(s wave.Settings) {
	g.mu.Lock()
	g.settings = s
	g.mu.Unlock()
}

// Settings returns the current parameters.
func (g *Generator) Settings() wave.Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

// Stream fills samples and never drains.
func (g *Generator) Stream(samples [][2]float64) (n int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.settings
	for i := range samples {
		v := g.value(s, g.arg)
		samples[i] = [2]float64{v, v}
		g.arg++
	}
	return len(samples), true
}

func (g *Generator) Err() error { return nil }

func (g *Generator) value(s wave.Settings, arg int64) float64 {
	period := s.Period
	if period <= 0 {
		period = 1
	}
	base := math.Sin(float64(arg)/period-s.Phase) * s.Amplitude

	var noise float64
	if s.Noise.Rate > 0 && arg%int64(s.Noise.Rate) < 1 {
		noise = g.rng.Float64()*s.Noise.Factor - s.Noise.Factor/2
	}
	v := base + noise*base/g.height
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Mono extracts the first channel of n stereo frames.
func Mono(frames [][2]float64) []wave.Sample {
	out := make([]wave.Sample, len(frames))
	for i, f := range frames {
		out[i] = f[0]
	}
	return out
}
