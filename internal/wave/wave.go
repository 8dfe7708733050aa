// Package wave holds the data model shared by the client pipeline and the
// sample server: generation settings, samples and viewport geometry.
package wave

import (
	"errors"
	"fmt"
	"math"
)

// Sample is one scalar reading of the waveform. Order is significant.
type Sample = float64

// Noise controls the random component mixed into the generated wave.
type Noise struct {
	Factor float64 `json:"factor" yaml:"factor"`
	Rate   int     `json:"rate" yaml:"rate"`
}

// Settings is an immutable snapshot of the wave-generation parameters.
// Every edit produces a new value; snapshots are compared with Key.
type Settings struct {
	Period    float64 `json:"period" yaml:"period"`
	Amplitude float64 `json:"amplitude" yaml:"amplitude"`
	Phase     float64 `json:"phase" yaml:"phase"`
	Noise     Noise   `json:"noise" yaml:"noise"`
}

// Key is the field tuple used for change detection.
type Key struct {
	Period      float64
	Amplitude   float64
	Phase       float64
	NoiseFactor float64
	NoiseRate   int
}

// DefaultSettings returns the startup parameters.
func DefaultSettings() Settings {
	return Settings{
		Period:    10,
		Amplitude: 50,
		Phase:     0,
		Noise:     Noise{Factor: 100, Rate: 5},
	}
}

// Key returns the comparable change key of s.
func (s Settings) Key() Key {
	return Key{
		Period:      s.Period,
		Amplitude:   s.Amplitude,
		Phase:       s.Phase,
		NoiseFactor: s.Noise.Factor,
		NoiseRate:   s.Noise.Rate,
	}
}

// MaxMagnitude bounds every float parameter so generated samples stay
// finite and encodable.
const MaxMagnitude = 1e9

var (
	ErrPeriod    = errors.New("period must be > 0")
	ErrNoiseRate = errors.New("noise rate must be > 0")
	ErrRange     = errors.New("value must be finite and within ±1e9")
)

// Validate checks the invariants period > 0 and noise.rate > 0, and that
// every float field is finite and within MaxMagnitude.
func (s Settings) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"period", s.Period},
		{"amplitude", s.Amplitude},
		{"phase", s.Phase},
		{"noise factor", s.Noise.Factor},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || math.Abs(f.v) > MaxMagnitude {
			return fmt.Errorf("%s: %w (got %v)", f.name, ErrRange, f.v)
		}
	}
	if !(s.Period > 0) {
		return fmt.Errorf("%w (got %v)", ErrPeriod, s.Period)
	}
	if s.Noise.Rate <= 0 {
		return fmt.Errorf("%w (got %d)", ErrNoiseRate, s.Noise.Rate)
	}
	return nil
}

// String formats the snapshot the way the status line shows it.
func (s Settings) String() string {
	return fmt.Sprintf("Period %g amp %g phase %g noise ±%g /%dx",
		s.Period, s.Amplitude, s.Phase, s.Noise.Factor, s.Noise.Rate)
}

// Screen is the viewport geometry. Width bounds the buffer capacity,
// Height is only used for rendering.
type Screen struct {
	Width  int
	Height int
}
