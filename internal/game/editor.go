package game

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

// Field selects the setting edited by the keyboard.
type Field int

const (
	Period Field = iota
	Amplitude
	Phase
	NoiseFactor
	NoiseRate
	fieldCount
)

var fieldNames = [...]string{"Period", "Amplitude", "Phase", "Noise factor", "Noise rate"}

func (f Field) String() string {
	if f < 0 || f >= fieldCount {
		return "unknown"
	}
	return fieldNames[f]
}

// step sizes per field for the Up/Down keys
var fieldSteps = [...]float64{1, 5, 0.1, 10, 1}

// Editor holds the current settings snapshot and the selected field. Every
// edit produces a new snapshot; an invalid edit leaves the snapshot as is.
type Editor struct {
	settings wave.Settings
	field    Field
}

// NewEditor starts editing s with Period selected.
func NewEditor(s wave.Settings) *Editor {
	return &Editor{settings: s}
}

func (e *Editor) Settings() wave.Settings { return e.settings }
func (e *Editor) Field() Field            { return e.field }

// Select changes the edited field. Out-of-range fields are ignored.
func (e *Editor) Select(f Field) {
	if f >= 0 && f < fieldCount {
		e.field = f
	}
}

// Value returns the selected field formatted for a prompt.
func (e *Editor) Value() string {
	s := e.settings
	switch e.field {
	case Period:
		return strconv.FormatFloat(s.Period, 'g', -1, 64)
	case Amplitude:
		return strconv.FormatFloat(s.Amplitude, 'g', -1, 64)
	case Phase:
		return strconv.FormatFloat(s.Phase, 'g', -1, 64)
	case NoiseFactor:
		return strconv.FormatFloat(s.Noise.Factor, 'g', -1, 64)
	default:
		return strconv.Itoa(s.Noise.Rate)
	}
}

// Step moves the selected field by dir steps.
func (e *Editor) Step(dir int) (wave.Settings, error) {
	delta := float64(dir) * fieldSteps[e.field]
	next := e.settings
	switch e.field {
	case Period:
		next.Period += delta
	case Amplitude:
		next.Amplitude += delta
	case Phase:
		next.Phase += delta
	case NoiseFactor:
		next.Noise.Factor += delta
	case NoiseRate:
		next.Noise.Rate += int(delta)
	}
	return e.commit(next)
}

// Set parses raw as the new value of the selected field. An empty input is
// read as 0.
func (e *Editor) Set(raw string) (wave.Settings, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "0"
	}
	next := e.settings
	if e.field == NoiseRate {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return e.settings, fmt.Errorf("%s: %w", e.field, err)
		}
		next.Noise.Rate = n
		return e.commit(next)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return e.settings, fmt.Errorf("%s: %w", e.field, err)
	}
	switch e.field {
	case Period:
		next.Period = v
	case Amplitude:
		next.Amplitude = v
	case Phase:
		next.Phase = v
	case NoiseFactor:
		next.Noise.Factor = v
	}
	return e.commit(next)
}

func (e *Editor) commit(next wave.Settings) (wave.Settings, error) {
	if err := next.Validate(); err != nil {
		return e.settings, err
	}
	e.settings = next
	return next, nil
}
