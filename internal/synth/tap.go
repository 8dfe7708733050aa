package synth

import (
	"sync"

	"github.com/faiface/beep"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

// Tap wraps a beep.Streamer and records the last N mono samples into a ring
// buffer so new subscribers can be sent recent history before live batches.
type Tap struct {
	Source    beep.Streamer
	buffer    []wave.Sample
	nextIndex int
	filled    int
	mu        sync.RWMutex
}

// NewTap returns a tap keeping ringSize samples of history.
func NewTap(src beep.Streamer, ringSize int) *Tap {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Tap{
		Source: src,
		buffer: make([]wave.Sample, ringSize),
	}
}

var _ beep.Streamer = (*Tap)(nil)

func (t *Tap) Stream(samples [][2]float64) (int, bool) {
	n, ok := t.Source.Stream(samples)
	if n > 0 {
		t.mu.Lock()
		for i := 0; i < n; i++ {
			t.buffer[t.nextIndex] = samples[i][0]
			t.nextIndex++
			if t.nextIndex >= len(t.buffer) {
				t.nextIndex = 0
			}
		}
		t.filled = min(t.filled+n, len(t.buffer))
		t.mu.Unlock()
	}
	return n, ok
}

func (t *Tap) Err() error { return t.Source.Err() }

// Snapshot returns up to the last n recorded samples, most recent last.
func (t *Tap) Snapshot(n int) []wave.Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n = min(n, t.filled)
	if n <= 0 {
		return nil
	}
	out := make([]wave.Sample, n)
	start := t.nextIndex - n
	if start < 0 {
		start += len(t.buffer)
	}
	for i := 0; i < n; i++ {
		out[i] = t.buffer[(start+i)%len(t.buffer)]
	}
	return out
}
