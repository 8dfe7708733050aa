// Package buffer implements the bounded sliding window of samples that
// backs the waveform display.
package buffer

import (
	"fmt"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

// MinCapacity is the smallest operative capacity.
const MinCapacity = 1

// CapacityError reports a non-positive capacity request. It is returned
// next to the clamped value and is never fatal.
type CapacityError struct {
	Requested int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("buffer: capacity %d is not positive, clamped to %d", e.Requested, MinCapacity)
}

// ClampCapacity returns n, or MinCapacity together with a *CapacityError
// when n <= 0.
func ClampCapacity(n int) (int, error) {
	if n < MinCapacity {
		return MinCapacity, &CapacityError{Requested: n}
	}
	return n, nil
}

// Buffer is an immutable, order-preserving window over the most recent
// samples. Append and Resize return a new Buffer and never modify the
// receiver, so a Buffer value can be handed to readers as a snapshot.
type Buffer struct {
	capacity int
	samples  []wave.Sample
}

// New returns an empty buffer. Non-positive capacities are clamped.
func New(capacity int) Buffer {
	capacity, _ = ClampCapacity(capacity)
	return Buffer{capacity: capacity}
}

// Cap returns the capacity.
func (b Buffer) Cap() int {
	if b.capacity == 0 {
		return MinCapacity
	}
	return b.capacity
}

// Len returns the number of retained samples.
func (b Buffer) Len() int { return len(b.samples) }

// Samples returns a copy of the retained samples, oldest first.
func (b Buffer) Samples() []wave.Sample {
	out := make([]wave.Sample, len(b.samples))
	copy(out, b.samples)
	return out
}

// Append returns (b ++ batch) truncated to its last Cap() elements.
func (b Buffer) Append(batch []wave.Sample) Buffer {
	if len(batch) == 0 {
		return b
	}
	capacity := b.Cap()
	total := len(b.samples) + len(batch)
	n := min(total, capacity)

	out := make([]wave.Sample, n)
	// Elements of the concatenation that survive start at total-n.
	drop := total - n
	if drop < len(b.samples) {
		k := copy(out, b.samples[drop:])
		copy(out[k:], batch)
	} else {
		copy(out, batch[drop-len(b.samples):])
	}
	return Buffer{capacity: capacity, samples: out}
}

// Resize returns a buffer with the new capacity holding the last
// min(Len(), capacity) samples. Fewer samples are never padded.
// A non-positive capacity is clamped and reported through the error.
func (b Buffer) Resize(capacity int) (Buffer, error) {
	capacity, err := ClampCapacity(capacity)
	n := min(len(b.samples), capacity)
	out := make([]wave.Sample, n)
	copy(out, b.samples[len(b.samples)-n:])
	return Buffer{capacity: capacity, samples: out}, err
}
