// Package render turns a buffer snapshot into drawable geometry. It reads
// snapshots only and never touches connection or buffer state.
package render

import (
	"github.com/iburimskiy/wave-stream/internal/wave"
)

// Point is one drawable vertex in screen coordinates.
type Point struct {
	X, Y float32
}

// Points returns one point per sample: x = i, y = height/2 - value(i).
// Samples beyond the screen width are not drawn.
func Points(snapshot []wave.Sample, screen wave.Screen) []Point {
	n := len(snapshot)
	if screen.Width >= 0 && n > screen.Width {
		snapshot = snapshot[n-screen.Width:]
		n = screen.Width
	}
	mid := float64(screen.Height) / 2
	out := make([]Point, n)
	for i, v := range snapshot {
		out[i] = Point{X: float32(i), Y: float32(mid - v)}
	}
	return out
}
