package render

import (
	"image/color"
	"math"
)

// hsvToRgb converts HSV to RGB (hue: 0-360, saturation: 0-1, value: 0-1)
func hsvToRgb(h, s, v float64) (uint8, uint8, uint8) {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return uint8((r + m) * 255), uint8((g + m) * 255), uint8((b + m) * 255)
}

// Stroke is the wave colour: #09d3ac while connected, shifting hue by phase
// otherwise so a stale display is visible.
func Stroke(connected bool, phase float64) color.RGBA {
	if connected {
		return color.RGBA{R: 0x09, G: 0xd3, B: 0xac, A: 0xff}
	}
	r, g, b := hsvToRgb(phase*360, 0.3, 0.6)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}
