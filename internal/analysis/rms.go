// SPDX-License-Identifier: MIT
package analysis

import "math"

// Point is one materialized RMS value. T is the absolute time of the window
// center in seconds, V the RMS magnitude (never negative).
type Point struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// advance materializes every RMS window that fits in the retained history and
// has not been computed yet. Points are appended once and never revisited, so
// a second call without new samples does nothing.
func (d *Detector) advance() {
	window := d.params.WindowSize
	n := d.store.len()
	if window <= 0 || n < window {
		return
	}

	lastStart := n - window

	// Parameter changes can leave the cursor outside the valid range.
	if d.cursor < 0 {
		d.cursor = 0
	}
	if d.cursor > lastStart {
		// Nothing to do: the next window would run past the end of the data.
		return
	}

	hop := d.params.HopSize
	rate := d.params.SampleRate
	half := float64(window) / 2

	for ; d.cursor <= lastStart; d.cursor += hop {
		d.points = append(d.points, Point{
			T: d.store.timeAt(float64(d.cursor)+half, rate),
			V: d.windowRMS(d.cursor),
		})
	}
}

// windowRMS computes the RMS of raw[a:a+window] from the prefix array.
func (d *Detector) windowRMS(a int) float64 {
	window := d.params.WindowSize
	return math.Sqrt(d.store.sumSquares(a, a+window) / float64(window))
}
