// SPDX-License-Identifier: MIT
package audio

import "math"

// Gate silences capture buffers whose peak magnitude stays at or below a
// threshold. Silenced buffers are still delivered as zeros so stream time
// keeps advancing.
type Gate struct {
	enabled   bool
	threshold int32 // Absolute amplitude threshold (0-2147483647)
}

func (g *Gate) Enable() {
	g.enabled = true
}

func (g *Gate) Disable() {
	g.enabled = false
}

// Enabled reports whether the gate is active.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// SetThreshold adjusts the noise gate threshold.
// The value is in the range of 0.0-1.0 where 0=always open, 1=always closed.
func (g *Gate) SetThreshold(threshold float64) {
	if threshold < 0.0 {
		threshold = 0.0
	}
	if threshold > 1.0 {
		threshold = 1.0
	}

	g.threshold = int32(threshold * float64(math.MaxInt32))
}

// Threshold returns the current noise gate threshold as a float64.
// The value is in the range of 0.0-1.0 where 0=always open, 1=always closed.
func (g *Gate) Threshold() float64 {
	return float64(g.threshold) / float64(math.MaxInt32)
}

// Open reports whether buffer passes the gate. A disabled gate is always open.
func (g *Gate) Open(buffer []int32) bool {
	return !g.enabled || peak(buffer) > g.threshold
}

// peak returns the largest absolute sample value without branching.
func peak(buffer []int32) int32 {
	var maxAmplitude int32
	for _, sample := range buffer {
		mask := sample >> 31
		amplitude := (sample ^ mask) - mask
		diff := amplitude - maxAmplitude
		maxAmplitude += (diff & (diff >> 31)) ^ diff
	}
	return maxAmplitude
}
