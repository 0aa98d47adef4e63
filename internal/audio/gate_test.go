// SPDX-License-Identifier: MIT
package audio

import (
	"math"
	"testing"
)

func TestGateEnableHotPath(t *testing.T) {
	gate := &Gate{
		enabled:   false,
		threshold: lowThreshold,
	}

	if gate.Enabled() {
		t.Error("Gate should be disabled initially")
	}

	gate.Enable()
	if !gate.Enabled() {
		t.Error("Gate should be enabled after Enable()")
	}

	gate.Disable()
	if gate.Enabled() {
		t.Error("Gate should be disabled after Disable()")
	}

	gate.Enable()
	gate.Enable() // Multiple calls should be idempotent
	if !gate.Enabled() {
		t.Error("Gate should remain enabled after multiple Enable()")
	}

	gate.Disable()
	gate.Disable() // Multiple calls should be idempotent
	if gate.Enabled() {
		t.Error("Gate should remain disabled after multiple Disable()")
	}
}

func TestGateThresholdBoundaries(t *testing.T) {
	tests := []struct {
		input    float64
		expected float64
	}{
		{-0.1, 0.0}, // Below min
		{0.0, 0.0},  // Minimum
		{0.5, 0.5},  // Middle
		{1.0, 1.0},  // Maximum
		{1.5, 1.0},  // Above max
	}

	gate := &Gate{enabled: true}

	for _, tt := range tests {
		t.Run(formatFloat(tt.input), func(t *testing.T) {
			gate.SetThreshold(tt.input)
			got := gate.Threshold()

			if absFloat(got-tt.expected) > 0.001 {
				t.Errorf("Gate threshold conversion: got %.3f, want %.3f", got, tt.expected)
			}
		})
	}
}

func TestGateThresholdPrecisionHotPath(t *testing.T) {
	gate := &Gate{}

	tests := []struct {
		ratio float64
		desc  string
	}{
		{0.0, "Zero"},           // Min boundary
		{0.1, "10%"},            // Low value
		{0.25, "Quarter"},       // 25%
		{0.5, "Half"},           // Midpoint
		{0.75, "Three quarter"}, // 75%
		{0.999, "Near max"},     // Almost max
		{1.0, "Unity"},          // Max boundary
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			gate.SetThreshold(tt.ratio)
			result := gate.Threshold()

			// Verify conversion accuracy.
			if absFloat(result-tt.ratio) > 0.0001 {
				t.Errorf("Threshold conversion error: got %.6f, want %.6f", result, tt.ratio)
			}

			// Verify int32 representation is proportional.
			expectedInt32 := int32(tt.ratio * float64(math.MaxInt32))
			if absInt32(expectedInt32-gate.threshold) > 100 {
				t.Errorf("Int32 threshold mismatch: got %d, want %d",
					gate.threshold, expectedInt32)
			}
		})
	}
}

func TestGateOpen(t *testing.T) {
	tests := []struct {
		desc        string
		buffer      []int32
		gateEnabled bool
		threshold   float64
		shouldOpen  bool
	}{
		{"Gate disabled/Quiet signal", quietBuffer, false, 0.1, true},                // Disabled gate always passes
		{"Gate disabled/Loud signal", loudBuffer, false, 0.1, true},                  // Disabled gate always passes
		{"Gate enabled/Quiet signal/Low threshold", quietBuffer, true, 0.0001, true}, // Very low threshold that quiet signal can pass
		{"Gate enabled/Quiet signal/Mid threshold", quietBuffer, true, 0.1, false},   // Signal below threshold
		{"Gate enabled/Loud signal/Mid threshold", loudBuffer, true, 0.1, true},      // Signal above threshold
		{"Gate enabled/Loud signal/High threshold", loudBuffer, true, 0.999, false},  // Very high threshold that even loud signal can't pass
		{"Gate enabled/Empty buffer", nil, true, 0.0, false},                         // Nothing to pass
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			gate := &Gate{enabled: tt.gateEnabled}
			gate.SetThreshold(tt.threshold)

			if got := gate.Open(tt.buffer); got != tt.shouldOpen {
				t.Errorf("Open() = %v, want %v (peak=%d, threshold=%d)",
					got, tt.shouldOpen, peak(tt.buffer), gate.threshold)
			}
		})
	}
}

func TestPeak(t *testing.T) {
	tests := []struct {
		name   string
		buffer []int32
		want   int32
	}{
		{"empty", nil, 0},
		{"positive", []int32{1, 5, 3}, 5},
		{"negative dominates", []int32{4, -9, 2}, 9},
		{"max int", []int32{-3, math.MaxInt32}, math.MaxInt32},
		{"near min int", []int32{math.MinInt32 + 1}, math.MaxInt32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := peak(tt.buffer); got != tt.want {
				t.Errorf("peak(%v) = %d, want %d", tt.buffer, got, tt.want)
			}
		})
	}
}

func TestGateOpenNoAllocs(t *testing.T) {
	gate := &Gate{enabled: true, threshold: lowThreshold}
	allocs := testing.AllocsPerRun(100, func() {
		_ = gate.Open(testBuffer)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in Gate.Open, got %.1f", allocs)
	}
}

func BenchmarkGateThresholdConversionHotPath(b *testing.B) {
	gate := &Gate{}
	values := []float64{0.0, 0.25, 0.5, 0.75, 1.0}

	for _, v := range values {
		b.Run(formatFloat(v), func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()

			for b.Loop() {
				gate.SetThreshold(v)
				_ = gate.Threshold() // Discard result to prevent optimization
			}
		})
	}
}

func BenchmarkGateProcessingHotPath(b *testing.B) {
	benchmarks := []struct {
		name      string
		buffer    []int32
		threshold int32
		enabled   bool
	}{
		{"Gate disabled/Normal", testBuffer, lowThreshold, false},
		{"Gate enabled/Quiet signal/Low threshold", quietBuffer, lowThreshold, true},
		{"Gate enabled/Normal signal/Low threshold", testBuffer, lowThreshold, true},
		{"Gate enabled/Loud signal/High threshold", loudBuffer, highThreshold, true},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			gate := &Gate{
				enabled:   bm.enabled,
				threshold: bm.threshold,
			}

			b.ReportAllocs()
			b.ResetTimer()

			for b.Loop() {
				_ = gate.Open(bm.buffer)
			}
		})
	}
}

// absInt32 returns the absolute value of x.
func absInt32(x int32) int32 {
	mask := x >> 31
	return (x ^ mask) - mask
}
