// SPDX-License-Identifier: MIT
package utils

import (
	"math"
	"math/rand/v2"
	"sync"
)

// MockTransport implements the transport.Transport interface for testing.
// Every value passed to Send is kept in order.
type MockTransport struct {
	mu     sync.Mutex
	frames []any
	closed bool
}

// Send stores the data for later inspection instead of transmitting.
func (m *MockTransport) Send(data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, data)
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Frames returns a copy of everything sent so far.
func (m *MockTransport) Frames() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.frames))
	copy(out, m.frames)
	return out
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GenerateSineWave returns size samples of a sine at frequency Hz with the
// given peak amplitude.
func GenerateSineWave(size int, sampleRate, frequency, amplitude float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = amplitude * math.Sin(2*math.Pi*frequency*t)
	}
	return buffer
}

// GenerateConstant returns size copies of v.
func GenerateConstant(size int, v float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		buffer[i] = v
	}
	return buffer
}

// Burst describes one muscle activation in a synthetic EMG trace.
type Burst struct {
	Onset     float64 // Seconds from the start of the trace.
	Duration  float64 // Seconds.
	Amplitude float64 // Peak amplitude of the carrier.
}

// GenerateEMG returns a deterministic EMG-like trace: uniform baseline noise
// of the given amplitude plus an 80Hz carrier gated on during each burst.
func GenerateEMG(size int, sampleRate, noise float64, bursts []Burst, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	buffer := make([]float64, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		v := noise * (2*rng.Float64() - 1)
		for _, b := range bursts {
			if t >= b.Onset && t < b.Onset+b.Duration {
				v += b.Amplitude * math.Sin(2*math.Pi*80*t)
			}
		}
		buffer[i] = v
	}
	return buffer
}

// RMS computes the root-mean-square of values directly.
func RMS(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sumSquare float64
	for _, v := range values {
		sumSquare += v * v
	}
	return math.Sqrt(sumSquare / float64(len(values)))
}

// FindPeakIndex returns the index of the largest value in values[startIdx:endIdx+1].
func FindPeakIndex(values []float64, startIdx, endIdx int) int {
	if len(values) == 0 {
		return 0
	}

	if startIdx < 0 {
		startIdx = 0
	}

	if endIdx >= len(values) {
		endIdx = len(values) - 1
	}

	peakIdx := startIdx
	peakValue := values[startIdx]

	for i := startIdx + 1; i <= endIdx; i++ {
		if values[i] > peakValue {
			peakValue = values[i]
			peakIdx = i
		}
	}

	return peakIdx
}
