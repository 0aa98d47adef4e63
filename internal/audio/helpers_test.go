// SPDX-License-Identifier: MIT
package audio

import (
	"math"
	"strconv"
	"sync"
)

const (
	testSampleRate = 1000.0
	testFrameSize  = 64

	lowThreshold  = int32(math.MaxInt32 / 1000)   // ~0.1% of full scale
	highThreshold = int32(math.MaxInt32 / 10 * 9) // 90% of full scale
	quietLevel    = int32(math.MaxInt32 / 100)    // 1% of full scale
	loudLevel     = int32(math.MaxInt32 / 10 * 8) // 80% of full scale
)

var (
	quietBuffer = alternating(testFrameSize, quietLevel)
	loudBuffer  = alternating(testFrameSize, loudLevel)
	testBuffer  = ramp(testFrameSize)
)

// alternating returns +level, -level, +level, ...
func alternating(n int, level int32) []int32 {
	buf := make([]int32, n)
	for i := range buf {
		if i%2 == 0 {
			buf[i] = level
		} else {
			buf[i] = -level
		}
	}
	return buf
}

// ramp returns samples rising linearly towards half scale.
func ramp(n int) []int32 {
	buf := make([]int32, n)
	for i := range buf {
		buf[i] = int32(i * (math.MaxInt32 / 2 / n))
	}
	return buf
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

func absFloat(x float64) float64 {
	return math.Abs(x)
}

// captureSink records copies of ingested batches.
type captureSink struct {
	mu     sync.Mutex
	starts []float64
	values [][]float64
}

func (s *captureSink) Ingest(values []float64, start float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, start)
	s.values = append(s.values, append([]float64(nil), values...))
}

func (s *captureSink) all() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, v := range s.values {
		out = append(out, v...)
	}
	return out
}

// discardSink drops everything without allocating.
type discardSink struct{ n int }

func (s *discardSink) Ingest(values []float64, start float64) { s.n += len(values) }
