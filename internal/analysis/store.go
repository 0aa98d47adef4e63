// SPDX-License-Identifier: MIT
package analysis

import (
	"biotap/pkg/bitint"
)

// maxPrealloc caps the capacity reserved up front for long retention horizons.
const maxPrealloc = 1 << 20

// sampleStore holds the retained raw history of one channel together with a
// running sum-of-squares prefix. len(sqPrefix) == len(raw)+1 at all times, and
// sqPrefix[i] is the sum of raw[0..i)^2.
type sampleStore struct {
	raw       []float64
	sqPrefix  []float64
	startTime float64 // Absolute time (s) of raw[0].
}

// newSampleStore pre-allocates room for roughly one retention horizon of
// samples so steady-state appends do not grow the backing arrays.
func newSampleStore(p Params) sampleStore {
	want := min(p.RetentionSeconds*p.SampleRate, maxPrealloc)
	capacity := bitint.Capacity(int(want)+2*p.WindowSize, maxPrealloc)
	sq := make([]float64, 1, capacity+1)
	return sampleStore{
		raw:      make([]float64, 0, capacity),
		sqPrefix: sq,
	}
}

// append extends the history and the prefix in lock-step.
func (s *sampleStore) append(values []float64) {
	acc := s.sqPrefix[len(s.sqPrefix)-1]
	for _, v := range values {
		acc += v * v
		s.raw = append(s.raw, v)
		s.sqPrefix = append(s.sqPrefix, acc)
	}
}

// sumSquares returns the energy of raw[a:b]. Callers guarantee 0 <= a <= b <= len(raw).
func (s *sampleStore) sumSquares(a, b int) float64 {
	return s.sqPrefix[b] - s.sqPrefix[a]
}

// len returns the number of retained samples.
func (s *sampleStore) len() int {
	return len(s.raw)
}

// timeAt maps a retained index to absolute time.
func (s *sampleStore) timeAt(i float64, sampleRate float64) float64 {
	return s.startTime + i/sampleRate
}

// dropFront discards the first n samples, rebuilds the prefix over what is
// left and moves the start time forward accordingly.
func (s *sampleStore) dropFront(n int, sampleRate float64) {
	kept := copy(s.raw, s.raw[n:])
	s.raw = s.raw[:kept]

	s.sqPrefix = s.sqPrefix[:1]
	s.sqPrefix[0] = 0
	acc := 0.0
	for _, v := range s.raw {
		acc += v * v
		s.sqPrefix = append(s.sqPrefix, acc)
	}

	s.startTime += float64(n) / sampleRate
}

// clear empties the store but keeps its backing arrays.
func (s *sampleStore) clear() {
	s.raw = s.raw[:0]
	s.sqPrefix = s.sqPrefix[:1]
	s.sqPrefix[0] = 0
	s.startTime = 0
}
