// SPDX-License-Identifier: MIT
package analysis

// SampleSink is implemented by anything that accepts decoded sample batches.
// values holds one channel's samples in order; start is the absolute time (s)
// of values[0]. Implementations must not retain values after returning.
type SampleSink interface {
	Ingest(values []float64, start float64)
}

// Meter is the surface the calibration protocol and live readouts drive.
type Meter interface {
	Tick(delta float64) bool // Tick advances the clock by delta seconds and reports the trigger state.
	LatestRMS() float64      // LatestRMS returns the newest RMS value that is not in the future.
	Threshold() float64      // Threshold returns the current trigger threshold.
	SetThreshold(v float64)  // SetThreshold replaces the trigger threshold.
	ResetAll()               // ResetAll drops all history and re-arms clock initialization.
}
