// SPDX-License-Identifier: MIT
package analysis

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParams is returned (wrapped) when a Params value cannot drive an envelope.
var ErrInvalidParams = errors.New("invalid envelope parameters")

// Default values for the envelope engine.
const (
	DefaultSampleRate       = 250.0 // Typical surface EMG front-end rate (Hz)
	DefaultWindowSize       = 50    // 200ms window at 250Hz
	DefaultHopSize          = 10    // One RMS point every 40ms
	DefaultThreshold        = 0.1   // Overwritten by calibration
	DefaultThresholdCount   = 3     // Sustained crossing over three points
	DefaultRetentionSeconds = 5.0   // Rolling history kept in memory
)

// Params holds the tunables of a Detector. All of them may be changed while
// samples are streaming; see the Set* methods on Detector.
type Params struct {
	SampleRate       float64 // Samples per second of the ingested channel.
	WindowSize       int     // RMS window length in samples.
	HopSize          int     // Stride between consecutive RMS windows in samples.
	Threshold        float64 // RMS magnitude a point must reach to qualify.
	ThresholdCount   int     // Number of most recent qualifying points required to fire.
	RetentionSeconds float64 // History horizon kept by the pruner.
}

// DefaultParams returns the built-in parameter set.
func DefaultParams() Params {
	return Params{
		SampleRate:       DefaultSampleRate,
		WindowSize:       DefaultWindowSize,
		HopSize:          DefaultHopSize,
		Threshold:        DefaultThreshold,
		ThresholdCount:   DefaultThresholdCount,
		RetentionSeconds: DefaultRetentionSeconds,
	}
}

// Validate reports the first parameter that would leave the engine unable to
// make progress. A zero hop in particular would never advance the cursor.
func (p Params) Validate() error {
	if !(p.SampleRate > 0) || math.IsInf(p.SampleRate, 0) {
		return fmt.Errorf("%w: sample rate must be positive, got %v", ErrInvalidParams, p.SampleRate)
	}
	if p.WindowSize <= 0 {
		return fmt.Errorf("%w: window size must be positive, got %d", ErrInvalidParams, p.WindowSize)
	}
	if p.HopSize <= 0 {
		return fmt.Errorf("%w: hop size must be positive, got %d", ErrInvalidParams, p.HopSize)
	}
	if p.ThresholdCount <= 0 {
		return fmt.Errorf("%w: threshold count must be positive, got %d", ErrInvalidParams, p.ThresholdCount)
	}
	if !finite(p.RetentionSeconds) || p.RetentionSeconds < 0 {
		return fmt.Errorf("%w: retention must be finite and not negative, got %v", ErrInvalidParams, p.RetentionSeconds)
	}
	if !finite(p.Threshold) || p.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be finite and not negative, got %v", ErrInvalidParams, p.Threshold)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// HopSeconds is the spacing between consecutive RMS points.
func (p Params) HopSeconds() float64 {
	return float64(p.HopSize) / p.SampleRate
}

// WindowSeconds is the duration covered by one RMS window.
func (p Params) WindowSeconds() float64 {
	return float64(p.WindowSize) / p.SampleRate
}
