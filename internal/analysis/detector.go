// SPDX-License-Identifier: MIT
/*
Package analysis implements the streaming RMS envelope and tap detector.

Samples are appended to a retained history alongside a sum-of-squares prefix,
so each RMS window costs O(1) regardless of its length. RMS points are
materialized lazily on a hop-aligned cursor and never recomputed. A pruner
bounds memory to the retention horizon by dropping old samples and points and
rebasing indices.

Thread Safety:
- A Detector is not safe for concurrent use
- Ingest and Tick must be serialized by the owner (see internal/driver)
- No method blocks, allocates per tick in steady state, or performs I/O
*/
package analysis

import (
	"fmt"
	"math"

	applog "biotap/internal/log"
)

// Detector owns the sample history, the RMS envelope and the clock, and
// evaluates the sustained-crossing trigger on every tick.
type Detector struct {
	params Params

	store  sampleStore
	points []Point
	cursor int // Next raw index (inclusive) at which an RMS window starts.

	now         float64 // Absolute engine time (s).
	initialized bool    // Set by the first non-empty batch.
}

// State is a point-in-time copy of the detector's observable state.
type State struct {
	Initialized  bool
	Now          float64
	RawSamples   int
	RawStartTime float64
	Points       int
	LatestRMS    float64
	Threshold    float64
}

// Compile-time checks for interface implementations.
var _ SampleSink = (*Detector)(nil)
var _ Meter = (*Detector)(nil)

// NewDetector validates p and returns a detector with an uninitialized clock.
func NewDetector(p Params) (*Detector, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	applog.Debugf("Analysis: Initializing Detector (Rate: %.1f Hz, Window: %d, Hop: %d, Threshold: %.4f x%d, Retention: %.1fs)",
		p.SampleRate, p.WindowSize, p.HopSize, p.Threshold, p.ThresholdCount, p.RetentionSeconds)

	maxPoints := int(min(p.RetentionSeconds/p.HopSeconds(), maxPrealloc)) + 2
	return &Detector{
		params: p,
		store:  newSampleStore(p),
		points: make([]Point, 0, maxPoints),
	}, nil
}

// Ingest appends one batch of samples. The first non-empty batch starts the
// clock at start; later timestamps are ignored and samples are assumed to be
// contiguous. Empty batches are a no-op.
func (d *Detector) Ingest(values []float64, start float64) {
	if len(values) == 0 {
		return
	}
	if !d.initialized {
		d.initialized = true
		d.now = start
		d.store.startTime = start
	}

	d.store.append(values)
	d.advance()
	d.prune(d.now)
}

// Tick advances the clock by delta seconds, brings the envelope up to date,
// prunes history and reports whether the last ThresholdCount RMS points that
// are not in the future all reach the threshold.
//
// The result is level-triggered: it stays true on every tick for as long as
// the condition holds. Negative deltas do not rewind the clock. Before the
// first batch arrives Tick returns false and changes nothing.
func (d *Detector) Tick(delta float64) bool {
	if !d.initialized {
		return false
	}
	if delta > 0 {
		d.now += delta
	}

	d.advance()
	d.prune(d.now)

	return d.triggered()
}

// triggered evaluates the sustained-crossing rule against the current clock.
func (d *Detector) triggered() bool {
	want := d.params.ThresholdCount
	selected, qualifying := 0, 0
	for i := len(d.points) - 1; i >= 0 && selected < want; i-- {
		p := d.points[i]
		if p.T > d.now {
			continue
		}
		selected++
		if p.V >= d.params.Threshold {
			qualifying++
		}
	}
	return qualifying == want
}

// LatestRMS returns the value of the newest RMS point whose center is not
// after the current clock, or 0 if there is none.
func (d *Detector) LatestRMS() float64 {
	for i := len(d.points) - 1; i >= 0; i-- {
		if d.points[i].T <= d.now {
			return d.points[i].V
		}
	}
	return 0
}

// Threshold returns the current trigger threshold.
func (d *Detector) Threshold() float64 {
	return d.params.Threshold
}

// SetThreshold replaces the trigger threshold. Negative values are clamped to 0
// and infinite ones are ignored.
func (d *Detector) SetThreshold(v float64) {
	if math.IsInf(v, 0) {
		return
	}
	if !(v > 0) {
		v = 0
	}
	d.params.Threshold = v
}

// Reset clears RMS progress only. Raw history and the clock are kept, so the
// next tick recomputes the envelope from the oldest retained sample.
func (d *Detector) Reset() {
	d.points = d.points[:0]
	d.cursor = 0
}

// ResetAll clears raw history, the prefix array and RMS points, and re-arms
// clock initialization so the next batch restarts the clock. Parameters,
// including the threshold, are preserved.
func (d *Detector) ResetAll() {
	d.store.clear()
	d.points = d.points[:0]
	d.cursor = 0
	d.now = 0
	d.initialized = false
}

// Now returns the engine clock and whether it has been initialized.
func (d *Detector) Now() (float64, bool) {
	return d.now, d.initialized
}

// Points returns a copy of the retained RMS points, oldest first.
func (d *Detector) Points() []Point {
	out := make([]Point, len(d.points))
	copy(out, d.points)
	return out
}

// State returns a snapshot for readouts.
func (d *Detector) State() State {
	return State{
		Initialized:  d.initialized,
		Now:          d.now,
		RawSamples:   d.store.len(),
		RawStartTime: d.store.startTime,
		Points:       len(d.points),
		LatestRMS:    d.LatestRMS(),
		Threshold:    d.params.Threshold,
	}
}

// Params returns the current parameter set.
func (d *Detector) Params() Params {
	return d.params
}

// SetParams applies a full parameter set to a running detector. Invalid
// values are clamped by the individual setters and the returned error
// reports the first one.
func (d *Detector) SetParams(p Params) error {
	err := p.Validate()

	d.SetSampleRate(p.SampleRate)
	d.SetWindowSize(p.WindowSize)
	d.SetHopSize(p.HopSize)
	d.SetThresholdCount(p.ThresholdCount)
	d.SetRetention(p.RetentionSeconds)
	d.SetThreshold(p.Threshold)

	if err != nil {
		return fmt.Errorf("parameters clamped: %w", err)
	}
	return nil
}

// SetWindowSize changes the RMS window length. Values below 1 become 1.
func (d *Detector) SetWindowSize(n int) {
	d.params.WindowSize = max(n, 1)
}

// SetHopSize changes the stride between windows. Values below 1 become 1.
func (d *Detector) SetHopSize(n int) {
	d.params.HopSize = max(n, 1)
}

// SetThresholdCount changes how many recent points must qualify. Values below 1 become 1.
func (d *Detector) SetThresholdCount(n int) {
	d.params.ThresholdCount = max(n, 1)
}

// SetSampleRate changes the index-to-time mapping. Non-positive rates become 1.
func (d *Detector) SetSampleRate(rate float64) {
	if !(rate > 0) {
		rate = 1
	}
	d.params.SampleRate = rate
}

// SetRetention changes the history horizon. Negative values become 0 and
// infinite ones are ignored.
func (d *Detector) SetRetention(seconds float64) {
	if math.IsInf(seconds, 0) {
		return
	}
	if !(seconds > 0) {
		seconds = 0
	}
	d.params.RetentionSeconds = seconds
}
