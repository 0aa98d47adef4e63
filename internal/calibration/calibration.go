// SPDX-License-Identifier: MIT
/*
Package calibration derives a tap threshold from the user's own signal.

A calibration session fully resets the meter, then for a fixed duration
advances it once per frame and records the latest RMS reading. When the
duration has elapsed the threshold becomes max * Factor. If no reading above
zero was seen the threshold is left as it was.

Sessions are stepped by the caller so they can run inside an existing tick
loop. Thread Safety:
  - A Session is not safe for concurrent use.
  - The Meter must be owned by the goroutine stepping the session (the driver
    steps sessions while holding its engine lock).
*/
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"biotap/internal/analysis"
	applog "biotap/internal/log"
)

// Default protocol settings.
const (
	DefaultDuration = 3 * time.Second
	DefaultFactor   = 0.6
)

// ErrInvalid is returned when a Calibrator is configured outside its domain.
var ErrInvalid = errors.New("invalid calibration settings")

var logger = applog.Named("Calibration")

// Calibrator holds the protocol settings.
type Calibrator struct {
	Duration time.Duration // Observation period.
	Factor   float64       // Fraction of the observed maximum, 0 < Factor < 1.
}

// New validates and returns a Calibrator.
func New(duration time.Duration, factor float64) (*Calibrator, error) {
	c := &Calibrator{Duration: duration, Factor: factor}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the settings.
func (c *Calibrator) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration %v must be positive", ErrInvalid, c.Duration)
	}
	if !(c.Factor > 0 && c.Factor < 1) {
		return fmt.Errorf("%w: factor %v must be in (0, 1)", ErrInvalid, c.Factor)
	}
	return nil
}

// Result summarises a finished session.
type Result struct {
	MaxRMS       float64       `json:"max_rms"`
	MeanRMS      float64       `json:"mean_rms"`
	StdDevRMS    float64       `json:"stddev_rms"`
	Readings     int           `json:"readings"`
	Elapsed      time.Duration `json:"elapsed"`
	OldThreshold float64       `json:"old_threshold"`
	NewThreshold float64       `json:"new_threshold"`
	Applied      bool          `json:"applied"` // False when nothing was observed.
}

// Session is one run of the protocol against a meter.
type Session struct {
	cal      Calibrator
	meter    analysis.Meter
	elapsed  time.Duration
	readings []float64
	old      float64
	result   Result
	done     bool
}

// Begin resets m and starts a session. The threshold in force before the
// reset is remembered for the result.
func (c *Calibrator) Begin(m analysis.Meter) *Session {
	s := &Session{
		cal:   *c,
		meter: m,
		old:   m.Threshold(),
	}
	m.ResetAll()
	logger.Infof("Started (%v, factor %.2f)", c.Duration, c.Factor)
	return s
}

// Step advances the meter by delta, records the latest reading and reports
// whether the session has finished. Negative deltas advance nothing. Steps
// after completion are ignored.
func (s *Session) Step(delta time.Duration) bool {
	if s.done {
		return true
	}
	if delta < 0 {
		delta = 0
	}

	s.meter.Tick(delta.Seconds())
	s.readings = append(s.readings, s.meter.LatestRMS())
	s.elapsed += delta

	if s.elapsed >= s.cal.Duration {
		s.finish()
	}
	return s.done
}

// Done reports whether the session has finished.
func (s *Session) Done() bool { return s.done }

// Progress returns the completed fraction in [0, 1].
func (s *Session) Progress() float64 {
	return math.Min(1, float64(s.elapsed)/float64(s.cal.Duration))
}

// Result returns the outcome and true once the session has finished.
func (s *Session) Result() (Result, bool) {
	return s.result, s.done
}

func (s *Session) finish() {
	s.done = true
	r := Result{
		Readings:     len(s.readings),
		Elapsed:      s.elapsed,
		OldThreshold: s.old,
		NewThreshold: s.meter.Threshold(),
	}
	if len(s.readings) > 0 {
		r.MaxRMS = floats.Max(s.readings)
		r.MeanRMS, r.StdDevRMS = stat.MeanStdDev(s.readings, nil)
		if len(s.readings) == 1 {
			r.StdDevRMS = 0
		}
	}

	if r.MaxRMS > 0 {
		r.NewThreshold = r.MaxRMS * s.cal.Factor
		s.meter.SetThreshold(r.NewThreshold)
		r.Applied = true
		logger.Infof("Threshold %.4f -> %.4f (max %.4f over %d readings)", r.OldThreshold, r.NewThreshold, r.MaxRMS, r.Readings)
	} else {
		logger.Warnf("No signal observed in %v, threshold left at %.4f", s.elapsed, r.NewThreshold)
	}
	s.result = r
}
