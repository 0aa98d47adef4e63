package transport

import (
	"errors"

	"biotap/internal/analysis"
)

// Transport defines a generic interface for sending meter frames and events.
// Implementations should be thread-safe.
type Transport interface {
	Send(data any) error
	Close() error
}

// Message types carried in the Type field of every message.
const (
	TypeFrame       = "frame"
	TypeTap         = "tap"
	TypeCalibration = "calibration"
)

// Tap edges. Level-triggered drivers report every triggered tick as EdgeLevel.
const (
	EdgeLevel   = "level"
	EdgePress   = "press"
	EdgeRelease = "release"
)

// Frame is a periodic snapshot of the meter.
type Frame struct {
	Type        string           `json:"type"`
	Session     string           `json:"session"`
	Seq         uint64           `json:"seq"`
	Time        float64          `json:"time"`      // Engine time (s).
	RMS         float64          `json:"rms"`       // Latest RMS value.
	Threshold   float64          `json:"threshold"` // Current threshold.
	Tap         bool             `json:"tap"`       // Trigger state at the last tick.
	Calibrating bool             `json:"calibrating"`
	Progress    float64          `json:"progress,omitempty"` // Calibration progress in [0, 1].
	Points      []analysis.Point `json:"points,omitempty"`   // Recent envelope, oldest first.
}

// TapEvent reports a trigger decision.
type TapEvent struct {
	Type      string  `json:"type"`
	Session   string  `json:"session"`
	Edge      string  `json:"edge"`
	Time      float64 `json:"time"`
	RMS       float64 `json:"rms"`
	Threshold float64 `json:"threshold"`
}

// CalibrationEvent reports a finished calibration.
type CalibrationEvent struct {
	Type         string  `json:"type"`
	Session      string  `json:"session"`
	MaxRMS       float64 `json:"max_rms"`
	MeanRMS      float64 `json:"mean_rms"`
	OldThreshold float64 `json:"old_threshold"`
	NewThreshold float64 `json:"new_threshold"`
	Applied      bool    `json:"applied"`
}

// Multi fans every message out to several transports.
type Multi []Transport

// Send delivers data to every transport and joins their errors.
func (m Multi) Send(data any) error {
	var errs []error
	for _, t := range m {
		if err := t.Send(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every transport and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ensure Multi satisfies the interface
var _ Transport = Multi(nil)
