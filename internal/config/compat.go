package config

import (
	"biotap/internal/analysis"
	"biotap/internal/calibration"
)

// Params converts the signal section into engine parameters.
func (c *Config) Params() analysis.Params {
	return c.Signal.Params()
}

// Params converts the signal section into engine parameters.
func (s SignalConfig) Params() analysis.Params {
	return analysis.Params{
		SampleRate:       s.SampleRate,
		WindowSize:       s.WindowSize,
		HopSize:          s.HopSize,
		Threshold:        s.Threshold,
		ThresholdCount:   s.ThresholdCount,
		RetentionSeconds: s.RetentionSeconds,
	}
}

// Calibrator converts the calibration section into protocol settings.
func (c *Config) Calibrator() calibration.Calibrator {
	return calibration.Calibrator{
		Duration: c.Calibration.Duration,
		Factor:   c.Calibration.Factor,
	}
}

// Edge reports whether taps are edge-triggered.
func (c *Config) Edge() bool {
	return c.Driver.TriggerMode == TriggerEdge
}
