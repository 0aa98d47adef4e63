package transport

import (
	applog "biotap/internal/log"
)

var logTransport = applog.Named("LogTransport")

// LoggingTransport implements the Transport interface by logging messages.
// Taps and calibrations are logged at info level, frames at debug level.
type LoggingTransport struct{}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	logTransport.Infof("Using LoggingTransport")
	return &LoggingTransport{}
}

// Send logs the received data.
func (lt *LoggingTransport) Send(data any) error {
	switch v := data.(type) {
	case TapEvent:
		logTransport.Infof("Tap %s at %.3fs (rms %.4f, threshold %.4f)", v.Edge, v.Time, v.RMS, v.Threshold)
	case CalibrationEvent:
		logTransport.Infof("Calibration max %.4f, threshold %.4f -> %.4f (applied %v)", v.MaxRMS, v.OldThreshold, v.NewThreshold, v.Applied)
	case Frame:
		logTransport.Debugf("Frame %d at %.3fs rms %.4f threshold %.4f tap %v", v.Seq, v.Time, v.RMS, v.Threshold, v.Tap)
	default:
		logTransport.Debugf("Received (%T): %+v", data, data)
	}
	return nil // Logging transport never fails to "send"
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	logTransport.Debugf("Close called.")
	return nil
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
