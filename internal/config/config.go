package config

import (
	"time"

	"biotap/internal/analysis"
	"biotap/internal/calibration"
)

// Core configuration constants that define the boundaries and defaults
// for the tap engine and its adapters.
const (
	// Driver defaults
	DefaultTickInterval    = 16 * time.Millisecond // ~60 frames per second
	DefaultPublishInterval = 33 * time.Millisecond // ~30 meter frames per second
	DefaultTriggerMode     = TriggerLevel

	// Calibration defaults
	DefaultCalibrationDuration = calibration.DefaultDuration
	DefaultCalibrationFactor   = calibration.DefaultFactor // Threshold sits at 60% of the strongest flex

	// Source defaults
	DefaultSourceKind      = SourceSynthetic
	DefaultSourceURL       = "ws://127.0.0.1:8765/stream"
	DefaultSourceTopic     = "biotap/emg"
	DefaultChannel         = 0
	DefaultTimestampScale  = 1.0 // Seconds
	DefaultDeviceID        = MinDeviceID
	DefaultFramesPerBuffer = 64
	DefaultReconnectDelay  = time.Second

	// Transport defaults
	DefaultWebSocketAddress = ":8080"
	DefaultUDPTargetAddress = "127.0.0.1:9090"
	DefaultUDPSendInterval  = 33 * time.Millisecond

	// Recording defaults
	DefaultOutputDir = "./recordings"
	DefaultBitDepth  = 16

	// Hardware and processing limits
	MinDeviceID   = -1     // -1 represents system default device
	MaxSampleRate = 192000 // Maximum supported sample rate (Hz)
)

// Trigger modes understood by the driver.
const (
	TriggerLevel = "level" // Report a tap on every tick the condition holds.
	TriggerEdge  = "edge"  // Report press on the rising tick, release on the falling one.
)

// Source kinds understood by the CLI.
const (
	SourceSynthetic = "synthetic"
	SourceWebSocket = "websocket"
	SourceMQTT      = "mqtt"
	SourceWAV       = "wav"
	SourcePortAudio = "portaudio"
)

// Config represents the main application configuration structure, loaded from
// YAML or TOML and overridden by environment variables and flags.
type Config struct {
	LogLevel    string            `yaml:"log_level" toml:"log_level"`     // Logging level (e.g., "debug", "info", "warn", "error").
	Signal      SignalConfig      `yaml:"signal" toml:"signal"`           // Envelope and trigger parameters.
	Calibration CalibrationConfig `yaml:"calibration" toml:"calibration"` // Threshold calibration settings.
	Driver      DriverConfig      `yaml:"driver" toml:"driver"`           // Tick loop settings.
	Source      SourceConfig      `yaml:"source" toml:"source"`           // Where samples come from.
	Transport   TransportConfig   `yaml:"transport" toml:"transport"`     // Where meter frames and taps go.
	Recording   RecordingConfig   `yaml:"recording" toml:"recording"`     // WAV tee of ingested samples.

	// Runtime-only options set from the command line.
	Command string `yaml:"-" toml:"-"` // One-off command to execute (e.g., "devices").
	TUIMode bool   `yaml:"-" toml:"-"` // Terminal meter enabled.
	Path    string `yaml:"-" toml:"-"` // File the configuration was loaded from, if any.
}

// SignalConfig holds the envelope and trigger tunables. All of them can be
// changed while running by editing the watched configuration file.
type SignalConfig struct {
	SampleRate       float64 `yaml:"sample_rate" toml:"sample_rate"`             // Samples per second of the analysed channel.
	WindowSize       int     `yaml:"window_size" toml:"window_size"`             // RMS window length in samples.
	HopSize          int     `yaml:"hop_size" toml:"hop_size"`                   // Stride between RMS windows in samples.
	Threshold        float64 `yaml:"threshold" toml:"threshold"`                 // RMS level a point must reach.
	ThresholdCount   int     `yaml:"threshold_count" toml:"threshold_count"`     // Recent points that must all qualify.
	RetentionSeconds float64 `yaml:"retention_seconds" toml:"retention_seconds"` // History kept in memory.
}

// CalibrationConfig holds settings for the threshold calibration protocol.
type CalibrationConfig struct {
	Duration time.Duration `yaml:"duration" toml:"duration"` // How long to observe the envelope.
	Factor   float64       `yaml:"factor" toml:"factor"`     // Fraction of the observed maximum used as threshold (0 < k < 1).
	Auto     bool          `yaml:"auto" toml:"auto"`         // Calibrate once at start-up.
}

// DriverConfig holds settings for the tick loop.
type DriverConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval" toml:"tick_interval"`       // Interval between engine ticks.
	TriggerMode     string        `yaml:"trigger_mode" toml:"trigger_mode"`         // "level" or "edge".
	PublishInterval time.Duration `yaml:"publish_interval" toml:"publish_interval"` // Interval between meter frames (0 disables).
}

// SourceConfig selects and configures the sample source.
type SourceConfig struct {
	Kind            string        `yaml:"kind" toml:"kind"`                           // synthetic, websocket, mqtt, wav or portaudio.
	URL             string        `yaml:"url" toml:"url"`                             // Websocket URL or MQTT broker URL.
	Topic           string        `yaml:"topic" toml:"topic"`                         // MQTT topic.
	Channel         int           `yaml:"channel" toml:"channel"`                     // Channel index analysed from multi-channel payloads.
	TimestampScale  float64       `yaml:"timestamp_scale" toml:"timestamp_scale"`     // Multiplier converting payload timestamps to seconds.
	File            string        `yaml:"file" toml:"file"`                           // WAV file for replay.
	Realtime        bool          `yaml:"realtime" toml:"realtime"`                   // Pace WAV replay and synthetic output in real time.
	Device          int           `yaml:"device" toml:"device"`                       // PortAudio input device (-1 for default).
	FramesPerBuffer int           `yaml:"frames_per_buffer" toml:"frames_per_buffer"` // Frames per capture or replay batch.
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`     // Initial backoff for network sources.
	NoiseGate       float64       `yaml:"noise_gate" toml:"noise_gate"`               // PortAudio gate threshold in [0, 1); 0 disables the gate.
}

// TransportConfig holds settings related to sending meter frames and taps.
type TransportConfig struct {
	WebSocketEnabled bool          `yaml:"websocket_enabled" toml:"websocket_enabled"`   // Serve meter frames to websocket clients.
	WebSocketAddress string        `yaml:"websocket_address" toml:"websocket_address"`   // Listen address for the meter server.
	UDPEnabled       bool          `yaml:"udp_enabled" toml:"udp_enabled"`               // Send meter packets over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address" toml:"udp_target_address"` // Target address and port for UDP packets.
	UDPSendInterval  time.Duration `yaml:"udp_send_interval" toml:"udp_send_interval"`   // Interval between UDP packets.
}

// RecordingConfig holds settings for the WAV tee.
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`       // Record ingested samples.
	OutputDir string `yaml:"output_dir" toml:"output_dir"` // Directory for recordings.
	BitDepth  int    `yaml:"bit_depth" toml:"bit_depth"`   // 16, 24 or 32.
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	p := analysis.DefaultParams()
	return &Config{
		LogLevel: "info",
		Signal: SignalConfig{
			SampleRate:       p.SampleRate,
			WindowSize:       p.WindowSize,
			HopSize:          p.HopSize,
			Threshold:        p.Threshold,
			ThresholdCount:   p.ThresholdCount,
			RetentionSeconds: p.RetentionSeconds,
		},
		Calibration: CalibrationConfig{
			Duration: DefaultCalibrationDuration,
			Factor:   DefaultCalibrationFactor,
		},
		Driver: DriverConfig{
			TickInterval:    DefaultTickInterval,
			TriggerMode:     DefaultTriggerMode,
			PublishInterval: DefaultPublishInterval,
		},
		Source: SourceConfig{
			Kind:            DefaultSourceKind,
			URL:             DefaultSourceURL,
			Topic:           DefaultSourceTopic,
			Channel:         DefaultChannel,
			TimestampScale:  DefaultTimestampScale,
			Realtime:        true,
			Device:          DefaultDeviceID,
			FramesPerBuffer: DefaultFramesPerBuffer,
			ReconnectDelay:  DefaultReconnectDelay,
		},
		Transport: TransportConfig{
			WebSocketAddress: DefaultWebSocketAddress,
			UDPTargetAddress: DefaultUDPTargetAddress,
			UDPSendInterval:  DefaultUDPSendInterval,
		},
		Recording: RecordingConfig{
			OutputDir: DefaultOutputDir,
			BitDepth:  DefaultBitDepth,
		},
	}
}
