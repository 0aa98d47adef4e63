// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	applog "biotap/internal/log"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Default file names searched when no path is given.
var candidates = []string{
	"biotap.yaml",
	"biotap.yml",
	"biotap.toml",
}

var logger = applog.Named("Config")

// LoadConfig loads configuration from a YAML or TOML file specified by path.
// If path is empty, it searches the working directory for the default file
// names. If no file is found, it uses built-in defaults. After loading, it
// applies environment variable overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Path = path

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// decode picks the format from the file extension. Anything that is not
// .toml is treated as YAML.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// Validate checks every section and returns the first problem found,
// wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if _, ok := applog.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("%w: log_level %q is not recognised", ErrInvalid, c.LogLevel)
	}

	// Signal Validation
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("%w: signal: %w", ErrInvalid, err)
	}
	if c.Signal.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: signal.sample_rate %v exceeds %d", ErrInvalid, c.Signal.SampleRate, MaxSampleRate)
	}

	// Calibration Validation
	if c.Calibration.Duration <= 0 {
		return fmt.Errorf("%w: calibration.duration must be positive", ErrInvalid)
	}
	if !(c.Calibration.Factor > 0 && c.Calibration.Factor < 1) {
		return fmt.Errorf("%w: calibration.factor %v must be in (0, 1)", ErrInvalid, c.Calibration.Factor)
	}

	// Driver Validation
	if c.Driver.TickInterval <= 0 {
		return fmt.Errorf("%w: driver.tick_interval must be positive", ErrInvalid)
	}
	if c.Driver.PublishInterval < 0 {
		return fmt.Errorf("%w: driver.publish_interval must not be negative", ErrInvalid)
	}
	switch c.Driver.TriggerMode {
	case TriggerLevel, TriggerEdge:
	default:
		return fmt.Errorf("%w: driver.trigger_mode %q must be %q or %q", ErrInvalid, c.Driver.TriggerMode, TriggerLevel, TriggerEdge)
	}

	// Source Validation
	switch c.Source.Kind {
	case SourceSynthetic, SourcePortAudio:
	case SourceWebSocket, SourceMQTT:
		if c.Source.URL == "" {
			return fmt.Errorf("%w: source.url must be set for %s sources", ErrInvalid, c.Source.Kind)
		}
		if c.Source.Kind == SourceMQTT && c.Source.Topic == "" {
			return fmt.Errorf("%w: source.topic must be set for mqtt sources", ErrInvalid)
		}
	case SourceWAV:
		if c.Source.File == "" {
			return fmt.Errorf("%w: source.file must be set for wav sources", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: source.kind %q is not supported", ErrInvalid, c.Source.Kind)
	}
	if c.Source.Channel < 0 {
		return fmt.Errorf("%w: source.channel must not be negative", ErrInvalid)
	}
	if !(c.Source.TimestampScale > 0) {
		return fmt.Errorf("%w: source.timestamp_scale must be positive", ErrInvalid)
	}
	if c.Source.Device < MinDeviceID {
		return fmt.Errorf("%w: source.device %d is below %d", ErrInvalid, c.Source.Device, MinDeviceID)
	}
	if c.Source.FramesPerBuffer <= 0 {
		return fmt.Errorf("%w: source.frames_per_buffer must be positive", ErrInvalid)
	}
	if c.Source.NoiseGate < 0 || c.Source.NoiseGate >= 1 {
		return fmt.Errorf("%w: source.noise_gate %v must be in [0, 1)", ErrInvalid, c.Source.NoiseGate)
	}

	// Transport Validation
	if c.Transport.UDPEnabled {
		if c.Transport.UDPTargetAddress == "" {
			return fmt.Errorf("%w: transport.udp_target_address must be set when UDP is enabled", ErrInvalid)
		}
		if !strings.Contains(c.Transport.UDPTargetAddress, ":") {
			return fmt.Errorf("%w: transport.udp_target_address '%s' appears invalid (missing port?)", ErrInvalid, c.Transport.UDPTargetAddress)
		}
		if c.Transport.UDPSendInterval <= 0 {
			return fmt.Errorf("%w: transport.udp_send_interval must be positive when UDP is enabled", ErrInvalid)
		}
	}
	if c.Transport.WebSocketEnabled && c.Transport.WebSocketAddress == "" {
		return fmt.Errorf("%w: transport.websocket_address must be set when the websocket server is enabled", ErrInvalid)
	}

	// Recording Validation
	if c.Recording.Enabled {
		switch c.Recording.BitDepth {
		case 16, 24, 32:
		default:
			return fmt.Errorf("%w: recording.bit_depth %d must be 16, 24 or 32", ErrInvalid, c.Recording.BitDepth)
		}
		if c.Recording.OutputDir == "" {
			return fmt.Errorf("%w: recording.output_dir must be set when recording is enabled", ErrInvalid)
		}
	}

	return nil
}

// applyEnvOverrides applies ENV_* variables on top of the loaded values.
// Values that fail to parse are ignored.
func (cfg *Config) applyEnvOverrides() {
	// ENV_{...}
	// These are general overrides.

	// ENV_DEBUG
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil && bVal {
			cfg.LogLevel = "debug"
			logger.Infof("Overriding log_level from env: debug")
		}
	}
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		cfg.LogLevel = val
		logger.Infof("Overriding log_level from env: %s", val)
	}

	// ENV_SIGNAL_{...}
	// These tune the envelope and trigger.

	// ENV_SIGNAL_THRESHOLD
	if val, ok := os.LookupEnv("ENV_SIGNAL_THRESHOLD"); ok {
		if fVal, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Signal.Threshold = fVal
			logger.Infof("Overriding signal.threshold from env: %v", fVal)
		}
	}
	// ENV_SIGNAL_SAMPLE_RATE
	if val, ok := os.LookupEnv("ENV_SIGNAL_SAMPLE_RATE"); ok {
		if fVal, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Signal.SampleRate = fVal
			logger.Infof("Overriding signal.sample_rate from env: %v", fVal)
		}
	}

	// ENV_SOURCE_{...}
	// These select where samples come from.

	// ENV_SOURCE_KIND
	if val, ok := os.LookupEnv("ENV_SOURCE_KIND"); ok {
		cfg.Source.Kind = val
		logger.Infof("Overriding source.kind from env: %s", val)
	}
	// ENV_SOURCE_URL
	if val, ok := os.LookupEnv("ENV_SOURCE_URL"); ok {
		cfg.Source.URL = val
		logger.Infof("Overriding source.url from env: %s", val)
	}

	// ENV_UDP_{...}
	// These are specific to the transport layer.

	// ENV_UDP_ENABLED
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Transport.UDPEnabled = bVal
			logger.Infof("Overriding transport.udp_enabled from env: %v", bVal)
		}
	}
	// ENV_UDP_TARGET_ADDRESS
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		cfg.Transport.UDPTargetAddress = val
		logger.Infof("Overriding transport.udp_target_address from env: %s", val)
	}
	// ENV_UDP_SEND_INTERVAL
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			cfg.Transport.UDPSendInterval = dur
			logger.Infof("Overriding transport.udp_send_interval from env: %s", dur)
		}
	}
}
