package cmd

import (
	"context"
	"fmt"
	"time"

	"biotap/internal/analysis"
	"biotap/internal/audio"
	"biotap/internal/config"
	"biotap/internal/driver"
	applog "biotap/internal/log"
	"biotap/internal/source"
	"biotap/internal/transport"
	"biotap/internal/transport/udp"
)

var logger = applog.Named("App")

// app holds everything one engine run wires together.
type app struct {
	cfg       *config.Config
	source    source.Source
	driver    *driver.Driver
	tx        transport.Multi
	recorder  *audio.Recorder
	fixedRate bool // The source runs at one rate for its whole life.
}

// newApp builds the source, transports and driver described by cfg. extra
// transports are appended to the configured ones.
func newApp(cfg *config.Config, streamClock bool, extra ...transport.Transport) (*app, error) {
	src, rate, err := buildSource(cfg)
	if err != nil {
		return nil, err
	}
	if rate != cfg.Signal.SampleRate {
		logger.Infof("Using the source's sample rate %.0f Hz (configured %.0f Hz)", rate, cfg.Signal.SampleRate)
		cfg.Signal.SampleRate = rate
	}

	det, err := analysis.NewDetector(cfg.Params())
	if err != nil {
		src.Close()
		return nil, err
	}

	tx, err := buildTransports(cfg)
	if err != nil {
		src.Close()
		return nil, err
	}
	tx = append(tx, extra...)

	publish := cfg.Driver.PublishInterval
	if publish == 0 {
		publish = -1
	}
	drv, err := driver.New(det, tx, driver.Options{
		TickInterval:    cfg.Driver.TickInterval,
		PublishInterval: publish,
		Edge:            cfg.Edge(),
		StreamClock:     streamClock,
		Calibrator:      cfg.Calibrator(),
	})
	if err != nil {
		src.Close()
		tx.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		source:    src,
		driver:    drv,
		tx:        tx,
		fixedRate: sourceFixesRate(cfg.Source.Kind),
	}

	if cfg.Recording.Enabled {
		rec, err := audio.NewRecorder(nil, rate, cfg.Recording.BitDepth)
		if err != nil {
			src.Close()
			a.Close()
			return nil, err
		}
		path := audio.FileName(cfg.Recording.OutputDir, time.Now())
		if err := rec.StartRecording(path); err != nil {
			src.Close()
			a.Close()
			return nil, err
		}
		logger.Infof("Recording to %s", path)
		a.recorder = rec
		a.source = teeSource{Source: src, rec: rec}
	}

	return a, nil
}

// sourceFixesRate reports whether a source of kind produces samples at a
// rate chosen when it is opened. Network sources carry whatever the sender
// streams, so their rate may be changed by a reload.
func sourceFixesRate(kind string) bool {
	switch kind {
	case config.SourceWAV, config.SourcePortAudio, config.SourceSynthetic:
		return true
	}
	return false
}

// buildSource returns the configured source and its sample rate.
func buildSource(cfg *config.Config) (source.Source, float64, error) {
	sc := cfg.Source
	rate := cfg.Signal.SampleRate
	dec := source.Decoder{Channel: sc.Channel, TimestampScale: sc.TimestampScale}

	switch sc.Kind {
	case config.SourceSynthetic:
		s := source.NewSyntheticSource(rate, sc.FramesPerBuffer)
		s.Realtime = sc.Realtime
		return s, rate, nil

	case config.SourceWebSocket:
		return source.NewWebSocketSource(sc.URL, dec, sc.ReconnectDelay), rate, nil

	case config.SourceMQTT:
		return source.NewMQTTSource(sc.URL, sc.Topic, dec), rate, nil

	case config.SourceWAV:
		f, err := audio.OpenFile(sc.File, sc.Channel, sc.FramesPerBuffer)
		if err != nil {
			return nil, 0, fmt.Errorf("open %s: %w", sc.File, err)
		}
		f.Realtime = sc.Realtime
		return f, f.SampleRate(), nil

	case config.SourcePortAudio:
		c, err := audio.NewCapture(audio.CaptureConfig{
			Device:          sc.Device,
			SampleRate:      rate,
			Channels:        sc.Channel + 1,
			Channel:         sc.Channel,
			FramesPerBuffer: sc.FramesPerBuffer,
		})
		if err != nil {
			return nil, 0, err
		}
		if sc.NoiseGate > 0 {
			c.Gate().SetThreshold(sc.NoiseGate)
			c.Gate().Enable()
		}
		return c, rate, nil
	}
	return nil, 0, fmt.Errorf("source kind %q is not supported", sc.Kind)
}

// buildTransports starts the enabled transports.
func buildTransports(cfg *config.Config) (transport.Multi, error) {
	var tx transport.Multi
	tc := cfg.Transport

	if tc.WebSocketEnabled {
		ws, err := transport.NewWebSocketTransport(tc.WebSocketAddress)
		if err != nil {
			return nil, err
		}
		tx = append(tx, ws)
	}

	if tc.UDPEnabled {
		sender, err := udp.NewUDPSender(tc.UDPTargetAddress)
		if err != nil {
			tx.Close()
			return nil, err
		}
		pub, err := udp.NewUDPPublisher(tc.UDPSendInterval, sender)
		if err != nil {
			sender.Close()
			tx.Close()
			return nil, err
		}
		pub.Start()
		tx = append(tx, pub)
	}

	if applog.Enabled(applog.LevelDebug) || len(tx) == 0 {
		tx = append(tx, transport.NewLoggingTransport())
	}
	return tx, nil
}

// reload applies a re-read configuration to the running driver. Only signal
// fields that differ between prev and next are pushed, so a threshold set by
// calibration stays until signal.threshold itself is edited.
func (a *app) reload(prev, next *config.Config) {
	if a.fixedRate && next.Signal.SampleRate != prev.Signal.SampleRate {
		logger.Warnf("Ignoring signal.sample_rate %.0f Hz: the %s source runs at %.0f Hz",
			next.Signal.SampleRate, next.Source.Kind, prev.Signal.SampleRate)
		next.Signal.SampleRate = prev.Signal.SampleRate
	}

	_ = a.driver.UpdateParams(func(p *analysis.Params) bool {
		return mergeSignal(p, prev.Signal, next.Signal)
	})

	if level, ok := applog.ParseLevel(next.LogLevel); ok {
		applog.SetLevel(level)
	}
}

// mergeSignal copies the fields that differ between prev and next onto p and
// reports whether there were any.
func mergeSignal(p *analysis.Params, prev, next config.SignalConfig) bool {
	changed := false
	if next.SampleRate != prev.SampleRate {
		p.SampleRate, changed = next.SampleRate, true
	}
	if next.WindowSize != prev.WindowSize {
		p.WindowSize, changed = next.WindowSize, true
	}
	if next.HopSize != prev.HopSize {
		p.HopSize, changed = next.HopSize, true
	}
	if next.Threshold != prev.Threshold {
		p.Threshold, changed = next.Threshold, true
	}
	if next.ThresholdCount != prev.ThresholdCount {
		p.ThresholdCount, changed = next.ThresholdCount, true
	}
	if next.RetentionSeconds != prev.RetentionSeconds {
		p.RetentionSeconds, changed = next.RetentionSeconds, true
	}
	return changed
}

// Run drives the engine until ctx is done or the source ends.
func (a *app) Run(ctx context.Context) error {
	return a.driver.Run(ctx, a.source)
}

// Close stops recording and closes the transports.
func (a *app) Close() error {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logger.Warnf("Stop recording: %v", err)
		}
	}
	return a.tx.Close()
}

// teeSource records every batch before the driver sees it.
type teeSource struct {
	source.Source
	rec *audio.Recorder
}

func (t teeSource) Run(ctx context.Context, sink analysis.SampleSink) error {
	return t.Source.Run(ctx, teeSink{rec: t.rec, next: sink})
}

type teeSink struct {
	rec  *audio.Recorder
	next analysis.SampleSink
}

func (t teeSink) Ingest(values []float64, start float64) {
	t.rec.Ingest(values, start)
	t.next.Ingest(values, start)
}
