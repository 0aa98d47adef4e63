// SPDX-License-Identifier: MIT
/*
Package audio adapts sound hardware and WAV files to the tap engine:
- PortAudio capture of one channel of an input device
- Noise gate with branchless peak detection
- WAV replay paced at the file's sample rate
- WAV recording of everything the engine ingests

Thread Safety:
- Capture callbacks run on a PortAudio thread and lock it for their duration
- Buffers are pre-allocated so the capture hot path does not allocate
- Recorder start and stop may race with ingestion and are serialized internally
*/
package audio

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/gordonklaus/portaudio"

	"biotap/internal/analysis"
	applog "biotap/internal/log"
	"biotap/internal/source"
)

var logger = applog.Named("Audio")

// CaptureConfig selects the device and stream layout.
type CaptureConfig struct {
	Device          int     // PortAudio device index (-1 for default).
	SampleRate      float64 // Stream sample rate in Hz.
	Channels        int     // Channels opened on the device.
	Channel         int     // Channel forwarded to the sink.
	FramesPerBuffer int     // Frames per callback.
	LowLatency      bool    // Request the device's low input latency.
}

// Capture streams one channel of a PortAudio input device into a sink.
// Samples are normalized to [-1, 1) and stamped with stream time, so the
// first batch starts at 0.
type Capture struct {
	cfg  CaptureConfig
	gate Gate

	// Audio input handling.
	inputStream *portaudio.Stream
	mono        []int32   // Selected channel, pre-allocated.
	samples     []float64 // Normalized samples, pre-allocated.
	frames      int64     // Frames delivered so far.
	sink        analysis.SampleSink

	done chan struct{}
	once sync.Once
}

// NewCapture validates cfg and pre-allocates the hot-path buffers.
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Channel < 0 || cfg.Channel >= cfg.Channels {
		return nil, fmt.Errorf("channel %d out of range for %d-channel stream", cfg.Channel, cfg.Channels)
	}
	if cfg.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("frames per buffer must be positive, got %d", cfg.FramesPerBuffer)
	}
	if !(cfg.SampleRate > 0) {
		return nil, fmt.Errorf("sample rate must be positive, got %v", cfg.SampleRate)
	}
	return &Capture{
		cfg:     cfg,
		mono:    make([]int32, cfg.FramesPerBuffer),
		samples: make([]float64, cfg.FramesPerBuffer),
		done:    make(chan struct{}),
	}, nil
}

// Gate returns the capture's noise gate. Configure it before Run.
func (c *Capture) Gate() *Gate {
	return &c.gate
}

// Run opens the device, streams into sink until ctx ends or Close is
// called, then stops the stream and releases PortAudio.
func (c *Capture) Run(ctx context.Context, sink analysis.SampleSink) error {
	if err := Initialize(); err != nil {
		return err
	}
	defer Terminate()

	c.sink = sink
	if err := c.startInputStream(); err != nil {
		return err
	}
	logger.Infof("Capturing channel %d of device %d at %.0f Hz", c.cfg.Channel, c.cfg.Device, c.cfg.SampleRate)

	select {
	case <-ctx.Done():
	case <-c.done:
	}
	return c.stopInputStream()
}

// Close stops a running capture.
func (c *Capture) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Capture) startInputStream() error {
	device, err := InputDevice(c.cfg.Device)
	if err != nil {
		return err
	}
	latency := device.DefaultHighInputLatency
	if c.cfg.LowLatency {
		latency = device.DefaultLowInputLatency
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: c.cfg.Channels,
			Device:   device,
			Latency:  latency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0, // No output device
			Device:   nil,
		},
		FramesPerBuffer: c.cfg.FramesPerBuffer,
		SampleRate:      c.cfg.SampleRate,
	}

	stream, err := portaudio.OpenStream(params, c.processInputStream)
	if err != nil {
		return err
	}
	c.inputStream = stream

	if err := c.inputStream.Start(); err != nil {
		c.inputStream.Close()
		c.inputStream = nil
		return err
	}
	return nil
}

func (c *Capture) stopInputStream() error {
	if c.inputStream == nil {
		return nil
	}
	defer func() { c.inputStream = nil }()

	if err := c.inputStream.Stop(); err != nil {
		c.inputStream.Close()
		return err
	}
	return c.inputStream.Close()
}

// processInputStream is the PortAudio callback.
// Performance Critical:
// - Runs in a dedicated OS thread (LockOSThread)
// - Uses pre-allocated buffers only
// - No dynamic allocations in the hot path
func (c *Capture) processInputStream(in []int32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.ingest(in)
}

// ingest deinterleaves the selected channel, applies the gate, normalizes
// and forwards one batch.
func (c *Capture) ingest(in []int32) {
	ch := c.cfg.Channels
	n := min(len(in)/ch, len(c.mono))
	if n == 0 {
		return
	}

	mono := c.mono[:n]
	for i := range mono {
		mono[i] = in[i*ch+c.cfg.Channel]
	}

	samples := c.samples[:n]
	if c.gate.Open(mono) {
		for i, s := range mono {
			samples[i] = float64(s) / (math.MaxInt32 + 1)
		}
	} else {
		clear(samples)
	}

	start := float64(c.frames) / c.cfg.SampleRate
	c.frames += int64(n)
	c.sink.Ingest(samples, start)
}

// Ensure Capture satisfies the interface
var _ source.Source = (*Capture)(nil)
