// SPDX-License-Identifier: MIT
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"biotap/internal/analysis"
	"biotap/internal/source"
)

// FileSource replays one channel of a PCM WAV file. Batch start times are
// StartTime plus the frame offset divided by the file's sample rate.
type FileSource struct {
	Path            string
	Channel         int
	FramesPerBuffer int
	Realtime        bool    // Pace batches at the file's sample rate.
	StartTime       float64 // Stream time of the first frame.

	file    *os.File
	decoder *wav.Decoder

	done chan struct{}
	once sync.Once
}

// OpenFile opens path and reads the WAV header.
func OpenFile(path string, channel, framesPerBuffer int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s header: %w", path, err)
	}
	if channel < 0 || channel >= int(dec.NumChans) {
		f.Close()
		return nil, fmt.Errorf("channel %d out of range for %d-channel file", channel, dec.NumChans)
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = 256
	}

	return &FileSource{
		Path:            path,
		Channel:         channel,
		FramesPerBuffer: framesPerBuffer,
		file:            f,
		decoder:         dec,
		done:            make(chan struct{}),
	}, nil
}

// SampleRate returns the file's sample rate in Hz.
func (s *FileSource) SampleRate() float64 {
	return float64(s.decoder.SampleRate)
}

// Channels returns the number of interleaved channels in the file.
func (s *FileSource) Channels() int {
	return int(s.decoder.NumChans)
}

// Duration returns the playing time of the file.
func (s *FileSource) Duration() (time.Duration, error) {
	return s.decoder.Duration()
}

// Run decodes the file batch by batch into sink. It returns nil at end of
// file or when ctx ends.
func (s *FileSource) Run(ctx context.Context, sink analysis.SampleSink) error {
	defer s.file.Close()

	ch := s.Channels()
	rate := s.SampleRate()
	scale := float64(int64(1) << (s.decoder.BitDepth - 1))

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: ch, SampleRate: int(s.decoder.SampleRate)},
		Data:   make([]int, s.FramesPerBuffer*ch),
	}
	samples := make([]float64, s.FramesPerBuffer)

	var ticker *time.Ticker
	if s.Realtime {
		ticker = time.NewTicker(time.Duration(float64(s.FramesPerBuffer) / rate * float64(time.Second)))
		defer ticker.Stop()
	}

	logger.Infof("Replaying %s (%d channels at %.0f Hz, channel %d)", s.Path, ch, rate, s.Channel)

	var frames int64
	for {
		n, err := s.decoder.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s: %w", s.Path, err)
		}
		count := n / ch
		if count == 0 {
			logger.Infof("Replay of %s finished after %d frames", s.Path, frames)
			return nil
		}

		for i := range count {
			samples[i] = float64(buf.Data[i*ch+s.Channel]) / scale
		}
		sink.Ingest(samples[:count], s.StartTime+float64(frames)/rate)
		frames += int64(count)

		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.done:
				return nil
			case <-ticker.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		default:
		}
	}
}

// Close stops a running replay.
func (s *FileSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

var _ source.Source = (*FileSource)(nil)
