// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"biotap/internal/analysis"
)

// SyntheticSource emits an EMG-like test signal: uniform noise with a
// periodic sinusoidal burst standing in for a muscle contraction.
type SyntheticSource struct {
	SampleRate  float64       // Samples per second.
	BatchSize   int           // Samples per batch.
	Period      time.Duration // Time between burst onsets.
	BurstLength time.Duration // Burst duration.
	Amplitude   float64       // Carrier amplitude during a burst.
	CarrierHz   float64       // Carrier frequency.
	Noise       float64       // Peak noise amplitude.
	Seed        uint64
	Realtime    bool          // Pace batches at the sample rate.
	Limit       time.Duration // Stop after this much stream time (0 = unbounded).
	StartTime   float64       // Stream time of the first sample.

	once      sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewSyntheticSource returns a source with a one-second burst every three
// seconds at rate.
func NewSyntheticSource(rate float64, batch int) *SyntheticSource {
	return &SyntheticSource{
		SampleRate:  rate,
		BatchSize:   batch,
		Period:      3 * time.Second,
		BurstLength: time.Second,
		Amplitude:   1,
		CarrierHz:   math.Min(80, rate/4),
		Noise:       0.05,
		Seed:        1,
		Realtime:    true,
	}
}

func (s *SyntheticSource) init() {
	s.once.Do(func() { s.done = make(chan struct{}) })
}

// Run generates batches until ctx ends, Close is called or Limit is reached.
// Without Realtime or a Limit it generates as fast as the sink accepts.
func (s *SyntheticSource) Run(ctx context.Context, sink analysis.SampleSink) error {
	s.init()

	batch := max(s.BatchSize, 1)
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))
	buf := make([]float64, batch)

	batchDur := time.Duration(float64(batch) / s.SampleRate * float64(time.Second))
	var ticker *time.Ticker
	if s.Realtime {
		ticker = time.NewTicker(batchDur)
		defer ticker.Stop()
	}

	limit := -1
	if s.Limit > 0 {
		limit = int(s.Limit.Seconds() * s.SampleRate)
	}

	period := s.Period.Seconds()
	burst := s.BurstLength.Seconds()

	for i := 0; limit < 0 || i < limit; i += batch {
		n := batch
		if limit >= 0 {
			n = min(batch, limit-i)
		}
		for j := range n {
			t := float64(i+j) / s.SampleRate
			v := s.Noise * (2*rng.Float64() - 1)
			if period > 0 && math.Mod(t, period) < burst {
				v += s.Amplitude * math.Sin(2*math.Pi*s.CarrierHz*t)
			}
			buf[j] = v
		}
		sink.Ingest(buf[:n], s.StartTime+float64(i)/s.SampleRate)

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
	return nil
}

// Close stops a running source.
func (s *SyntheticSource) Close() error {
	s.init()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

var _ Source = (*SyntheticSource)(nil)
