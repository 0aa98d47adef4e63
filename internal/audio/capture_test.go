package audio

import (
	"math"
	"testing"
)

func newTestCapture(t testing.TB, channels, channel int) *Capture {
	t.Helper()
	c, err := NewCapture(CaptureConfig{
		Device:          -1,
		SampleRate:      testSampleRate,
		Channels:        channels,
		Channel:         channel,
		FramesPerBuffer: testFrameSize,
	})
	if err != nil {
		t.Fatalf("NewCapture() error = %v", err)
	}
	return c
}

func TestNewCaptureValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  CaptureConfig
	}{
		{"channel out of range", CaptureConfig{SampleRate: 1000, Channels: 2, Channel: 2, FramesPerBuffer: 64}},
		{"negative channel", CaptureConfig{SampleRate: 1000, Channels: 2, Channel: -1, FramesPerBuffer: 64}},
		{"zero frames", CaptureConfig{SampleRate: 1000, Channels: 1, FramesPerBuffer: 0}},
		{"zero rate", CaptureConfig{SampleRate: 0, Channels: 1, FramesPerBuffer: 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCapture(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCaptureSelectsChannelAndNormalizes(t *testing.T) {
	c := newTestCapture(t, 2, 1)
	rec := &captureSink{}
	c.sink = rec

	// Interleaved L/R: right channel carries half scale, left is noise.
	in := make([]int32, 8)
	for i := 0; i < 4; i++ {
		in[2*i] = 12345
		in[2*i+1] = math.MaxInt32 / 2
	}
	c.ingest(in)

	got := rec.all()
	if len(got) != 4 {
		t.Fatalf("ingested %d samples, want 4", len(got))
	}
	for i, v := range got {
		if math.Abs(v-0.5) > 1e-9 {
			t.Errorf("sample %d = %v, want ~0.5", i, v)
		}
	}
}

func TestCaptureStampsStreamTime(t *testing.T) {
	c := newTestCapture(t, 1, 0)
	rec := &captureSink{}
	c.sink = rec

	c.ingest(testBuffer)
	c.ingest(testBuffer[:10])
	c.ingest(testBuffer)

	want := []float64{0, float64(testFrameSize) / testSampleRate, float64(testFrameSize+10) / testSampleRate}
	if len(rec.starts) != len(want) {
		t.Fatalf("got %d batches, want %d", len(rec.starts), len(want))
	}
	for i := range want {
		if rec.starts[i] != want[i] {
			t.Errorf("batch %d start = %v, want %v", i, rec.starts[i], want[i])
		}
	}
}

func TestCaptureGateSilencesButKeepsTime(t *testing.T) {
	c := newTestCapture(t, 1, 0)
	c.Gate().Enable()
	c.Gate().SetThreshold(0.1)
	rec := &captureSink{}
	c.sink = rec

	c.ingest(quietBuffer)
	c.ingest(loudBuffer)

	if len(rec.values) != 2 {
		t.Fatalf("got %d batches, want 2", len(rec.values))
	}
	for i, v := range rec.values[0] {
		if v != 0 {
			t.Fatalf("gated sample %d = %v, want 0", i, v)
		}
	}
	if rec.values[1][0] == 0 {
		t.Error("loud buffer was gated")
	}
	if rec.starts[1] != float64(testFrameSize)/testSampleRate {
		t.Errorf("second batch start = %v, want %v", rec.starts[1], float64(testFrameSize)/testSampleRate)
	}
}

func TestCaptureIgnoresEmptyCallback(t *testing.T) {
	c := newTestCapture(t, 2, 0)
	rec := &captureSink{}
	c.sink = rec

	c.ingest([]int32{1}) // Less than one frame.
	if len(rec.starts) != 0 {
		t.Errorf("partial frame produced %d batches", len(rec.starts))
	}
}

// TestCaptureHotPathNoAllocs verifies the callback path does not allocate
func TestCaptureHotPathNoAllocs(t *testing.T) {
	c := newTestCapture(t, 1, 0)
	c.Gate().Enable()
	c.Gate().SetThreshold(0.001)
	c.sink = &discardSink{}

	allocs := testing.AllocsPerRun(100, func() {
		c.ingest(testBuffer)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in capture hot path, got %.1f", allocs)
	}
}

// TestBranchlessAbsPerformance verifies the branchless absolute value calculation has no allocations
func TestBranchlessAbsPerformance(t *testing.T) {
	// Sample data with different values to test
	samples := make([]int32, 1024)
	for i := range samples {
		// Mix of positive and negative values
		if i%2 == 0 {
			samples[i] = int32(i * 1000)
		} else {
			samples[i] = int32(-i * 1000)
		}
	}

	// Test allocation-free branchless abs
	allocs := testing.AllocsPerRun(100, func() {
		for i, sample := range samples {
			mask := sample >> 31
			samples[i] = (sample ^ mask) - mask
		}
	})

	if allocs > 0 {
		t.Errorf("Expected zero allocations in branchless abs, got %.1f", allocs)
	}
}

// BenchmarkHotPath benchmarks the capture callback body
func BenchmarkHotPath(b *testing.B) {
	c := newTestCapture(b, 2, 1)
	c.Gate().Enable()
	c.sink = &discardSink{}

	buffer := make([]int32, 2*testFrameSize)
	for i := range buffer {
		buffer[i] = int32((i % 100) * 10000000)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		c.ingest(buffer)
	}
}
