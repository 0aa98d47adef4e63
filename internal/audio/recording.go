package audio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"biotap/internal/analysis"
)

// Recorder tees every ingested batch into a mono WAV file before passing it
// on. Samples are expected in [-1, 1] and are clipped to that range.
type Recorder struct {
	next       analysis.SampleSink
	sampleRate int
	bitDepth   int

	// Recording state and buffers.
	mu          sync.Mutex
	isRecording int32 // Atomic flag for thread-safe state
	outputFile  *os.File
	wavEncoder  *wav.Encoder
	sampleBuf   *audio.IntBuffer // Reusable buffer for format conversion
	path        string
}

// NewRecorder wraps next. bitDepth must be 16, 24 or 32.
func NewRecorder(next analysis.SampleSink, sampleRate float64, bitDepth int) (*Recorder, error) {
	switch bitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	return &Recorder{
		next:       next,
		sampleRate: int(math.Round(sampleRate)),
		bitDepth:   bitDepth,
	}, nil
}

// FileName returns a timestamped recording path inside dir.
func FileName(dir string, t time.Time) string {
	return filepath.Join(dir, "biotap-"+t.Format("20060102-150405")+".wav")
}

func (r *Recorder) StartRecording(filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if atomic.LoadInt32(&r.isRecording) == 1 {
		return fmt.Errorf("already recording")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	r.outputFile = file
	r.path = filename

	r.wavEncoder = wav.NewEncoder(file, r.sampleRate, r.bitDepth, 1, 1)

	r.sampleBuf = &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  r.sampleRate,
		},
		SourceBitDepth: r.bitDepth,
		Data:           make([]int, 0, 1024),
	}

	atomic.StoreInt32(&r.isRecording, 1)
	logger.Infof("Recording to %s (%d Hz, %d-bit)", filename, r.sampleRate, r.bitDepth)

	return nil
}

func (r *Recorder) StopRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if atomic.LoadInt32(&r.isRecording) == 0 {
		return nil
	}

	atomic.StoreInt32(&r.isRecording, 0)

	if r.wavEncoder != nil {
		if err := r.wavEncoder.Close(); err != nil {
			return err
		}
		r.wavEncoder = nil
	}

	if r.outputFile != nil {
		if err := r.outputFile.Close(); err != nil {
			return err
		}
		r.outputFile = nil
	}

	logger.Infof("Recording saved to %s", r.path)
	return nil
}

// Recording reports whether a file is open.
func (r *Recorder) Recording() bool {
	return atomic.LoadInt32(&r.isRecording) == 1
}

// Path returns the most recent recording path.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Ingest writes values to the open file, if any, and forwards them.
func (r *Recorder) Ingest(values []float64, start float64) {
	if atomic.LoadInt32(&r.isRecording) == 1 {
		r.write(values)
	}
	if r.next != nil {
		r.next.Ingest(values, start)
	}
}

func (r *Recorder) write(values []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wavEncoder == nil {
		return
	}

	scale := float64(int64(1)<<(r.bitDepth-1) - 1)
	data := r.sampleBuf.Data[:0]
	for _, v := range values {
		v = math.Max(-1, math.Min(1, v))
		data = append(data, int(math.Round(v*scale)))
	}
	r.sampleBuf.Data = data

	if err := r.wavEncoder.Write(r.sampleBuf); err != nil {
		logger.Errorf("Error writing to WAV file: %v", err)
	}
}

func (r *Recorder) Close() error {
	return r.StopRecording()
}

// Ensure Recorder satisfies the interface
var _ analysis.SampleSink = (*Recorder)(nil)
