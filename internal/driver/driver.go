// SPDX-License-Identifier: MIT
/*
Package driver runs a Detector against a live sample source.

The Driver is the single owner of its Detector: sources deliver batches
through Ingest, the tick loop advances the clock, and readouts take
snapshots, all serialized by one mutex. Trigger results become TapEvents,
periodic Frames go to a transport, and calibration sessions run inside the
tick loop so they observe exactly the clock the trigger does.

Thread Safety:
- All exported methods are safe for concurrent use
- Transport sends happen outside the lock
*/
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"biotap/internal/analysis"
	"biotap/internal/calibration"
	applog "biotap/internal/log"
	"biotap/internal/source"
	"biotap/internal/transport"
)

// ErrCalibrating is returned when a calibration is requested while one is running.
var ErrCalibrating = errors.New("calibration already in progress")

// ErrStopped is returned by Calibrate when Run exits before the session
// completes, for example because a finite source ended.
var ErrStopped = errors.New("driver stopped before calibration finished")

var logger = applog.Named("Driver")

// Options configures a Driver. Zero durations take the defaults below.
type Options struct {
	TickInterval    time.Duration // Clock resolution of the tick loop.
	PublishInterval time.Duration // Frame period; negative disables frames.
	Edge            bool          // Report press/release instead of every triggered tick.
	StreamClock     bool          // Advance the clock by batch length instead of wall time.
	Calibrator      calibration.Calibrator
}

// Default option values.
const (
	DefaultTickInterval    = 16 * time.Millisecond
	DefaultPublishInterval = 33 * time.Millisecond
)

// Driver owns a Detector and drives it from a source and a ticker.
type Driver struct {
	opts    Options
	tx      transport.Transport
	session string

	mu        sync.Mutex
	det       *analysis.Detector
	triggered bool
	taps      uint64
	seq       uint64
	calib     *calibration.Session
	waiters   []chan calibration.Result
	pending   []any // Events produced under mu, sent after unlock.
}

// Compile-time check for interface implementation.
var _ analysis.SampleSink = (*Driver)(nil)

// New returns a driver for det. A nil transport discards all output.
func New(det *analysis.Detector, tx transport.Transport, opts Options) (*Driver, error) {
	if det == nil {
		return nil, errors.New("driver: detector cannot be nil")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.PublishInterval == 0 {
		opts.PublishInterval = DefaultPublishInterval
	}
	if opts.Calibrator == (calibration.Calibrator{}) {
		opts.Calibrator = calibration.Calibrator{
			Duration: calibration.DefaultDuration,
			Factor:   calibration.DefaultFactor,
		}
	}
	if err := opts.Calibrator.Validate(); err != nil {
		return nil, err
	}
	if tx == nil {
		tx = transport.Multi(nil)
	}

	d := &Driver{
		opts:    opts,
		tx:      tx,
		session: uuid.NewString(),
		det:     det,
	}
	logger.Infof("Session %s (tick %s, publish %s, edge %v, stream clock %v)",
		d.session, opts.TickInterval, opts.PublishInterval, opts.Edge, opts.StreamClock)
	return d, nil
}

// Session returns the identifier stamped on every message of this driver.
func (d *Driver) Session() string {
	return d.session
}

// Ingest hands a batch to the detector. In stream-clock mode the clock then
// advances by the batch duration.
func (d *Driver) Ingest(values []float64, start float64) {
	d.mu.Lock()
	d.det.Ingest(values, start)
	if d.opts.StreamClock && len(values) > 0 {
		rate := d.det.Params().SampleRate
		d.stepLocked(time.Duration(float64(len(values)) / rate * float64(time.Second)))
	}
	events := d.takePending()
	d.mu.Unlock()

	d.send(events)
}

// Step advances the clock by delta and emits the resulting events.
func (d *Driver) Step(delta time.Duration) bool {
	d.mu.Lock()
	trig := d.stepLocked(delta)
	events := d.takePending()
	d.mu.Unlock()

	d.send(events)
	return trig
}

// stepLocked runs one tick. While calibrating the tick belongs to the
// calibration session and no taps are reported.
func (d *Driver) stepLocked(delta time.Duration) bool {
	if d.calib != nil {
		if d.calib.Step(delta) {
			d.finishCalibrationLocked()
		}
		d.triggered = false
		return false
	}

	trig := d.det.Tick(delta.Seconds())
	now, _ := d.det.Now()

	edge := ""
	switch {
	case trig && !d.triggered:
		d.taps++
		edge = transport.EdgePress
	case !trig && d.triggered:
		edge = transport.EdgeRelease
	}
	d.triggered = trig

	if !d.opts.Edge {
		if trig {
			edge = transport.EdgeLevel
		} else {
			edge = ""
		}
	}
	if edge != "" {
		d.pending = append(d.pending, transport.TapEvent{
			Type:      transport.TypeTap,
			Session:   d.session,
			Edge:      edge,
			Time:      now,
			RMS:       d.det.LatestRMS(),
			Threshold: d.det.Threshold(),
		})
	}
	return trig
}

func (d *Driver) finishCalibrationLocked() {
	res, _ := d.calib.Result()
	d.calib = nil

	d.pending = append(d.pending, transport.CalibrationEvent{
		Type:         transport.TypeCalibration,
		Session:      d.session,
		MaxRMS:       res.MaxRMS,
		MeanRMS:      res.MeanRMS,
		OldThreshold: res.OldThreshold,
		NewThreshold: res.NewThreshold,
		Applied:      res.Applied,
	})
	for _, w := range d.waiters {
		w <- res
	}
	d.waiters = nil
}

func (d *Driver) takePending() []any {
	if len(d.pending) == 0 {
		return nil
	}
	events := d.pending
	d.pending = nil
	return events
}

func (d *Driver) send(events []any) {
	for _, ev := range events {
		if err := d.tx.Send(ev); err != nil {
			logger.Warnf("Transport send failed: %v", err)
		}
	}
}

// abortCalibrationLocked drops a running session without touching the
// threshold. Waiting channels are closed without a result.
func (d *Driver) abortCalibrationLocked() {
	if d.calib == nil {
		return
	}
	logger.Warnf("Calibration aborted after %.0f%%", d.calib.Progress()*100)
	d.calib = nil
	for _, w := range d.waiters {
		close(w)
	}
	d.waiters = nil
}

// StartCalibration begins a calibration session. The returned channel
// receives the result once the session completes, or is closed without a
// value if Run exits first.
func (d *Driver) StartCalibration() (<-chan calibration.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.calib != nil {
		return nil, ErrCalibrating
	}
	if d.triggered && d.opts.Edge {
		now, _ := d.det.Now()
		d.pending = append(d.pending, transport.TapEvent{
			Type:      transport.TypeTap,
			Session:   d.session,
			Edge:      transport.EdgeRelease,
			Time:      now,
			Threshold: d.det.Threshold(),
		})
	}
	d.calib = d.opts.Calibrator.Begin(d.det)
	d.triggered = false

	ch := make(chan calibration.Result, 1)
	d.waiters = append(d.waiters, ch)
	return ch, nil
}

// Calibrate runs a calibration session and waits for its result.
func (d *Driver) Calibrate(ctx context.Context) (calibration.Result, error) {
	ch, err := d.StartCalibration()
	if err != nil {
		return calibration.Result{}, err
	}
	select {
	case res, ok := <-ch:
		if !ok {
			return calibration.Result{}, ErrStopped
		}
		return res, nil
	case <-ctx.Done():
		return calibration.Result{}, ctx.Err()
	}
}

// Calibrating reports whether a calibration session is running.
func (d *Driver) Calibrating() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calib != nil
}

// SetParams applies a live parameter update. Invalid structural values are
// clamped by the detector and reported in the error.
func (d *Driver) SetParams(p analysis.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setParamsLocked(p)
}

// UpdateParams calls fn with the current parameters and applies them if fn
// reports a change. Nothing else can touch the detector in between.
func (d *Driver) UpdateParams(fn func(p *analysis.Params) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.det.Params()
	if !fn(&p) {
		return nil
	}
	return d.setParamsLocked(p)
}

func (d *Driver) setParamsLocked(p analysis.Params) error {
	err := d.det.SetParams(p)
	if err != nil {
		logger.Warnf("Applied parameters with clamping: %v", err)
	} else {
		logger.Infof("Applied parameters (window %d, hop %d, threshold %.4f x%d)",
			p.WindowSize, p.HopSize, p.Threshold, p.ThresholdCount)
	}
	return err
}

// Params returns the detector's current parameters.
func (d *Driver) Params() analysis.Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.det.Params()
}

// SetThreshold replaces the trigger threshold. Negative values become 0.
func (d *Driver) SetThreshold(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.det.SetThreshold(max(v, 0))
}

// ScaleThreshold multiplies the trigger threshold by factor and returns the new value.
func (d *Driver) ScaleThreshold(factor float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := max(d.det.Threshold()*factor, 0)
	d.det.SetThreshold(v)
	return v
}

// Reset clears envelope progress. Raw history and the clock are kept, so the
// next tick rebuilds the envelope.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.det.Reset()
}

// Taps returns the number of presses detected so far.
func (d *Driver) Taps() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taps
}

// Snapshot returns the current meter frame. Envelope points are copied only
// when withPoints is set.
func (d *Driver) Snapshot(withPoints bool) transport.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameLocked(withPoints)
}

func (d *Driver) frameLocked(withPoints bool) transport.Frame {
	now, _ := d.det.Now()
	f := transport.Frame{
		Type:        transport.TypeFrame,
		Session:     d.session,
		Seq:         d.seq,
		Time:        now,
		RMS:         d.det.LatestRMS(),
		Threshold:   d.det.Threshold(),
		Tap:         d.triggered,
		Calibrating: d.calib != nil,
	}
	if d.calib != nil {
		f.Progress = d.calib.Progress()
	}
	if withPoints {
		f.Points = d.det.Points()
	}
	return f
}

// publish sends the next frame.
func (d *Driver) publish() {
	d.mu.Lock()
	d.seq++
	f := d.frameLocked(false)
	d.mu.Unlock()

	d.send([]any{f})
}

// Run feeds src into the driver and runs the tick loop until ctx is done or
// the source returns. A source that ends cleanly stops the loop and Run
// returns nil. A calibration still running when Run returns is aborted.
func (d *Driver) Run(ctx context.Context, src source.Source) error {
	if src == nil {
		return errors.New("driver: source cannot be nil")
	}

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	g.Go(func() error {
		defer stopLoop()
		if err := src.Run(gctx, d); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		logger.Infof("Source finished")
		return nil
	})
	g.Go(func() error {
		return d.loop(loopCtx)
	})

	err := g.Wait()

	d.mu.Lock()
	d.abortCalibrationLocked()
	d.mu.Unlock()

	if closeErr := src.Close(); closeErr != nil {
		logger.Warnf("Source close: %v", closeErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop ticks the detector with measured wall-clock deltas and publishes
// frames at the publish interval.
func (d *Driver) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	last := time.Now()
	lastPublish := last
	for {
		select {
		case <-ctx.Done():
			// One final frame so consumers see the end state.
			if d.opts.PublishInterval > 0 {
				d.publish()
			}
			return nil
		case t := <-ticker.C:
			if !d.opts.StreamClock {
				d.Step(t.Sub(last))
			}
			last = t
			if d.opts.PublishInterval > 0 && t.Sub(lastPublish) >= d.opts.PublishInterval {
				d.publish()
				lastPublish = t
			}
		}
	}
}
