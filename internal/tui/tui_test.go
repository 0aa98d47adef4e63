package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biotap/internal/analysis"
	"biotap/internal/audio"
	"biotap/internal/calibration"
	"biotap/internal/transport"
)

type fakeMeter struct {
	frame     transport.Frame
	threshold float64
	resets    int
	calErr    error
	results   chan calibration.Result
}

func (f *fakeMeter) Snapshot(bool) transport.Frame { return f.frame }

func (f *fakeMeter) StartCalibration() (<-chan calibration.Result, error) {
	if f.calErr != nil {
		return nil, f.calErr
	}
	f.results = make(chan calibration.Result, 1)
	return f.results, nil
}

func (f *fakeMeter) ScaleThreshold(factor float64) float64 {
	f.threshold *= factor
	return f.threshold
}

func (f *fakeMeter) Reset()       { f.resets++ }
func (f *fakeMeter) Taps() uint64 { return 7 }

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m tea.Model, msg tea.Msg) (MeterModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	mm, ok := next.(MeterModel)
	require.True(t, ok)
	return mm, cmd
}

func TestMeterRefreshRendersFrame(t *testing.T) {
	fm := &fakeMeter{frame: transport.Frame{
		Time: 1.25, RMS: 0.6, Threshold: 0.5, Tap: true,
		Points: []analysis.Point{{T: 1, V: 0.1}, {T: 1.1, V: 0.6}},
	}}
	m := NewMeterModel(fm, "synthetic")

	m, cmd := update(t, m, refreshMsg{})
	assert.NotNil(t, cmd, "refresh reschedules itself")

	view := m.View()
	assert.Contains(t, view, "TAP")
	assert.Contains(t, view, "taps 7")
	assert.Contains(t, view, "rms 0.6000")
	assert.Contains(t, view, "synthetic")
}

func TestMeterKeys(t *testing.T) {
	fm := &fakeMeter{threshold: 1}
	m := NewMeterModel(fm, "test")

	m, _ = update(t, m, runes("+"))
	assert.InDelta(t, ThresholdStep, fm.threshold, 1e-12)
	m, _ = update(t, m, runes("-"))
	assert.InDelta(t, 1.0, fm.threshold, 1e-12)

	m, _ = update(t, m, runes("r"))
	assert.Equal(t, 1, fm.resets)

	m, cmd := update(t, m, runes("c"))
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "Calibrating")

	fm.results <- calibration.Result{Applied: true, OldThreshold: 1, NewThreshold: 0.3, MaxRMS: 0.5}
	m, _ = update(t, m, cmd())
	assert.Contains(t, m.View(), "0.3000")

	_, cmd = update(t, m, runes("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestMeterCalibrationError(t *testing.T) {
	fm := &fakeMeter{calErr: errors.New("calibration already in progress")}
	m := NewMeterModel(fm, "test")

	m, cmd := update(t, m, runes("c"))
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "already in progress")
}

func TestMeterCalibrationAborted(t *testing.T) {
	fm := &fakeMeter{}
	m := NewMeterModel(fm, "wav")

	m, cmd := update(t, m, runes("c"))
	require.NotNil(t, cmd)
	close(fm.results)
	m, _ = update(t, m, cmd())
	assert.Contains(t, m.View(), "source ended")
	assert.NotContains(t, m.View(), "no signal")
}

func TestMeterShowsCalibrationProgress(t *testing.T) {
	fm := &fakeMeter{frame: transport.Frame{Calibrating: true, Progress: 0.5}}
	m := NewMeterModel(fm, "test")
	m, _ = update(t, m, refreshMsg{})
	assert.Contains(t, m.View(), "50%")
}

func TestSparkline(t *testing.T) {
	points := []analysis.Point{{V: 0}, {V: 0.5}, {V: 1}, {V: 2}}
	assert.Equal(t, "▁▅██", sparkline(points, 1, 10))
	assert.Equal(t, "██", sparkline(points, 1, 2), "keeps the newest points")
	assert.Empty(t, sparkline(nil, 1, 10))
}

func TestRenderBar(t *testing.T) {
	bar := renderBar(0.5, 0.75, 1, 4)
	assert.Equal(t, 2, strings.Count(bar, "█"))
	assert.Equal(t, 1, strings.Count(bar, "|"))
}

func TestMeterScale(t *testing.T) {
	assert.Equal(t, 1.0, meterScale(transport.Frame{}))
	assert.Equal(t, 0.4, meterScale(transport.Frame{Threshold: 0.2}))
	assert.Equal(t, 0.9, meterScale(transport.Frame{Threshold: 0.2, Points: []analysis.Point{{V: 0.9}}}))
}

func TestDevicePicker(t *testing.T) {
	orig := listDevices
	t.Cleanup(func() { listDevices = orig })
	listDevices = func() ([]audio.Device, error) {
		return []audio.Device{
			{ID: 0, Name: "Speakers", MaxOutputChannels: 2, DefaultSampleRate: 48000},
			{ID: 1, Name: "EMG Interface", MaxInputChannels: 2, DefaultSampleRate: 44100},
			{ID: 2, Name: "Headset", MaxInputChannels: 1, MaxOutputChannels: 2, DefaultSampleRate: 16000},
		}, nil
	}

	var m tea.Model = NewDeviceListModel()
	msg := m.Init()()
	dm, ok := msg.(devicesMsg)
	require.True(t, ok)
	require.Len(t, dm.devices, 2, "output-only devices are hidden")

	step := func(msg tea.Msg) tea.Cmd {
		var cmd tea.Cmd
		m, cmd = m.Update(msg)
		return cmd
	}
	step(tea.WindowSizeMsg{Width: 80, Height: 24})
	step(dm)
	assert.Contains(t, m.View(), "EMG Interface")

	step(tea.KeyMsg{Type: tea.KeyDown})
	step(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Contains(t, m.View(), "Capture from: Headset")

	step(tea.KeyMsg{Type: tea.KeyDown})
	step(tea.KeyMsg{Type: tea.KeyEnter})

	sel, ok := m.(DeviceListModel).Selection()
	require.True(t, ok)
	assert.Equal(t, 2, sel.Device.ID)
	assert.Equal(t, 22050.0, sel.SampleRate)
}

func TestDevicePickerError(t *testing.T) {
	orig := listDevices
	t.Cleanup(func() { listDevices = orig })
	listDevices = func() ([]audio.Device, error) { return nil, errors.New("no host") }

	m := NewDeviceListModel()
	next, _ := m.Update(m.Init()())
	next, _ = next.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	assert.Contains(t, next.View(), "no host")
}

func TestNearestRate(t *testing.T) {
	assert.Equal(t, 3, nearestRate(44100))
	assert.Equal(t, 0, nearestRate(1000))
	assert.Equal(t, 4, nearestRate(96000))
}
