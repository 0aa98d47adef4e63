package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"biotap/internal/analysis"
	"biotap/internal/calibration"
	"biotap/internal/transport"
)

// RefreshInterval is how often the meter redraws.
const RefreshInterval = 33 * time.Millisecond

// ThresholdStep scales the threshold on each +/- key press.
const ThresholdStep = 1.1

var (
	tapStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#E0474C")).
			Padding(0, 1).
			Bold(true)

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D7D7D")).
			Padding(0, 1)

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065"))

	markerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E0474C")).
			Bold(true)
)

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Meter is the driver surface the meter screen reads and controls.
type Meter interface {
	Snapshot(withPoints bool) transport.Frame
	StartCalibration() (<-chan calibration.Result, error)
	ScaleThreshold(factor float64) float64
	Reset()
	Taps() uint64
}

var meterKeys = struct {
	quit, calibrate, reset, up, down key.Binding
}{
	quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	calibrate: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "calibrate")),
	reset:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset")),
	up:        key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "raise threshold")),
	down:      key.NewBinding(key.WithKeys("-", "_"), key.WithHelp("-", "lower threshold")),
}

type refreshMsg time.Time

type calibrationMsg struct {
	result  calibration.Result
	aborted bool // The channel closed without a result.
}

// MeterModel is the Bubble Tea model of the live tap meter.
type MeterModel struct {
	meter    Meter
	source   string
	frame    transport.Frame
	taps     uint64
	width    int
	progress progress.Model
	status   string
}

// NewMeterModel returns a meter screen for m. source labels the input.
func NewMeterModel(m Meter, source string) MeterModel {
	return MeterModel{
		meter:    m,
		source:   source,
		width:    60,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

func refresh() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func waitCalibration(ch <-chan calibration.Result) tea.Cmd {
	return func() tea.Msg {
		res, ok := <-ch
		return calibrationMsg{result: res, aborted: !ok}
	}
}

// Init starts the refresh loop.
func (m MeterModel) Init() tea.Cmd {
	return refresh()
}

// Update handles input and refreshes.
func (m MeterModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = max(msg.Width-4, 10)
		m.progress.Width = m.width

	case refreshMsg:
		m.frame = m.meter.Snapshot(true)
		m.taps = m.meter.Taps()
		return m, refresh()

	case calibrationMsg:
		res := msg.result
		switch {
		case msg.aborted:
			m.status = "Calibration stopped: the source ended"
		case res.Applied:
			m.status = fmt.Sprintf("Calibrated: threshold %.4f -> %.4f (max %.4f)", res.OldThreshold, res.NewThreshold, res.MaxRMS)
		default:
			m.status = "Calibration saw no signal; threshold unchanged"
		}

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, meterKeys.quit):
			return m, tea.Quit

		case key.Matches(msg, meterKeys.calibrate):
			ch, err := m.meter.StartCalibration()
			if err != nil {
				m.status = err.Error()
				return m, nil
			}
			m.status = "Calibrating: flex as hard as you will when tapping"
			return m, waitCalibration(ch)

		case key.Matches(msg, meterKeys.reset):
			m.meter.Reset()
			m.status = "Envelope reset"

		case key.Matches(msg, meterKeys.up):
			m.status = fmt.Sprintf("Threshold %.4f", m.meter.ScaleThreshold(ThresholdStep))

		case key.Matches(msg, meterKeys.down):
			m.status = fmt.Sprintf("Threshold %.4f", m.meter.ScaleThreshold(1/ThresholdStep))
		}
	}
	return m, nil
}

// View renders the meter.
func (m MeterModel) View() string {
	var sb strings.Builder
	f := m.frame

	sb.WriteString(titleStyle.Render("biotap"))
	sb.WriteString(" ")
	sb.WriteString(infoStyle.Render(m.source))
	sb.WriteString("\n\n")

	if f.Tap {
		sb.WriteString(tapStyle.Render("TAP"))
	} else {
		sb.WriteString(idleStyle.Render("---"))
	}
	fmt.Fprintf(&sb, "  taps %d  t=%.2fs  rms %.4f  threshold %.4f\n\n", m.taps, f.Time, f.RMS, f.Threshold)

	scale := meterScale(f)
	sb.WriteString(renderBar(f.RMS, f.Threshold, scale, m.width))
	sb.WriteString("\n")
	sb.WriteString(barStyle.Render(sparkline(f.Points, scale, m.width)))
	sb.WriteString("\n\n")

	if f.Calibrating {
		sb.WriteString(m.progress.ViewAs(f.Progress))
		sb.WriteString("\n\n")
	}
	if m.status != "" {
		sb.WriteString(infoStyle.Render(m.status))
		sb.WriteString("\n\n")
	}

	help := make([]string, 0, 5)
	for _, b := range []key.Binding{meterKeys.calibrate, meterKeys.reset, meterKeys.up, meterKeys.down, meterKeys.quit} {
		h := b.Help()
		help = append(help, h.Key+": "+h.Desc)
	}
	sb.WriteString(infoStyle.Render(strings.Join(help, " • ")))
	return sb.String()
}

// meterScale is the full-scale value of the bar: twice the threshold, or the
// loudest visible point if that is higher.
func meterScale(f transport.Frame) float64 {
	scale := 2 * f.Threshold
	scale = math.Max(scale, f.RMS)
	for _, p := range f.Points {
		scale = math.Max(scale, p.V)
	}
	if scale <= 0 {
		return 1
	}
	return scale
}

// renderBar draws the RMS level with a marker at the threshold.
func renderBar(v, threshold, scale float64, width int) string {
	filled := int(math.Round(math.Min(v/scale, 1) * float64(width)))
	marker := int(math.Round(math.Min(threshold/scale, 1) * float64(width)))
	marker = min(marker, width-1)

	var sb strings.Builder
	for i := range width {
		switch {
		case i == marker:
			sb.WriteString(markerStyle.Render("|"))
		case i < filled:
			sb.WriteString(barStyle.Render("█"))
		default:
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

// sparkline renders the newest width points of the envelope.
func sparkline(points []analysis.Point, scale float64, width int) string {
	if len(points) > width {
		points = points[len(points)-width:]
	}
	out := make([]rune, len(points))
	top := len(sparkLevels) - 1
	for i, p := range points {
		level := int(math.Round(math.Min(p.V/scale, 1) * float64(top)))
		out[i] = sparkLevels[max(level, 0)]
	}
	return string(out)
}

// StartMeterUI runs the meter until the user quits.
func StartMeterUI(m Meter, source string) error {
	p := tea.NewProgram(NewMeterModel(m, source), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
