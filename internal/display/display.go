// Package display renders operator-facing output: status lines during
// bring-up, inbound messages, and the latest sensor readings. The
// agent writes to a [Sink] and never cares what is behind it.
package display

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/nugget/envagent/internal/sensor"
)

// Sink receives operator-facing output. All methods are called from
// the agent loop goroutine and must not block.
type Sink interface {
	// Status shows a one-line lifecycle message ("MQTT connected").
	Status(line string)

	// Message shows an inbound message.
	Message(topic, text string)

	// Readings shows the latest sample.
	Readings(r sensor.Reading)
}

// Progresser is implemented by sinks that can show incremental
// progress (one mark per attempt) during long waits such as clock
// synchronization.
type Progresser interface {
	Progress(attempt int)
}

// New returns the sink for mode: "terminal", "log", or "none".
func New(mode string, w io.Writer, logger *slog.Logger) (Sink, error) {
	switch mode {
	case "terminal", "":
		return NewTerminal(w), nil
	case "log":
		return NewLog(logger), nil
	case "none":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("unknown display mode %q", mode)
}

// ReadingLines formats a sample the way every sink shows it.
func ReadingLines(r sensor.Reading) []string {
	return []string{
		fmt.Sprintf("T: %.2f C", r.Temperature),
		fmt.Sprintf("H: %.1f %%", r.Humidity),
		fmt.Sprintf("P: %.1f hPa", r.Pressure),
		fmt.Sprintf("G: %.0f ohm", r.GasResistance),
	}
}

// Terminal writes styled lines to a terminal. Progress marks are
// printed inline and terminated by the next line of output.
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	pending bool

	status  lipgloss.Style
	label   lipgloss.Style
	reading lipgloss.Style
}

// NewTerminal returns a Terminal writing to w. Colors are chosen from
// w's capabilities, so a pipe or file gets plain text.
func NewTerminal(w io.Writer) *Terminal {
	r := lipgloss.NewRenderer(w)
	return &Terminal{
		w:       w,
		status:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:   r.NewStyle().Foreground(lipgloss.Color("8")),
		reading: r.NewStyle().Foreground(lipgloss.Color("10")),
	}
}

// Status implements Sink.
func (t *Terminal) Status(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushProgress()
	fmt.Fprintln(t.w, t.status.Render(line))
}

// Message implements Sink.
func (t *Terminal) Message(topic, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushProgress()
	fmt.Fprintln(t.w, t.label.Render("Topic:")+" "+topic)
	fmt.Fprintln(t.w, t.label.Render("Message:")+" "+text)
}

// Readings implements Sink.
func (t *Terminal) Readings(r sensor.Reading) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushProgress()
	fmt.Fprintln(t.w, t.reading.Render(strings.Join(ReadingLines(r), "  ")))
}

// Progress implements Progresser.
func (t *Terminal) Progress(int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.w, ".")
	t.pending = true
}

func (t *Terminal) flushProgress() {
	if t.pending {
		fmt.Fprintln(t.w)
		t.pending = false
	}
}

// Log routes display output to a structured logger. Useful when the
// agent runs as a service and stdout is a journal.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Log sink. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "display")}
}

// Status implements Sink.
func (l *Log) Status(line string) {
	l.logger.Info(line)
}

// Message implements Sink.
func (l *Log) Message(topic, text string) {
	l.logger.Info("inbound message", "topic", topic, "message", text)
}

// Readings implements Sink.
func (l *Log) Readings(r sensor.Reading) {
	l.logger.Debug("sensor reading",
		"temperature_c", r.Temperature,
		"humidity_pct", r.Humidity,
		"pressure_hpa", r.Pressure,
		"gas_ohm", r.GasResistance,
		"device_ts", r.DeviceTimestamp,
	)
}

// Progress implements Progresser.
func (l *Log) Progress(attempt int) {
	l.logger.Debug("waiting", "attempt", attempt)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Status(string)           {}
func (Nop) Message(string, string)  {}
func (Nop) Readings(sensor.Reading) {}
