package display

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/envagent/internal/sensor"
)

var sample = sensor.Reading{
	Temperature:     23.456,
	Humidity:        55.04,
	Pressure:        1013.25,
	GasResistance:   123456.7,
	DeviceTimestamp: 1760000000,
}

func TestReadingLines(t *testing.T) {
	got := ReadingLines(sample)
	want := []string{"T: 23.46 C", "H: 55.0 %", "P: 1013.2 hPa", "G: 123457 ohm"}
	if len(got) != len(want) {
		t.Fatalf("ReadingLines() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTerminal_PlainOutputToBuffer(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf)

	term.Status("Sync time")
	term.Progress(1)
	term.Progress(2)
	term.Status("MQTT connected")
	term.Message("device/cmd", "hello")
	term.Readings(sample)

	out := buf.String()
	for _, want := range []string{
		"Sync time\n",
		"..\n",
		"MQTT connected\n",
		"Topic: device/cmd\n",
		"Message: hello\n",
		"T: 23.46 C",
		"G: 123457 ohm",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("expected no ANSI escapes when writing to a buffer:\n%q", out)
	}
}

func TestLog_WritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLog(logger)

	sink.Status("MQTT connected")
	sink.Message("device/cmd", "hello")
	sink.Readings(sample)

	out := buf.String()
	for _, want := range []string{
		`msg="MQTT connected"`,
		"topic=device/cmd",
		"message=hello",
		"temperature_c=23.456",
		"component=display",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr bool
	}{
		{"terminal", false},
		{"", false},
		{"log", false},
		{"none", false},
		{"lcd", true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			sink, err := New(tt.mode, &bytes.Buffer{}, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			}
			if !tt.wantErr && sink == nil {
				t.Errorf("New(%q) returned nil sink", tt.mode)
			}
		})
	}
}
