package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test_0914", "Office Air")
	if info.Name != "Office Air" {
		t.Errorf("Name = %q, want %q", info.Name, "Office Air")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test_0914" {
		t.Errorf("Identifiers = %v, want [test_0914]", info.Identifiers)
	}
	if info.Manufacturer != "envagent" {
		t.Errorf("Manufacturer = %q, want envagent", info.Manufacturer)
	}

	if got := NewDeviceInfo("test_0914", "").Name; got != "test_0914" {
		t.Errorf("Name without configured name = %q, want device ID", got)
	}
}

func TestDiscovery_Messages(t *testing.T) {
	d := Discovery{
		Prefix:            "homeassistant",
		DeviceID:          "test_0914",
		Name:              "Office",
		StateTopic:        "env/test_0914/telemetry",
		AvailabilityTopic: "env/test_0914/availability",
	}

	msgs, err := d.Messages()
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}

	wantTopics := []string{
		"homeassistant/sensor/test_0914/temperature/config",
		"homeassistant/sensor/test_0914/humidity/config",
		"homeassistant/sensor/test_0914/pressure/config",
		"homeassistant/sensor/test_0914/gas_resistance/config",
	}
	wantTemplates := []string{
		"{{ value_json.t }}",
		"{{ value_json.h }}",
		"{{ value_json.p }}",
		"{{ value_json.g }}",
	}
	if len(msgs) != len(wantTopics) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantTopics))
	}

	seen := make(map[string]bool)
	for i, m := range msgs {
		if m.Topic != wantTopics[i] {
			t.Errorf("message %d topic = %q, want %q", i, m.Topic, wantTopics[i])
		}

		var cfg SensorConfig
		if err := json.Unmarshal(m.Payload, &cfg); err != nil {
			t.Fatalf("unmarshal %s: %v", m.Topic, err)
		}
		if cfg.StateTopic != d.StateTopic {
			t.Errorf("%s state_topic = %q, want %q", m.Topic, cfg.StateTopic, d.StateTopic)
		}
		if cfg.AvailabilityTopic != d.AvailabilityTopic {
			t.Errorf("%s availability_topic = %q", m.Topic, cfg.AvailabilityTopic)
		}
		if cfg.ValueTemplate != wantTemplates[i] {
			t.Errorf("%s value_template = %q, want %q", m.Topic, cfg.ValueTemplate, wantTemplates[i])
		}
		if cfg.StateClass != "measurement" {
			t.Errorf("%s state_class = %q, want measurement", m.Topic, cfg.StateClass)
		}
		if seen[cfg.UniqueID] {
			t.Errorf("duplicate unique_id %q", cfg.UniqueID)
		}
		seen[cfg.UniqueID] = true
	}
}

func TestDiscovery_SanitizesDeviceID(t *testing.T) {
	d := Discovery{Prefix: "homeassistant", DeviceID: "lab/bench #2", StateTopic: "x"}
	msgs, err := d.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if want := "homeassistant/sensor/lab_bench_2/temperature/config"; msgs[0].Topic != want {
		t.Errorf("topic = %q, want %q", msgs[0].Topic, want)
	}
}

type recordingPublisher struct {
	topics []string
	failOn string
}

func (r *recordingPublisher) PublishRetained(_ context.Context, topic string, _ []byte) error {
	r.topics = append(r.topics, topic)
	if topic == r.failOn {
		return errors.New("broker said no")
	}
	return nil
}

func TestAnnounce_ContinuesPastFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	p := &recordingPublisher{failOn: "b"}
	err := Announce(context.Background(), p, []RetainedMessage{
		{Topic: "a"}, {Topic: "b"}, {Topic: "c"},
	}, logger)

	if err == nil {
		t.Error("Announce() should return the first failure")
	}
	if len(p.topics) != 3 {
		t.Errorf("published %v, want all three attempted", p.topics)
	}
	if !bytes.Contains(buf.Bytes(), []byte("topic=b")) {
		t.Errorf("expected failure logged, got: %s", buf.String())
	}
}

func TestAnnounce_Success(t *testing.T) {
	p := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Announce(context.Background(), p, []RetainedMessage{{Topic: "a"}}, logger); err != nil {
		t.Errorf("Announce() error = %v", err)
	}
}
