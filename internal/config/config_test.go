package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
device:
  id: test_0914
broker:
  host: example-ats.iot.ap-northeast-1.amazonaws.com
topics:
  publish: devices/test_0914/telemetry
  subscribe: test/topic
tls:
  ca_file: /etc/envagent/AmazonRootCA1.pem
  cert_file: /etc/envagent/device.crt
  key_file: /etc/envagent/device.key
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalYAML), 0600); err != nil {
		t.Fatal(err)
	}

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Broker.Port != 8883 {
		t.Errorf("Broker.Port = %d, want 8883", cfg.Broker.Port)
	}
	if cfg.Broker.Protocol != "3.1.1" {
		t.Errorf("Broker.Protocol = %q, want 3.1.1", cfg.Broker.Protocol)
	}
	if cfg.Agent.PublishInterval != time.Second {
		t.Errorf("Agent.PublishInterval = %v, want 1s", cfg.Agent.PublishInterval)
	}
	if cfg.Clock.MaxAttempts != 50 {
		t.Errorf("Clock.MaxAttempts = %d, want 50", cfg.Clock.MaxAttempts)
	}
	if cfg.Clock.PollInterval != 200*time.Millisecond {
		t.Errorf("Clock.PollInterval = %v, want 200ms", cfg.Clock.PollInterval)
	}
	if cfg.Clock.ValidityThreshold != 1_700_000_000 {
		t.Errorf("Clock.ValidityThreshold = %d", cfg.Clock.ValidityThreshold)
	}
	if !cfg.Clock.SyncRequired() {
		t.Error("Clock.SyncRequired() = false, want true by default")
	}
	if got := cfg.Sensor.Addresses; len(got) != 2 || got[0] != 0x76 || got[1] != 0x77 {
		t.Errorf("Sensor.Addresses = %#v, want [0x76 0x77]", got)
	}
	if cfg.Sensor.Heater.Temperature != 320 || cfg.Sensor.Heater.DurationMS != 150 {
		t.Errorf("Sensor.Heater = %+v, want 320/150", cfg.Sensor.Heater)
	}
}

func TestLoad_Overrides(t *testing.T) {
	body := minimalYAML + `
clock:
  require_sync: false
  timezone_offset: 32400
  poll_interval: 500ms
sensor:
  driver: simulated
  addresses: [0x77]
agent:
  publish_interval: 5s
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Clock.SyncRequired() {
		t.Error("Clock.SyncRequired() = true, want false")
	}
	if cfg.Clock.TimezoneOffset != 32400 {
		t.Errorf("Clock.TimezoneOffset = %d, want 32400", cfg.Clock.TimezoneOffset)
	}
	if cfg.Clock.PollInterval != 500*time.Millisecond {
		t.Errorf("Clock.PollInterval = %v, want 500ms", cfg.Clock.PollInterval)
	}
	if len(cfg.Sensor.Addresses) != 1 || cfg.Sensor.Addresses[0] != 0x77 {
		t.Errorf("Sensor.Addresses = %#v, want [0x77]", cfg.Sensor.Addresses)
	}
	if cfg.Agent.PublishInterval != 5*time.Second {
		t.Errorf("Agent.PublishInterval = %v, want 5s", cfg.Agent.PublishInterval)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	body := strings.Replace(minimalYAML, "example-ats.iot.ap-northeast-1.amazonaws.com", "${ENVAGENT_TEST_BROKER}", 1)
	t.Setenv("ENVAGENT_TEST_BROKER", "broker.local")

	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Broker.Host != "broker.local" {
		t.Errorf("Broker.Host = %q, want %q", cfg.Broker.Host, "broker.local")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Broker.Protocol = "4"
	cfg.Sensor.Driver = "dht22"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}

	for _, want := range []string{
		"broker.host is required",
		"broker.protocol",
		"topics.publish is required",
		"tls.ca_file is required",
		"sensor.driver",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_PKCS12Identity(t *testing.T) {
	cfg := Default()
	cfg.Broker.Host = "broker.local"
	cfg.Topics.Publish = "a/b"
	cfg.Topics.Subscribe = "c/d"
	cfg.TLS.CAFile = "ca.pem"
	cfg.TLS.PKCS12File = "device.p12"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidate_WildcardPublishTopic(t *testing.T) {
	cfg := Default()
	cfg.Broker.Host = "broker.local"
	cfg.Topics.Publish = "devices/+/telemetry"
	cfg.Topics.Subscribe = "c/d"
	cfg.TLS.CAFile = "ca.pem"
	cfg.TLS.CertFile = "c.pem"
	cfg.TLS.KeyFile = "k.pem"

	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "wildcards") {
		t.Errorf("Validate() = %v, want wildcard error", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if got := a.Value.String(); got != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", got)
	}
}
