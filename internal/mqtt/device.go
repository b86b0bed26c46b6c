package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/nugget/envagent/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every sensor entity
// published by this agent references the same device block so HA
// groups them under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// session bring-up.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic,omitempty"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	ValueTemplate     string     `json:"value_template,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the device ID (the stable
// HA identifier) and the human-readable name shown in the HA UI.
func NewDeviceInfo(deviceID, name string) DeviceInfo {
	if name == "" {
		name = deviceID
	}
	return DeviceInfo{
		Identifiers:  []string{deviceID},
		Name:         name,
		Manufacturer: "envagent",
		Model:        "BME680 environment sensor",
		SWVersion:    buildinfo.Version,
	}
}

// Discovery describes how this device announces itself to Home
// Assistant. The telemetry topic carries all four readings in one
// JSON document, so each entity extracts its field with a template.
type Discovery struct {
	Prefix            string // e.g. "homeassistant"
	DeviceID          string
	Name              string
	StateTopic        string // the telemetry publish topic
	AvailabilityTopic string // optional
}

// RetainedMessage is a topic/payload pair published with the retain
// flag.
type RetainedMessage struct {
	Topic   string
	Payload []byte
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

var objectIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// objectID makes s safe for use as a discovery topic segment.
func objectID(s string) string {
	return objectIDUnsafe.ReplaceAllString(s, "_")
}

func (d Discovery) discoveryTopic(component, entity string) string {
	return d.Prefix + "/" + component + "/" + objectID(d.DeviceID) + "/" + entity + "/config"
}

func (d Discovery) sensorDefinitions() []sensorDef {
	device := NewDeviceInfo(d.DeviceID, d.Name)
	id := objectID(d.DeviceID)

	def := func(suffix, name, class, unit, field, icon string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:              device.Name + " " + name,
				UniqueID:          id + "_" + suffix,
				StateTopic:        d.StateTopic,
				AvailabilityTopic: d.AvailabilityTopic,
				Device:            device,
				DeviceClass:       class,
				Icon:              icon,
				UnitOfMeasurement: unit,
				StateClass:        "measurement",
				ValueTemplate:     "{{ value_json." + field + " }}",
			},
		}
	}

	return []sensorDef{
		def("temperature", "Temperature", "temperature", "°C", "t", ""),
		def("humidity", "Humidity", "humidity", "%", "h", ""),
		def("pressure", "Pressure", "atmospheric_pressure", "hPa", "p", ""),
		def("gas_resistance", "Gas Resistance", "", "Ω", "g", "mdi:air-filter"),
	}
}

// Messages returns the retained discovery config messages.
func (d Discovery) Messages() ([]RetainedMessage, error) {
	defs := d.sensorDefinitions()
	msgs := make([]RetainedMessage, 0, len(defs))
	for _, s := range defs {
		payload, err := json.Marshal(s.config)
		if err != nil {
			return nil, fmt.Errorf("marshal discovery payload for %s: %w", s.entitySuffix, err)
		}
		msgs = append(msgs, RetainedMessage{
			Topic:   d.discoveryTopic("sensor", s.entitySuffix),
			Payload: payload,
		})
	}
	return msgs, nil
}

// Announce publishes msgs retained. Individual failures are logged;
// the first error is returned after every message has been tried.
func Announce(ctx context.Context, p RetainedPublisher, msgs []RetainedMessage, logger *slog.Logger) error {
	var first error
	for _, m := range msgs {
		if err := p.PublishRetained(ctx, m.Topic, m.Payload); err != nil {
			logger.Warn("mqtt retained publish failed", "topic", m.Topic, "error", err)
			if first == nil {
				first = err
			}
			continue
		}
		logger.Debug("mqtt retained message published", "topic", m.Topic)
	}
	return first
}
