// Package telemetry defines the wire form of a published reading.
//
// The payload is a JSON object with a fixed field order and fixed
// decimal precision per field:
//
//	{"deviceId":"test_0914","deviceTs":1760000000,"t":23.46,"h":55.0,"p":1013.3,"g":123457}
//
// Values are rounded half away from zero, so 1013.25 becomes 1013.3.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/nugget/envagent/internal/sensor"
)

// Decimal places per field.
const (
	TemperaturePrecision = 2
	HumidityPrecision    = 1
	PressurePrecision    = 1
	GasPrecision         = 0
)

// ErrNonFinite is returned when a reading contains NaN or ±Inf, which
// have no JSON representation.
var ErrNonFinite = errors.New("telemetry: non-finite value")

// Message is the published telemetry document. Field order here is
// the field order on the wire.
type Message struct {
	DeviceID    string      `json:"deviceId"`
	DeviceTs    uint64      `json:"deviceTs"`
	Temperature json.Number `json:"t"`
	Humidity    json.Number `json:"h"`
	Pressure    json.Number `json:"p"`
	Gas         json.Number `json:"g"`
}

// FromReading builds the wire message for r.
func FromReading(deviceID string, r sensor.Reading) (Message, error) {
	fields := []struct {
		name string
		v    float64
		prec int
	}{
		{"t", r.Temperature, TemperaturePrecision},
		{"h", r.Humidity, HumidityPrecision},
		{"p", r.Pressure, PressurePrecision},
		{"g", r.GasResistance, GasPrecision},
	}
	nums := make([]json.Number, len(fields))
	for i, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return Message{}, fmt.Errorf("%w: %s=%v", ErrNonFinite, f.name, f.v)
		}
		nums[i] = json.Number(formatFixed(f.v, f.prec))
	}

	return Message{
		DeviceID:    deviceID,
		DeviceTs:    r.DeviceTimestamp,
		Temperature: nums[0],
		Humidity:    nums[1],
		Pressure:    nums[2],
		Gas:         nums[3],
	}, nil
}

// Encode serializes a reading into the wire payload.
func Encode(deviceID string, r sensor.Reading) ([]byte, error) {
	m, err := FromReading(deviceID, r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a wire payload back into the device ID and a reading.
// Values carry only the precision of the wire form.
func Decode(payload []byte) (string, sensor.Reading, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", sensor.Reading{}, fmt.Errorf("decode telemetry: %w", err)
	}

	var r sensor.Reading
	r.DeviceTimestamp = m.DeviceTs
	for _, f := range []struct {
		name string
		n    json.Number
		dst  *float64
	}{
		{"t", m.Temperature, &r.Temperature},
		{"h", m.Humidity, &r.Humidity},
		{"p", m.Pressure, &r.Pressure},
		{"g", m.Gas, &r.GasResistance},
	} {
		v, err := f.n.Float64()
		if err != nil {
			return "", sensor.Reading{}, fmt.Errorf("decode telemetry field %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return m.DeviceID, r, nil
}

// maxExactFraction is the magnitude from which every float64 is an
// integer, so rounding to any number of decimals is the identity.
const maxExactFraction = 1 << 52

// Round rounds v half away from zero to prec decimal places.
func Round(v float64, prec int) float64 {
	if math.Abs(v) >= maxExactFraction {
		return v
	}
	scale := math.Pow10(prec)
	return math.Round(v*scale) / scale
}

func formatFixed(v float64, prec int) string {
	s := strconv.FormatFloat(Round(v, prec), 'f', prec, 64)
	if s == "-0" || (len(s) > 1 && s[0] == '-' && isZero(s[1:])) {
		return s[1:]
	}
	return s
}

// isZero reports whether a formatted decimal is all zeros.
func isZero(s string) bool {
	for _, c := range s {
		if c != '0' && c != '.' {
			return false
		}
	}
	return true
}
