// Package sensor produces environmental readings (temperature,
// humidity, pressure, gas resistance) behind a small capability
// interface. The agent never touches bus registers; it only calls
// [Source.Init] once and [Source.Read] on every loop iteration.
//
// Reads are non-blocking. A measurement that has not finished yet is
// reported as [ErrNotReady] and the caller simply skips that tick.
package sensor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotReady means the current measurement cycle is incomplete.
	// Skip this tick; do not retry immediately.
	ErrNotReady = errors.New("sensor: measurement not ready")

	// ErrDeviceAbsent means no sensor answered. The agent cannot do its
	// job without it and halts.
	ErrDeviceAbsent = errors.New("sensor: device absent")
)

// Reading is one complete sample. It is a value type: once produced
// it is never modified.
type Reading struct {
	Temperature     float64 // °C
	Humidity        float64 // %RH
	Pressure        float64 // hPa
	GasResistance   float64 // Ω
	DeviceTimestamp uint64  // seconds since the Unix epoch
}

// Source is an environmental sensor.
type Source interface {
	// Init locates and configures the device. It returns an error
	// wrapping ErrDeviceAbsent when no device answers.
	Init(ctx context.Context) error

	// Read returns the latest completed measurement or ErrNotReady.
	Read(ctx context.Context) (Reading, error)

	// Close releases the underlying bus.
	Close() error
}

// Settings are the fixed measurement parameters supplied once at
// initialization.
type Settings struct {
	// Oversampling factors: 0 (skip), 1, 2, 4, 8 or 16.
	TemperatureOversampling int
	HumidityOversampling    int
	PressureOversampling    int

	// FilterSize is the IIR filter coefficient: 0, 1, 3, 7, 15, 31, 63
	// or 127.
	FilterSize int

	// HeaterTemperature is the gas heater target in °C (max 400);
	// zero disables the gas measurement.
	HeaterTemperature int

	// HeaterDurationMS is how long the heater is held before the gas
	// resistance is sampled.
	HeaterDurationMS int
}

// DefaultSettings matches a typical indoor air-quality profile: 2x
// oversampling everywhere, IIR 3, heater at 320 °C for 150 ms.
func DefaultSettings() Settings {
	return Settings{
		TemperatureOversampling: 2,
		HumidityOversampling:    2,
		PressureOversampling:    2,
		FilterSize:              3,
		HeaterTemperature:       320,
		HeaterDurationMS:        150,
	}
}

// oversamplingCode maps an oversampling factor to its 3-bit register
// encoding.
func oversamplingCode(factor int) (byte, error) {
	switch factor {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	case 2:
		return 2, nil
	case 4:
		return 3, nil
	case 8:
		return 4, nil
	case 16:
		return 5, nil
	}
	return 0, fmt.Errorf("invalid oversampling factor %d", factor)
}

// filterCode maps an IIR filter size to its 3-bit register encoding.
func filterCode(size int) (byte, error) {
	switch size {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	case 3:
		return 2, nil
	case 7:
		return 3, nil
	case 15:
		return 4, nil
	case 31:
		return 5, nil
	case 63:
		return 6, nil
	case 127:
		return 7, nil
	}
	return 0, fmt.Errorf("invalid filter size %d", size)
}
