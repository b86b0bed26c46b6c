package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/nugget/envagent/internal/clock"
)

// BME680 register map (datasheet section 5.2).
const (
	bme680ChipID = 0x61

	regStatus       = 0x1D
	regResHeatVal   = 0x00
	regResHeatRange = 0x02
	regRangeSwErr   = 0x04
	regResHeat0     = 0x5A
	regGasWait0     = 0x64
	regCtrlGas0     = 0x70
	regCtrlGas1     = 0x71
	regCtrlHum      = 0x72
	regCtrlMeas     = 0x74
	regConfig       = 0x75
	regCoeff1       = 0x89
	regChipID       = 0xD0
	regReset        = 0xE0
	regCoeff2       = 0xE1

	coeff1Len = 25
	coeff2Len = 16

	// Burst read from regStatus through gas_r_lsb (0x2B).
	fieldLen = 15

	resetCmd      = 0xB6
	modeForced    = 0x01
	runGas        = 0x10
	heatOff       = 0x08
	statusNewData = 0x80
	gasValid      = 0x20
	heatStable    = 0x10

	// maxBusErrors is how many consecutive failed transactions are
	// tolerated before the device is declared gone.
	maxBusErrors = 5
)

// Gas range correction factors from the Bosch reference driver.
var (
	gasRangeK1 = [16]float64{0, 0, 0, 0, 0, -1, 0, -0.8, 0, 0, -0.2, -0.5, 0, -1, 0, 0}
	gasRangeK2 = [16]float64{0, 0, 0, 0, 0.1, 0.7, 0, -0.8, -0.1, 0, 0, 0, 0, 0, 0, 0}
)

// DefaultAddresses is the probe order for a BME680: SDO low, then high.
var DefaultAddresses = []uint16{0x76, 0x77}

// BME680 drives a Bosch BME680/BME688 over I2C in forced mode.
type BME680 struct {
	bus      i2c.Bus
	closer   func() error
	addrs    []uint16
	settings Settings
	clock    clock.Clock
	logger   *slog.Logger

	dev       *i2c.Dev
	calib     calibration
	ctrlMeas  byte
	pending   bool
	busErrors int
	ambient   float64
}

// OpenBME680 initializes the periph host drivers, opens the named I2C
// bus (empty for the first available) and returns an uninitialized
// driver that owns the bus. Failure to open the bus is reported as
// ErrDeviceAbsent.
func OpenBME680(busName string, addrs []uint16, s Settings, clk clock.Clock, logger *slog.Logger) (*BME680, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: periph host init: %v", ErrDeviceAbsent, err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("%w: open i2c bus %q: %v", ErrDeviceAbsent, busName, err)
	}
	b := NewBME680(bus, addrs, s, clk, logger)
	b.closer = bus.Close
	return b, nil
}

// NewBME680 returns a driver on an already-open bus. The caller keeps
// ownership of bus.
func NewBME680(bus i2c.Bus, addrs []uint16, s Settings, clk clock.Clock, logger *slog.Logger) *BME680 {
	if len(addrs) == 0 {
		addrs = DefaultAddresses
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BME680{
		bus:      bus,
		addrs:    addrs,
		settings: s,
		clock:    clk,
		logger:   logger,
		ambient:  25,
	}
}

// Addr returns the address the device answered on, or 0 before Init.
func (b *BME680) Addr() uint16 {
	if b.dev == nil {
		return 0
	}
	return b.dev.Addr
}

// Init probes each candidate address once, in order, then resets and
// configures the first device that reports the BME680 chip ID.
func (b *BME680) Init(ctx context.Context) error {
	for _, addr := range b.addrs {
		dev := &i2c.Dev{Bus: b.bus, Addr: addr}
		id, err := readReg(dev, regChipID)
		if err != nil {
			b.logger.Debug("bme680 probe: no answer", "addr", hexAddr(addr), "error", err)
			continue
		}
		if id != bme680ChipID {
			b.logger.Debug("bme680 probe: unexpected chip id", "addr", hexAddr(addr), "chip_id", fmt.Sprintf("%#02x", id))
			continue
		}
		b.dev = dev
		break
	}
	if b.dev == nil {
		return fmt.Errorf("%w: no BME680 at %s on %s", ErrDeviceAbsent, hexAddrs(b.addrs), b.bus)
	}

	if err := writeReg(b.dev, regReset, resetCmd); err != nil {
		return fmt.Errorf("bme680 soft reset: %w", err)
	}
	if !clock.Sleep(ctx, b.clock, 10*time.Millisecond) {
		return ctx.Err()
	}

	if err := b.readCalibration(); err != nil {
		return fmt.Errorf("bme680 calibration: %w", err)
	}
	if err := b.configure(); err != nil {
		return fmt.Errorf("bme680 configure: %w", err)
	}

	b.logger.Info("bme680 initialized",
		"addr", hexAddr(b.dev.Addr),
		"bus", b.bus.String(),
		"heater_c", b.settings.HeaterTemperature,
		"heater_ms", b.settings.HeaterDurationMS,
	)
	return nil
}

// Read returns a compensated reading when the last forced-mode
// measurement has completed, and ErrNotReady while it is still
// running. The first call after Init only starts a measurement.
func (b *BME680) Read(ctx context.Context) (Reading, error) {
	if b.dev == nil {
		return Reading{}, fmt.Errorf("%w: not initialized", ErrDeviceAbsent)
	}

	if !b.pending {
		if err := b.trigger(); err != nil {
			return Reading{}, b.busFailure(err)
		}
		return Reading{}, ErrNotReady
	}

	buf := make([]byte, fieldLen)
	if err := b.dev.Tx([]byte{regStatus}, buf); err != nil {
		return Reading{}, b.busFailure(err)
	}
	b.busErrors = 0
	if buf[0]&statusNewData == 0 {
		return Reading{}, ErrNotReady
	}
	b.pending = false

	adcPres := uint32(buf[2])<<12 | uint32(buf[3])<<4 | uint32(buf[4])>>4
	adcTemp := uint32(buf[5])<<12 | uint32(buf[6])<<4 | uint32(buf[7])>>4
	adcHum := uint16(buf[8])<<8 | uint16(buf[9])
	adcGas := uint16(buf[13])<<2 | uint16(buf[14])>>6
	gasRange := buf[14] & 0x0F

	tFine := b.calib.tFine(adcTemp)
	r := Reading{
		Temperature:     tFine / 5120.0,
		Pressure:        b.calib.pressure(adcPres, tFine) / 100.0,
		Humidity:        b.calib.humidity(adcHum, tFine),
		DeviceTimestamp: uint64(b.clock.Now().Unix()),
	}
	if b.settings.HeaterTemperature > 0 && buf[14]&gasValid != 0 && buf[14]&heatStable != 0 {
		r.GasResistance = b.calib.gasResistance(adcGas, gasRange)
	}
	b.ambient = r.Temperature

	// Keep the sensor busy so the next tick usually finds fresh data.
	if err := b.trigger(); err != nil {
		b.logger.Debug("bme680 retrigger failed", "error", err)
	}

	return r, nil
}

// Close releases the bus if this driver opened it.
func (b *BME680) Close() error {
	b.dev = nil
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

func (b *BME680) configure() error {
	osT, err := oversamplingCode(b.settings.TemperatureOversampling)
	if err != nil {
		return err
	}
	osH, err := oversamplingCode(b.settings.HumidityOversampling)
	if err != nil {
		return err
	}
	osP, err := oversamplingCode(b.settings.PressureOversampling)
	if err != nil {
		return err
	}
	filter, err := filterCode(b.settings.FilterSize)
	if err != nil {
		return err
	}

	b.ctrlMeas = osT<<5 | osP<<2
	writes := [][2]byte{
		{regCtrlHum, osH},
		{regConfig, filter << 2},
		{regCtrlMeas, b.ctrlMeas},
	}
	if b.settings.HeaterTemperature > 0 {
		writes = append(writes,
			[2]byte{regResHeat0, b.calib.heaterResistance(b.settings.HeaterTemperature, b.ambient)},
			[2]byte{regGasWait0, gasWaitCode(b.settings.HeaterDurationMS)},
			[2]byte{regCtrlGas0, 0},
			[2]byte{regCtrlGas1, runGas},
		)
	} else {
		writes = append(writes,
			[2]byte{regCtrlGas0, heatOff},
			[2]byte{regCtrlGas1, 0},
		)
	}

	for _, w := range writes {
		if err := writeReg(b.dev, w[0], w[1]); err != nil {
			return fmt.Errorf("write %#02x: %w", w[0], err)
		}
	}
	return nil
}

// trigger starts one forced-mode measurement. The heater target is
// recomputed from the latest ambient temperature first.
func (b *BME680) trigger() error {
	if b.settings.HeaterTemperature > 0 {
		res := b.calib.heaterResistance(b.settings.HeaterTemperature, b.ambient)
		if err := writeReg(b.dev, regResHeat0, res); err != nil {
			return err
		}
	}
	if err := writeReg(b.dev, regCtrlMeas, b.ctrlMeas|modeForced); err != nil {
		return err
	}
	b.pending = true
	return nil
}

func (b *BME680) busFailure(err error) error {
	b.busErrors++
	if b.busErrors >= maxBusErrors {
		return fmt.Errorf("%w: %d consecutive bus errors: %v", ErrDeviceAbsent, b.busErrors, err)
	}
	return fmt.Errorf("%w: %v", ErrNotReady, err)
}

func (b *BME680) readCalibration() error {
	coeff := make([]byte, coeff1Len+coeff2Len)
	if err := b.dev.Tx([]byte{regCoeff1}, coeff[:coeff1Len]); err != nil {
		return err
	}
	if err := b.dev.Tx([]byte{regCoeff2}, coeff[coeff1Len:]); err != nil {
		return err
	}

	var heat [5]byte
	if err := b.dev.Tx([]byte{regResHeatVal}, heat[:]); err != nil {
		return err
	}

	b.calib = parseCalibration(coeff, heat[regResHeatVal], heat[regResHeatRange], heat[regRangeSwErr])
	return nil
}

// calibration holds the factory trimming parameters.
type calibration struct {
	t1         uint16
	t2         int16
	t3         int8
	p1         uint16
	p2         int16
	p3         int8
	p4         int16
	p5         int16
	p6         int8
	p7         int8
	p8         int16
	p9         int16
	p10        uint8
	h1         uint16
	h2         uint16
	h3         int8
	h4         int8
	h5         int8
	h6         uint8
	h7         int8
	gh1        int8
	gh2        int16
	gh3        int8
	heatRange  uint8
	heatVal    int8
	rangeSwErr int8
}

// parseCalibration decodes the 41 coefficient bytes read from 0x89
// (25 bytes) followed by 0xE1 (16 bytes).
func parseCalibration(c []byte, resHeatVal, resHeatRange, rangeSwErr byte) calibration {
	u16 := func(msb, lsb int) uint16 { return uint16(c[msb])<<8 | uint16(c[lsb]) }
	return calibration{
		t1:         u16(34, 33),
		t2:         int16(u16(2, 1)),
		t3:         int8(c[3]),
		p1:         u16(6, 5),
		p2:         int16(u16(8, 7)),
		p3:         int8(c[9]),
		p4:         int16(u16(12, 11)),
		p5:         int16(u16(14, 13)),
		p6:         int8(c[16]),
		p7:         int8(c[15]),
		p8:         int16(u16(20, 19)),
		p9:         int16(u16(22, 21)),
		p10:        c[23],
		h1:         uint16(c[27])<<4 | uint16(c[26]&0x0F),
		h2:         uint16(c[25])<<4 | uint16(c[26]>>4),
		h3:         int8(c[28]),
		h4:         int8(c[29]),
		h5:         int8(c[30]),
		h6:         c[31],
		h7:         int8(c[32]),
		gh1:        int8(c[37]),
		gh2:        int16(u16(36, 35)),
		gh3:        int8(c[38]),
		heatRange:  (resHeatRange & 0x30) >> 4,
		heatVal:    int8(resHeatVal),
		rangeSwErr: int8(rangeSwErr) >> 4,
	}
}

// tFine returns the fine temperature value shared by all other
// compensation formulas. Temperature in °C is tFine / 5120.
func (c calibration) tFine(adc uint32) float64 {
	a := float64(adc)
	var1 := (a/16384.0 - float64(c.t1)/1024.0) * float64(c.t2)
	d := a/131072.0 - float64(c.t1)/8192.0
	var2 := d * d * float64(c.t3) * 16.0
	return var1 + var2
}

// pressure returns compensated pressure in Pa.
func (c calibration) pressure(adc uint32, tFine float64) float64 {
	var1 := tFine/2.0 - 64000.0
	var2 := var1 * var1 * (float64(c.p6) / 131072.0)
	var2 += var1 * float64(c.p5) * 2.0
	var2 = var2/4.0 + float64(c.p4)*65536.0
	var1 = (float64(c.p3)*var1*var1/16384.0 + float64(c.p2)*var1) / 524288.0
	var1 = (1.0 + var1/32768.0) * float64(c.p1)
	if var1 == 0 {
		return 0
	}
	p := 1048576.0 - float64(adc)
	p = (p - var2/4096.0) * 6250.0 / var1
	var1 = float64(c.p9) * p * p / 2147483648.0
	var2 = p * (float64(c.p8) / 32768.0)
	var3 := math.Pow(p/256.0, 3) * (float64(c.p10) / 131072.0)
	return p + (var1+var2+var3+float64(c.p7)*128.0)/16.0
}

// humidity returns compensated relative humidity clamped to 0..100.
func (c calibration) humidity(adc uint16, tFine float64) float64 {
	temp := tFine / 5120.0
	var1 := float64(adc) - (float64(c.h1)*16.0 + float64(c.h3)/2.0*temp)
	var2 := var1 * (float64(c.h2) / 262144.0 * (1.0 + float64(c.h4)/16384.0*temp + float64(c.h5)/1048576.0*temp*temp))
	var3 := float64(c.h6) / 16384.0
	var4 := float64(c.h7) / 2097152.0
	h := var2 + (var3+var4*temp)*var2*var2
	return math.Min(math.Max(h, 0), 100)
}

// gasResistance returns the compensated gas resistance in Ω.
func (c calibration) gasResistance(adc uint16, gasRange byte) float64 {
	var1 := 1340.0 + 5.0*float64(c.rangeSwErr)
	var2 := var1 * (1.0 + gasRangeK1[gasRange]/100.0)
	var3 := 1.0 + gasRangeK2[gasRange]/100.0
	return 1.0 / (var3 * 0.000000125 * float64(uint32(1)<<gasRange) * ((float64(adc)-512.0)/var2 + 1.0))
}

// heaterResistance converts a heater target temperature into the
// res_heat register value for the given ambient temperature.
func (c calibration) heaterResistance(target int, ambient float64) byte {
	if target > 400 {
		target = 400
	}
	var1 := float64(c.gh1)/16.0 + 49.0
	var2 := float64(c.gh2)/32768.0*0.0005 + 0.00235
	var3 := float64(c.gh3) / 1024.0
	var4 := var1 * (1.0 + var2*float64(target))
	var5 := var4 + var3*ambient
	res := 3.4 * (var5*(4.0/(4.0+float64(c.heatRange)))*(1.0/(1.0+float64(c.heatVal)*0.002)) - 25)
	return byte(math.Min(math.Max(res, 0), 255))
}

// gasWaitCode encodes a heater duration in ms as a 6-bit mantissa and
// 2-bit multiplier (1, 4, 16, 64).
func gasWaitCode(ms int) byte {
	if ms >= 0xFC0 {
		return 0xFF
	}
	if ms < 0 {
		ms = 0
	}
	factor := 0
	for ms > 0x3F {
		ms /= 4
		factor++
	}
	return byte(ms + factor*64)
}

func readReg(dev *i2c.Dev, reg byte) (byte, error) {
	var b [1]byte
	if err := dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeReg(dev *i2c.Dev, reg, val byte) error {
	return dev.Tx([]byte{reg, val}, nil)
}

func hexAddr(a uint16) string {
	return fmt.Sprintf("%#02x", a)
}

func hexAddrs(addrs []uint16) string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = hexAddr(a)
	}
	return strings.Join(s, ", ")
}
