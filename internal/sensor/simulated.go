package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/nugget/envagent/internal/clock"
)

// Simulated produces plausible indoor readings without hardware. It
// honours the same non-blocking contract as the real driver: a new
// reading becomes available only after the measurement period
// (heater duration plus conversion time) has elapsed since the last
// one, and earlier calls return ErrNotReady.
type Simulated struct {
	clock  clock.Clock
	period time.Duration
	rng    *rand.Rand

	start time.Time
	next  time.Time
}

// NewSimulated returns a simulated source. seed makes the noise
// reproducible.
func NewSimulated(clk clock.Clock, s Settings, seed uint64) *Simulated {
	return &Simulated{
		clock:  clk,
		period: time.Duration(s.HeaterDurationMS)*time.Millisecond + 40*time.Millisecond,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Init always succeeds.
func (s *Simulated) Init(ctx context.Context) error {
	s.start = s.clock.Now()
	s.next = s.start.Add(s.period)
	return nil
}

// Read returns a reading once per measurement period.
func (s *Simulated) Read(ctx context.Context) (Reading, error) {
	now := s.clock.Now()
	if s.start.IsZero() {
		return Reading{}, ErrNotReady
	}
	// A deadline further out than one period means the clock was
	// stepped back; start a fresh cycle instead of waiting it out.
	if now.Before(s.next) && s.next.Sub(now) <= s.period {
		return Reading{}, ErrNotReady
	}
	s.next = now.Add(s.period)

	// Slow diurnal-ish drift plus a little noise.
	phase := now.Sub(s.start).Hours() / 24 * 2 * math.Pi
	return Reading{
		Temperature:     22.5 + 1.5*math.Sin(phase) + s.rng.NormFloat64()*0.05,
		Humidity:        48 - 6*math.Sin(phase) + s.rng.NormFloat64()*0.3,
		Pressure:        1013.25 + 2*math.Cos(phase/3) + s.rng.NormFloat64()*0.05,
		GasResistance:   120000 + 15000*math.Cos(phase) + s.rng.NormFloat64()*500,
		DeviceTimestamp: uint64(now.Unix()),
	}, nil
}

// Close is a no-op.
func (s *Simulated) Close() error { return nil }
