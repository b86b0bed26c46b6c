package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/envagent/internal/clock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFakeClock() *clock.Fake {
	return clock.NewFake(time.Unix(1_760_000_000, 0))
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != time.Second {
		t.Errorf("MaxDelay = %v, want 1s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 1 {
		t.Errorf("Multiplier = %v, want 1", cfg.Multiplier)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", cfg.ProbeTimeout)
	}
}

func TestWatcher_CheckSuccess(t *testing.T) {
	t.Parallel()

	var readyCalled int
	w := NewWatcher(WatcherConfig{
		Name:    "test-immediate",
		Probe:   func(ctx context.Context) error { return nil },
		Clock:   newFakeClock(),
		OnReady: func() { readyCalled++ },
		Logger:  quietLogger(),
	})

	if w.IsReady() {
		t.Fatal("new watcher should not be ready")
	}
	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !w.IsReady() {
		t.Error("expected IsReady() == true after successful probe")
	}
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}

	// A second success is not a transition.
	w.Check(context.Background())
	if readyCalled != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled)
	}
}

func TestWatcher_ReadyDownTransitions(t *testing.T) {
	t.Parallel()

	var events []string
	w := NewWatcher(WatcherConfig{
		Name:    "broker",
		Clock:   newFakeClock(),
		OnReady: func() { events = append(events, "ready") },
		OnDown:  func(err error) { events = append(events, "down:"+err.Error()) },
		Logger:  quietLogger(),
	})

	w.Record(errors.New("refused"))
	w.Record(nil)
	w.Record(errors.New("eof"))
	w.Record(errors.New("eof"))
	w.Record(nil)

	want := []string{"ready", "down:eof", "ready"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestWatcher_StatusTracksFailures(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	w := NewWatcher(WatcherConfig{Name: "link", Clock: clk, Logger: quietLogger()})

	w.Record(errors.New("no route"))
	w.Record(errors.New("no route"))

	s := w.Status()
	if s.Name != "link" {
		t.Errorf("Name = %q, want link", s.Name)
	}
	if s.Ready {
		t.Error("Ready = true, want false")
	}
	if s.Failures != 2 {
		t.Errorf("Failures = %d, want 2", s.Failures)
	}
	if s.LastError != "no route" {
		t.Errorf("LastError = %q, want %q", s.LastError, "no route")
	}
	if !s.LastCheck.Equal(clk.Now()) {
		t.Errorf("LastCheck = %v, want %v", s.LastCheck, clk.Now())
	}

	w.Record(nil)
	if s := w.Status(); s.Failures != 0 || s.LastError != "" {
		t.Errorf("after success Status = %+v, want no failures", s)
	}
}

func TestWatcher_FixedBackoff(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	start := clk.Now()
	w := NewWatcher(WatcherConfig{Name: "broker", Clock: clk, Logger: quietLogger()})

	for range 3 {
		if !w.Backoff(context.Background()) {
			t.Fatal("Backoff() = false, want true")
		}
	}
	if got := clk.Now().Sub(start); got != 3*time.Second {
		t.Errorf("elapsed = %v, want 3s", got)
	}
}

func TestWatcher_ExponentialBackoffResetsOnSuccess(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	w := NewWatcher(WatcherConfig{
		Name:  "broker",
		Clock: clk,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     300 * time.Millisecond,
			Multiplier:   2,
		},
		Logger: quietLogger(),
	})

	var delays []time.Duration
	for range 4 {
		before := clk.Now()
		w.Backoff(context.Background())
		delays = append(delays, clk.Now().Sub(before))
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}

	w.Record(nil)
	before := clk.Now()
	w.Backoff(context.Background())
	if got := clk.Now().Sub(before); got != 100*time.Millisecond {
		t.Errorf("delay after success = %v, want 100ms", got)
	}
}

func TestWatcher_BackoffCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWatcher(WatcherConfig{Name: "broker", Clock: newFakeClock(), Logger: quietLogger()})
	if w.Backoff(ctx) {
		t.Error("Backoff() = true on cancelled context, want false")
	}
}

func TestWatcher_CheckAppliesTimeout(t *testing.T) {
	t.Parallel()

	w := NewWatcher(WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: BackoffConfig{ProbeTimeout: 10 * time.Millisecond},
		Logger:  quietLogger(),
	})

	err := w.Check(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Check() error = %v, want DeadlineExceeded", err)
	}
}

func TestNewWatcher_PanicsOnEmptyName(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for empty Name")
		}
	}()
	NewWatcher(WatcherConfig{})
}

func TestResolveProbe_IPLiteral(t *testing.T) {
	t.Parallel()
	for _, host := range []string{"127.0.0.1", "::1"} {
		if err := ResolveProbe(host)(context.Background()); err != nil {
			t.Errorf("ResolveProbe(%q) error = %v", host, err)
		}
	}
}

func TestManager_StatusAndReady(t *testing.T) {
	t.Parallel()

	m := NewManager(quietLogger())
	link := m.Watch(WatcherConfig{Name: "link", Clock: newFakeClock()})
	broker := m.Watch(WatcherConfig{Name: "broker", Clock: newFakeClock()})

	link.Record(nil)
	broker.Record(errors.New("refused"))

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	if !status["link"].Ready {
		t.Error("link should be ready")
	}
	if status["broker"].Ready {
		t.Error("broker should not be ready")
	}

	ok, down := m.Ready()
	if ok {
		t.Error("Ready() = true, want false")
	}
	if len(down) != 1 || down[0] != "broker" {
		t.Errorf("down = %v, want [broker]", down)
	}

	broker.Record(nil)
	if ok, down := m.Ready(); !ok || len(down) != 0 {
		t.Errorf("Ready() = %v, %v; want true, []", ok, down)
	}
}
