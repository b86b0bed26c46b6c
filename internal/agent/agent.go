// Package agent implements the telemetry control loop.
//
// The loop owns the connection lifecycle as a small state machine:
//
//	Disconnected → LinkUp → ClockValid → SessionEstablished
//
// Each [Agent.Step] first makes sure a session is live (bringing one
// up if not), then polls it for inbound messages, reads the sensor
// without blocking, forwards the reading to the display, and
// publishes it when the publish interval has elapsed. Any transport
// failure drops the state back to Disconnected and the next Step
// starts over. Clock validation happens at most once per process.
//
// Everything here runs on one goroutine. Dependencies are interfaces
// so the loop can be driven tick by tick against fakes and a fake
// clock.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/envagent/internal/clock"
	"github.com/nugget/envagent/internal/connwatch"
	"github.com/nugget/envagent/internal/credstore"
	"github.com/nugget/envagent/internal/display"
	"github.com/nugget/envagent/internal/mqtt"
	"github.com/nugget/envagent/internal/sensor"
	"github.com/nugget/envagent/internal/telemetry"
)

// ErrClockInvalid is returned by Run and Step when clock
// synchronization fails and a valid clock is required.
var ErrClockInvalid = errors.New("agent: wall clock could not be validated")

// ConnectionState is the agent's position in the bring-up sequence.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	LinkUp
	ClockValid
	SessionEstablished
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case LinkUp:
		return "LinkUp"
	case ClockValid:
		return "ClockValid"
	case SessionEstablished:
		return "SessionEstablished"
	}
	return fmt.Sprintf("ConnectionState(%d)", int32(s))
}

// ClockSyncer validates the wall clock. *clocksync.Synchronizer
// implements it.
type ClockSyncer interface {
	Synchronize(ctx context.Context) error
}

// Dialer opens MQTT sessions. *mqtt.Dialer implements it.
type Dialer interface {
	Establish(ctx context.Context, ep mqtt.Endpoint, id mqtt.Identity, trustAnchor []byte, clientID string) (mqtt.Session, error)
}

// CredentialStore supplies TLS material. *credstore.Store implements it.
type CredentialStore interface {
	Load(ctx context.Context) (credstore.Credentials, error)
}

// Recorder receives operational counters. *metrics.Recorder
// implements it.
type Recorder interface {
	PublishSucceeded()
	PublishFailed()
	BringUp(result string)
	Reading(r sensor.Reading)
	SensorNotReady()
	InboundDelivered()
	State(name string)
	ClockSynchronized()
}

// Options are the fixed parameters of an Agent.
type Options struct {
	// DeviceID identifies the device in telemetry and is the MQTT
	// client ID.
	DeviceID string

	// Endpoint is the broker address.
	Endpoint mqtt.Endpoint

	// PublishTopic receives telemetry.
	PublishTopic string

	// SubscribeTopic is subscribed for inbound display messages.
	// Optional.
	SubscribeTopic string

	// AvailabilityTopic receives a retained "online" after each
	// bring-up and "offline" on shutdown. Optional.
	AvailabilityTopic string

	// Announce are extra retained messages (discovery configs)
	// published after each bring-up. Optional.
	Announce []mqtt.RetainedMessage

	// PublishInterval is the minimum time between publishes
	// (default: 1s).
	PublishInterval time.Duration

	// RetryDelay is the pause after a failed bring-up (default: 1s).
	RetryDelay time.Duration

	// RequireClockSync makes a clock synchronization timeout fatal.
	// When false the agent logs it and carries on with the clock it has.
	RequireClockSync bool
}

// Deps are the collaborators of an Agent. Sensor, ClockSync, Dialer
// and Credentials are required.
type Deps struct {
	Sensor      sensor.Source
	ClockSync   ClockSyncer
	Dialer      Dialer
	Credentials CredentialStore

	// Clock drives publish cadence and retry delays (default: clock.Real()).
	Clock clock.Clock

	// Sink receives operator output (default: display.Nop).
	Sink display.Sink

	// Recorder receives counters. Optional.
	Recorder Recorder

	// Watch registers the link and broker watchers for health
	// reporting (default: a private manager).
	Watch *connwatch.Manager

	// LinkProbe checks network reachability before each bring-up
	// (default: resolve the broker host).
	LinkProbe connwatch.ProbeFunc

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Agent is the telemetry control loop.
type Agent struct {
	opts   Options
	deps   Deps
	clock  clock.Clock
	sink   display.Sink
	rec    Recorder
	logger *slog.Logger

	link    *connwatch.Watcher
	broker  *connwatch.Watcher
	inbound mqtt.Handler

	state       atomic.Int32
	clockValid  bool
	session     mqtt.Session
	lastPublish time.Time
}

// New builds an Agent. The publish interval is measured from the
// moment New is called.
func New(opts Options, deps Deps) *Agent {
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Sink == nil {
		deps.Sink = display.Nop{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Watch == nil {
		deps.Watch = connwatch.NewManager(deps.Logger)
	}
	if deps.LinkProbe == nil {
		deps.LinkProbe = connwatch.ResolveProbe(opts.Endpoint.Host)
	}

	retry := connwatch.BackoffConfig{
		InitialDelay: opts.RetryDelay,
		MaxDelay:     opts.RetryDelay,
		Multiplier:   1,
	}

	a := &Agent{
		opts:        opts,
		deps:        deps,
		clock:       deps.Clock,
		sink:        deps.Sink,
		rec:         deps.Recorder,
		logger:      deps.Logger.With("component", "agent"),
		lastPublish: deps.Clock.Now(),
	}
	a.inbound = mqtt.LogHandler(a.logger)
	a.link = deps.Watch.Watch(connwatch.WatcherConfig{
		Name:    "link",
		Probe:   deps.LinkProbe,
		Backoff: retry,
		Clock:   deps.Clock,
		Logger:  deps.Logger,
	})
	a.broker = deps.Watch.Watch(connwatch.WatcherConfig{
		Name:    "broker",
		Backoff: retry,
		Clock:   deps.Clock,
		Logger:  deps.Logger,
	})
	a.rec.State(Disconnected.String())
	return a
}

// State returns the current connection state. Safe for concurrent use.
func (a *Agent) State() ConnectionState {
	return ConnectionState(a.state.Load())
}

// ClockValidated reports whether the clock gate has been passed.
func (a *Agent) ClockValidated() bool {
	return a.clockValid
}

// Run initializes the sensor and then steps the loop until ctx is
// cancelled or a fatal error occurs. A missing sensor is fatal before
// any network activity. Cancellation is a clean exit and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.deps.Sensor.Init(ctx); err != nil {
		a.sink.Status("Sensor not found")
		return fmt.Errorf("sensor init: %w", err)
	}
	a.logger.Info("sensor initialized")
	defer a.shutdown()

	for ctx.Err() == nil {
		if err := a.Step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	a.logger.Info("agent loop stopped")
	return nil
}

// Step runs one loop iteration. It returns an error only for fatal
// conditions (sensor gone, clock required but invalid) or context
// cancellation; transport failures are handled internally.
func (a *Agent) Step(ctx context.Context) error {
	if a.session != nil && !a.session.IsConnected() {
		a.linkDown(ctx, fmt.Errorf("%w: link dropped", mqtt.ErrNotConnected))
	}

	if a.session == nil {
		if err := a.bringUp(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClockInvalid) {
				return err
			}
			a.logger.Warn("bring-up failed", "state", a.State().String(), "error", err)
			a.setState(Disconnected)
			if !a.broker.Backoff(ctx) {
				return ctx.Err()
			}
			return nil
		}
	}

	if err := a.session.Poll(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.linkDown(ctx, err)
		return nil
	}

	r, err := a.deps.Sensor.Read(ctx)
	switch {
	case errors.Is(err, sensor.ErrNotReady):
		a.rec.SensorNotReady()
		return nil
	case errors.Is(err, sensor.ErrDeviceAbsent):
		a.sink.Status("Sensor lost")
		return fmt.Errorf("sensor read: %w", err)
	case err != nil:
		a.logger.Warn("sensor read failed", "error", err)
		return nil
	}

	a.sink.Readings(r)
	a.rec.Reading(r)

	if now := a.clock.Now(); now.Sub(a.lastPublish) >= a.opts.PublishInterval {
		a.lastPublish = now
		a.publish(ctx, r)
	}
	return nil
}

// bringUp walks Disconnected → SessionEstablished. On return with a
// nil error a.session is live.
func (a *Agent) bringUp(ctx context.Context) error {
	a.setState(Disconnected)

	if err := a.link.Check(ctx); err != nil {
		a.rec.BringUp("link")
		return fmt.Errorf("link: %w", err)
	}
	a.setState(LinkUp)

	if !a.clockValid {
		if err := a.syncClock(ctx); err != nil {
			return err
		}
	}
	a.setState(ClockValid)

	creds, err := a.deps.Credentials.Load(ctx)
	if err != nil {
		a.rec.BringUp("credentials")
		return fmt.Errorf("credentials: %w", err)
	}

	a.sink.Status("MQTT connecting")
	id := mqtt.Identity{Certificate: creds.Certificate, PrivateKey: creds.PrivateKey}
	s, err := a.deps.Dialer.Establish(ctx, a.opts.Endpoint, id, creds.TrustAnchor, a.opts.DeviceID)
	if err != nil {
		a.broker.Record(err)
		a.rec.BringUp("session")
		return err
	}

	if a.opts.SubscribeTopic != "" {
		if err := s.Subscribe(ctx, a.opts.SubscribeTopic, a.handleInbound); err != nil {
			if cerr := s.Close(ctx); cerr != nil {
				a.logger.Debug("session close failed", "error", cerr)
			}
			a.broker.Record(err)
			a.rec.BringUp("subscribe")
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	a.session = s
	a.broker.Record(nil)
	a.announce(ctx)
	a.setState(SessionEstablished)
	a.rec.BringUp("ok")
	a.sink.Status("MQTT connected")
	return nil
}

// syncClock runs the one-time clock gate. It marks the gate passed on
// success, and on a timeout when a valid clock is not required.
func (a *Agent) syncClock(ctx context.Context) error {
	a.sink.Status("Sync time")
	err := a.deps.ClockSync.Synchronize(ctx)
	switch {
	case err == nil:
		a.rec.ClockSynchronized()
		a.sink.Status("Time synced")
	case ctx.Err() != nil:
		return ctx.Err()
	case a.opts.RequireClockSync:
		a.sink.Status("Time sync failed")
		return fmt.Errorf("%w: %w", ErrClockInvalid, err)
	default:
		a.logger.Warn("clock synchronization failed, continuing with unvalidated clock", "error", err)
		a.sink.Status("Time sync failed, continuing")
	}
	a.clockValid = true
	// Synchronization may have stepped the clock in either direction.
	a.lastPublish = a.clock.Now()
	return nil
}

// announce publishes availability and discovery when the session
// supports retained messages. Failures are logged and ignored.
func (a *Agent) announce(ctx context.Context) {
	rp, ok := a.session.(mqtt.RetainedPublisher)
	if !ok {
		return
	}
	msgs := a.opts.Announce
	if a.opts.AvailabilityTopic != "" {
		msgs = append([]mqtt.RetainedMessage{{
			Topic:   a.opts.AvailabilityTopic,
			Payload: []byte(mqtt.PayloadOnline),
		}}, msgs...)
	}
	if len(msgs) > 0 {
		mqtt.Announce(ctx, rp, msgs, a.logger)
	}
}

func (a *Agent) publish(ctx context.Context, r sensor.Reading) {
	if a.State() != SessionEstablished {
		return
	}

	payload, err := telemetry.Encode(a.opts.DeviceID, r)
	if err != nil {
		a.logger.Warn("telemetry encode failed, reading dropped", "error", err)
		a.rec.PublishFailed()
		return
	}

	if err := a.session.Publish(ctx, a.opts.PublishTopic, payload); err != nil {
		a.logger.Warn("telemetry publish failed, reading dropped",
			"topic", a.opts.PublishTopic,
			"error", err,
		)
		a.rec.PublishFailed()
		return
	}

	a.rec.PublishSucceeded()
	a.logger.Debug("telemetry published",
		"topic", a.opts.PublishTopic,
		"device_ts", r.DeviceTimestamp,
		"payload_size", len(payload),
	)
}

func (a *Agent) handleInbound(topic string, payload []byte) {
	a.inbound(topic, payload)
	a.sink.Message(topic, string(payload))
	a.rec.InboundDelivered()
}

// linkDown discards the session after a transport failure.
func (a *Agent) linkDown(ctx context.Context, err error) {
	a.logger.Warn("session lost", "error", err)
	a.broker.Record(err)
	if a.session != nil {
		if cerr := a.session.Close(ctx); cerr != nil {
			a.logger.Debug("session close failed", "error", cerr)
		}
		a.session = nil
	}
	a.setState(Disconnected)
	a.sink.Status("MQTT disconnected")
}

// shutdown marks the device offline and closes the session.
func (a *Agent) shutdown() {
	if a.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if rp, ok := a.session.(mqtt.RetainedPublisher); ok && a.opts.AvailabilityTopic != "" && a.session.IsConnected() {
		if err := rp.PublishRetained(ctx, a.opts.AvailabilityTopic, []byte(mqtt.PayloadOffline)); err != nil {
			a.logger.Debug("offline availability publish failed", "error", err)
		}
	}
	if err := a.session.Close(ctx); err != nil {
		a.logger.Debug("session close failed", "error", err)
	}
	a.session = nil
	a.setState(Disconnected)
}

func (a *Agent) setState(s ConnectionState) {
	prev := ConnectionState(a.state.Swap(int32(s)))
	if prev == s {
		return
	}
	a.logger.Debug("connection state changed", "from", prev.String(), "to", s.String())
	a.rec.State(s.String())
}

type nopRecorder struct{}

func (nopRecorder) PublishSucceeded()      {}
func (nopRecorder) PublishFailed()         {}
func (nopRecorder) BringUp(string)         {}
func (nopRecorder) Reading(sensor.Reading) {}
func (nopRecorder) SensorNotReady()        {}
func (nopRecorder) InboundDelivered()      {}
func (nopRecorder) State(string)           {}
func (nopRecorder) ClockSynchronized()     {}
