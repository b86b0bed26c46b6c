// Package metrics exposes the agent's operational counters in
// Prometheus format, together with a small HTTP server that serves
// /metrics, /healthz and /version.
//
// Collectors live on a private registry rather than the global default
// so tests can build as many Recorders as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/envagent/internal/buildinfo"
	"github.com/nugget/envagent/internal/mqtt"
	"github.com/nugget/envagent/internal/sensor"
)

const namespace = "envagent"

// Recorder owns every collector the agent updates.
type Recorder struct {
	registry *prometheus.Registry

	publishes      *prometheus.CounterVec
	bringups       *prometheus.CounterVec
	readings       prometheus.Counter
	sensorNotReady prometheus.Counter
	inbound        prometheus.Counter
	state          *prometheus.GaugeVec
	lastReading    *prometheus.GaugeVec
	clockSynced    prometheus.Gauge
}

// New creates a Recorder with its own registry, including Go runtime
// and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_publishes_total",
			Help:      "Telemetry publish attempts by result.",
		}, []string{"result"}),
		bringups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_bringups_total",
			Help:      "Session bring-up attempts by outcome (ok or the failing stage).",
		}, []string{"result"}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_readings_total",
			Help:      "Completed sensor measurements.",
		}),
		sensorNotReady: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_not_ready_total",
			Help:      "Loop iterations where the sensor had no new measurement.",
		}),
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_delivered_total",
			Help:      "Inbound MQTT messages delivered to the display.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		lastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reading",
			Help:      "Most recent sensor value by quantity (celsius, percent, hectopascal, ohm).",
		}, []string{"quantity"}),
		clockSynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_synchronized",
			Help:      "1 once the wall clock has passed validation.",
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build metadata; always 1.",
		ConstLabels: prometheus.Labels{"version": buildinfo.Version, "commit": buildinfo.GitCommit},
	})
	buildInfo.Set(1)

	r.registry.MustRegister(
		r.publishes,
		r.bringups,
		r.readings,
		r.sensorNotReady,
		r.inbound,
		r.state,
		r.lastReading,
		r.clockSynced,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// PublishSucceeded counts a telemetry message handed to the broker.
func (r *Recorder) PublishSucceeded() {
	r.publishes.WithLabelValues("ok").Inc()
}

// PublishFailed counts a telemetry message that was dropped.
func (r *Recorder) PublishFailed() {
	r.publishes.WithLabelValues("error").Inc()
}

// BringUp counts a session bring-up attempt. result is "ok" or the
// name of the stage that failed.
func (r *Recorder) BringUp(result string) {
	r.bringups.WithLabelValues(result).Inc()
}

// Reading records a completed measurement.
func (r *Recorder) Reading(rd sensor.Reading) {
	r.readings.Inc()
	r.lastReading.WithLabelValues("temperature").Set(rd.Temperature)
	r.lastReading.WithLabelValues("humidity").Set(rd.Humidity)
	r.lastReading.WithLabelValues("pressure").Set(rd.Pressure)
	r.lastReading.WithLabelValues("gas_resistance").Set(rd.GasResistance)
}

// SensorNotReady counts a skipped loop iteration.
func (r *Recorder) SensorNotReady() {
	r.sensorNotReady.Inc()
}

// InboundDelivered counts an inbound message shown to the operator.
func (r *Recorder) InboundDelivered() {
	r.inbound.Inc()
}

// State marks name as the current connection state.
func (r *Recorder) State(name string) {
	r.state.Reset()
	r.state.WithLabelValues(name).Set(1)
}

// ClockSynchronized marks the clock gate as passed.
func (r *Recorder) ClockSynchronized() {
	r.clockSynced.Set(1)
}

// WatchInbound exports a dialer's cumulative inbound counters.
func (r *Recorder) WatchInbound(stats func() mqtt.InboundStats) {
	r.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_received_total",
			Help:      "Inbound MQTT messages received from the broker.",
		}, func() float64 { return float64(stats().Received) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_rate_limited_total",
			Help:      "Inbound MQTT messages dropped by the rate limiter.",
		}, func() float64 { return float64(stats().RateLimited) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_overflowed_total",
			Help:      "Inbound MQTT messages dropped because the queue was full.",
		}, func() float64 { return float64(stats().Overflowed) }),
	)
}
