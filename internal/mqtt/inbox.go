package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/envagent/internal/clock"
)

// LogHandler returns a [Handler] that logs received messages at debug
// level with structured fields. Telemetry-shaped JSON payloads have
// their device ID extracted; anything else is logged with topic and
// size only.
func LogHandler(logger *slog.Logger) Handler {
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		var doc map[string]any
		if err := json.Unmarshal(payload, &doc); err == nil {
			if id, ok := doc["deviceId"]; ok {
				fields = append(fields, "device_id", id)
			}
		}

		logger.Debug("mqtt message received", fields...)
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters because it runs on the MQTT library's delivery goroutine.
// The window rolls over lazily on the first message after it expires.
type messageRateLimiter struct {
	count       atomic.Int64
	dropped     atomic.Int64
	windowStart atomic.Int64
	limit       int64
	interval    time.Duration
	logger      *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. A limit of zero or less allows everything.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false. At each window boundary the
// counters reset and a warning is logged if anything was dropped.
func (r *messageRateLimiter) allow(now time.Time) bool {
	if r.limit <= 0 {
		return true
	}

	start := r.windowStart.Load()
	if now.UnixNano()-start >= int64(r.interval) && r.windowStart.CompareAndSwap(start, now.UnixNano()) {
		count := r.count.Swap(0)
		dropped := r.dropped.Swap(0)
		if dropped > 0 {
			r.logger.Warn("mqtt messages dropped due to rate limit",
				"received", count,
				"dropped", dropped,
				"interval", r.interval.String(),
				"limit", r.limit,
			)
		}
	}

	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

type inboundMessage struct {
	topic   string
	payload []byte
}

type subscription struct {
	filter  string
	handler Handler
}

// inbox is the hand-off between the MQTT library's goroutines and the
// goroutine that calls Poll. Library callbacks only call push and
// linkLost; everything else runs on the polling goroutine.
type inbox struct {
	queue   chan inboundMessage
	wait    time.Duration
	clock   clock.Clock
	limiter *messageRateLimiter
	stats   *inboundCounters
	logger  *slog.Logger

	subs []subscription

	lostOnce sync.Once
	lost     chan struct{}
	cause    error
}

func newInbox(capacity int, wait time.Duration, ratePerSecond int, clk clock.Clock, stats *inboundCounters, logger *slog.Logger) *inbox {
	return &inbox{
		queue:   make(chan inboundMessage, capacity),
		wait:    wait,
		clock:   clk,
		limiter: newMessageRateLimiter(int64(ratePerSecond), time.Second, logger),
		stats:   stats,
		logger:  logger,
		lost:    make(chan struct{}),
	}
}

// push enqueues a message without blocking. Called from library
// goroutines.
func (in *inbox) push(topic string, payload []byte) {
	in.stats.received.Add(1)
	if !in.limiter.allow(in.clock.Now()) {
		in.stats.rateLimited.Add(1)
		return
	}

	msg := inboundMessage{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case in.queue <- msg:
	default:
		in.stats.overflowed.Add(1)
		in.logger.Warn("mqtt inbound queue full, message dropped",
			"topic", topic,
			"capacity", cap(in.queue),
		)
	}
}

// linkLost records the first transport failure. Safe to call from any
// goroutine, any number of times.
func (in *inbox) linkLost(err error) {
	in.lostOnce.Do(func() {
		if err == nil {
			err = fmt.Errorf("connection closed")
		}
		in.cause = err
		close(in.lost)
	})
}

// isLost reports whether linkLost has been called.
func (in *inbox) isLost() bool {
	select {
	case <-in.lost:
		return true
	default:
		return false
	}
}

// lostErr returns nil while the link is up, otherwise an error
// wrapping ErrNotConnected and the recorded cause.
func (in *inbox) lostErr() error {
	if !in.isLost() {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNotConnected, in.cause)
}

func (in *inbox) subscribe(filter string, h Handler) {
	in.subs = append(in.subs, subscription{filter: filter, handler: h})
}

// poll delivers queued messages, waiting up to in.wait for the first
// one, and reports link loss.
func (in *inbox) poll(ctx context.Context) error {
	if in.drain() == 0 && !in.isLost() {
		select {
		case msg := <-in.queue:
			in.dispatch(msg)
			in.drain()
		case <-in.lost:
		case <-ctx.Done():
			return ctx.Err()
		case <-in.clock.After(in.wait):
		}
	}
	return in.lostErr()
}

// drain delivers at most one queue's worth of already-queued messages
// so a flood cannot hold the caller indefinitely.
func (in *inbox) drain() int {
	n := 0
	for n < cap(in.queue) {
		select {
		case msg := <-in.queue:
			in.dispatch(msg)
			n++
		default:
			return n
		}
	}
	return n
}

func (in *inbox) dispatch(msg inboundMessage) {
	for _, s := range in.subs {
		if matchTopic(s.filter, msg.topic) {
			s.handler(msg.topic, msg.payload)
			return
		}
	}
	in.logger.Debug("mqtt message with no matching subscription", "topic", msg.topic)
}

// matchTopic reports whether topic matches an MQTT topic filter with
// + and # wildcards.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
