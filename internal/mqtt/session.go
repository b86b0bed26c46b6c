package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nugget/envagent/internal/clock"
)

var (
	// ErrLinkFailed means the broker could not be reached at the
	// transport level (DNS, routing, refused TCP connection, timeout).
	ErrLinkFailed = errors.New("mqtt: link failed")

	// ErrHandshakeFailed means TLS negotiation failed: untrusted broker
	// certificate, bad client credentials, or certificate validity
	// outside the current clock.
	ErrHandshakeFailed = errors.New("mqtt: tls handshake failed")

	// ErrProtocolRejected means TLS succeeded but the broker did not
	// establish an MQTT session (CONNACK refusal or connection closed
	// during CONNECT).
	ErrProtocolRejected = errors.New("mqtt: session rejected")

	// ErrNotConnected is returned by session operations after the link
	// has dropped or the session was closed.
	ErrNotConnected = errors.New("mqtt: not connected")
)

// Supported protocol versions.
const (
	ProtocolV311 = "3.1.1"
	ProtocolV5   = "5"
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Endpoint is a broker address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Identity is the client certificate chain and private key, both PEM.
type Identity struct {
	Certificate []byte
	PrivateKey  []byte
}

// Handler receives an inbound message. It is invoked synchronously
// from [Session.Poll] and must not retain payload.
type Handler func(topic string, payload []byte)

// Session is an established MQTT session. Methods other than
// IsConnected must be called from a single goroutine.
type Session interface {
	// Subscribe registers h for messages matching topic (QoS 0).
	Subscribe(ctx context.Context, topic string, h Handler) error

	// Publish sends payload at QoS 0, not retained. It returns an
	// error wrapping ErrNotConnected once the link has dropped.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Poll delivers queued inbound messages to their handlers, waiting
	// at most the configured poll timeout for the first one. It
	// returns an error wrapping ErrNotConnected after link loss.
	Poll(ctx context.Context) error

	// IsConnected reports whether the link is still up.
	IsConnected() bool

	// Close disconnects cleanly. It is safe to call more than once.
	Close(ctx context.Context) error
}

// RetainedPublisher is implemented by sessions that can publish
// retained messages, used for availability and discovery.
type RetainedPublisher interface {
	PublishRetained(ctx context.Context, topic string, payload []byte) error
}

// Will is the last-will message the broker publishes (retained) if
// the session ends without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
}

// DialFunc opens the transport connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Dialer. Zero values take the defaults noted on
// each field.
type Options struct {
	// Protocol is ProtocolV311 (default) or ProtocolV5.
	Protocol string

	// KeepAlive is the MQTT keep-alive interval (default: 30s).
	KeepAlive time.Duration

	// ConnectTimeout bounds the whole Establish call (default: 10s).
	ConnectTimeout time.Duration

	// ALPN protocols to offer, e.g. "x-amzn-mqtt-ca" for AWS IoT on 443.
	ALPN []string

	// PollTimeout is the longest Poll waits for a message (default: 50ms).
	PollTimeout time.Duration

	// InboundQueue is the inbound queue capacity (default: 32).
	InboundQueue int

	// InboundRateLimit caps inbound messages per second; excess
	// messages are dropped. Zero means unlimited.
	InboundRateLimit int

	// Will is registered with the broker on CONNECT. Optional.
	Will *Will

	// Clock supplies the time used for certificate validity and poll
	// waits (default: clock.Real()). Pass the synchronized clock.
	Clock clock.Clock

	// Dial opens the TCP connection (default: proxy.Dial, which honours
	// ALL_PROXY and NO_PROXY).
	Dial DialFunc
}

func (o *Options) applyDefaults() {
	if o.Protocol == "" {
		o.Protocol = ProtocolV311
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 50 * time.Millisecond
	}
	if o.InboundQueue <= 0 {
		o.InboundQueue = 32
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Dial == nil {
		o.Dial = proxy.Dial
	}
}

// InboundStats are cumulative inbound message counters across every
// session a Dialer has produced.
type InboundStats struct {
	Received    int64
	RateLimited int64
	Overflowed  int64
}

type inboundCounters struct {
	received    atomic.Int64
	rateLimited atomic.Int64
	overflowed  atomic.Int64
}

// Dialer establishes sessions.
type Dialer struct {
	opts   Options
	logger *slog.Logger
	stats  inboundCounters
}

// NewDialer returns a Dialer. A nil logger uses slog.Default().
func NewDialer(opts Options, logger *slog.Logger) (*Dialer, error) {
	opts.applyDefaults()
	if opts.Protocol != ProtocolV311 && opts.Protocol != ProtocolV5 {
		return nil, fmt.Errorf("unsupported mqtt protocol %q (want %q or %q)", opts.Protocol, ProtocolV311, ProtocolV5)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{opts: opts, logger: logger}, nil
}

// Stats returns cumulative inbound counters.
func (d *Dialer) Stats() InboundStats {
	return InboundStats{
		Received:    d.stats.received.Load(),
		RateLimited: d.stats.rateLimited.Load(),
		Overflowed:  d.stats.overflowed.Load(),
	}
}

// Establish makes a single attempt to open a session to ep,
// authenticating with id and trusting only trustAnchor (PEM).
func (d *Dialer) Establish(ctx context.Context, ep Endpoint, id Identity, trustAnchor []byte, clientID string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	logger := d.logger.With("broker", ep.String(), "client_id", clientID, "protocol", d.opts.Protocol)

	conn, err := d.dialTLS(ctx, ep, id, trustAnchor)
	if err != nil {
		return nil, err
	}

	in := newInbox(d.opts.InboundQueue, d.opts.PollTimeout, d.opts.InboundRateLimit, d.opts.Clock, &d.stats, logger)

	var s Session
	switch d.opts.Protocol {
	case ProtocolV5:
		s, err = connectV5(ctx, conn, clientID, d.opts, in, logger)
	default:
		s, err = connectV311(ctx, conn, ep, clientID, d.opts, in, logger)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocolRejected, ep, err)
	}

	logger.Info("mqtt session established")
	return s, nil
}
