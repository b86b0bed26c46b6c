package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// disconnectQuiesce is how long Disconnect waits for in-flight work, in ms.
const disconnectQuiesce = 250

// sessionV311 is an MQTT 3.1.1 session on the classic Paho client.
type sessionV311 struct {
	client pahomqtt.Client
	in     *inbox
	logger *slog.Logger
	closed atomic.Bool
}

func connectV311(ctx context.Context, conn net.Conn, ep Endpoint, clientID string, opts Options, in *inbox, logger *slog.Logger) (*sessionV311, error) {
	// The client insists on opening its own connection; hand it the
	// one already dialed and authenticated, exactly once.
	var handedOff atomic.Bool
	open := func(*url.URL, pahomqtt.ClientOptions) (net.Conn, error) {
		if !handedOff.CompareAndSwap(false, true) {
			return nil, errors.New("connection already used")
		}
		return conn, nil
	}

	co := pahomqtt.NewClientOptions().
		AddBroker("tls://" + ep.String()).
		SetClientID(clientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetCustomOpenConnectionFn(open).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			in.linkLost(err)
		})
	if opts.Will != nil {
		co.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, 1, true)
	}

	s := &sessionV311{client: pahomqtt.NewClient(co), in: in, logger: logger}
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sessionV311) Subscribe(ctx context.Context, topic string, h Handler) error {
	if err := s.usable(); err != nil {
		return err
	}
	tok := s.client.Subscribe(topic, 0, func(_ pahomqtt.Client, m pahomqtt.Message) {
		s.in.push(m.Topic(), m.Payload())
	})
	if err := waitToken(ctx, tok); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.in.subscribe(topic, h)
	s.logger.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (s *sessionV311) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.publish(ctx, topic, payload, false)
}

func (s *sessionV311) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return s.publish(ctx, topic, payload, true)
}

func (s *sessionV311) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := waitToken(ctx, s.client.Publish(topic, 0, retain, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (s *sessionV311) Poll(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session closed", ErrNotConnected)
	}
	if !s.client.IsConnectionOpen() {
		s.in.linkLost(errors.New("connection not open"))
	}
	return s.in.poll(ctx)
}

func (s *sessionV311) IsConnected() bool {
	return !s.closed.Load() && !s.in.isLost() && s.client.IsConnectionOpen()
}

func (s *sessionV311) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	wasUp := !s.in.isLost()
	s.in.linkLost(errors.New("session closed"))
	if wasUp {
		s.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

func (s *sessionV311) usable() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session closed", ErrNotConnected)
	}
	return s.in.lostErr()
}

// waitToken waits for a Paho token to complete or ctx to end.
func waitToken(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
